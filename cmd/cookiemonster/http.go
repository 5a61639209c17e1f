package main

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/hgi/cookiemonster/jar"
	"github.com/hgi/cookiemonster/processor"
	"github.com/hgi/cookiemonster/registry"
	"github.com/hgi/cookiemonster/tools"
)

// HTTPService is the thin JSON reflector over the jar and the
// manager.  Stateless: one request per operation, no long polls.
type HTTPService struct {
	Addr string

	Jar     jar.CookieJar
	Manager *processor.Manager
	Rules   *registry.Registry
	Feed    *WSFeed

	server *http.Server
}

// puntf writes a JSON error body with the given status.
func puntf(w http.ResponseWriter, status int, format string, args ...interface{}) {
	s := fmt.Sprintf(format, args...)
	log.Println(s)

	msg := map[string]interface{}{
		"error": s,
	}
	js, err := json.Marshal(&msg)
	if err != nil {
		// Better than nothing?
		js = []byte(s)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, "%s\n", js)
}

// respond writes x as the JSON response body.
func respond(w http.ResponseWriter, x interface{}) {
	js, err := json.Marshal(&x)
	if err != nil {
		puntf(w, http.StatusInternalServerError, "marshal error %v on %#v", err, x)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "%s\n", js)
}

// acceptsJSON enforces the Accept contract: JSON endpoints require
// application/json in the Accept header.
func acceptsJSON(w http.ResponseWriter, r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/json") {
		return true
	}
	puntf(w, http.StatusNotAcceptable, "Accept header must include application/json")
	return false
}

// Mux builds the route table.
func (s *HTTPService) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "\"pong\"\n")
	})

	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		if r.Method != http.MethodGet {
			puntf(w, http.StatusMethodNotAllowed, "%s not allowed on /queue", r.Method)
			return
		}
		dirty, inFlight := s.Jar.Length()
		respond(w, map[string]interface{}{
			"queue_length": dirty + inFlight,
		})
	})

	mux.HandleFunc("/queue/reprocess", func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		if r.Method != http.MethodPost {
			puntf(w, http.StatusMethodNotAllowed, "%s not allowed on /queue/reprocess", r.Method)
			return
		}

		js, err := ioutil.ReadAll(r.Body)
		if err != nil {
			puntf(w, http.StatusBadRequest, "body read error %v", err)
			return
		}
		var body struct {
			Path string `json:"path"`
		}
		if err = json.Unmarshal(js, &body); err != nil {
			puntf(w, http.StatusBadRequest, "unmarshal error %v on %s", err, js)
			return
		}
		if body.Path == "" {
			puntf(w, http.StatusBadRequest, "need a path")
			return
		}

		s.Jar.MarkDirty(body.Path)

		respond(w, map[string]interface{}{
			"path": body.Path,
		})
	})

	mux.HandleFunc("/cookiejar", s.cookie)
	mux.HandleFunc("/cookiejar/", s.cookie)

	mux.HandleFunc("/debug/threads", func(w http.ResponseWriter, r *http.Request) {
		if !acceptsJSON(w, r) {
			return
		}
		respond(w, s.Manager.DumpThreads())
	})

	mux.HandleFunc("/debug/rules", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		rules := processor.RuleSnapshot(s.Rules)
		if err := tools.RulesHTMLPage(rules, w); err != nil {
			log.Printf("rules render error %s", err)
		}
	})

	if s.Feed != nil {
		mux.HandleFunc("/notifications", s.Feed.Handle)
	}

	return mux
}

// Start begins serving.
func (s *HTTPService) Start() error {
	s.server = &http.Server{
		Addr:           s.Addr,
		Handler:        s.Mux(),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Printf("Starting HTTP service on %s", s.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ListenAndServe error %v", err)
		}
	}()

	return nil
}

// Stop closes the HTTP listener.
func (s *HTTPService) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

// cookie handles GET and DELETE of /cookiejar/<id> and
// /cookiejar?identifier=<id>.
//
// Identifiers beginning with "/" must use the query-string form; the
// path form can't carry them.
func (s *HTTPService) cookie(w http.ResponseWriter, r *http.Request) {
	if !acceptsJSON(w, r) {
		return
	}

	id := r.URL.Query().Get("identifier")
	if id == "" {
		id = strings.TrimPrefix(r.URL.Path, "/cookiejar")
		id = strings.TrimPrefix(id, "/")
	}
	if id == "" {
		puntf(w, http.StatusBadRequest, "need an identifier")
		return
	}

	switch r.Method {
	case http.MethodGet:
		c, err := s.Jar.Fetch(id)
		if err != nil {
			puntf(w, http.StatusInternalServerError, "fetch %s error %v", id, err)
			return
		}
		if c == nil {
			puntf(w, http.StatusNotFound, "no cookie %s", id)
			return
		}
		respond(w, c.Enrichments)
	case http.MethodDelete:
		if err := s.Jar.Delete(id); err != nil {
			puntf(w, http.StatusInternalServerError, "delete %s error %v", id, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		puntf(w, http.StatusMethodNotAllowed, "%s not allowed on /cookiejar", r.Method)
	}
}
