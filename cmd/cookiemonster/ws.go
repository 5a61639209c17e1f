package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/hgi/cookiemonster/core"

	"github.com/gorilla/websocket"
)

// WSFeed streams broadcast notifications to websocket observers.
//
// The feed is itself a NotificationReceiver: register it on the
// notifier and point browsers at GET /notifications.  A client that
// can't keep up is dropped.
type WSFeed struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

func NewWSFeed() *WSFeed {
	return &WSFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]bool, 8),
	}
}

// Handle upgrades the request and keeps the connection until the
// client goes away.
func (f *WSFeed) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WSFeed upgrade error %s", err)
		return
	}

	f.mu.Lock()
	f.clients[conn] = true
	f.mu.Unlock()

	// Drain (and ignore) client frames so pings work and we notice
	// the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				f.drop(conn)
				return
			}
		}
	}()
}

func (f *WSFeed) drop(conn *websocket.Conn) {
	f.mu.Lock()
	if f.clients[conn] {
		delete(f.clients, conn)
		conn.Close()
	}
	f.mu.Unlock()
}

// Receive implements core.NotificationReceiver: write the
// notification to every connected client as one JSON message.
func (f *WSFeed) Receive(n core.Notification) {
	js, err := json.Marshal(&n)
	if err != nil {
		log.Printf("WSFeed marshal error %s", err)
		return
	}

	// Writes happen under the client-set lock: a websocket connection
	// allows one writer at a time, and Receive can be called from
	// several workers at once.  The write deadline drops a client
	// that can't keep up.
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		c.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, js); err != nil {
			log.Printf("WSFeed write error %s; dropping client", err)
			delete(f.clients, c)
			c.Close()
		}
	}
}

// Close drops every client.
func (f *WSFeed) Close() {
	f.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(f.clients))
	for c := range f.clients {
		conns = append(conns, c)
	}
	f.clients = make(map[*websocket.Conn]bool)
	f.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
