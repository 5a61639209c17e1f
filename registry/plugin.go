package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/hgi/cookiemonster/core"

	"github.com/dop251/goja"
	"github.com/gorhill/cronexpr"
)

// Plugin files are ECMAScript executed with Goja, which is a Go
// implementation of ECMAScript 5.1+.
//
// See https://github.com/dop251/goja.
//
// Each file runs in a fresh runtime.  The file registers its items by
// calling register(...); anything else it defines is private to the
// file.  A Goja runtime is not safe for concurrent use, so every item
// loaded from a file shares that file's runtime mutex.

var alphabet = []byte("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")

func gensym(n int) string {
	bs := make([]byte, n)
	for i := 0; i < len(bs); i++ {
		bs[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(bs)
}

// plugin is one loaded file's runtime.
type plugin struct {
	sync.Mutex
	rt *goja.Runtime
}

// call invokes a plugin function under the runtime mutex.
func (p *plugin) call(fn goja.Callable, args ...interface{}) (goja.Value, error) {
	p.Lock()
	defer p.Unlock()

	vs := make([]goja.Value, len(args))
	for i, a := range args {
		vs[i] = p.rt.ToValue(a)
	}
	return fn(goja.Undefined(), vs...)
}

// newRuntime makes a runtime with the standard plugin environment:
//
//	log(x): log x as JSON.
//	gensym(): generate a random string.
//	esc(s): URL query-escape the given string.
//	cronNext(expr): the next time matching the cron expression,
//	  as an RFC3339Nano string.
func newRuntime(filename string) *plugin {
	o := goja.New()
	p := &plugin{rt: o}

	o.Set("log", func(x interface{}) interface{} {
		if v, is := x.(goja.Value); is {
			x = v.Export()
		}
		js, err := json.Marshal(&x)
		if err != nil {
			log.Printf("plugin %s log (can't marshal: %s)", filename, err)
		} else {
			log.Printf("plugin %s: %s", filename, js)
		}
		return x
	})

	o.Set("gensym", func() interface{} {
		return gensym(32)
	})

	o.Set("esc", func(x interface{}) interface{} {
		if v, is := x.(goja.Value); is {
			x = v.Export()
		}
		s, is := x.(string)
		if !is {
			panic(o.ToValue("not a string"))
		}
		return url.QueryEscape(s)
	})

	o.Set("cronNext", func(x interface{}) interface{} {
		if v, is := x.(goja.Value); is {
			x = v.Export()
		}
		s, is := x.(string)
		if !is {
			panic(o.ToValue("not a string"))
		}
		c, err := cronexpr.Parse(s)
		if err != nil {
			panic(o.ToValue(err.Error()))
		}
		return c.Next(time.Now()).UTC().Format(time.RFC3339Nano)
	})

	return p
}

// exec runs one plugin file.  Each register(...) call in the file is
// handed to emit as a raw Goja value.
func exec(filename string, src []byte, emit func(p *plugin, v goja.Value) error) error {
	p := newRuntime(filename)

	var failed error
	p.rt.Set("register", func(v goja.Value) {
		if err := emit(p, v); err != nil {
			// Surface the bad registration as a file-level
			// load error.
			failed = err
			panic(p.rt.ToValue(err.Error()))
		}
	})

	if _, err := p.rt.RunScript(filename, string(src)); err != nil {
		if failed != nil {
			return failed
		}
		return err
	}

	return nil
}

// canonicalize maps a value through JSON so plugin code only ever sees
// JSON-shaped data.
func canonicalize(x interface{}) (interface{}, error) {
	js, err := json.Marshal(&x)
	if err != nil {
		return nil, err
	}
	var y interface{}
	if err = json.Unmarshal(js, &y); err != nil {
		return nil, err
	}
	return y, nil
}

// cookieArg renders a cookie for a plugin call.
func cookieArg(c *core.Cookie) (interface{}, error) {
	if c.Enrichments == nil {
		// Plugins always see an array, never null.
		acc := *c
		acc.Enrichments = core.Enrichments{}
		c = &acc
	}
	return canonicalize(c)
}

// export round-trips a plugin result into the given Go value.
func export(v goja.Value, into interface{}) error {
	x, err := canonicalize(v.Export())
	if err != nil {
		return err
	}
	js, err := json.Marshal(&x)
	if err != nil {
		return err
	}
	return json.Unmarshal(js, into)
}

func stringProp(o *goja.Object, name string) string {
	v := o.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func intProp(o *goja.Object, name string) int {
	v := o.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	return int(v.ToInteger())
}

func funcProp(o *goja.Object, name string) (goja.Callable, error) {
	v := o.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, fmt.Errorf("missing function %q", name)
	}
	fn, is := goja.AssertFunction(v)
	if !is {
		return nil, fmt.Errorf("%q is not a function", name)
	}
	return fn, nil
}

// Rules returns a LoadFunc for rule plugin files.
//
// A rule file calls
//
//	register({id: "r1", priority: 100, doc: "...",
//	          matches: function (cookie) {...},
//	          action: function (cookie) {...}})
//
// where action returns {notifications: [...], terminate: bool}.
func Rules() LoadFunc {
	return func(filename string, src []byte, register func(Entry) error) error {
		return exec(filename, src, func(p *plugin, v goja.Value) error {
			o := v.ToObject(p.rt)
			if o == nil {
				return errors.New("rule registration is not an object")
			}

			id := stringProp(o, "id")
			if id == "" {
				return errors.New("rule needs an id")
			}

			matches, err := funcProp(o, "matches")
			if err != nil {
				return fmt.Errorf("rule %q: %w", id, err)
			}
			action, err := funcProp(o, "action")
			if err != nil {
				return fmt.Errorf("rule %q: %w", id, err)
			}

			rule := &core.Rule{
				Id:       id,
				Doc:      stringProp(o, "doc"),
				Priority: intProp(o, "priority"),
				Matches: func(c *core.Cookie) (bool, error) {
					arg, err := cookieArg(c)
					if err != nil {
						return false, err
					}
					v, err := p.call(matches, arg)
					if err != nil {
						return false, err
					}
					return v.ToBoolean(), nil
				},
				Action: func(c *core.Cookie) (*core.RuleAction, error) {
					arg, err := cookieArg(c)
					if err != nil {
						return nil, err
					}
					v, err := p.call(action, arg)
					if err != nil {
						return nil, err
					}
					var act core.RuleAction
					if err := export(v, &act); err != nil {
						return nil, err
					}
					for i := range act.Notifications {
						if act.Notifications[i].Sender == "" {
							act.Notifications[i].Sender = id
						}
					}
					return &act, nil
				},
			}

			return register(Entry{
				Id:       rule.Id,
				Priority: rule.Priority,
				Item:     rule,
			})
		})
	}
}

// loadResult is what a loader plugin's load function returns.
type loadResult struct {
	Source    string        `json:"source"`
	Metadata  core.Metadata `json:"metadata"`
	Timestamp time.Time     `json:"timestamp"`
}

// Loaders returns a LoadFunc for enrichment-loader plugin files.
//
// A loader file calls
//
//	register({id: "l1", priority: 10,
//	          canEnrich: function (cookie) {...},
//	          load: function (cookie) { return {source: "...", metadata: {...}}; }})
//
// The enrichment's timestamp is assigned at load time unless the
// plugin supplies one.
func Loaders() LoadFunc {
	return func(filename string, src []byte, register func(Entry) error) error {
		return exec(filename, src, func(p *plugin, v goja.Value) error {
			o := v.ToObject(p.rt)
			if o == nil {
				return errors.New("loader registration is not an object")
			}

			id := stringProp(o, "id")
			if id == "" {
				return errors.New("loader needs an id")
			}

			canEnrich, err := funcProp(o, "canEnrich")
			if err != nil {
				return fmt.Errorf("loader %q: %w", id, err)
			}
			load, err := funcProp(o, "load")
			if err != nil {
				return fmt.Errorf("loader %q: %w", id, err)
			}

			loader := &core.EnrichmentLoader{
				Id:       id,
				Priority: intProp(o, "priority"),
				CanEnrich: func(c *core.Cookie) (bool, error) {
					arg, err := cookieArg(c)
					if err != nil {
						return false, err
					}
					v, err := p.call(canEnrich, arg)
					if err != nil {
						return false, err
					}
					return v.ToBoolean(), nil
				},
				Load: func(c *core.Cookie) (core.Enrichment, error) {
					arg, err := cookieArg(c)
					if err != nil {
						return core.Enrichment{}, err
					}
					v, err := p.call(load, arg)
					if err != nil {
						return core.Enrichment{}, err
					}
					var res loadResult
					if err := export(v, &res); err != nil {
						return core.Enrichment{}, err
					}
					if res.Source == "" {
						res.Source = id
					}
					if res.Timestamp.IsZero() {
						res.Timestamp = time.Now().UTC()
					}
					return core.Enrichment{
						Source:    res.Source,
						Timestamp: res.Timestamp,
						Metadata:  res.Metadata,
					}, nil
				},
			}

			return register(Entry{
				Id:       loader.Id,
				Priority: loader.Priority,
				Item:     loader,
			})
		})
	}
}

// Receivers returns a LoadFunc for notification-receiver plugin
// files.
//
// A receiver file calls
//
//	register({receive: function (notification) {...}})
//
// Receivers have no required id.  Errors thrown by receive are logged
// and dropped; delivery is best-effort.
func Receivers() LoadFunc {
	return func(filename string, src []byte, register func(Entry) error) error {
		return exec(filename, src, func(p *plugin, v goja.Value) error {
			o := v.ToObject(p.rt)
			if o == nil {
				return errors.New("receiver registration is not an object")
			}

			receive, err := funcProp(o, "receive")
			if err != nil {
				return err
			}

			recv := core.ReceiverFunc(func(n core.Notification) {
				arg, err := canonicalize(n)
				if err != nil {
					log.Printf("receiver %s notification marshal error %s", filename, err)
					return
				}
				if _, err := p.call(receive, arg); err != nil {
					log.Printf("receiver %s error %s", filename, err)
				}
			})

			return register(Entry{
				Id:       stringProp(o, "id"),
				Priority: intProp(o, "priority"),
				Item:     recv,
			})
		})
	}
}
