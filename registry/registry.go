package registry

import (
	"errors"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrStopped is returned by operations on a registry that has been
// stopped.
var ErrStopped = errors.New("registry stopped")

// Entry is one registered item together with its registry bookkeeping.
type Entry struct {
	// Id is the item's identifier.  May be empty for kinds that do
	// not require one (notification receivers).
	Id string `json:"id,omitempty"`

	// Priority orders snapshots: higher first.
	Priority int `json:"priority"`

	// Item is the registered thing itself: a *core.Rule, a
	// *core.EnrichmentLoader, or a core.NotificationReceiver.
	Item interface{} `json:"-"`

	// File is the plugin file this entry was loaded from.
	File string `json:"file,omitempty"`

	seq int64
}

// LoadFunc executes one plugin file.  Every call to register during
// the execution contributes an Entry attributed to that file.
type LoadFunc func(filename string, src []byte, register func(Entry) error) error

// MatchGlob returns a filename predicate that matches the file's base
// name against the given glob pattern.
func MatchGlob(pattern string) func(string) bool {
	return func(name string) bool {
		ok, err := path.Match(pattern, filepath.Base(name))
		if err != nil {
			log.Printf("registry bad glob %q: %s", pattern, err)
			return false
		}
		return ok
	}
}

// Registry is a live, priority-ordered collection of items loaded
// from plugin files under a directory tree.
//
// The registry watches the tree and reloads files as they change.  A
// file's items are replaced atomically: no snapshot ever mixes a
// file's old items with its new ones.  A file that fails to load is
// logged and contributes nothing until a later modification loads
// cleanly.
//
// Watchers can miss events, so the registry rescans the whole tree on
// every event and treats a file missing from the rescan as deleted.
type Registry struct {
	// Debug turns on chatty logging.
	Debug bool

	// Unique makes registered ids unique across the registry:
	// registering an id again removes the prior entry.
	Unique bool

	root  string
	match func(string) bool
	load  LoadFunc

	mu      sync.RWMutex
	byFile  map[string][]*Entry
	modtime map[string]time.Time
	seq     int64
	stopped bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRegistry makes a registry over the given root directory.  Files
// whose names satisfy match are loaded with load.  Call Start to scan
// and begin watching.
func NewRegistry(root string, match func(string) bool, load LoadFunc) *Registry {
	return &Registry{
		root:    root,
		match:   match,
		load:    load,
		byFile:  make(map[string][]*Entry, 32),
		modtime: make(map[string]time.Time, 32),
	}
}

func (r *Registry) logf(format string, args ...interface{}) {
	if r.Debug {
		log.Printf("Registry."+format, args...)
	}
}

// Start discovers and loads the current files and subscribes to
// filesystem events under the root.
func (r *Registry) Start() error {
	r.mu.RLock()
	stopped := r.stopped
	r.mu.RUnlock()
	if stopped {
		return ErrStopped
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = w
	r.done = make(chan struct{})

	if err := r.watchTree(); err != nil {
		w.Close()
		return err
	}

	r.Rescan()

	go r.run()

	return nil
}

// Stop releases the watcher and clears all entries.
func (r *Registry) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.byFile = make(map[string][]*Entry)
	r.modtime = make(map[string]time.Time)
	r.mu.Unlock()

	if r.done != nil {
		close(r.done)
	}
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// run consumes watcher events until Stop.
func (r *Registry) run() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.logf("event %s", ev)
			if ev.Op&fsnotify.Create != 0 {
				// A new directory needs its own watch.
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := r.watcher.Add(ev.Name); err != nil {
						log.Printf("Registry watch %s error %s", ev.Name, err)
					}
				}
			}
			r.Rescan()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Registry watcher error %s", err)
		}
	}
}

// watchTree adds a watch for the root and every subdirectory.
func (r *Registry) watchTree() error {
	return filepath.Walk(r.root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return r.watcher.Add(p)
		}
		return nil
	})
}

// Rescan walks the tree, loads new and modified files, and drops
// entries for files that are gone.
//
// Rescan runs plugin code outside the registry's lock; only the final
// swap of a file's entries happens under it.
func (r *Registry) Rescan() {
	found := make(map[string]time.Time, 32)

	err := filepath.Walk(r.root, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			// A file can vanish mid-walk.
			return nil
		}
		if fi.IsDir() || !r.match(p) {
			return nil
		}
		found[p] = fi.ModTime()
		return nil
	})
	if err != nil {
		log.Printf("Registry rescan %s error %s", r.root, err)
		return
	}

	r.mu.RLock()
	stale := make([]string, 0, len(found))
	for p, mt := range found {
		if prior, have := r.modtime[p]; !have || mt.After(prior) {
			stale = append(stale, p)
		}
	}
	gone := make([]string, 0, 4)
	for p := range r.modtime {
		if _, have := found[p]; !have {
			gone = append(gone, p)
		}
	}
	r.mu.RUnlock()

	// Load in path order so that same-priority items from
	// different files rank deterministically.
	sort.Strings(stale)
	sort.Strings(gone)

	for _, p := range gone {
		r.logf("unloading %s", p)
		r.remove(p)
	}

	for _, p := range stale {
		r.reload(p, found[p])
	}
}

// reload executes one plugin file and swaps in its entries.
func (r *Registry) reload(p string, mt time.Time) {
	src, err := os.ReadFile(p)
	if err != nil {
		log.Printf("Registry read %s error %s", p, err)
		return
	}

	entries := make([]*Entry, 0, 4)
	register := func(e Entry) error {
		e.File = p
		acc := e
		entries = append(entries, &acc)
		return nil
	}

	if err := r.load(p, src, register); err != nil {
		// A bad file contributes nothing, but its old entries
		// still come out: the code they came from is gone.
		log.Printf("Registry load %s error %s", p, err)
		entries = entries[:0]
	}

	if r.Unique {
		// Within a file, a re-registered id also replaces the
		// earlier registration.
		seen := make(map[string]int, len(entries))
		acc := entries[:0]
		for _, e := range entries {
			if e.Id != "" {
				if at, have := seen[e.Id]; have {
					acc[at] = e
					continue
				}
				seen[e.Id] = len(acc)
			}
			acc = append(acc, e)
		}
		entries = acc
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	delete(r.byFile, p)
	if r.Unique {
		for _, e := range entries {
			r.removeIdLocked(e.Id, p)
		}
	}
	for _, e := range entries {
		r.seq++
		e.seq = r.seq
	}
	if len(entries) > 0 {
		r.byFile[p] = entries
	}
	r.modtime[p] = mt
	r.mu.Unlock()

	r.logf("loaded %s (%d items)", p, len(entries))
}

// remove drops a file's entries.
func (r *Registry) remove(p string) {
	r.mu.Lock()
	delete(r.byFile, p)
	delete(r.modtime, p)
	r.mu.Unlock()
}

// removeIdLocked unregisters the entry with the given id from any file
// other than keep.  Caller holds the write lock.
func (r *Registry) removeIdLocked(id, keep string) {
	if id == "" {
		return
	}
	for f, es := range r.byFile {
		if f == keep {
			continue
		}
		acc := es[:0]
		for _, e := range es {
			if e.Id != id {
				acc = append(acc, e)
			}
		}
		if len(acc) == 0 {
			delete(r.byFile, f)
		} else {
			r.byFile[f] = acc
		}
	}
}

// Snapshot returns a point-in-time copy of the entries, sorted by
// descending priority with ties broken by registration order.
// Concurrent reloads do not affect an iteration over the result.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	acc := make([]Entry, 0, 16)
	for _, es := range r.byFile {
		for _, e := range es {
			acc = append(acc, *e)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(acc, func(i, j int) bool {
		if acc[i].Priority != acc[j].Priority {
			return acc[i].Priority > acc[j].Priority
		}
		return acc[i].seq < acc[j].seq
	})

	return acc
}

// Len returns the current number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	n := 0
	for _, es := range r.byFile {
		n += len(es)
	}
	r.mu.RUnlock()
	return n
}
