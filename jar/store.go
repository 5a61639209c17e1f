package jar

import (
	"errors"
	"sync"

	"github.com/hgi/cookiemonster/core"
)

// Processing states persisted with each document.  Best-effort: only
// used to recover the dirty set after a crash.  The authoritative
// queue state is in memory.
const (
	StateComplete = "complete"
	StateDirty    = "dirty"
	StateInFlight = "in_flight"
)

var (
	// ErrNotFound is returned when a document does not exist.
	// Never retried.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned by Put when the document changed
	// since it was read.  The caller re-reads and re-applies.
	ErrConflict = errors.New("revision conflict")
)

// Document is the persisted form of a cookie.
//
// Rev is a monotonic revision maintained by the store for
// optimistic-concurrency writes.  A Put with a stale Rev fails with
// ErrConflict.
type Document struct {
	Id          string           `json:"id"`
	Enrichments core.Enrichments `json:"enrichments"`
	State       string           `json:"processing_state,omitempty"`
	Rev         uint64           `json:"revision"`
}

// Cookie converts the document to its in-memory form.
func (d *Document) Cookie() *core.Cookie {
	return &core.Cookie{
		Id:          d.Id,
		Enrichments: d.Enrichments.Copy(),
	}
}

// DocumentStore is the opaque document database behind a jar.
//
// Implementations must serialize writes to the same id so that
// concurrent Puts observe each other (see the lock table in the bolt
// store).
type DocumentStore interface {
	// Get fetches a document by id, or ErrNotFound.
	Get(id string) (*Document, error)

	// Put writes a document.  A document with Rev 0 is a creation
	// and fails with ErrConflict if the id already exists.
	// Otherwise Rev must match the stored revision.  Returns the
	// new revision.
	Put(d *Document) (uint64, error)

	// Delete removes a document, or ErrNotFound.
	Delete(id string) error

	// Scan visits every document.  Used at boot to recover the
	// dirty set.
	Scan(fn func(d *Document) error) error

	// Close releases the store.
	Close() error
}

// MemStore is an in-memory DocumentStore.
//
// Useful for tests and for running without persistence.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]*Document
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs: make(map[string]*Document, 32),
	}
}

func (s *MemStore) Get(id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, have := s.docs[id]
	if !have {
		return nil, ErrNotFound
	}
	acc := *d
	acc.Enrichments = d.Enrichments.Copy()
	return &acc, nil
}

func (s *MemStore) Put(d *Document) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, have := s.docs[d.Id]
	if d.Rev == 0 {
		if have {
			return 0, ErrConflict
		}
	} else if !have || prior.Rev != d.Rev {
		return 0, ErrConflict
	}
	acc := *d
	acc.Enrichments = d.Enrichments.Copy()
	acc.Rev = d.Rev + 1
	s.docs[d.Id] = &acc
	return acc.Rev, nil
}

func (s *MemStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, have := s.docs[id]; !have {
		return ErrNotFound
	}
	delete(s.docs, id)
	return nil
}

func (s *MemStore) Scan(fn func(d *Document) error) error {
	s.mu.Lock()
	acc := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		c := *d
		c.Enrichments = d.Enrichments.Copy()
		acc = append(acc, &c)
	}
	s.mu.Unlock()

	for _, d := range acc {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
