package jar

import (
	"errors"
	"log"
	"time"
)

// Retry wraps a DocumentStore so that transient errors (network,
// server) are retried with exponential backoff, without bound.
//
// Unbounded retry is acceptable because no individual cookie has a
// latency SLA.  Set Disabled for debug runs so real errors surface
// instead of spinning.
//
// Domain errors (ErrNotFound, ErrConflict) pass straight through.
type Retry struct {
	Store DocumentStore

	// Disabled turns the wrapper into a pass-through.
	Disabled bool

	// BaseDelay is the first backoff interval.  Defaults to 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff.  Defaults to 30s.
	MaxDelay time.Duration
}

// NewRetry wraps the given store with default backoff.
func NewRetry(s DocumentStore) *Retry {
	return &Retry{
		Store: s,
	}
}

// transient reports whether the error is worth retrying.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	return true
}

// do runs op, retrying transient failures forever.
func (r *Retry) do(what string, op func() error) error {
	if r.Disabled {
		return op()
	}

	delay := r.BaseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	max := r.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	for {
		err := op()
		if !transient(err) {
			return err
		}
		log.Printf("store %s error %s; retrying in %s", what, err, delay)
		time.Sleep(delay)
		if delay *= 2; delay > max {
			delay = max
		}
	}
}

func (r *Retry) Get(id string) (*Document, error) {
	var d *Document
	err := r.do("Get", func() error {
		var err error
		d, err = r.Store.Get(id)
		return err
	})
	return d, err
}

func (r *Retry) Put(d *Document) (uint64, error) {
	var rev uint64
	err := r.do("Put", func() error {
		var err error
		rev, err = r.Store.Put(d)
		return err
	})
	return rev, err
}

func (r *Retry) Delete(id string) error {
	return r.do("Delete", func() error {
		return r.Store.Delete(id)
	})
}

func (r *Retry) Scan(fn func(d *Document) error) error {
	return r.do("Scan", func() error {
		return r.Store.Scan(fn)
	})
}

func (r *Retry) Close() error {
	return r.Store.Close()
}
