package jar

import (
	"errors"
	"log"
	"time"

	"github.com/hgi/cookiemonster/core"
)

// ErrNotInFlight is returned by MarkComplete and MarkFailed for an id
// that holds no reservation.
var ErrNotInFlight = errors.New("not in flight")

// CookieJar is the knowledge store plus dirty queue.
//
// For any id, at most one worker holds its reservation at any
// instant: NextForProcessing moves an id from dirty to in-flight, and
// only MarkComplete or MarkFailed gives it back.
type CookieJar interface {
	// Enrich appends the enrichment to the id's log and marks the
	// id dirty.
	Enrich(id string, e core.Enrichment) error

	// Append appends the enrichment without marking the id dirty.
	// Used for rule-application records, which must not trigger
	// another processing pass by themselves.
	Append(id string, e core.Enrichment) error

	// MarkDirty queues the id for (re)processing.  A no-op if the
	// id is already dirty; an in-flight id is re-queued when its
	// reservation is released.
	MarkDirty(id string)

	// NextForProcessing blocks until an id needs processing, then
	// reserves it.  Returns false on timeout (a benign wakeup) or
	// after Stop.  A zero timeout waits indefinitely.
	NextForProcessing(timeout time.Duration) (string, bool)

	// Fetch reads the id's full knowledge.  Returns nil for an
	// unknown id.
	Fetch(id string) (*core.Cookie, error)

	// Delete removes the id's durable log and queue membership.
	// An in-flight worker's next Fetch returns nil.
	Delete(id string) error

	// MarkComplete releases the id's reservation.  If the id was
	// re-marked dirty while in flight, it is queued again.
	MarkComplete(id string) error

	// MarkFailed releases the reservation; with requeue the id is
	// unconditionally queued again.
	MarkFailed(id string, requeue bool) error

	// Length reports the dirty and in-flight counts.
	Length() (dirty, inFlight int)

	// Reserved reports the current reservations and when they were
	// taken.
	Reserved() map[string]time.Time

	// AddListener registers fn to run after transitions of an id
	// into the dirty set.  Listener calls are serialized on a
	// dedicated goroutine, in mark order.  Up to 1024 undelivered
	// transitions are buffered; a transition that finds the buffer
	// full is logged and no listener hears about it.
	AddListener(fn func(id string))

	// Wake broadcasts to all NextForProcessing waiters.  Consumers
	// use this to nudge workers without touching the queue.
	Wake()

	// Stop wakes all NextForProcessing waiters and stops listener
	// dispatch.
	Stop()
}

// Jar is the default CookieJar over a DocumentStore.
type Jar struct {
	Debug bool

	store     DocumentStore
	queue     *queue
	listeners chan string
	adds      chan func(string)
	done      chan struct{}
}

// NewJar builds a jar over the given store and recovers the dirty set:
// every known id whose persisted state is not complete is queued.
//
// Wrap the store with NewRetry for production use.
func NewJar(store DocumentStore) (*Jar, error) {
	j := &Jar{
		store:     store,
		queue:     newQueue(),
		listeners: make(chan string, 1024),
		adds:      make(chan func(string), 8),
		done:      make(chan struct{}),
	}

	err := store.Scan(func(d *Document) error {
		if d.State != StateComplete {
			j.queue.markDirty(d.Id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	go j.dispatch()

	return j, nil
}

func (j *Jar) logf(format string, args ...interface{}) {
	if j.Debug {
		log.Printf("Jar."+format, args...)
	}
}

// dispatch serializes listener callbacks.
func (j *Jar) dispatch() {
	var fns []func(string)
	for {
		select {
		case <-j.done:
			return
		case fn := <-j.adds:
			fns = append(fns, fn)
		case id := <-j.listeners:
			// Drain any listener registrations first so a
			// listener added before a mark hears about it.
			for {
				select {
				case fn := <-j.adds:
					fns = append(fns, fn)
					continue
				default:
				}
				break
			}
			for _, fn := range fns {
				call(fn, id)
			}
		}
	}
}

func call(fn func(string), id string) {
	defer func() {
		if x := recover(); x != nil {
			log.Printf("Jar listener panic %v", x)
		}
	}()
	fn(id)
}

func (j *Jar) AddListener(fn func(id string)) {
	j.adds <- fn
}

// dirtied is called after an id transitions into the dirty set.
func (j *Jar) dirtied(id string) {
	select {
	case j.listeners <- id:
	default:
		log.Printf("Jar listener queue full; dropping wakeup for %s", id)
	}
}

func (j *Jar) Enrich(id string, e core.Enrichment) error {
	return j.append(id, e, true)
}

func (j *Jar) Append(id string, e core.Enrichment) error {
	return j.append(id, e, false)
}

// append adds the enrichment under optimistic concurrency, retrying
// on revision conflict until the write lands.
func (j *Jar) append(id string, e core.Enrichment, markDirty bool) error {
	for {
		d, err := j.store.Get(id)
		if errors.Is(err, ErrNotFound) {
			d = &Document{Id: id}
		} else if err != nil {
			return err
		}

		d.Enrichments = append(d.Enrichments, e)
		if markDirty {
			d.State = StateDirty
		}

		if _, err = j.store.Put(d); errors.Is(err, ErrConflict) {
			j.logf("append %s conflict; rereading", id)
			continue
		} else if err != nil {
			return err
		}
		break
	}

	j.logf("append %s from %s", id, e.Source)

	if markDirty {
		j.MarkDirty(id)
	}

	return nil
}

func (j *Jar) MarkDirty(id string) {
	if j.queue.markDirty(id) {
		j.dirtied(id)
	}
}

func (j *Jar) NextForProcessing(timeout time.Duration) (string, bool) {
	id, ok := j.queue.next(timeout)
	if ok {
		j.setState(id, StateInFlight)
	}
	return id, ok
}

func (j *Jar) Fetch(id string) (*core.Cookie, error) {
	d, err := j.store.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return d.Cookie(), nil
}

func (j *Jar) Delete(id string) error {
	j.queue.forget(id)
	if err := j.store.Delete(id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (j *Jar) MarkComplete(id string) error {
	was, redirtied := j.queue.release(id)
	if !was {
		return ErrNotInFlight
	}
	if redirtied {
		j.MarkDirty(id)
	} else {
		j.setState(id, StateComplete)
	}
	return nil
}

func (j *Jar) MarkFailed(id string, requeue bool) error {
	was, redirtied := j.queue.release(id)
	if !was {
		return ErrNotInFlight
	}
	if requeue || redirtied {
		j.MarkDirty(id)
	}
	return nil
}

func (j *Jar) Length() (int, int) {
	return j.queue.length()
}

func (j *Jar) Reserved() map[string]time.Time {
	return j.queue.reserved()
}

func (j *Jar) Wake() {
	j.queue.sigs.signal()
}

func (j *Jar) Stop() {
	j.queue.stop()
	select {
	case <-j.done:
	default:
		close(j.done)
	}
}

// setState records the id's queue state in its document.  Best-effort:
// the state is only read back at boot, so failures are logged, not
// returned.
func (j *Jar) setState(id, state string) {
	for {
		d, err := j.store.Get(id)
		if errors.Is(err, ErrNotFound) {
			return
		} else if err != nil {
			log.Printf("Jar.setState %s get error %s", id, err)
			return
		}
		if d.State == state {
			return
		}
		d.State = state
		if _, err = j.store.Put(d); errors.Is(err, ErrConflict) {
			continue
		} else if err != nil {
			log.Printf("Jar.setState %s put error %s", id, err)
		}
		return
	}
}
