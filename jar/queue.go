package jar

import (
	"sync"
	"time"
)

// nothings is a channel of nothing, used as a semaphore.
type nothings chan struct{}

// signals is a sequence of semaphores used to report that the dirty
// set has grown.
//
// Waiters grab the current channel with c() and block on it; signal()
// closes that channel and installs a fresh one, so every waiter at the
// time of the signal wakes.
type signals struct {
	sync.Mutex
	ch nothings
}

func newSignals() *signals {
	return &signals{
		ch: make(nothings),
	}
}

func (s *signals) signal() {
	s.Lock()
	close(s.ch)
	s.ch = make(nothings)
	s.Unlock()
}

func (s *signals) c() nothings {
	s.Lock()
	ch := s.ch
	s.Unlock()
	return ch
}

// queue is the jar's ephemeral processing state.
//
// An id lives in at most one of dirty or inFlight.  redirty is
// disjoint from dirty and only holds in-flight ids: those re-marked
// while reserved, to be unioned into dirty exactly once on release.
type queue struct {
	mu sync.Mutex

	dirty    []string
	dirtySet map[string]bool
	inFlight map[string]time.Time
	redirty  map[string]bool

	sigs *signals
	done nothings
}

func newQueue() *queue {
	return &queue{
		dirtySet: make(map[string]bool, 32),
		inFlight: make(map[string]time.Time, 32),
		redirty:  make(map[string]bool, 32),
		sigs:     newSignals(),
		done:     make(nothings),
	}
}

// markDirty records that the id needs (re)processing.  Returns true
// only when the id actually transitioned into the dirty set, which is
// when listeners should hear about it.
//
// An id already dirty keeps its FIFO position.  An id in flight goes
// to redirty instead.
func (q *queue) markDirty(id string) bool {
	q.mu.Lock()
	if _, is := q.inFlight[id]; is {
		q.redirty[id] = true
		q.mu.Unlock()
		return false
	}
	if q.dirtySet[id] {
		q.mu.Unlock()
		return false
	}
	q.dirty = append(q.dirty, id)
	q.dirtySet[id] = true
	q.mu.Unlock()

	q.sigs.signal()

	return true
}

// next blocks until an id is available or the timeout elapses, then
// moves the id from dirty to inFlight.  A zero timeout means wait
// until stop.
//
// Returns false on timeout or stop.
func (q *queue) next(timeout time.Duration) (string, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.dirty) > 0 {
			id := q.dirty[0]
			q.dirty = q.dirty[1:]
			delete(q.dirtySet, id)
			q.inFlight[id] = time.Now()
			q.mu.Unlock()
			return id, true
		}
		ch := q.sigs.c()
		q.mu.Unlock()

		select {
		case <-q.done:
			return "", false
		case <-deadline:
			return "", false
		case <-ch:
		}
	}
}

// release removes the id from inFlight.  Returns whether the id was in
// flight and whether it had been re-marked dirty meanwhile.
func (q *queue) release(id string) (was, redirtied bool) {
	q.mu.Lock()
	if _, was = q.inFlight[id]; !was {
		q.mu.Unlock()
		return false, false
	}
	delete(q.inFlight, id)
	redirtied = q.redirty[id]
	delete(q.redirty, id)
	q.mu.Unlock()
	return true, redirtied
}

// forget removes the id from dirty and redirty.  An in-flight
// reservation is left alone so that the holder can still release it.
func (q *queue) forget(id string) {
	q.mu.Lock()
	if q.dirtySet[id] {
		delete(q.dirtySet, id)
		for i, x := range q.dirty {
			if x == id {
				q.dirty = append(q.dirty[:i], q.dirty[i+1:]...)
				break
			}
		}
	}
	delete(q.redirty, id)
	q.mu.Unlock()
}

// length reports the dirty and in-flight counts.
func (q *queue) length() (int, int) {
	q.mu.Lock()
	d, f := len(q.dirty), len(q.inFlight)
	q.mu.Unlock()
	return d, f
}

// reserved reports the in-flight reservations.
func (q *queue) reserved() map[string]time.Time {
	q.mu.Lock()
	acc := make(map[string]time.Time, len(q.inFlight))
	for id, t := range q.inFlight {
		acc[id] = t
	}
	q.mu.Unlock()
	return acc
}

// stop wakes all waiters permanently.
func (q *queue) stop() {
	q.mu.Lock()
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	q.mu.Unlock()
}
