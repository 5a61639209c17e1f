package processor

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hgi/cookiemonster/jar"
	"github.com/hgi/cookiemonster/notifier"
	"github.com/hgi/cookiemonster/registry"
)

// Worker states reported by DumpThreads.
const (
	WorkerIdle     = "idle"
	WorkerAwaiting = "awaiting_cookie"
	WorkerWorking  = "processing"
)

// WorkerDump is a snapshot of one worker for debug introspection.
type WorkerDump struct {
	Worker     int       `json:"worker"`
	State      string    `json:"state"`
	CookieId   string    `json:"cookie_id,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	LastCookie string    `json:"last_cookie,omitempty"`
	Sketch     string    `json:"sketch,omitempty"`
}

type workerState struct {
	sync.Mutex
	dump WorkerDump
}

func (w *workerState) set(state, cookieId, sketch string) {
	w.Lock()
	w.dump.State = state
	w.dump.CookieId = cookieId
	w.dump.Since = time.Now()
	w.dump.Sketch = sketch
	if cookieId != "" {
		w.dump.LastCookie = cookieId
	}
	w.Unlock()
}

func (w *workerState) snapshot() WorkerDump {
	w.Lock()
	d := w.dump
	w.Unlock()
	return d
}

// Manager coordinates N workers against the jar's dirty queue.
//
// Each worker blocks in NextForProcessing, runs the processor over
// the reserved cookie, and releases the reservation.  The jar's
// listener wakes idle workers quickly; the reservation timeout is
// only a fallback for missed wakeups.
type Manager struct {
	Debug bool

	Jar      jar.CookieJar
	Rules    *registry.Registry
	Loaders  *registry.Registry
	Notifier *notifier.Notifier

	// Workers is the pool size.  Defaults to 16.
	Workers int

	// Timeout bounds each NextForProcessing wait so workers can
	// notice Stop.  Defaults to 5s.
	Timeout time.Duration

	proc    *Processor
	states  []*workerState
	waiting int64

	stopped int32
	done    chan struct{}
	wg      sync.WaitGroup
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.Debug {
		log.Printf("Manager."+format, args...)
	}
}

// Start launches the workers and registers the wakeup listener on the
// jar.
//
// The listener does no work on the producer's goroutine: it only
// broadcasts the jar's waiter condition.
func (m *Manager) Start() error {
	if m.Workers <= 0 {
		m.Workers = 16
	}
	if m.Timeout <= 0 {
		m.Timeout = 5 * time.Second
	}

	m.proc = &Processor{
		Debug:    m.Debug,
		Jar:      m.Jar,
		Notifier: m.Notifier,
	}
	m.done = make(chan struct{})
	m.states = make([]*workerState, m.Workers)

	m.Jar.AddListener(func(id string) {
		m.Jar.Wake()
	})

	for i := 0; i < m.Workers; i++ {
		w := &workerState{
			dump: WorkerDump{
				Worker: i,
				State:  WorkerIdle,
			},
		}
		m.states[i] = w
		m.wg.Add(1)
		go m.work(w)
	}

	m.logf("started %d workers", m.Workers)

	return nil
}

// Stop asks the workers to quit, wakes any that are blocked, and
// joins them.  A worker mid-cookie finishes that cookie first.
func (m *Manager) Stop() {
	if !atomic.CompareAndSwapInt32(&m.stopped, 0, 1) {
		return
	}
	close(m.done)
	m.Jar.Wake()
	m.wg.Wait()
	m.logf("stopped")
}

func (m *Manager) stopping() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// work is one worker's loop.
func (m *Manager) work(w *workerState) {
	defer m.wg.Done()

	for !m.stopping() {
		w.set(WorkerAwaiting, "", "jar.NextForProcessing")
		atomic.AddInt64(&m.waiting, 1)
		id, ok := m.Jar.NextForProcessing(m.Timeout)
		atomic.AddInt64(&m.waiting, -1)

		if !ok {
			// Benign wakeup: timed out or stopping.
			w.set(WorkerIdle, "", "")
			continue
		}

		m.one(w, id)
	}

	w.set(WorkerIdle, "", "")
}

// one processes a single reservation and always releases it.
func (m *Manager) one(w *workerState, id string) {
	defer func() {
		if x := recover(); x != nil {
			log.Printf("worker panic on %s: %v", id, x)
			if err := m.Jar.MarkFailed(id, true); err != nil {
				log.Printf("MarkFailed %s error %s", id, err)
			}
		}
	}()

	w.set(WorkerWorking, id, "jar.Fetch")

	c, err := m.Jar.Fetch(id)
	if err != nil {
		log.Printf("fetch %s error %s", id, err)
		if err := m.Jar.MarkFailed(id, true); err != nil {
			log.Printf("MarkFailed %s error %s", id, err)
		}
		return
	}
	if c == nil {
		// Deleted while queued.  Nothing to do.
		m.logf("cookie %s gone", id)
		if err := m.Jar.MarkComplete(id); err != nil {
			log.Printf("MarkComplete %s error %s", id, err)
		}
		return
	}

	var (
		rules   = RuleSnapshot(m.Rules)
		loaders = LoaderSnapshot(m.Loaders)
	)

	w.set(WorkerWorking, id, fmt.Sprintf("processor.Process(%d rules, %d loaders)", len(rules), len(loaders)))

	started := time.Now()
	outcome, loaderId, err := m.proc.Process(c, rules, loaders)
	if err != nil {
		log.Printf("process %s error %s", id, err)
		if err := m.Jar.MarkFailed(id, true); err != nil {
			log.Printf("MarkFailed %s error %s", id, err)
		}
		return
	}

	m.logf("processed %s: %s %s in %s", id, outcome, loaderId, time.Since(started))

	// For NeedsEnrichment the loader's Enrich already re-dirtied
	// the id; releasing the reservation queues it again.
	if err := m.Jar.MarkComplete(id); err != nil {
		log.Printf("MarkComplete %s error %s", id, err)
	}
}

// DumpThreads reports every worker's state.
func (m *Manager) DumpThreads() []WorkerDump {
	acc := make([]WorkerDump, 0, len(m.states))
	for _, w := range m.states {
		acc = append(acc, w.snapshot())
	}
	return acc
}

// Waiting reports how many workers are blocked awaiting a cookie.
// Exported as a metric by the monitor.
func (m *Manager) Waiting() int {
	return int(atomic.LoadInt64(&m.waiting))
}
