package monitor

import (
	"log"
	"sync"
	"time"
)

// Measurement is one sampled or timed value.
type Measurement struct {
	Name      string      `json:"name"`
	Value     interface{} `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
}

// Recorder is a sink for measurements.
type Recorder interface {
	Record(m Measurement)
}

// RecorderFunc adapts a function to a Recorder.
type RecorderFunc func(Measurement)

func (f RecorderFunc) Record(m Measurement) {
	f(m)
}

// LogRecorder writes measurements to the process log.
type LogRecorder struct{}

func (LogRecorder) Record(m Measurement) {
	log.Printf("measure %s %v", m.Name, m.Value)
}

// Monitor periodically samples a set of named gauges and hands the
// measurements to a recorder.
type Monitor struct {
	recorder Recorder
	period   time.Duration

	mu     sync.Mutex
	gauges map[string]func() interface{}
	done   chan struct{}
}

// NewMonitor makes a monitor that samples every period.
func NewMonitor(r Recorder, period time.Duration) *Monitor {
	return &Monitor{
		recorder: r,
		period:   period,
		gauges:   make(map[string]func() interface{}, 8),
	}
}

// Gauge registers a named sampler.
func (m *Monitor) Gauge(name string, fn func() interface{}) {
	m.mu.Lock()
	m.gauges[name] = fn
	m.mu.Unlock()
}

// Start begins sampling on a ticker.
func (m *Monitor) Start() {
	m.done = make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.period)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ticker.C:
				m.Sample()
			}
		}
	}()
}

// Sample takes one round of measurements.
func (m *Monitor) Sample() {
	m.mu.Lock()
	fns := make(map[string]func() interface{}, len(m.gauges))
	for name, fn := range m.gauges {
		fns[name] = fn
	}
	m.mu.Unlock()

	now := time.Now()
	for name, fn := range fns {
		m.recorder.Record(Measurement{
			Name:      name,
			Value:     fn(),
			Timestamp: now,
		})
	}
}

// Stop ends sampling.
func (m *Monitor) Stop() {
	if m.done != nil {
		close(m.done)
	}
}

// Timer records the duration of an operation under the given name.
// Use with defer:
//
//	defer Timer(rec, "fetch")()
func Timer(r Recorder, name string) func() {
	start := time.Now()
	return func() {
		r.Record(Measurement{
			Name:      name,
			Value:     time.Since(start).Seconds(),
			Timestamp: time.Now(),
		})
	}
}
