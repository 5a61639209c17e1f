package jar

import (
	"time"

	"github.com/hgi/cookiemonster/core"
	"github.com/hgi/cookiemonster/monitor"
)

// Logged wraps a CookieJar so that the wall time of each Enrich,
// Append, MarkDirty, NextForProcessing, Fetch, Delete, MarkComplete
// and MarkFailed call is recorded as a measurement named
// "cookiejar.<op>".  Length, Reserved, AddListener, Wake and Stop
// pass through untimed.
type Logged struct {
	CookieJar
	Recorder monitor.Recorder
}

// NewLogged decorates the jar.
func NewLogged(j CookieJar, r monitor.Recorder) *Logged {
	return &Logged{
		CookieJar: j,
		Recorder:  r,
	}
}

func (l *Logged) timed(op string) func() {
	return monitor.Timer(l.Recorder, "cookiejar."+op)
}

func (l *Logged) Enrich(id string, e core.Enrichment) error {
	defer l.timed("enrich")()
	return l.CookieJar.Enrich(id, e)
}

func (l *Logged) Append(id string, e core.Enrichment) error {
	defer l.timed("append")()
	return l.CookieJar.Append(id, e)
}

func (l *Logged) MarkDirty(id string) {
	defer l.timed("mark_dirty")()
	l.CookieJar.MarkDirty(id)
}

func (l *Logged) NextForProcessing(timeout time.Duration) (string, bool) {
	defer l.timed("next_for_processing")()
	return l.CookieJar.NextForProcessing(timeout)
}

func (l *Logged) Fetch(id string) (*core.Cookie, error) {
	defer l.timed("fetch")()
	return l.CookieJar.Fetch(id)
}

func (l *Logged) Delete(id string) error {
	defer l.timed("delete")()
	return l.CookieJar.Delete(id)
}

func (l *Logged) MarkComplete(id string) error {
	defer l.timed("mark_complete")()
	return l.CookieJar.MarkComplete(id)
}

func (l *Logged) MarkFailed(id string, requeue bool) error {
	defer l.timed("mark_failed")()
	return l.CookieJar.MarkFailed(id, requeue)
}
