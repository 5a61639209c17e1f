package jar

import (
	"sync"
	"testing"
	"time"

	"github.com/hgi/cookiemonster/core"
)

func enr(source string, sec int) core.Enrichment {
	return core.Enrichment{
		Source:    source,
		Timestamp: time.Date(2016, 2, 1, 0, 0, sec, 0, time.UTC),
		Metadata:  core.Metadata{},
	}
}

func TestJarImpl(t *testing.T) {
	// Just confirm the interface is satisfied.
	var _ CookieJar = &Jar{}
	var _ CookieJar = &Logged{}
}

func TestJarEnrichFetch(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	e := enr("irods", 1)
	if err := j.Enrich("x/1", e); err != nil {
		t.Fatal(err)
	}

	c, err := j.Fetch("x/1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("expected a cookie")
	}
	if len(c.Enrichments) != 1 || !c.Enrichments[0].Equal(e) {
		t.Fatalf("got %#v", c.Enrichments)
	}

	// Enrich marked it dirty.
	if d, _ := j.Length(); d != 1 {
		t.Fatalf("got dirty %d", d)
	}
}

func TestJarFetchAbsent(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	c, err := j.Fetch("nope")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatalf("got %#v", c)
	}
}

func TestJarAppendDoesNotDirty(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	if err := j.Append("x/1", enr("a", 1)); err != nil {
		t.Fatal(err)
	}
	if d, f := j.Length(); d != 0 || f != 0 {
		t.Fatalf("got dirty %d in-flight %d", d, f)
	}

	c, err := j.Fetch("x/1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || len(c.Enrichments) != 1 {
		t.Fatalf("got %#v", c)
	}
}

func TestJarDelete(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	if err := j.Enrich("x/1", enr("a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := j.Delete("x/1"); err != nil {
		t.Fatal(err)
	}

	c, err := j.Fetch("x/1")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatal("cookie should be gone")
	}
	if d, f := j.Length(); d != 0 || f != 0 {
		t.Fatalf("got dirty %d in-flight %d", d, f)
	}

	// Deleting the unknown is fine.
	if err := j.Delete("x/1"); err != nil {
		t.Fatal(err)
	}
}

func TestJarReservation(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	if err := j.Enrich("a", enr("s", 1)); err != nil {
		t.Fatal(err)
	}

	id, ok := j.NextForProcessing(time.Second)
	if !ok || id != "a" {
		t.Fatalf("got %s %v", id, ok)
	}
	if d, f := j.Length(); d != 0 || f != 1 {
		t.Fatalf("got dirty %d in-flight %d", d, f)
	}

	if err := j.MarkComplete("a"); err != nil {
		t.Fatal(err)
	}
	if err := j.MarkComplete("a"); err != ErrNotInFlight {
		t.Fatalf("got %v", err)
	}
}

func TestJarRedirtyDuringFlight(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	if err := j.Enrich("a", enr("s", 1)); err != nil {
		t.Fatal(err)
	}

	if id, ok := j.NextForProcessing(time.Second); !ok || id != "a" {
		t.Fatalf("got %s %v", id, ok)
	}

	// Another producer re-marks while the worker holds the
	// reservation.
	j.MarkDirty("a")
	if d, _ := j.Length(); d != 0 {
		t.Fatal("an in-flight id should not re-enter dirty yet")
	}

	if err := j.MarkComplete("a"); err != nil {
		t.Fatal(err)
	}
	if d, _ := j.Length(); d != 1 {
		t.Fatal("release should have re-queued the id")
	}

	if id, ok := j.NextForProcessing(time.Second); !ok || id != "a" {
		t.Fatalf("got %s %v", id, ok)
	}
}

func TestJarMarkFailedRequeue(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	if err := j.Enrich("a", enr("s", 1)); err != nil {
		t.Fatal(err)
	}
	if _, ok := j.NextForProcessing(time.Second); !ok {
		t.Fatal("expected a reservation")
	}

	if err := j.MarkFailed("a", true); err != nil {
		t.Fatal(err)
	}
	if d, _ := j.Length(); d != 1 {
		t.Fatal("failed id should have been re-queued")
	}
}

func TestJarConcurrentEnrich(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	const n = 32

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := j.Enrich("a", enr("s", i)); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	c, err := j.Fetch("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Enrichments) != n {
		t.Fatalf("got %d enrichments, wanted %d", len(c.Enrichments), n)
	}
}

func TestJarBootRecovery(t *testing.T) {
	s := NewMemStore()

	docs := []*Document{
		{Id: "done", State: StateComplete},
		{Id: "pending", State: StateDirty},
		{Id: "crashed", State: StateInFlight},
		{Id: "unknown"},
	}
	for _, d := range docs {
		if _, err := s.Put(d); err != nil {
			t.Fatal(err)
		}
	}

	j, err := NewJar(s)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	if d, _ := j.Length(); d != 3 {
		t.Fatalf("got dirty %d, wanted 3", d)
	}

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		id, ok := j.NextForProcessing(time.Second)
		if !ok {
			t.Fatal("expected an id")
		}
		seen[id] = true
	}
	if seen["done"] {
		t.Fatal("complete cookie should not have been queued")
	}
	if !seen["pending"] || !seen["crashed"] || !seen["unknown"] {
		t.Fatalf("got %#v", seen)
	}
}

func TestJarListener(t *testing.T) {
	j, err := NewJar(NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Stop()

	var (
		mu  sync.Mutex
		got []string
	)
	j.AddListener(func(id string) {
		mu.Lock()
		got = append(got, id)
		mu.Unlock()
	})

	// A panicking listener must not break the others.
	j.AddListener(func(id string) {
		panic("bad listener")
	})

	j.MarkDirty("a")
	j.MarkDirty("b")
	j.MarkDirty("a") // no transition; no callback

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("listener only saw %d marks", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("got %#v", got)
	}
}
