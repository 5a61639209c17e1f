package processor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hgi/cookiemonster/core"
	"github.com/hgi/cookiemonster/jar"
	"github.com/hgi/cookiemonster/notifier"
)

type recording struct {
	mu     sync.Mutex
	topics []string
}

func (r *recording) Receive(n core.Notification) {
	r.mu.Lock()
	r.topics = append(r.topics, n.Topic)
	r.mu.Unlock()
}

func (r *recording) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc := make([]string, len(r.topics))
	copy(acc, r.topics)
	return acc
}

func testProcessor(t *testing.T) (*Processor, *jar.Jar, *recording) {
	t.Helper()

	j, err := jar.NewJar(jar.NewMemStore())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(j.Stop)

	rec := &recording{}
	n := notifier.NewNotifier()
	n.AddReceiver(rec)

	return &Processor{Jar: j, Notifier: n}, j, rec
}

func mkRule(id string, priority int, matches bool, terminate bool, topics ...string) *core.Rule {
	return &core.Rule{
		Id:       id,
		Priority: priority,
		Matches: func(c *core.Cookie) (bool, error) {
			return matches, nil
		},
		Action: func(c *core.Cookie) (*core.RuleAction, error) {
			ns := make([]core.Notification, 0, len(topics))
			for _, topic := range topics {
				ns = append(ns, core.Notification{Topic: topic, Sender: id})
			}
			return &core.RuleAction{
				Notifications: ns,
				Terminate:     terminate,
			}, nil
		},
	}
}

func seed(t *testing.T, j *jar.Jar, id string) *core.Cookie {
	t.Helper()
	e := core.Enrichment{
		Source:    "seed",
		Timestamp: time.Now().UTC(),
		Metadata:  core.Metadata{},
	}
	if err := j.Enrich(id, e); err != nil {
		t.Fatal(err)
	}
	c, err := j.Fetch(id)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestProcessBasicFire(t *testing.T) {
	p, j, rec := testProcessor(t)
	c := seed(t, j, "x/1")

	rules := []*core.Rule{
		mkRule("r1", 100, true, true, "n1"),
	}

	outcome, loaderId, err := p.Process(c, rules, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Completed || loaderId != "" {
		t.Fatalf("got %s %q", outcome, loaderId)
	}

	if got := rec.got(); len(got) != 1 || got[0] != "n1" {
		t.Fatalf("got notifications %#v", got)
	}

	// The durable log gained a rule-application record.
	stored, err := j.Fetch("x/1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Enrichments) != 2 {
		t.Fatalf("got %d enrichments", len(stored.Enrichments))
	}
	applied := stored.Enrichments[1]
	if applied.Source != core.RuleApplicationSource {
		t.Fatalf("got source %s", applied.Source)
	}
	if applied.Metadata["rule_id"] != "r1" || applied.Metadata["terminated"] != true {
		t.Fatalf("got metadata %#v", applied.Metadata)
	}
}

func TestProcessCascade(t *testing.T) {
	p, j, rec := testProcessor(t)
	c := seed(t, j, "y")

	rules := []*core.Rule{
		mkRule("r1", 100, true, false, "n1"),
		mkRule("r2", 50, true, true, "n2"),
	}

	outcome, _, err := p.Process(c, rules, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Completed {
		t.Fatalf("got %s", outcome)
	}

	if got := rec.got(); len(got) != 2 || got[0] != "n1" || got[1] != "n2" {
		t.Fatalf("got notifications %#v", got)
	}

	stored, err := j.Fetch("y")
	if err != nil {
		t.Fatal(err)
	}
	// seed + two rule applications.
	if len(stored.Enrichments) != 3 {
		t.Fatalf("got %d enrichments", len(stored.Enrichments))
	}
	for i, want := range []string{"r1", "r2"} {
		got := stored.Enrichments[i+1].Metadata["rule_id"]
		if got != want {
			t.Fatalf("application %d was %v, wanted %s", i, got, want)
		}
	}
}

func TestProcessRuleErrorsIsolated(t *testing.T) {
	p, j, rec := testProcessor(t)
	c := seed(t, j, "a")

	bad := &core.Rule{
		Id:       "bad",
		Priority: 200,
		Matches: func(c *core.Cookie) (bool, error) {
			return false, errors.New("predicate trouble")
		},
		Action: func(c *core.Cookie) (*core.RuleAction, error) {
			return nil, nil
		},
	}
	worse := &core.Rule{
		Id:       "worse",
		Priority: 150,
		Matches: func(c *core.Cookie) (bool, error) {
			return true, nil
		},
		Action: func(c *core.Cookie) (*core.RuleAction, error) {
			return nil, errors.New("action trouble")
		},
	}
	good := mkRule("good", 100, true, true, "n1")

	outcome, _, err := p.Process(c, []*core.Rule{bad, worse, good}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Completed {
		t.Fatalf("got %s", outcome)
	}
	if got := rec.got(); len(got) != 1 || got[0] != "n1" {
		t.Fatalf("got %#v", got)
	}

	// Only the good rule logged an application.
	stored, err := j.Fetch("a")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Enrichments) != 2 {
		t.Fatalf("got %d enrichments", len(stored.Enrichments))
	}
}

func TestProcessEnrichmentPath(t *testing.T) {
	p, j, _ := testProcessor(t)
	c := seed(t, j, "z")

	// Drain the dirty mark from seeding.
	if id, ok := j.NextForProcessing(time.Second); !ok || id != "z" {
		t.Fatalf("got %s %v", id, ok)
	}

	loader := &core.EnrichmentLoader{
		Id:       "l1",
		Priority: 10,
		CanEnrich: func(c *core.Cookie) (bool, error) {
			return len(c.Enrichments.FromSource("l1")) == 0, nil
		},
		Load: func(c *core.Cookie) (core.Enrichment, error) {
			return core.Enrichment{
				Source:    "l1",
				Timestamp: time.Now().UTC(),
				Metadata:  core.Metadata{"k": 1.0},
			}, nil
		},
	}

	outcome, loaderId, err := p.Process(c, nil, []*core.EnrichmentLoader{loader})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NeedsEnrichment || loaderId != "l1" {
		t.Fatalf("got %s %q", outcome, loaderId)
	}

	stored, err := j.Fetch("z")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Enrichments) != 2 || stored.Enrichments[1].Source != "l1" {
		t.Fatalf("got %#v", stored.Enrichments)
	}

	// The loader's enrichment re-dirtied the in-flight id; release
	// re-queues it.
	if err := j.MarkComplete("z"); err != nil {
		t.Fatal(err)
	}
	if d, _ := j.Length(); d != 1 {
		t.Fatalf("got dirty %d", d)
	}
}

func TestProcessLoaderErrorsIsolated(t *testing.T) {
	p, j, _ := testProcessor(t)
	c := seed(t, j, "z")

	bad := &core.EnrichmentLoader{
		Id:       "bad",
		Priority: 100,
		CanEnrich: func(c *core.Cookie) (bool, error) {
			return true, nil
		},
		Load: func(c *core.Cookie) (core.Enrichment, error) {
			return core.Enrichment{}, errors.New("load trouble")
		},
	}
	good := &core.EnrichmentLoader{
		Id:       "good",
		Priority: 50,
		CanEnrich: func(c *core.Cookie) (bool, error) {
			return true, nil
		},
		Load: func(c *core.Cookie) (core.Enrichment, error) {
			return core.Enrichment{
				Source:    "good",
				Timestamp: time.Now().UTC(),
			}, nil
		},
	}

	outcome, loaderId, err := p.Process(c, nil, []*core.EnrichmentLoader{bad, good})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != NeedsEnrichment || loaderId != "good" {
		t.Fatalf("got %s %q", outcome, loaderId)
	}
}

func TestProcessUnprocessable(t *testing.T) {
	p, j, _ := testProcessor(t)
	c := seed(t, j, "q")

	rules := []*core.Rule{
		mkRule("r1", 100, false, true, "n1"),
	}
	loader := &core.EnrichmentLoader{
		Id: "l1",
		CanEnrich: func(c *core.Cookie) (bool, error) {
			return false, nil
		},
		Load: func(c *core.Cookie) (core.Enrichment, error) {
			return core.Enrichment{}, nil
		},
	}

	outcome, _, err := p.Process(c, rules, []*core.EnrichmentLoader{loader})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != Unprocessable {
		t.Fatalf("got %s", outcome)
	}
	if got := logLen(t, j, "q"); got != 1 {
		t.Fatalf("log grew to %d", got)
	}
}

func logLen(t *testing.T, j *jar.Jar, id string) int {
	t.Helper()
	c, err := j.Fetch(id)
	if err != nil {
		t.Fatal(err)
	}
	return len(c.Enrichments)
}

func TestProcessLaterRulesSeeApplications(t *testing.T) {
	p, j, _ := testProcessor(t)
	c := seed(t, j, "a")

	first := mkRule("first", 100, true, false)

	sawApplication := false
	second := &core.Rule{
		Id:       "second",
		Priority: 50,
		Matches: func(c *core.Cookie) (bool, error) {
			sawApplication = len(c.Enrichments.FromSource(core.RuleApplicationSource)) > 0
			return false, nil
		},
		Action: func(c *core.Cookie) (*core.RuleAction, error) {
			return nil, nil
		},
	}

	if _, _, err := p.Process(c, []*core.Rule{first, second}, nil); err != nil {
		t.Fatal(err)
	}
	if !sawApplication {
		t.Fatal("second rule should have seen first's application record")
	}
}
