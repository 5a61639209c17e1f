package processor

import (
	"log"
	"time"

	"github.com/hgi/cookiemonster/core"
	"github.com/hgi/cookiemonster/jar"
	"github.com/hgi/cookiemonster/notifier"
	"github.com/hgi/cookiemonster/registry"
)

// Outcome says what processing one cookie concluded.
type Outcome int

const (
	// Completed: a rule terminated this pass.
	Completed Outcome = iota

	// NeedsEnrichment: a loader appended new knowledge, so the
	// cookie will come around again.
	NeedsEnrichment

	// Unprocessable: no rule terminated and no loader could add
	// anything.
	Unprocessable
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case NeedsEnrichment:
		return "needs_enrichment"
	case Unprocessable:
		return "unprocessable"
	}
	return "unknown"
}

// Processor evaluates rules against one cookie and falls back to
// enrichment loaders.
//
// The processor is stateless across cookies.  Rule and loader errors
// are isolated: the offending item is skipped with a logged error and
// evaluation continues.
type Processor struct {
	Debug bool

	Jar      jar.CookieJar
	Notifier *notifier.Notifier
}

func (p *Processor) logf(format string, args ...interface{}) {
	if p.Debug {
		log.Printf("Processor."+format, args...)
	}
}

// Process runs one pass over the cookie.
//
// Rules are evaluated in the snapshot's order.  Every matching rule's
// notifications are broadcast and a rule-application record is
// appended to the cookie's log (without re-dirtying it).  A
// terminating action ends the pass.
//
// If no rule terminated, the first loader whose CanEnrich holds is
// asked to load; its enrichment goes through Jar.Enrich, which
// re-dirties the cookie.
//
// The returned loader id is empty unless the outcome is
// NeedsEnrichment.  The returned error reflects jar trouble only;
// plugin errors never surface here.
func (p *Processor) Process(c *core.Cookie, rules []*core.Rule, loaders []*core.EnrichmentLoader) (Outcome, string, error) {
	for _, r := range rules {
		matched, err := r.Matches(c.Copy())
		if err != nil {
			log.Printf("rule %s predicate error on %s: %s", r.Id, c.Id, err)
			continue
		}
		if !matched {
			continue
		}

		action, err := r.Action(c.Copy())
		if err != nil {
			log.Printf("rule %s action error on %s: %s", r.Id, c.Id, err)
			continue
		}
		if action == nil {
			action = &core.RuleAction{}
		}

		p.logf("rule %s fired on %s (terminate=%v)", r.Id, c.Id, action.Terminate)

		for _, n := range action.Notifications {
			p.Notifier.Broadcast(n)
		}

		applied := core.NewRuleApplication(r.Id, action.Terminate, time.Now().UTC())
		if err := p.Jar.Append(c.Id, applied); err != nil {
			return Completed, "", err
		}
		// Later rules in this pass see the record too.
		c.Enrichments = append(c.Enrichments, applied)

		if action.Terminate {
			return Completed, "", nil
		}
	}

	for _, l := range loaders {
		can, err := l.CanEnrich(c.Copy())
		if err != nil {
			log.Printf("loader %s canEnrich error on %s: %s", l.Id, c.Id, err)
			continue
		}
		if !can {
			continue
		}

		e, err := l.Load(c.Copy())
		if err != nil {
			log.Printf("loader %s load error on %s: %s", l.Id, c.Id, err)
			continue
		}

		p.logf("loader %s enriching %s from %s", l.Id, c.Id, e.Source)

		if err := p.Jar.Enrich(c.Id, e); err != nil {
			return Completed, "", err
		}
		return NeedsEnrichment, l.Id, nil
	}

	p.logf("nothing applies to %s", c.Id)

	return Unprocessable, "", nil
}

// RuleSnapshot extracts the rules from a registry snapshot, in
// evaluation order.
func RuleSnapshot(r *registry.Registry) []*core.Rule {
	entries := r.Snapshot()
	acc := make([]*core.Rule, 0, len(entries))
	for _, e := range entries {
		if rule, is := e.Item.(*core.Rule); is {
			acc = append(acc, rule)
		}
	}
	return acc
}

// LoaderSnapshot extracts the enrichment loaders from a registry
// snapshot, in consideration order.
func LoaderSnapshot(r *registry.Registry) []*core.EnrichmentLoader {
	entries := r.Snapshot()
	acc := make([]*core.EnrichmentLoader, 0, len(entries))
	for _, e := range entries {
		if l, is := e.Item.(*core.EnrichmentLoader); is {
			acc = append(acc, l)
		}
	}
	return acc
}
