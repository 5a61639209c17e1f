package core

// RuleAction is the outcome of firing a rule: zero or more
// notifications to broadcast and whether to stop evaluating
// lower-priority rules for this pass.
type RuleAction struct {
	Notifications []Notification `json:"notifications,omitempty"`
	Terminate     bool           `json:"terminate,omitempty"`
}

// Rule is the unit of the production system: a predicate, an action,
// and a priority.
//
// Rules are typically loaded from plugin files (see the registry
// package), so Matches and Action may call into user code.  Errors
// from either are isolated by the processor: the rule is skipped for
// the cookie at hand and evaluation continues.
type Rule struct {
	// Id must be unique within the rule's registry.  Registering
	// an id again replaces the prior rule.
	Id string `json:"id"`

	// Doc is optional markdown describing the rule.
	Doc string `json:"doc,omitempty"`

	// Priority orders evaluation: higher first.
	Priority int `json:"priority"`

	// Matches reports whether the rule applies to the cookie.
	Matches func(c *Cookie) (bool, error) `json:"-"`

	// Action computes what to do for a cookie the rule matched.
	Action func(c *Cookie) (*RuleAction, error) `json:"-"`
}

// EnrichmentLoader produces a fresh enrichment for a cookie when no
// rule has terminated processing.
type EnrichmentLoader struct {
	// Id must be unique within the loader's registry.
	Id string `json:"id"`

	// Priority orders loader consideration: higher first.
	Priority int `json:"priority"`

	// CanEnrich reports whether this loader has anything to add to
	// the cookie.
	CanEnrich func(c *Cookie) (bool, error) `json:"-"`

	// Load obtains the enrichment.  Expensive; only called after
	// CanEnrich returns true.
	Load func(c *Cookie) (Enrichment, error) `json:"-"`
}
