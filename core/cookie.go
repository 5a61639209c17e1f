package core

import (
	"time"
)

// RuleApplicationSource is the reserved enrichment source used to
// record a rule firing against a cookie.  See NewRuleApplication.
const RuleApplicationSource = "RULE_APPLICATION"

// Metadata is JSON-shaped data carried by an Enrichment.
//
// Values should be limited to what encoding/json produces when
// unmarshaling into an interface{}: nil, bool, float64, string,
// []interface{}, and map[string]interface{}.
type Metadata map[string]interface{}

// Enrichment is one unit of knowledge about a data object: where the
// knowledge came from, when it was obtained, and the knowledge itself.
//
// An Enrichment is immutable once recorded.
type Enrichment struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// Equal reports whether two enrichments have the same source,
// timestamp, and metadata.
//
// Metadata comparison assumes JSON-shaped values (see Metadata).
func (e Enrichment) Equal(f Enrichment) bool {
	if e.Source != f.Source {
		return false
	}
	if !e.Timestamp.Equal(f.Timestamp) {
		return false
	}
	return equalValue(map[string]interface{}(e.Metadata), map[string]interface{}(f.Metadata))
}

func equalValue(x, y interface{}) bool {
	switch xv := x.(type) {
	case map[string]interface{}:
		yv, is := y.(map[string]interface{})
		if !is || len(xv) != len(yv) {
			return false
		}
		for k, v := range xv {
			w, have := yv[k]
			if !have || !equalValue(v, w) {
				return false
			}
		}
		return true
	case []interface{}:
		yv, is := y.([]interface{})
		if !is || len(xv) != len(yv) {
			return false
		}
		for i, v := range xv {
			if !equalValue(v, yv[i]) {
				return false
			}
		}
		return true
	default:
		return x == y
	}
}

// Enrichments is a per-object enrichment log.
//
// The log preserves insertion order and permits duplicates across
// sources.
type Enrichments []Enrichment

// FromSource returns the enrichments contributed by the given source,
// in insertion order.
func (es Enrichments) FromSource(source string) Enrichments {
	var acc Enrichments
	for _, e := range es {
		if e.Source == source {
			acc = append(acc, e)
		}
	}
	return acc
}

// MostRecentFromSource returns the enrichment from the given source
// with the latest timestamp, or false if that source contributed
// nothing.
//
// Ties go to the later insertion.
func (es Enrichments) MostRecentFromSource(source string) (Enrichment, bool) {
	var (
		best  Enrichment
		found bool
	)
	for _, e := range es {
		if e.Source != source {
			continue
		}
		if !found || !e.Timestamp.Before(best.Timestamp) {
			best = e
			found = true
		}
	}
	return best, found
}

// Sources returns the distinct sources that appear in the log, in
// order of first appearance.
func (es Enrichments) Sources() []string {
	var (
		acc  []string
		seen = make(map[string]bool, len(es))
	)
	for _, e := range es {
		if !seen[e.Source] {
			seen[e.Source] = true
			acc = append(acc, e.Source)
		}
	}
	return acc
}

// Diff returns the enrichments in es that do not appear (by Equal) in
// the prior snapshot.
func (es Enrichments) Diff(prior Enrichments) Enrichments {
	var acc Enrichments
	for _, e := range es {
		found := false
		for _, p := range prior {
			if e.Equal(p) {
				found = true
				break
			}
		}
		if !found {
			acc = append(acc, e)
		}
	}
	return acc
}

// Copy returns a shallow copy of the log.
//
// The enrichments themselves are immutable, so sharing them is fine.
func (es Enrichments) Copy() Enrichments {
	acc := make(Enrichments, len(es))
	copy(acc, es)
	return acc
}

// Cookie is everything known about one data object: its identifier and
// the ordered log of enrichments.
//
// A Cookie has no other mutable state.  Derived state (such as the
// sources seen) is computed from the log.
type Cookie struct {
	Id          string      `json:"id"`
	Enrichments Enrichments `json:"enrichments"`
}

// Copy returns a copy of the cookie whose log can be appended to
// without affecting the original.
func (c *Cookie) Copy() *Cookie {
	return &Cookie{
		Id:          c.Id,
		Enrichments: c.Enrichments.Copy(),
	}
}

// NewRuleApplication builds the enrichment recorded against a cookie
// when a rule fires.
func NewRuleApplication(ruleId string, terminated bool, at time.Time) Enrichment {
	return Enrichment{
		Source:    RuleApplicationSource,
		Timestamp: at,
		Metadata: Metadata{
			"rule_id":    ruleId,
			"timestamp":  at.UTC().Format(time.RFC3339Nano),
			"terminated": terminated,
		},
	}
}
