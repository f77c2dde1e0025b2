package evidence

import (
	"fmt"
	"strconv"
	"strings"
)

// Predicate kinds.
const (
	KindBool      = "bool"
	KindThreshold = "threshold"
	KindPresence  = "presence"
)

// Predicate is one acceptance rule a stage applies to evidence.
type Predicate struct {
	Key string
	// Kind selects the check: bool compares against Equals, threshold
	// requires a numeric value >= Min, presence only requires the key.
	Kind   string
	Equals bool
	Min    float64
}

// Verdict is the result of evaluating a rule set. An attempt passes only
// when every predicate holds; a missing key fails the predicate that
// needs it.
type Verdict struct {
	Passed    bool
	Shortfall []string
}

// Reason renders the shortfall as a single deterministic string.
func (v Verdict) Reason() string {
	return strings.Join(v.Shortfall, "; ")
}

// Evaluate applies every predicate to the fact index. Unknown predicate
// kinds fail closed.
func Evaluate(rules []Predicate, facts map[string]string) Verdict {
	v := Verdict{Passed: true}
	for _, p := range rules {
		if reason := p.check(facts); reason != "" {
			v.Passed = false
			v.Shortfall = append(v.Shortfall, reason)
		}
	}
	return v
}

func (p Predicate) check(facts map[string]string) string {
	raw, ok := facts[p.Key]
	if !ok {
		return fmt.Sprintf("%s: missing", p.Key)
	}
	switch p.Kind {
	case KindPresence:
		return ""
	case KindBool:
		got, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(raw)))
		if err != nil {
			return fmt.Sprintf("%s: not a boolean (%q)", p.Key, raw)
		}
		if got != p.Equals {
			return fmt.Sprintf("%s: got %v, want %v", p.Key, got, p.Equals)
		}
		return ""
	case KindThreshold:
		got, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Sprintf("%s: not numeric (%q)", p.Key, raw)
		}
		if got < p.Min {
			return fmt.Sprintf("%s: %v below minimum %v", p.Key, got, p.Min)
		}
		return ""
	default:
		return fmt.Sprintf("%s: unknown predicate kind %q", p.Key, p.Kind)
	}
}
