package rule

import (
	"sort"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

// Match pairs a rule with the channel it routes to.
type Match struct {
	Rule      Rule
	ChannelID string
}

// Matcher evaluates enabled rules against canonical events. Matching is
// deterministic and side-effect-free; a malformed predicate skips that rule
// only, never the event.
type Matcher struct {
	logger *logging.Logger
}

func NewMatcher(logger *logging.Logger) *Matcher {
	return &Matcher{logger: logger}
}

// Match returns one entry per enabled rule whose event_type equals the
// event's type and whose predicate (if any) holds over the event attributes.
// Results are ordered by rule priority, highest first, then by rule ID for
// determinism.
func (m *Matcher) Match(ev event.CanonicalEvent, rules []Rule) []Match {
	var out []Match
	for _, r := range rules {
		if !r.Enabled || r.EventType != ev.EventType || r.TenantID != ev.TenantID {
			continue
		}
		if r.FilterPredicate != nil {
			if err := r.FilterPredicate.Validate(); err != nil {
				// Fail-open on the single rule: siblings still match.
				m.logger.Plain().WithTenant(ev.TenantID).WithRule(r.ID).WithError(err).
					Warn("skipping rule with malformed predicate")
				metrics.RulesSkippedTotal.WithLabelValues(ev.TenantID).Inc()
				continue
			}
		}
		if !r.FilterPredicate.Eval(ev.Attributes) {
			continue
		}
		out = append(out, Match{Rule: r, ChannelID: r.TargetChannelID})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule.Priority != out[j].Rule.Priority {
			return out[i].Rule.Priority > out[j].Rule.Priority
		}
		return out[i].Rule.ID < out[j].Rule.ID
	})

	if len(out) > 0 {
		metrics.RulesMatchedTotal.WithLabelValues(ev.TenantID).Add(float64(len(out)))
	}
	return out
}
