package rule

import (
	"encoding/json"
	"fmt"
)

// Predicate is a small boolean expression over event attributes, stored as a
// tagged union and evaluated by a pure interpreter. No dynamic code
// execution: the only node variants are equality, numeric thresholds,
// set-membership, and conjunction.
type Predicate struct {
	Op      string      `json:"op"` // eq, gt, gte, lt, lte, in, and
	Field   string      `json:"field,omitempty"`
	Value   any         `json:"value,omitempty"`
	Values  []any       `json:"values,omitempty"`
	Clauses []Predicate `json:"clauses,omitempty"`
}

const (
	OpEq  = "eq"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
	OpIn  = "in"
	OpAnd = "and"
)

// ParsePredicate decodes and validates a JSON predicate document.
func ParsePredicate(raw []byte) (*Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Predicate
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode predicate: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the predicate tree for structural soundness.
func (p *Predicate) Validate() error {
	switch p.Op {
	case OpEq:
		if p.Field == "" {
			return fmt.Errorf("eq: field is required")
		}
		if p.Value == nil {
			return fmt.Errorf("eq: value is required")
		}
	case OpGt, OpGte, OpLt, OpLte:
		if p.Field == "" {
			return fmt.Errorf("%s: field is required", p.Op)
		}
		if _, ok := toFloat(p.Value); !ok {
			return fmt.Errorf("%s: value must be numeric", p.Op)
		}
	case OpIn:
		if p.Field == "" {
			return fmt.Errorf("in: field is required")
		}
		if len(p.Values) == 0 {
			return fmt.Errorf("in: values must be non-empty")
		}
	case OpAnd:
		if len(p.Clauses) == 0 {
			return fmt.Errorf("and: clauses must be non-empty")
		}
		for i := range p.Clauses {
			if err := p.Clauses[i].Validate(); err != nil {
				return fmt.Errorf("and[%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown predicate op %q", p.Op)
	}
	return nil
}

// Eval interprets the predicate against event attributes. A nil predicate
// matches everything. Missing attributes never match (except under and,
// where any false clause fails the whole conjunction).
func (p *Predicate) Eval(attrs map[string]any) bool {
	if p == nil {
		return true
	}
	switch p.Op {
	case OpEq:
		v, ok := attrs[p.Field]
		if !ok {
			return false
		}
		return looseEqual(v, p.Value)
	case OpGt, OpGte, OpLt, OpLte:
		v, ok := attrs[p.Field]
		if !ok {
			return false
		}
		lhs, ok := toFloat(v)
		if !ok {
			return false
		}
		rhs, _ := toFloat(p.Value)
		switch p.Op {
		case OpGt:
			return lhs > rhs
		case OpGte:
			return lhs >= rhs
		case OpLt:
			return lhs < rhs
		default:
			return lhs <= rhs
		}
	case OpIn:
		v, ok := attrs[p.Field]
		if !ok {
			return false
		}
		for _, candidate := range p.Values {
			if looseEqual(v, candidate) {
				return true
			}
		}
		return false
	case OpAnd:
		for i := range p.Clauses {
			if !p.Clauses[i].Eval(attrs) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// looseEqual compares attribute values the way JSON delivers them: numbers
// compare numerically regardless of Go type, everything else by interface
// equality.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
