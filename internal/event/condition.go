package event

import (
	"fmt"
	"strings"
)

// Condition is a pure predicate over an Event, represented as an explicit
// tagged tree: a leaf check or an AND/OR/NOT node over children.
// Evaluation short-circuits on AND and OR and has no side effects.
type Condition struct {
	op    condOp
	name  string
	check func(Event) bool
	subs  []*Condition
}

type condOp int

const (
	opLeaf condOp = iota
	opAnd
	opOr
	opNot
)

// Leaf wraps a predicate function with a debug name.
func Leaf(name string, check func(Event) bool) *Condition {
	if name == "" {
		name = "unnamed"
	}
	return &Condition{op: opLeaf, name: name, check: check}
}

// And passes iff every child passes.
func And(subs ...*Condition) *Condition { return &Condition{op: opAnd, subs: subs} }

// Or passes iff at least one child passes.
func Or(subs ...*Condition) *Condition { return &Condition{op: opOr, subs: subs} }

// Not inverts a condition.
func Not(c *Condition) *Condition { return &Condition{op: opNot, subs: []*Condition{c}} }

// Eval walks the tree. A nil condition matches everything.
func (c *Condition) Eval(e Event) bool {
	if c == nil {
		return true
	}
	switch c.op {
	case opLeaf:
		if c.check == nil {
			return false
		}
		return c.check(e)
	case opAnd:
		for _, s := range c.subs {
			if !s.Eval(e) {
				return false
			}
		}
		return true
	case opOr:
		for _, s := range c.subs {
			if s.Eval(e) {
				return true
			}
		}
		return false
	case opNot:
		if len(c.subs) != 1 {
			return false
		}
		return !c.subs[0].Eval(e)
	default:
		return false
	}
}

// EvalSafe evaluates the condition, converting a panic inside a leaf
// predicate into a non-match with an error.
func (c *Condition) EvalSafe(e Event) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("condition %s panicked: %v", c.String(), r)
		}
	}()
	return c.Eval(e), nil
}

func (c *Condition) String() string {
	if c == nil {
		return "true"
	}
	switch c.op {
	case opLeaf:
		return c.name
	case opAnd:
		return "(" + joinNames(c.subs, " AND ") + ")"
	case opOr:
		return "(" + joinNames(c.subs, " OR ") + ")"
	case opNot:
		if len(c.subs) == 1 {
			return "NOT " + c.subs[0].String()
		}
		return "NOT ?"
	default:
		return "?"
	}
}

func joinNames(subs []*Condition, sep string) string {
	parts := make([]string, 0, len(subs))
	for _, s := range subs {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, sep)
}

// ---- Common leaves ----

// Always matches every event.
func Always() *Condition { return Leaf("always", func(Event) bool { return true }) }

// Never matches nothing. Useful for disabling a handler in place.
func Never() *Condition { return Leaf("never", func(Event) bool { return false }) }

// TypeIs matches events of exactly the given type.
func TypeIs(typ string) *Condition {
	return Leaf("type_is("+typ+")", func(e Event) bool { return e.Type() == typ })
}

// SourceIs matches events attributed to the given source.
func SourceIs(source string) *Condition {
	return Leaf("source_is("+source+")", func(e Event) bool { return e.Source() == source })
}

// FieldEquals matches when a payload field equals value.
func FieldEquals(field string, value any) *Condition {
	name := fmt.Sprintf("field_equals(%s, %v)", field, value)
	return Leaf(name, func(e Event) bool {
		v, ok := e.Get(field)
		return ok && v == value
	})
}

// FieldContains matches when a string payload field contains substr
// (case-insensitive).
func FieldContains(field, substr string) *Condition {
	name := fmt.Sprintf("field_contains(%s, %s)", field, substr)
	sub := strings.ToLower(substr)
	return Leaf(name, func(e Event) bool {
		v, ok := e.Get(field)
		if !ok {
			return false
		}
		s, ok := v.(string)
		if !ok {
			return false
		}
		return strings.Contains(strings.ToLower(s), sub)
	})
}
