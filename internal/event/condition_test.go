package event

import (
	"strings"
	"testing"
)

func TestConditionEval(t *testing.T) {
	msg := New("chat.message", map[string]any{"text": "hello world", "user": "alice"})

	tests := []struct {
		name string
		cond *Condition
		want bool
	}{
		{"nil matches", nil, true},
		{"always", Always(), true},
		{"never", Never(), false},
		{"type match", TypeIs("chat.message"), true},
		{"type mismatch", TypeIs("timer.tick"), false},
		{"source", SourceIs("system"), true},
		{"field equals", FieldEquals("user", "alice"), true},
		{"field equals miss", FieldEquals("user", "bob"), false},
		{"field contains", FieldContains("text", "WORLD"), true},
		{"and", And(TypeIs("chat.message"), FieldEquals("user", "alice")), true},
		{"and short", And(Never(), FieldEquals("user", "alice")), false},
		{"or", Or(Never(), TypeIs("chat.message")), true},
		{"not", Not(Never()), true},
		{"nested", And(Or(TypeIs("a"), TypeIs("chat.message")), Not(FieldEquals("user", "bob"))), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Eval(msg); got != tt.want {
				t.Fatalf("Eval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionShortCircuit(t *testing.T) {
	calls := 0
	counting := Leaf("counting", func(Event) bool {
		calls++
		return true
	})

	e := New("x", nil)

	And(Never(), counting).Eval(e)
	if calls != 0 {
		t.Fatalf("AND evaluated right side after false left (%d calls)", calls)
	}

	Or(Always(), counting).Eval(e)
	if calls != 0 {
		t.Fatalf("OR evaluated right side after true left (%d calls)", calls)
	}
}

func TestEvalSafePanicIsNonMatch(t *testing.T) {
	boom := Leaf("boom", func(Event) bool { panic("nope") })

	ok, err := boom.EvalSafe(New("x", nil))
	if ok {
		t.Fatal("panicking condition matched")
	}
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("err = %v", err)
	}
}

func TestConditionString(t *testing.T) {
	c := And(TypeIs("a"), Not(Never()))
	s := c.String()
	if !strings.Contains(s, "AND") || !strings.Contains(s, "NOT") {
		t.Fatalf("String() = %q", s)
	}
}
