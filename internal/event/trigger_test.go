package event

import (
	"reflect"
	"testing"
	"time"
)

func TestWhenTrigger(t *testing.T) {
	tr := When(TypeIs("chat.message"))

	ok, err := tr.Accept(&Firing{Event: New("chat.message", nil), Handler: "h"})
	if err != nil || !ok {
		t.Fatalf("Accept = %v, %v", ok, err)
	}
	ok, err = tr.Accept(&Firing{Event: New("timer.tick", nil), Handler: "h"})
	if err != nil || ok {
		t.Fatalf("Accept = %v, %v", ok, err)
	}
}

func TestCooldownWindow(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tr := Cooldown(time.Minute, nil).(*cooldownTrigger)
	tr.now = func() time.Time { return now }

	fire := func() bool {
		ok, err := tr.Accept(&Firing{Event: New("x", nil), Handler: "h"})
		if err != nil {
			t.Fatalf("Accept err: %v", err)
		}
		return ok
	}

	if !fire() {
		t.Fatal("first firing rejected")
	}
	now = now.Add(30 * time.Second)
	if fire() {
		t.Fatal("accepted inside window")
	}
	// A rejected firing must not refresh the window: 61s after the first
	// accept (not 31s after the reject) re-opens it.
	now = now.Add(31 * time.Second)
	if !fire() {
		t.Fatal("rejected after window elapsed")
	}
}

func TestCooldownPerKey(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	keyFn := func(e Event) string {
		v, _ := e.Get("user")
		s, _ := v.(string)
		return s
	}
	tr := Cooldown(time.Minute, keyFn).(*cooldownTrigger)
	tr.now = func() time.Time { return now }

	alice := New("x", map[string]any{"user": "alice"})
	bob := New("x", map[string]any{"user": "bob"})

	if ok, _ := tr.Accept(&Firing{Event: alice, Handler: "h"}); !ok {
		t.Fatal("alice first firing rejected")
	}
	// A different key has its own window.
	if ok, _ := tr.Accept(&Firing{Event: bob, Handler: "h"}); !ok {
		t.Fatal("bob blocked by alice's window")
	}
	if ok, _ := tr.Accept(&Firing{Event: alice, Handler: "h"}); ok {
		t.Fatal("alice accepted inside window")
	}
	// Same key, different handler: separate window.
	if ok, _ := tr.Accept(&Firing{Event: alice, Handler: "other"}); !ok {
		t.Fatal("other handler blocked by h's window")
	}
}

func TestCommandTrigger(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantOK   bool
		wantArgs []string
	}{
		{"exact", "!status", true, []string{}},
		{"with args", "!status verbose now", true, []string{"verbose", "now"}},
		{"leading spaces", "   !status  x", true, []string{"x"}},
		{"wrong prefix", "!other", false, nil},
		{"substring not token", "!statusx", false, nil},
		{"case sensitive", "!STATUS", false, nil},
		{"empty", "", false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := Command("!status")
			f := &Firing{Event: New("input.text", map[string]any{"text": tt.text}), Handler: "h"}
			ok, err := tr.Accept(f)
			if err != nil {
				t.Fatalf("Accept err: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("Accept = %v, want %v", ok, tt.wantOK)
			}
			if ok && len(tt.wantArgs) > 0 && !reflect.DeepEqual(f.Args, tt.wantArgs) {
				t.Fatalf("Args = %v, want %v", f.Args, tt.wantArgs)
			}
		})
	}
}

func TestAcceptAll(t *testing.T) {
	f := &Firing{Event: New("input.text", map[string]any{"text": "!go fast"}), Handler: "h"}

	ok, err := AcceptAll([]Trigger{When(TypeIs("input.text")), Command("!go")}, f)
	if err != nil || !ok {
		t.Fatalf("AcceptAll = %v, %v", ok, err)
	}
	if !reflect.DeepEqual(f.Args, []string{"fast"}) {
		t.Fatalf("Args = %v", f.Args)
	}

	ok, err = AcceptAll([]Trigger{When(Never()), Command("!go")}, f)
	if err != nil || ok {
		t.Fatalf("AcceptAll = %v, %v, want reject", ok, err)
	}
}

type panickyTrigger struct{}

func (panickyTrigger) Name() string { return "panicky" }

func (panickyTrigger) Accept(*Firing) (bool, error) { panic("trigger bug") }

func TestAcceptAllPanicIsRejection(t *testing.T) {
	f := &Firing{Event: New("x", nil), Handler: "h"}
	ok, err := AcceptAll([]Trigger{panickyTrigger{}}, f)
	if ok {
		t.Fatal("panicking trigger accepted")
	}
	if err == nil {
		t.Fatal("expected error from panic")
	}
}
