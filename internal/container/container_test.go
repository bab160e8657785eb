package container

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestRegisterDuplicate(t *testing.T) {
	c := New()
	if err := c.Instance("db", 1); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	err := c.Instance("db", 2)
	if !errors.Is(err, ErrDuplicateBinding) {
		t.Fatalf("err = %v, want ErrDuplicateBinding", err)
	}
	// The original binding survives.
	v, err := c.Resolve("db")
	if err != nil || v != 1 {
		t.Fatalf("Resolve = %v, %v", v, err)
	}
}

func TestResolveUnbound(t *testing.T) {
	c := New()
	_, err := c.Resolve("nope")
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
}

func TestReplace(t *testing.T) {
	c := New()
	_ = c.Instance("db", 1)
	c.Replace("db", func() (any, error) { return 2, nil }, Singleton)
	v, err := c.Resolve("db")
	if err != nil || v != 2 {
		t.Fatalf("Resolve = %v, %v", v, err)
	}
}

func TestSingletonBuiltOnce(t *testing.T) {
	c := New()
	var builds atomic.Int32
	_ = c.Register("conn", func() (any, error) {
		builds.Add(1)
		return "instance", nil
	}, Singleton)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Resolve("conn")
			if err != nil || v != "instance" {
				t.Errorf("Resolve = %v, %v", v, err)
			}
		}()
	}
	wg.Wait()

	if n := builds.Load(); n != 1 {
		t.Fatalf("provider ran %d times, want 1", n)
	}
}

func TestPerCallFreshInstances(t *testing.T) {
	c := New()
	n := 0
	_ = c.Register("counter", func() (any, error) {
		n++
		return n, nil
	}, PerCall)

	for want := 1; want <= 3; want++ {
		v, err := c.Resolve("counter")
		if err != nil || v != want {
			t.Fatalf("Resolve #%d = %v, %v", want, v, err)
		}
	}
}

func TestHasAndIDs(t *testing.T) {
	c := New()
	_ = c.Instance("b", 1)
	_ = c.Instance("a", 2)

	if !c.Has("a") || c.Has("z") {
		t.Fatal("Has misreported")
	}
	ids := c.IDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("IDs = %v", ids)
	}
}

func TestSingletonProviderError(t *testing.T) {
	c := New()
	fail := errors.New("boom")
	calls := 0
	_ = c.Register("flaky", func() (any, error) {
		calls++
		if calls == 1 {
			return nil, fail
		}
		return "ok", nil
	}, Singleton)

	if _, err := c.Resolve("flaky"); !errors.Is(err, fail) {
		t.Fatalf("err = %v", err)
	}
	// A failed build is not cached.
	v, err := c.Resolve("flaky")
	if err != nil || v != "ok" {
		t.Fatalf("second Resolve = %v, %v", v, err)
	}
}
