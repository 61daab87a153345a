package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-lockstep/v1/fencing"
)

func TestRegistryCachesLocksPerName(t *testing.T) {
	r, _ := NewRegistry()
	a := r.Get("a")
	if r.Get("a") != a {
		t.Fatal("same name must yield the same lock")
	}
	if r.Get("b") == a {
		t.Fatal("different names must yield different locks")
	}
}

func TestNewRegistryRejectsNonPositiveTTL(t *testing.T) {
	// A registry with a dead-on-arrival lease would grant every caller at
	// once; bad TTL configuration has to surface at construction.
	if _, err := NewRegistry(WithDefaultTTL(0)); err != ErrInvalidTTL {
		t.Fatalf("expected ErrInvalidTTL for zero ttl, got %v", err)
	}
	if _, err := NewRegistry(WithDefaultTTL(-time.Second)); err != ErrInvalidTTL {
		t.Fatalf("expected ErrInvalidTTL for negative ttl, got %v", err)
	}
	r, err := NewRegistry(WithDefaultTTL(time.Second))
	if err != nil {
		t.Fatalf("positive ttl must construct: %v", err)
	}
	l := r.Get("res")
	if _, ok, _ := l.Acquire(context.Background(), "w1", 0); !ok {
		t.Fatal("acquire failed")
	}
	if _, ok, _ := l.Acquire(context.Background(), "w2", 0); ok {
		t.Fatal("second caller granted while the lease is live")
	}
}

func TestDoRunsTaskAndReleases(t *testing.T) {
	r, _ := NewRegistry()
	ran := false
	err := r.Do(context.Background(), "res", time.Second, func(ctx context.Context) error {
		ran = true
		if !r.Get("res").IsLocked() {
			t.Error("lock should be held inside the task")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if !ran {
		t.Fatal("task did not run")
	}
	if r.Get("res").IsLocked() {
		t.Fatal("lock should be released after the task")
	}
}

func TestDoPropagatesTaskError(t *testing.T) {
	r, _ := NewRegistry()
	boom := errors.New("boom")
	err := r.Do(context.Background(), "res", time.Second, func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected task error, got %v", err)
	}
	if r.Get("res").IsLocked() {
		t.Fatal("lock must be released even when the task fails")
	}
}

func TestDoReleasesOnPanic(t *testing.T) {
	r, _ := NewRegistry()
	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = r.Do(context.Background(), "res", time.Second, func(context.Context) error {
			panic("task blew up")
		})
	}()
	if r.Get("res").IsLocked() {
		t.Fatal("lock must be released after a panicking task")
	}
}

func TestDoLockTimeout(t *testing.T) {
	r, _ := NewRegistry()
	l := r.Get("res")
	token, ok, _ := l.Acquire(context.Background(), "other", 0)
	if !ok {
		t.Fatal("setup acquire failed")
	}
	defer l.Release(token)

	err := r.Do(context.Background(), "res", 30*time.Millisecond, func(context.Context) error {
		t.Error("task must not run on acquisition timeout")
		return nil
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}

func TestTokensMonotonicAcrossResources(t *testing.T) {
	var gen fencing.Generator
	r, _ := NewRegistry(WithGenerator(&gen))
	ctx := context.Background()

	a, ok, _ := r.Get("alpha").Acquire(ctx, "w", 0)
	if !ok {
		t.Fatal("acquire alpha failed")
	}
	b, ok, _ := r.Get("beta").Acquire(ctx, "w", 0)
	if !ok {
		t.Fatal("acquire beta failed")
	}
	if b <= a {
		t.Fatalf("tokens must increase across resources: %d after %d", b, a)
	}
}

func TestRegistryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, _ := NewRegistry(WithMetrics(reg))
	ctx := context.Background()

	l := r.Get("res")
	token, ok, _ := l.Acquire(ctx, "w", 0)
	if !ok {
		t.Fatal("acquire failed")
	}
	l.Release(token - 1)
	l.Release(token)
	if _, ok, _ := l.Acquire(ctx, "w", 0); !ok {
		t.Fatal("re-acquire failed")
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected lease metrics registered")
	}
}
