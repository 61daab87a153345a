package quorum

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoNodes is returned when a lock is constructed without node stores.
	ErrNoNodes = errors.New("lockstep: quorum lock requires at least one node")
	// ErrInvalidTTL is returned when a non-positive TTL is provided.
	ErrInvalidTTL = errors.New("lockstep: quorum ttl must be positive")
)

// Lock acquires a key on a majority of N independent node stores. It is a
// single atomic attempt with no built-in blocking or retry; callers retry
// externally if desired.
type Lock struct {
	stores []NodeStore
	quorum int
	drift  time.Duration
	clock  clockwork.Clock

	acquires   prometheus.Counter
	rejections prometheus.Counter
}

// Option configures a quorum Lock.
type Option func(*Lock)

// WithDriftAllowance subtracts d from the validity window on every attempt,
// as a safety margin against clock drift between nodes. The default is zero.
func WithDriftAllowance(d time.Duration) Option {
	return func(l *Lock) { l.drift = d }
}

// WithClock sets the clock used to measure the acquisition round trip.
func WithClock(c clockwork.Clock) Option {
	return func(l *Lock) { l.clock = c }
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Lock) {
		l.acquires = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_quorum_acquire_total",
			Help: "Total number of successful quorum acquisitions",
		})
		l.rejections = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_quorum_rollback_total",
			Help: "Total number of quorum attempts rolled back",
		})
		reg.MustRegister(l.acquires, l.rejections)
	}
}

// New returns a quorum lock over the given node stores. The quorum size is
// fixed at construction to a strict majority, len(stores)/2+1.
func New(stores []NodeStore, opts ...Option) (*Lock, error) {
	if len(stores) == 0 {
		return nil, ErrNoNodes
	}
	l := &Lock{
		stores: append([]NodeStore(nil), stores...),
		quorum: len(stores)/2 + 1,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Nodes returns the number of node stores.
func (l *Lock) Nodes() int { return len(l.stores) }

// Quorum returns the majority size required for an acquisition.
func (l *Lock) Quorum() int { return l.quorum }

// Acquire attempts to take the lock for key on all nodes concurrently. It
// succeeds only if at least a quorum of nodes granted the key AND the round
// trip left a positive validity window (ttl minus elapsed time minus the
// drift allowance). On any failure every partial grant is rolled back before
// reporting ok=false, so no orphaned entries survive on a minority of nodes.
// The returned proof value must be presented on Release.
func (l *Lock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	value := uuid.NewString()
	start := l.clock.Now()

	var granted atomic.Int64
	var g errgroup.Group
	for _, s := range l.stores {
		s := s
		g.Go(func() error {
			// A node that errors simply does not count toward the majority.
			if ok, err := s.TryPut(ctx, key, value, ttl); err == nil && ok {
				granted.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	validity := ttl - l.clock.Since(start) - l.drift
	if int(granted.Load()) >= l.quorum && validity > 0 {
		if l.acquires != nil {
			l.acquires.Inc()
		}
		return value, true, nil
	}

	l.rollback(ctx, key, value)
	if l.rejections != nil {
		l.rejections.Inc()
	}
	return "", false, nil
}

// Release removes the caller's entry from every node. Each node deletes only
// if its stored value equals the caller's proof, so a lock already reclaimed
// by someone else is left alone.
func (l *Lock) Release(ctx context.Context, key, value string) error {
	var g errgroup.Group
	for _, s := range l.stores {
		s := s
		g.Go(func() error {
			_, err := s.CompareAndDelete(ctx, key, value)
			return err
		})
	}
	return g.Wait()
}

func (l *Lock) rollback(ctx context.Context, key, value string) {
	var g errgroup.Group
	for _, s := range l.stores {
		s := s
		g.Go(func() error {
			_, _ = s.CompareAndDelete(ctx, key, value)
			return nil
		})
	}
	_ = g.Wait()
}
