package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-lockstep/v1/fencing"
)

var (
	// ErrInvalidTTL is returned when a non-positive TTL is provided.
	ErrInvalidTTL = errors.New("lockstep: lease ttl must be positive")
	// ErrInvalidTimeout is returned when a negative timeout is provided.
	ErrInvalidTimeout = errors.New("lockstep: timeout must not be negative")
)

// pollInterval bounds how long a waiter sleeps between status checks. Expiry
// is time-based rather than event-based, so a waiter cannot rely on a single
// wake-up: the holder may simply let its lease run out.
const pollInterval = 100 * time.Millisecond

// Lock is a single-resource lease lock. Ownership is bounded by a TTL and
// guarded by a fencing token; release and renew succeed only on an exact
// token match so a holder that lost its lease cannot disturb a successor.
type Lock struct {
	name  string
	ttl   time.Duration
	clock clockwork.Clock
	gen   *fencing.Generator
	ins   *instruments

	mu        sync.Mutex
	holder    string
	token     fencing.Token
	expiresAt time.Time
	notify    chan struct{}
}

// LockOption configures a Lock.
type LockOption func(*Lock)

// WithLockClock sets the clock used for lease expiry and deadlines.
func WithLockClock(c clockwork.Clock) LockOption {
	return func(l *Lock) { l.clock = c }
}

// WithLockGenerator sets the fencing token generator. By default the
// process-wide generator is used so tokens stay comparable across resources.
func WithLockGenerator(g *fencing.Generator) LockOption {
	return func(l *Lock) { l.gen = g }
}

// NewLock returns a lease lock for a single resource with the given TTL.
func NewLock(name string, ttl time.Duration, opts ...LockOption) (*Lock, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	l := &Lock{
		name:   name,
		ttl:    ttl,
		clock:  clockwork.NewRealClock(),
		gen:    fencing.Default(),
		notify: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Name returns the resource name the lock guards.
func (l *Lock) Name() string { return l.name }

// Acquire blocks until the lock is free or its current lease has expired,
// then grants ownership with a freshly minted fencing token. It returns
// ok=false once the timeout elapses without a grant; a timeout is an expected
// outcome, not an error. Cancelling ctx unwinds the wait without mutating
// lock state.
func (l *Lock) Acquire(ctx context.Context, owner string, timeout time.Duration) (fencing.Token, bool, error) {
	if timeout < 0 {
		return 0, false, ErrInvalidTimeout
	}
	deadline := l.clock.Now().Add(timeout)

	waiting := false
	defer func() {
		if waiting && l.ins != nil {
			l.ins.waiters.Dec()
		}
	}()

	for {
		l.mu.Lock()
		if !l.heldLocked() {
			l.holder = owner
			l.token = l.gen.Next()
			l.expiresAt = l.clock.Now().Add(l.ttl)
			token := l.token
			l.mu.Unlock()
			if l.ins != nil {
				l.ins.acquires.Inc()
			}
			return token, true, nil
		}
		ch := l.notify
		l.mu.Unlock()

		remaining := deadline.Sub(l.clock.Now())
		if remaining <= 0 {
			if l.ins != nil {
				l.ins.timeouts.Inc()
			}
			return 0, false, nil
		}
		if !waiting {
			waiting = true
			if l.ins != nil {
				l.ins.waiters.Inc()
			}
		}
		wait := remaining
		if wait > pollInterval {
			wait = pollInterval
		}
		timer := l.clock.NewTimer(wait)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			return 0, false, ctx.Err()
		}
	}
}

// Release frees the lock if token matches the current grant exactly. A stale
// token leaves the state untouched and returns false; this is what keeps a
// holder that already lost its lease from releasing a successor's lock.
// A successful release wakes all waiters.
func (l *Lock) Release(token fencing.Token) bool {
	l.mu.Lock()
	if token == 0 || token != l.token {
		l.mu.Unlock()
		if l.ins != nil {
			l.ins.mismatches.Inc()
		}
		return false
	}
	l.holder = ""
	l.token = 0
	l.expiresAt = time.Time{}
	ch := l.notify
	l.notify = make(chan struct{})
	l.mu.Unlock()
	close(ch)
	if l.ins != nil {
		l.ins.releases.Inc()
	}
	return true
}

// Renew extends the lease by extension from now, only if token matches the
// current grant. Long-running critical sections renew to keep their lease
// alive.
func (l *Lock) Renew(token fencing.Token, extension time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if token == 0 || token != l.token {
		if l.ins != nil {
			l.ins.mismatches.Inc()
		}
		return false
	}
	l.expiresAt = l.clock.Now().Add(extension)
	if l.ins != nil {
		l.ins.renewals.Inc()
	}
	return true
}

// IsLocked reports whether the lock is currently held by a live lease.
// Expiry is evaluated on read; no background sweeper exists, so a lapsed
// lease simply reads as unlocked.
func (l *Lock) IsLocked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldLocked()
}

// Holder returns the identity of the current holder, or "" if the lock is
// free or its lease has lapsed.
func (l *Lock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.heldLocked() {
		return ""
	}
	return l.holder
}

func (l *Lock) heldLocked() bool {
	return l.token != 0 && l.clock.Now().Before(l.expiresAt)
}

type instruments struct {
	acquires   prometheus.Counter
	timeouts   prometheus.Counter
	releases   prometheus.Counter
	renewals   prometheus.Counter
	mismatches prometheus.Counter
	waiters    prometheus.Gauge
}

func newInstruments(reg prometheus.Registerer) *instruments {
	ins := &instruments{
		acquires: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_lease_acquire_total",
			Help: "Total number of successful lease acquisitions",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_lease_timeout_total",
			Help: "Total number of lease acquisition timeouts",
		}),
		releases: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_lease_release_total",
			Help: "Total number of successful lease releases",
		}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_lease_renew_total",
			Help: "Total number of successful lease renewals",
		}),
		mismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_lease_token_mismatch_total",
			Help: "Total number of release/renew calls rejected on a stale token",
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lockstep_lease_waiters",
			Help: "Current number of callers blocked waiting for a lease",
		}),
	}
	reg.MustRegister(ins.acquires, ins.timeouts, ins.releases, ins.renewals,
		ins.mismatches, ins.waiters)
	return ins
}
