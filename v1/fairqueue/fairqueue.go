package fairqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/btree"

	"github.com/mirkobrombin/go-lockstep/v1/metrics"
)

var (
	// ErrInvalidTimeout is returned when a negative timeout is provided.
	ErrInvalidTimeout = errors.New("lockstep: timeout must not be negative")
	// ErrEmptyPath is returned when a lock path is empty.
	ErrEmptyPath = errors.New("lockstep: lock path must not be empty")
)

const lockSegment = "/lock-"

// pollInterval bounds the sleep between admission checks while waiting for
// earlier entries to drain.
const pollInterval = 50 * time.Millisecond

// Queue is a shared registry of sequence-numbered waiter entries, logically
// partitioned by lock path. One mutex guards the whole structure; that is an
// accepted bottleneck at this scope. Zero-padded sequence numbers make
// lexicographic key order equal numeric registration order.
type Queue struct {
	clock clockwork.Clock
	seq   atomic.Int64

	mu      sync.Mutex
	entries btree.Map[string, string]
	notify  chan struct{}

	acquires prometheus.Counter
	timeouts prometheus.Counter
	releases prometheus.Counter
	waiters  prometheus.Gauge
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for deadlines.
func WithClock(c clockwork.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer, replacing the package-level lockstep collectors the queue
// reports to by default.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(q *Queue) {
		q.acquires = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_fairqueue_acquire_total",
			Help: "Total number of fair queue admissions",
		})
		q.timeouts = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_fairqueue_timeout_total",
			Help: "Total number of fair queue acquisition timeouts",
		})
		q.releases = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lockstep_fairqueue_release_total",
			Help: "Total number of fair queue releases",
		})
		q.waiters = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lockstep_fairqueue_waiters",
			Help: "Current number of callers blocked in the fair queue",
		})
		reg.MustRegister(q.acquires, q.timeouts, q.releases, q.waiters)
	}
}

// New returns an empty fair queue lock registry.
func New(opts ...Option) *Queue {
	q := &Queue{
		clock:    clockwork.NewRealClock(),
		notify:   make(chan struct{}),
		acquires: metrics.AcquireCounter,
		timeouts: metrics.TimeoutCounter,
		releases: metrics.ReleaseCounter,
		waiters:  metrics.WaiterGauge,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// register assigns the next sequence number and inserts a waiter entry. The
// returned key is the waiter's identity for the rest of its life.
func (q *Queue) register(path, owner string) string {
	key := fmt.Sprintf("%s%s%010d", path, lockSegment, q.seq.Add(1))
	q.mu.Lock()
	q.entries.Set(key, owner)
	q.mu.Unlock()
	return key
}

// Acquire registers a waiter under path and blocks until that waiter holds
// the smallest sequence number sharing the path prefix, or the timeout
// elapses. On timeout the waiter's own entry is removed before reporting
// ok=false; a stale entry left behind would permanently starve every later
// waiter. Cancelling ctx likewise removes the entry and unwinds cleanly.
func (q *Queue) Acquire(ctx context.Context, path, owner string, timeout time.Duration) (string, bool, error) {
	if path == "" {
		return "", false, ErrEmptyPath
	}
	if timeout < 0 {
		return "", false, ErrInvalidTimeout
	}
	key := q.register(path, owner)
	deadline := q.clock.Now().Add(timeout)

	waiting := false
	defer func() {
		if waiting {
			q.waiters.Dec()
		}
	}()

	for {
		q.mu.Lock()
		first, _ := q.firstLocked(path)
		ch := q.notify
		q.mu.Unlock()
		if first == key {
			q.acquires.Inc()
			return key, true, nil
		}

		remaining := deadline.Sub(q.clock.Now())
		if remaining <= 0 {
			q.remove(key)
			q.timeouts.Inc()
			return "", false, nil
		}
		if !waiting {
			waiting = true
			q.waiters.Inc()
		}
		wait := remaining
		if wait > pollInterval {
			wait = pollInterval
		}
		timer := q.clock.NewTimer(wait)
		select {
		case <-ch:
			timer.Stop()
		case <-timer.Chan():
		case <-ctx.Done():
			timer.Stop()
			q.remove(key)
			return "", false, ctx.Err()
		}
	}
}

// Release removes the entry for key. There is no explicit grant step: the
// next-smallest remaining entry under the same path is the new holder by
// definition. It returns false when key names no live entry.
func (q *Queue) Release(key string) bool {
	if q.remove(key) {
		q.releases.Inc()
		return true
	}
	return false
}

// HolderOf returns the owner and key currently holding the lock for path.
func (q *Queue) HolderOf(path string) (owner, key string, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	first, found := q.firstLocked(path)
	if !found {
		return "", "", false
	}
	owner, _ = q.entries.Get(first)
	return owner, first, true
}

// Waiters returns the number of live entries registered under path,
// including the current holder.
func (q *Queue) Waiters(path string) int {
	prefix := path + lockSegment
	n := 0
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries.Ascend(prefix, func(k, _ string) bool {
		if !strings.HasPrefix(k, prefix) {
			return false
		}
		n++
		return true
	})
	return n
}

func (q *Queue) firstLocked(path string) (string, bool) {
	prefix := path + lockSegment
	var first string
	var found bool
	q.entries.Ascend(prefix, func(k, _ string) bool {
		if strings.HasPrefix(k, prefix) {
			first, found = k, true
		}
		return false
	})
	return first, found
}

func (q *Queue) remove(key string) bool {
	q.mu.Lock()
	_, ok := q.entries.Delete(key)
	var ch chan struct{}
	if ok {
		ch = q.notify
		q.notify = make(chan struct{})
	}
	q.mu.Unlock()
	if ok {
		close(ch)
	}
	return ok
}
