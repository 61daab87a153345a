package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-lockstep/v1/fencing"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-lockstep/v1/lease")

// ErrLockTimeout is returned by Registry.Do when the lock could not be
// acquired within the caller's budget.
var ErrLockTimeout = errors.New("lockstep: lock acquisition timed out")

// defaultTTL is the lease duration applied to locks created by a Registry
// unless overridden with WithDefaultTTL.
const defaultTTL = 30 * time.Second

// Registry lazily creates and caches one lease Lock per resource name. Locks
// are never evicted; a name always maps to the same Lock for the lifetime of
// the registry.
type Registry struct {
	ttl          time.Duration
	clock        clockwork.Clock
	gen          *fencing.Generator
	ins          *instruments
	traceEnabled bool

	mu    sync.Mutex
	locks map[string]*Lock
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTTL sets the lease TTL for locks created by the registry.
func WithDefaultTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithClock sets the clock used by the registry and every lock it creates.
func WithClock(c clockwork.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithGenerator sets the fencing token generator shared by all locks in the
// registry.
func WithGenerator(g *fencing.Generator) Option {
	return func(r *Registry) { r.gen = g }
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer. All locks created by the registry share the same collectors.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(r *Registry) { r.ins = newInstruments(reg) }
}

// WithTracing enables OpenTelemetry spans around critical sections run
// through Do.
func WithTracing() Option {
	return func(r *Registry) { r.traceEnabled = true }
}

// NewRegistry returns a new lock registry. The default TTL applied to the
// locks it creates must be positive; a lease that can never be live would
// admit every caller at once.
func NewRegistry(opts ...Option) (*Registry, error) {
	r := &Registry{
		ttl:   defaultTTL,
		clock: clockwork.NewRealClock(),
		gen:   fencing.Default(),
		locks: make(map[string]*Lock),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	return r, nil
}

// Get returns the lock for name, creating it on first reference.
func (r *Registry) Get(name string) *Lock {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.locks[name]; ok {
		return l
	}
	l := &Lock{
		name:   name,
		ttl:    r.ttl,
		clock:  r.clock,
		gen:    r.gen,
		ins:    r.ins,
		notify: make(chan struct{}),
	}
	r.locks[name] = l
	return l
}

// Do acquires the lock for name, runs task, and releases the lock exactly
// once regardless of the task's outcome. It returns ErrLockTimeout when the
// lock could not be acquired within timeout; otherwise it propagates the
// task's own result.
func (r *Registry) Do(ctx context.Context, name string, timeout time.Duration, task func(context.Context) error) error {
	l := r.Get(name)
	token, ok, err := l.Acquire(ctx, uuid.NewString(), timeout)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockTimeout
	}
	defer l.Release(token)

	if r.traceEnabled {
		var span trace.Span
		ctx, span = tracer.Start(ctx, "lease.Do", trace.WithAttributes(
			attribute.String("lock.name", name),
			attribute.Int64("lock.token", int64(token)),
		))
		defer span.End()
	}
	return task(ctx)
}
