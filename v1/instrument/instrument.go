// Package instrument wraps mutex.Mutex with Prometheus metrics, OpenTelemetry
// tracing and structured logging. The wrapped mutex keeps the same
// non-blocking contract.
package instrument

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-trylock/v1/metrics"
	"github.com/mirkobrombin/go-trylock/v1/mutex"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-trylock/v1/instrument")

const defaultName = "default"

type options struct {
	name         string
	metrics      bool
	traceEnabled bool
	logger       *slog.Logger
}

// Option configures a Mutex.
type Option func(*options)

// WithName sets the value of the "mutex" label and span attribute.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithMetrics records attempts, contention and hold times into the collectors
// of package metrics. Register them with metrics.RegisterCoreMetrics.
func WithMetrics() Option {
	return func(o *options) {
		o.metrics = true
	}
}

// WithTracing opens a span for every TryDo call.
func WithTracing() Option {
	return func(o *options) {
		o.traceEnabled = true
	}
}

// WithLogger sets the logger used for contention and panic events.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Mutex is an observed mutex.Mutex.
type Mutex[T any] struct {
	inner        *mutex.Mutex[T]
	name         string
	logger       *slog.Logger
	traceEnabled bool

	attempts  prometheus.Counter
	acquired  prometheus.Counter
	contended prometheus.Counter
	panics    prometheus.Counter
	hold      prometheus.Observer
}

// New returns an unlocked, observed mutex holding v.
func New[T any](v T, opts ...Option) *Mutex[T] {
	o := options{name: defaultName}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	m := &Mutex[T]{
		inner:        mutex.New(v),
		name:         o.name,
		logger:       o.logger,
		traceEnabled: o.traceEnabled,
	}
	if o.metrics {
		m.attempts = metrics.AttemptCounter.WithLabelValues(o.name)
		m.acquired = metrics.AcquiredCounter.WithLabelValues(o.name)
		m.contended = metrics.ContendedCounter.WithLabelValues(o.name)
		m.panics = metrics.PanicCounter.WithLabelValues(o.name)
		m.hold = metrics.HoldHistogram.WithLabelValues(o.name)
	}
	return m
}

// Name returns the mutex name used in metrics, spans and logs.
func (m *Mutex[T]) Name() string { return m.name }

// TryLock attempts to acquire the mutex without waiting, as mutex.Mutex.TryLock.
func (m *Mutex[T]) TryLock() (*Guard[T], bool) {
	if m.attempts != nil {
		m.attempts.Inc()
	}
	g, ok := m.inner.TryLock()
	if !ok {
		if m.contended != nil {
			m.contended.Inc()
		}
		m.logger.Debug("trylock: mutex contended", "mutex", m.name)
		return nil, false
	}
	if m.acquired != nil {
		m.acquired.Inc()
	}
	ig := &Guard[T]{Guard: g, m: m}
	if m.hold != nil || m.traceEnabled {
		ig.start = time.Now()
	}
	return ig, true
}

// TryDo attempts to acquire the mutex once and, on success, calls fn with the
// protected value. The mutex is released on every exit path, including
// runtime.Goexit. A panic in fn is counted, logged and propagated.
func (m *Mutex[T]) TryDo(ctx context.Context, fn func(ctx context.Context, v *T) error) (bool, error) {
	var span trace.Span
	if m.traceEnabled {
		ctx, span = tracer.Start(ctx, "Mutex.TryDo", trace.WithAttributes(attribute.String("trylock.mutex", m.name)))
		defer span.End()
	}

	g, ok := m.TryLock()
	if !ok {
		if m.traceEnabled {
			span.SetAttributes(attribute.String("trylock.result", "contended"))
		}
		return false, nil
	}
	if m.traceEnabled {
		span.SetAttributes(attribute.String("trylock.result", "acquired"))
	}

	defer func() {
		r := recover()
		if r != nil {
			if m.panics != nil {
				m.panics.Inc()
			}
			m.logger.Warn("trylock: holder panicked, releasing", "mutex", m.name, "panic", r)
			if m.traceEnabled {
				span.SetStatus(codes.Error, "holder panicked")
			}
		}
		if m.traceEnabled {
			span.SetAttributes(attribute.Int64("trylock.hold_ms", time.Since(g.start).Milliseconds()))
		}
		g.Unlock()
		if r != nil {
			panic(r)
		}
	}()

	err := fn(ctx, g.Value())
	if err != nil && m.traceEnabled {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return true, err
}

// Guard is the exclusive handle returned by Mutex.TryLock. It exposes the
// same accessors as mutex.Guard and observes the hold time on Unlock.
type Guard[T any] struct {
	*mutex.Guard[T]
	m        *Mutex[T]
	start    time.Time
	released atomic.Bool
}

// Unlock releases the mutex. Only the first call has an effect.
func (g *Guard[T]) Unlock() {
	if !g.released.CompareAndSwap(false, true) {
		return
	}
	if g.m.hold != nil {
		g.m.hold.Observe(time.Since(g.start).Seconds())
	}
	g.Guard.Unlock()
}
