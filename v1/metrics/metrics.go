package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AttemptCounter tracks TryLock calls per mutex.
	AttemptCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trylock_attempts_total",
		Help: "Total number of TryLock attempts",
	}, []string{"mutex"})
	// AcquiredCounter tracks successful TryLock calls per mutex.
	AcquiredCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trylock_acquired_total",
		Help: "Total number of successful TryLock attempts",
	}, []string{"mutex"})
	// ContendedCounter tracks TryLock calls that found the mutex held.
	ContendedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trylock_contended_total",
		Help: "Total number of TryLock attempts that found the mutex held",
	}, []string{"mutex"})
	// PanicCounter tracks holders that panicked before releasing.
	PanicCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trylock_panics_total",
		Help: "Total number of releases caused by a panicking holder",
	}, []string{"mutex"})
	// HoldHistogram observes how long guards are held.
	HoldHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trylock_hold_seconds",
		Help:    "Time between acquisition and release",
		Buckets: prometheus.ExponentialBuckets(1e-6, 4, 12),
	}, []string{"mutex"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers trylock metrics on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(AttemptCounter, AcquiredCounter, ContendedCounter, PanicCounter, HoldHistogram)
}
