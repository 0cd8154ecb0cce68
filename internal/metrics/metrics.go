// Package metrics exposes Prometheus collectors for the proxy, grounded on
// the promauto package-level-var-plus-setter idiom of the teacher's Galera
// metrics package, re-scoped from Galera cluster state to backend health,
// routing, and session-affinity counters. Collectors are registered lazily
// by Init so the namespace can come from configuration rather than being
// baked in at package load.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// defaultNamespace is used when Init is called with an empty namespace.
// Init must run before any setter below; until then the collectors are nil.
const defaultNamespace = "dbclusterlb"

var (
	mu          sync.RWMutex
	initialized bool

	connectionsActive          *prometheus.GaugeVec
	connectionsTotal           *prometheus.CounterVec
	commandsTotal              *prometheus.CounterVec
	backendHealthy             *prometheus.GaugeVec
	backendProbeOutcomeTotal   *prometheus.CounterVec
	redirectionsTotal          *prometheus.CounterVec
	redirectionsExhaustedTotal prometheus.Counter
	slotNotMappedTotal         prometheus.Counter
	affinityBindings           prometheus.Gauge
	affinitySweptTotal         prometheus.Counter
	backendErrorsTotal         *prometheus.CounterVec
)

// Init registers every collector under namespace. It is idempotent: later
// calls are no-ops, so main can call it once at start-up without callers
// having to guard against a process that re-reads its config.
func Init(namespace string) {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return
	}
	if namespace == "" {
		namespace = defaultNamespace
	}

	connectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Current number of active client connections by mode.",
	}, []string{"mode"})

	connectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "Total client connections accepted by mode.",
	}, []string{"mode"})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Total commands forwarded by mode.",
	}, []string{"mode"})

	backendHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_healthy",
		Help:      "1 if the backend is currently healthy, 0 otherwise.",
	}, []string{"backend_id"})

	backendProbeOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_probe_outcome_total",
		Help:      "Total health probes by backend and outcome.",
	}, []string{"backend_id", "outcome"})

	redirectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_redirections_total",
		Help:      "Total MOVED/ASK redirections handled, by kind.",
	}, []string{"kind"})

	redirectionsExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_redirections_exhausted_total",
		Help:      "Total commands that failed after exceeding max_redirections.",
	})

	slotNotMappedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "redis_slot_not_mapped_total",
		Help:      "Total commands that failed because their slot was not yet mapped.",
	})

	affinityBindings = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "affinity_bindings",
		Help:      "Current number of MongoDB session affinity bindings.",
	})

	affinitySweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "affinity_swept_total",
		Help:      "Total affinity bindings removed by the expiry sweep.",
	})

	backendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backend_errors_total",
		Help:      "Total backend connection/protocol errors by mode.",
	}, []string{"mode"})

	initialized = true
}

func IncConnection(mode string) {
	mu.RLock()
	defer mu.RUnlock()
	connectionsActive.WithLabelValues(mode).Inc()
	connectionsTotal.WithLabelValues(mode).Inc()
}

func DecConnection(mode string) {
	mu.RLock()
	defer mu.RUnlock()
	connectionsActive.WithLabelValues(mode).Dec()
}

func IncCommand(mode string) {
	mu.RLock()
	defer mu.RUnlock()
	commandsTotal.WithLabelValues(mode).Inc()
}

func SetBackendHealthy(backendID string, healthy bool) {
	mu.RLock()
	defer mu.RUnlock()
	v := 0.0
	if healthy {
		v = 1.0
	}
	backendHealthy.WithLabelValues(backendID).Set(v)
}

func IncProbeOutcome(backendID, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	backendProbeOutcomeTotal.WithLabelValues(backendID, outcome).Inc()
}

func IncRedirection(kind string) {
	mu.RLock()
	defer mu.RUnlock()
	redirectionsTotal.WithLabelValues(kind).Inc()
}

func IncRedirectionsExhausted() {
	mu.RLock()
	defer mu.RUnlock()
	redirectionsExhaustedTotal.Inc()
}

func IncSlotNotMapped() {
	mu.RLock()
	defer mu.RUnlock()
	slotNotMappedTotal.Inc()
}

func SetAffinityBindings(n int) {
	mu.RLock()
	defer mu.RUnlock()
	affinityBindings.Set(float64(n))
}

func AddAffinitySwept(n int) {
	mu.RLock()
	defer mu.RUnlock()
	affinitySweptTotal.Add(float64(n))
}

func IncBackendError(mode string) {
	mu.RLock()
	defer mu.RUnlock()
	backendErrorsTotal.WithLabelValues(mode).Inc()
}
