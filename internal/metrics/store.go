package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pingsantohq/sdnharness/pkg/types"
)

const namespace = "sdnharness"

// Store owns a private registry with the harness telemetry.
type Store struct {
	registry *prometheus.Registry

	samples         *prometheus.CounterVec
	toolFailures    *prometheus.CounterVec
	parseMisses     *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	perturbFailures *prometheus.CounterVec
	flowEntries     *prometheus.GaugeVec
	activeFlows     *prometheus.GaugeVec
}

// NewStore constructs a Store and registers its collectors together with
// the Go runtime and process collectors.
func NewStore() *Store {
	s := &Store{
		registry: prometheus.NewRegistry(),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_samples_total",
			Help:      "Samples appended to probe series.",
		}, []string{"kind"}),
		toolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_tool_failures_total",
			Help:      "Tool invocations that failed or timed out.",
		}, []string{"kind"}),
		parseMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_parse_misses_total",
			Help:      "Tool outputs that did not contain a recognisable metric.",
		}, []string{"kind"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each phase including settle and cleanup.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300, 600},
		}, []string{"phase"}),
		perturbFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "perturbation_failures_total",
			Help:      "Perturbation actions that could not be applied.",
		}, []string{"action"}),
		flowEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_table_entries",
			Help:      "Entries in the last captured flow table.",
		}, []string{"switch"}),
		activeFlows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flow_table_active_entries",
			Help:      "Entries with a non-zero packet counter in the last capture.",
		}, []string{"switch"}),
	}
	s.registry.MustRegister(
		s.samples,
		s.toolFailures,
		s.parseMisses,
		s.phaseDuration,
		s.perturbFailures,
		s.flowEntries,
		s.activeFlows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return s
}

func (s *Store) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Store) ProbeRecorder() ProbeRecorder {
	return probeRecorder{store: s}
}

func (s *Store) PhaseRecorder() PhaseRecorder {
	return phaseRecorder{store: s}
}

func (s *Store) FlowRecorder() FlowRecorder {
	return flowRecorder{store: s}
}

// NewHTTPHandler exposes the store in the Prometheus text format.
func NewHTTPHandler(store *Store) http.Handler {
	return promhttp.HandlerFor(store.registry, promhttp.HandlerOpts{})
}

type probeRecorder struct {
	store *Store
}

func (r probeRecorder) ObserveSample(kind types.ProbeKind) {
	r.store.samples.WithLabelValues(string(kind)).Inc()
}

func (r probeRecorder) IncToolFailure(kind types.ProbeKind) {
	r.store.toolFailures.WithLabelValues(string(kind)).Inc()
}

func (r probeRecorder) IncParseMiss(kind types.ProbeKind) {
	r.store.parseMisses.WithLabelValues(string(kind)).Inc()
}

type phaseRecorder struct {
	store *Store
}

func (r phaseRecorder) ObservePhase(label string, duration time.Duration) {
	r.store.phaseDuration.WithLabelValues(label).Observe(duration.Seconds())
}

func (r phaseRecorder) IncPerturbationFailure(action string) {
	r.store.perturbFailures.WithLabelValues(action).Inc()
}

type flowRecorder struct {
	store *Store
}

func (r flowRecorder) ObserveFlowTable(switchName string, entries, active int) {
	r.store.flowEntries.WithLabelValues(switchName).Set(float64(entries))
	r.store.activeFlows.WithLabelValues(switchName).Set(float64(active))
}
