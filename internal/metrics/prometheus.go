package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements Collector on its own registry
type PrometheusCollector struct {
	stateTransitions    *prometheus.CounterVec
	launches            *prometheus.CounterVec
	launchDuration      *prometheus.HistogramVec
	crashes             *prometheus.CounterVec
	swaps               *prometheus.CounterVec
	topicQueries        *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
	jobs                *prometheus.CounterVec
	jobDuration         prometheus.Histogram

	registry *prometheus.Registry
}

// NewPrometheus creates a collector whose metric names start with namespace
func NewPrometheus(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "warden"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of watchdog state transitions",
		},
		[]string{"instance", "from_state", "to_state"},
	)

	pc.launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "launches_total",
			Help:      "Total number of game server launch attempts",
		},
		[]string{"instance", "slot", "status"},
	)

	// Startup can legitimately take minutes
	pc.launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "launch_duration_seconds",
			Help:      "Time from spawn until the game server answered ping",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"instance", "slot"},
	)

	pc.crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crashes_total",
			Help:      "Total number of unexpected game server exits",
		},
		[]string{"instance", "exit_code"},
	)

	pc.swaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Total number of deployment swaps",
		},
		[]string{"instance", "status"},
	)

	pc.topicQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "topic_queries_total",
			Help:      "Total number of topic queries sent to game servers",
		},
		[]string{"command", "status"},
	)

	pc.persistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Total number of failed reattach store operations",
		},
		[]string{"instance", "op"},
	)

	pc.jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of finished background jobs",
		},
		[]string{"state"},
	)

	pc.jobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of background jobs",
			Buckets:   prometheus.DefBuckets,
		},
	)

	pc.registry.MustRegister(
		pc.stateTransitions,
		pc.launches,
		pc.launchDuration,
		pc.crashes,
		pc.swaps,
		pc.topicQueries,
		pc.persistenceFailures,
		pc.jobs,
		pc.jobDuration,
	)

	return pc
}

func (pc *PrometheusCollector) StateTransition(instance, from, to string) {
	pc.stateTransitions.WithLabelValues(instance, from, to).Inc()
}

// Launch only observes the duration of successful launches
func (pc *PrometheusCollector) Launch(instance, slot string, duration time.Duration, err error) {
	pc.launches.WithLabelValues(instance, slot, status(err)).Inc()
	if err == nil {
		pc.launchDuration.WithLabelValues(instance, slot).Observe(duration.Seconds())
	}
}

func (pc *PrometheusCollector) Crash(instance string, exitCode int) {
	pc.crashes.WithLabelValues(instance, strconv.Itoa(exitCode)).Inc()
}

func (pc *PrometheusCollector) Swap(instance string, err error) {
	pc.swaps.WithLabelValues(instance, status(err)).Inc()
}

// TopicQuery labels by the command verb only, arguments would explode cardinality
func (pc *PrometheusCollector) TopicQuery(command string, err error) {
	verb, _, _ := strings.Cut(command, " ")
	pc.topicQueries.WithLabelValues(verb, status(err)).Inc()
}

func (pc *PrometheusCollector) PersistenceFailure(instance, op string) {
	pc.persistenceFailures.WithLabelValues(instance, op).Inc()
}

func (pc *PrometheusCollector) JobFinished(state string, duration time.Duration) {
	pc.jobs.WithLabelValues(state).Inc()
	pc.jobDuration.Observe(duration.Seconds())
}

// Registry returns the registry backing this collector
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// Handler serves the registry in the Prometheus exposition format
func (pc *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(pc.registry, promhttp.HandlerOpts{})
}

var _ Collector = (*PrometheusCollector)(nil)
