package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundrygw_requests_total",
			Help: "Total number of chat replies requested, by outcome",
		},
		[]string{"deployment", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundrygw_request_duration_seconds",
			Help:    "End-to-end reply duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"deployment"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundrygw_tokens_total",
			Help: "Total number of tokens reported by the completion endpoint",
		},
		[]string{"deployment", "type"},
	)

	UpstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundrygw_upstream_errors_total",
			Help: "Non-success responses from the completion endpoint",
		},
		[]string{"deployment", "status"},
	)

	AuthModes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundrygw_auth_mode_total",
			Help: "Outbound requests by authentication mode",
		},
		[]string{"target", "mode"},
	)

	ModerationVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundrygw_moderation_verdicts_total",
			Help: "Moderation results (safe, unsafe, error)",
		},
		[]string{"verdict"},
	)

	VerdictCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundrygw_verdict_cache_total",
			Help: "Verdict cache lookups (hit, miss)",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundrygw_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"deployment"},
	)

	ActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundrygw_active_requests",
			Help: "Number of chat requests being processed",
		},
	)

	InstanceInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundrygw_instance_info",
			Help: "Instance information (always 1)",
		},
		[]string{"version", "deployment"},
	)
)

func RecordRequest(deployment, outcome string, durationSec float64) {
	RequestsTotal.WithLabelValues(deployment, outcome).Inc()
	RequestDuration.WithLabelValues(deployment).Observe(durationSec)
}

func RecordTokens(deployment string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(deployment, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(deployment, "output").Add(float64(outputTokens))
}

func RecordUpstreamError(deployment string, status int) {
	UpstreamErrors.WithLabelValues(deployment, strconv.Itoa(status)).Inc()
}

func RecordAuthMode(target, mode string) {
	AuthModes.WithLabelValues(target, mode).Inc()
}

func RecordVerdict(verdict string) {
	ModerationVerdicts.WithLabelValues(verdict).Inc()
}

func RecordVerdictCache(hit bool) {
	if hit {
		VerdictCache.WithLabelValues("hit").Inc()
		return
	}
	VerdictCache.WithLabelValues("miss").Inc()
}

func SetCircuitBreakerState(deployment string, state int) {
	CircuitBreakerState.WithLabelValues(deployment).Set(float64(state))
}

func InitInstanceMetrics(version, deployment string) {
	InstanceInfo.WithLabelValues(version, deployment).Set(1)
}
