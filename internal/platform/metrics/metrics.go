package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EnvelopesIssued   prometheus.Counter
	Verifications     *prometheus.CounterVec
	EdgesLinked       prometheus.Counter
	TokensIssued      prometheus.Counter
	Redemptions       *prometheus.CounterVec
	TokensRevoked     prometheus.Counter
	TokensPurged      prometheus.Counter
	OutboxRelayed     prometheus.Counter
	OutboxFailures    prometheus.Counter
	RateLimited       *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the metrics on reg. Tests pass a fresh
// prometheus.NewRegistry() so repeated construction does not collide.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EnvelopesIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_envelopes_issued_total",
			Help: "Total number of integrity envelopes signed",
		}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_envelope_verifications_total",
			Help: "Envelope verifications by outcome (valid or failure reason)",
		}, []string{"outcome"}),
		EdgesLinked: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_provenance_edges_linked_total",
			Help: "Total number of new provenance edges recorded",
		}),
		TokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_disclosure_tokens_issued_total",
			Help: "Total number of disclosure tokens issued",
		}),
		Redemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_disclosure_redemptions_total",
			Help: "Disclosure token redemptions by outcome",
		}, []string{"outcome"}),
		TokensRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_disclosure_tokens_revoked_total",
			Help: "Total number of disclosure tokens revoked before use",
		}),
		TokensPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_disclosure_tokens_purged_total",
			Help: "Total number of expired unused tokens removed by cleanup",
		}),
		OutboxRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_audit_outbox_relayed_total",
			Help: "Audit outbox entries published to Kafka",
		}),
		OutboxFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "veritas_audit_outbox_failures_total",
			Help: "Audit outbox relay batches that failed to publish",
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "veritas_rate_limited_requests_total",
			Help: "Public requests rejected by the per-client rate limit, by endpoint class",
		}, []string{"class"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "veritas_operation_duration_seconds",
			Help:    "Duration of core operations (seal, verify, link, lineage, issue, redeem)",
			Buckets: durationBuckets,
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementEnvelopesIssued() {
	if m == nil {
		return
	}
	m.EnvelopesIssued.Inc()
}

// ObserveVerification records one envelope verification outcome.
func (m *Metrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.Verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementEdgesLinked() {
	if m == nil {
		return
	}
	m.EdgesLinked.Inc()
}

func (m *Metrics) IncrementTokensIssued() {
	if m == nil {
		return
	}
	m.TokensIssued.Inc()
}

// ObserveRedemption records one redemption attempt by outcome.
func (m *Metrics) ObserveRedemption(outcome string) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementTokensRevoked() {
	if m == nil {
		return
	}
	m.TokensRevoked.Inc()
}

func (m *Metrics) AddTokensPurged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensPurged.Add(float64(n))
}

func (m *Metrics) AddOutboxRelayed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OutboxRelayed.Add(float64(n))
}

func (m *Metrics) IncrementOutboxFailures() {
	if m == nil {
		return
	}
	m.OutboxFailures.Inc()
}

func (m *Metrics) IncrementRateLimited(class string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(class).Inc()
}

// ObserveDuration records the duration of operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveDuration(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
