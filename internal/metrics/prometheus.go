package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for Consilium
type Metrics struct {
	// Ledger metrics
	EntriesAppendedTotal prometheus.Counter
	AppendFailuresTotal  *prometheus.CounterVec
	ChainEntries         prometheus.Gauge
	CreditMintedTotal    prometheus.Counter
	ChainVerifications   *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileRunsTotal    *prometheus.CounterVec
	ReconcileRecordsTotal *prometheus.CounterVec

	// Audit metrics
	AuditRunsTotal     *prometheus.CounterVec
	AuditDiscrepancies prometheus.Gauge

	// GitHub API metrics
	GitHubRequestsTotal   *prometheus.CounterVec
	GitHubRequestDuration *prometheus.HistogramVec
	RateLimitRetriesTotal prometheus.Counter

	// Webhook and API metrics
	WebhooksReceivedTotal *prometheus.CounterVec
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Default returns the process-wide metrics instance, registering all
// collectors on first use.
func Default() *Metrics {
	once.Do(func() {
		defaultMetrics = newMetrics()
	})
	return defaultMetrics
}

func newMetrics() *Metrics {
	return &Metrics{
		EntriesAppendedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consilium_entries_appended_total",
				Help: "Total number of ledger entries appended",
			},
		),

		AppendFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consilium_append_failures_total",
				Help: "Total number of rejected appends by error code",
			},
			[]string{"code"},
		),

		ChainEntries: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "consilium_chain_entries",
				Help: "Current number of entries in the local chain",
			},
		),

		CreditMintedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consilium_credit_minted_total",
				Help: "Total credit minted across all appended entries",
			},
		),

		ChainVerifications: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consilium_chain_verifications_total",
				Help: "Total chain verification runs by result",
			},
			[]string{"result"},
		),

		ReconcileRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consilium_reconcile_runs_total",
				Help: "Total reconciliation runs by status",
			},
			[]string{"status"},
		),

		ReconcileRecordsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consilium_reconcile_records_total",
				Help: "Total reconciliation records processed by result",
			},
			[]string{"result"},
		),

		AuditRunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consilium_audit_runs_total",
				Help: "Total audit runs by result",
			},
			[]string{"result"},
		),

		AuditDiscrepancies: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "consilium_audit_discrepancies",
				Help: "Number of discrepancies found by the most recent audit",
			},
		),

		GitHubRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consilium_github_requests_total",
				Help: "Total GitHub API requests by method and status",
			},
			[]string{"method", "status"},
		),

		GitHubRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consilium_github_request_duration_seconds",
				Help:    "GitHub API request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		RateLimitRetriesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "consilium_rate_limit_retries_total",
				Help: "Total GitHub rate-limit waits followed by a retry",
			},
		),

		WebhooksReceivedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consilium_webhooks_received_total",
				Help: "Total webhook deliveries received by result",
			},
			[]string{"result"},
		),

		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consilium_http_requests_total",
				Help: "Total HTTP requests by method, path and status",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consilium_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// RecordAppend records a successful append of the given entry credit total
func (m *Metrics) RecordAppend(totalCredit float64, chainEntries int) {
	m.EntriesAppendedTotal.Inc()
	m.CreditMintedTotal.Add(totalCredit)
	m.ChainEntries.Set(float64(chainEntries))
}

// RecordAppendFailure records a rejected append by error code
func (m *Metrics) RecordAppendFailure(code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	m.AppendFailuresTotal.WithLabelValues(code).Inc()
}

// RecordVerification records a chain verification result
func (m *Metrics) RecordVerification(valid bool) {
	m.ChainVerifications.WithLabelValues(resultLabel(valid)).Inc()
}

// RecordReconcileRun records the outcome of a reconciliation run
func (m *Metrics) RecordReconcileRun(success bool) {
	m.ReconcileRunsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordReconcileRecord records one reconciliation record by result
func (m *Metrics) RecordReconcileRecord(result string) {
	m.ReconcileRecordsTotal.WithLabelValues(result).Inc()
}

// RecordAuditRun records an audit result and its discrepancy count
func (m *Metrics) RecordAuditRun(valid bool, discrepancies int) {
	m.AuditRunsTotal.WithLabelValues(resultLabel(valid)).Inc()
	m.AuditDiscrepancies.Set(float64(discrepancies))
}

// RecordGitHubRequest records one GitHub API request
func (m *Metrics) RecordGitHubRequest(method, status string, duration time.Duration) {
	m.GitHubRequestsTotal.WithLabelValues(method, status).Inc()
	m.GitHubRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordRateLimitRetry records a rate-limit wait-and-retry
func (m *Metrics) RecordRateLimitRetry() {
	m.RateLimitRetriesTotal.Inc()
}

// RecordWebhook records a received webhook delivery by result
func (m *Metrics) RecordWebhook(result string) {
	m.WebhooksReceivedTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records one served HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func resultLabel(valid bool) string {
	if valid {
		return "valid"
	}
	return "invalid"
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
