// Package metrics holds the Prometheus collectors of the integrity pipeline. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sealog"

type Metrics struct {
	recordsIngested   *prometheus.CounterVec
	ingestRejected    *prometheus.CounterVec
	batches           *prometheus.CounterVec
	batchSize         prometheus.Histogram
	tsaRequests       *prometheus.CounterVec
	tsaLatency        *prometheus.HistogramVec
	tsaHealthy        *prometheus.GaugeVec
	verifyResults     *prometheus.CounterVec
	complianceScore   *prometheus.GaugeVec
	monitorStatus     *prometheus.GaugeVec
	alertsRaised      *prometheus.CounterVec
	archivedRecords   *prometheus.CounterVec
	deletedRecords    *prometheus.CounterVec
	archiveBytes      *prometheus.CounterVec
	retentionDeferred *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		recordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_ingested_total",
			Help: "Access records accepted by the ingestion contract, by tenant and dedup outcome.",
		}, []string{"tenant", "deduplicated"}),
		ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_rejected_total",
			Help: "Access records rejected at ingestion, by tenant and reason.",
		}, []string{"tenant", "reason"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sign_batches_total",
			Help: "Sign batch outcomes by tenant and final state.",
		}, []string{"tenant", "state"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sign_batch_records",
			Help:    "Number of records per sign batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		tsaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tsa_requests_total",
			Help: "Timestamp requests by backend and outcome.",
		}, []string{"backend", "outcome"}),
		tsaLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tsa_request_duration_seconds",
			Help:    "Timestamp request round-trip time by backend.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"backend"}),
		tsaHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tsa_backend_healthy",
			Help: "1 when the backend is considered healthy.",
		}, []string{"backend"}),
		verifyResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "verification_results_total",
			Help: "Per-record verification results by tenant and category.",
		}, []string{"tenant", "category"}),
		complianceScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "compliance_score",
			Help: "Score of the last finished verification run per tenant.",
		}, []string{"tenant"}),
		monitorStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "flow_monitor_status",
			Help: "1 for the current status of each flow monitor.",
		}, []string{"tenant", "monitor", "status"}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "flow_alerts_total",
			Help: "Flow alerts raised by tenant and kind.",
		}, []string{"tenant", "kind"}),
		archivedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_archived_records_total",
			Help: "Records written to an archive store.",
		}, []string{"tenant", "store"}),
		deletedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_deleted_records_total",
			Help: "Records removed from the live store after archival.",
		}, []string{"tenant"}),
		archiveBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_archive_bytes_total",
			Help: "Compressed archive bytes written.",
		}, []string{"tenant", "store"}),
		retentionDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retention_deferred_total",
			Help: "Deletions deferred because a verification run references the records.",
		}, []string{"tenant"}),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.recordsIngested, m.ingestRejected, m.batches, m.batchSize,
		m.tsaRequests, m.tsaLatency, m.tsaHealthy,
		m.verifyResults, m.complianceScore,
		m.monitorStatus, m.alertsRaised,
		m.archivedRecords, m.deletedRecords, m.archiveBytes, m.retentionDeferred,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) RecordIngested(tenant string, deduplicated bool) {
	if m == nil {
		return
	}
	dedup := "false"
	if deduplicated {
		dedup = "true"
	}
	m.recordsIngested.WithLabelValues(tenant, dedup).Inc()
}

func (m *Metrics) RecordRejected(tenant, reason string) {
	if m == nil {
		return
	}
	m.ingestRejected.WithLabelValues(tenant, reason).Inc()
}

func (m *Metrics) BatchFinished(tenant, state string, size int64) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(tenant, state).Inc()
	m.batchSize.Observe(float64(size))
}

func (m *Metrics) TSARequest(backend, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tsaRequests.WithLabelValues(backend, outcome).Inc()
	m.tsaLatency.WithLabelValues(backend).Observe(elapsed.Seconds())
}

func (m *Metrics) TSAHealth(backend string, healthy bool) {
	if m == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	m.tsaHealthy.WithLabelValues(backend).Set(v)
}

func (m *Metrics) VerificationResult(tenant, category string) {
	if m == nil {
		return
	}
	m.verifyResults.WithLabelValues(tenant, category).Inc()
}

func (m *Metrics) ComplianceScore(tenant string, score int) {
	if m == nil {
		return
	}
	m.complianceScore.WithLabelValues(tenant).Set(float64(score))
}

func (m *Metrics) MonitorStatus(tenant, monitor string, status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.monitorStatus.WithLabelValues(tenant, monitor, s).Set(v)
	}
}

func (m *Metrics) AlertRaised(tenant, kind string) {
	if m == nil {
		return
	}
	m.alertsRaised.WithLabelValues(tenant, kind).Inc()
}

func (m *Metrics) Archived(tenant, store string, records, bytes int64) {
	if m == nil {
		return
	}
	m.archivedRecords.WithLabelValues(tenant, store).Add(float64(records))
	m.archiveBytes.WithLabelValues(tenant, store).Add(float64(bytes))
}

func (m *Metrics) Deleted(tenant string, records int64) {
	if m == nil {
		return
	}
	m.deletedRecords.WithLabelValues(tenant).Add(float64(records))
}

func (m *Metrics) RetentionDeferred(tenant string) {
	if m == nil {
		return
	}
	m.retentionDeferred.WithLabelValues(tenant).Inc()
}
