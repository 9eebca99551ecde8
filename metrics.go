package auth

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors of the auth core. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	tokensIssued        *prometheus.CounterVec
	tokenVerifications  *prometheus.CounterVec
	lifecycleOperations *prometheus.CounterVec
	lifecycleDuration   *prometheus.HistogramVec
	historyRecords      *prometheus.CounterVec
	storageConflicts    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		tokensIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_tokens_issued_total",
				Help: "Total number of lifecycle tokens issued.",
			},
			[]string{"purpose"},
		),
		tokenVerifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_token_verifications_total",
				Help: "Total number of token verifications by result.",
			},
			[]string{"result"},
		),
		lifecycleOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_lifecycle_operations_total",
				Help: "Total number of credential lifecycle operations by result.",
			},
			[]string{"operation", "result"},
		),
		lifecycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "auth_lifecycle_duration_seconds",
				Help:    "Credential lifecycle operation latencies in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		historyRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_history_records_total",
				Help: "Total number of history records written.",
			},
			[]string{"entity_type", "operation"},
		),
		storageConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_storage_conflicts_total",
				Help: "Total number of optimistic lock conflicts.",
			},
			[]string{"operation"},
		),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.tokensIssued,
		m.tokenVerifications,
		m.lifecycleOperations,
		m.lifecycleDuration,
		m.historyRecords,
		m.storageConflicts,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) TokenIssued(purpose TokenPurpose) {
	if m == nil {
		return
	}
	m.tokensIssued.WithLabelValues(string(purpose)).Inc()
}

// TokenVerified counts a verification. result is "valid" or a failure text code.
func (m *Metrics) TokenVerified(result string) {
	if m == nil {
		return
	}
	m.tokenVerifications.WithLabelValues(result).Inc()
}

func (m *Metrics) LifecycleOperation(operation, result string, started time.Time) {
	if m == nil {
		return
	}
	m.lifecycleOperations.WithLabelValues(operation, result).Inc()
	if !started.IsZero() {
		m.lifecycleDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) HistoryRecorded(entityType string, op HistoryOperation) {
	if m == nil {
		return
	}
	m.historyRecords.WithLabelValues(entityType, string(op)).Inc()
}

func (m *Metrics) StorageConflict(operation string) {
	if m == nil {
		return
	}
	m.storageConflicts.WithLabelValues(operation).Inc()
}

// TokensIssued exposes the issued counter for a purpose.
func (m *Metrics) TokensIssued(purpose TokenPurpose) prometheus.Counter {
	return m.tokensIssued.WithLabelValues(string(purpose))
}

// TokenVerifications exposes the verification counter for a result.
func (m *Metrics) TokenVerifications(result string) prometheus.Counter {
	return m.tokenVerifications.WithLabelValues(result)
}

// LifecycleOperations exposes the lifecycle counter for an operation and result.
func (m *Metrics) LifecycleOperations(operation, result string) prometheus.Counter {
	return m.lifecycleOperations.WithLabelValues(operation, result)
}

// HistoryRecords exposes the history counter for an entity type and operation.
func (m *Metrics) HistoryRecords(entityType string, op HistoryOperation) prometheus.Counter {
	return m.historyRecords.WithLabelValues(entityType, string(op))
}

// StorageConflicts exposes the conflict counter for an operation.
func (m *Metrics) StorageConflicts(operation string) prometheus.Counter {
	return m.storageConflicts.WithLabelValues(operation)
}
