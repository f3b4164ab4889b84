package domain

import "time"

type EventKind string

const (
	EventFlowAlert        EventKind = "flow_alert"
	EventFlowResolved     EventKind = "flow_resolved"
	EventTenantFrozen     EventKind = "tenant_frozen"
	EventBatchFailed      EventKind = "batch_failed"
	EventTransientFailure EventKind = "transient_failure"
	EventBackendDegraded  EventKind = "backend_degraded"
	EventBackendRestored  EventKind = "backend_restored"
	EventIntegrityFinding EventKind = "integrity_finding"
	EventRetentionDone    EventKind = "retention_done"
)

// Event is an entry on the alert stream consumed by notification channels.
type Event struct {
	Kind       EventKind         `json:"kind"`
	Severity   Severity          `json:"severity"`
	TenantID   string            `json:"tenant_id,omitempty"`
	Subject    string            `json:"subject,omitempty"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
	At         time.Time         `json:"at"`
}
