package models

import "time"

// Audit event types emitted by the policy enforcer.
const (
	AuditHighConfidence = "high_confidence"
	AuditSessionsLimit  = "sessions_limited"
	AuditWarningIssued  = "warning_issued"
	AuditAllowed        = "allowed"
)

// AuditEvent is one enforcement decision persisted for investigation.
// DeviceDigest and IPDigest are pseudonymized identifiers; raw values
// never reach the audit stores.
type AuditEvent struct {
	EventID            string    `json:"event_id"`
	EventBucket        int       `json:"event_bucket"`
	EventDate          string    `json:"event_date"`
	UserID             string    `json:"user_id"`
	EventType          string    `json:"event_type"`
	Action             string    `json:"action"`
	Confidence         float64   `json:"confidence"`
	ActiveSessions     int       `json:"active_sessions"`
	SessionsTerminated int       `json:"sessions_terminated"`
	DeviceDigest       string    `json:"device_digest"`
	IPDigest           string    `json:"ip_digest,omitempty"`
	Details            string    `json:"details"`
	LedgerWriteFailed  bool      `json:"ledger_write_failed"`
	OccurredAt         time.Time `json:"occurred_at"`
}
