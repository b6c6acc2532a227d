package models

// SharingAssessment is the output of one credential-sharing scoring
// pass. It is ephemeral; the audit recorder decides whether it is
// persisted.
type SharingAssessment struct {
	UserID              string   `json:"user_id"`
	CurrentDeviceID     string   `json:"current_device_id"`
	CurrentIPAddress    string   `json:"current_ip_address,omitempty"`
	IsSharing           bool     `json:"is_sharing"`
	Confidence          float64  `json:"confidence"`
	Reason              string   `json:"reason"`
	ActiveSessionCount  int      `json:"active_session_count"`
	SuspiciousDeviceIDs []string `json:"suspicious_device_ids,omitempty"`
}

// EnforcementAction is the decision taken by the policy enforcer.
type EnforcementAction string

const (
	ActionAllow     EnforcementAction = "allow"
	ActionWarn      EnforcementAction = "warn"
	ActionRestrict  EnforcementAction = "restrict"
	ActionTerminate EnforcementAction = "terminate"
)

// EnforcementOutcome is the result of applying policy to an assessment.
// TerminationFailed records a ledger write failure on the terminate or
// restrict path; the decision stands regardless (fail-open for
// availability) but the failure is carried into the audit record for
// reconciliation.
type EnforcementOutcome struct {
	Action             EnforcementAction `json:"action"`
	SessionsTerminated int               `json:"sessions_terminated"`
	Blocked            bool              `json:"blocked"`
	TerminationFailed  bool              `json:"termination_failed,omitempty"`
}
