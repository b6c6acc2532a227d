package enforcement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/util"
)

// Confidence thresholds, evaluated in strict order: first match wins.
const (
	TerminateThreshold = 0.8
	RestrictThreshold  = 0.6
	WarnThreshold      = 0.4
)

// SessionLedger is the narrow contract the enforcer (and the service
// layer) consumes from the session activity store.
type SessionLedger interface {
	GetRecentSessions(ctx context.Context, userID string, since time.Time) ([]models.SessionRecord, error)
	UpsertActivity(ctx context.Context, rec *models.SessionRecord) error
	TerminateAll(ctx context.Context, userID, reason string) (int, error)
	TerminateOldest(ctx context.Context, userID string, keep int, reason string) (int, error)
}

// AuditSink records enforcement decisions. Implementations must not
// block the decision path on sink availability.
type AuditSink interface {
	RecordEnforcement(ctx context.Context, event *models.AuditEvent) error
}

// Enforcer maps a sharing assessment to an enforcement action and
// applies the session mutations that go with it. Every evaluation
// writes an audit record, whichever branch is taken.
type Enforcer struct {
	ledger      SessionLedger
	audit       AuditSink
	maxSessions int
	logger      *zap.Logger
}

func NewEnforcer(ledger SessionLedger, audit AuditSink, maxSessions int, logger *zap.Logger) *Enforcer {
	return &Enforcer{
		ledger:      ledger,
		audit:       audit,
		maxSessions: maxSessions,
		logger:      logger,
	}
}

// Enforce applies policy to an assessment. A ledger write failure on a
// mutating branch does not change the decision (fail-open for
// availability) but is carried into the outcome and the audit record
// for reconciliation.
func (e *Enforcer) Enforce(ctx context.Context, assessment *models.SharingAssessment) *models.EnforcementOutcome {
	outcome := &models.EnforcementOutcome{Action: models.ActionAllow}
	eventType := models.AuditAllowed

	switch {
	case assessment.Confidence >= TerminateThreshold:
		outcome.Action = models.ActionTerminate
		outcome.Blocked = true
		eventType = models.AuditHighConfidence

		terminated, err := e.ledger.TerminateAll(ctx, assessment.UserID, "sharing_detected")
		if err != nil {
			outcome.TerminationFailed = true
			e.logger.Error("Failed to terminate sessions, decision stands",
				util.String("user_id", assessment.UserID),
				util.ErrorField(err))
		}
		outcome.SessionsTerminated = terminated

	case assessment.Confidence >= RestrictThreshold || assessment.ActiveSessionCount > e.maxSessions:
		outcome.Action = models.ActionRestrict
		eventType = models.AuditSessionsLimit

		terminated, err := e.ledger.TerminateOldest(ctx, assessment.UserID, e.maxSessions, "session_limit")
		if err != nil {
			outcome.TerminationFailed = true
			e.logger.Error("Failed to limit sessions, decision stands",
				util.String("user_id", assessment.UserID),
				util.ErrorField(err))
		}
		outcome.SessionsTerminated = terminated

	case assessment.Confidence >= WarnThreshold:
		outcome.Action = models.ActionWarn
		eventType = models.AuditWarningIssued
	}

	e.recordAudit(ctx, assessment, outcome, eventType)

	return outcome
}

// ShouldBlock is the fast-path query: would Enforce choose terminate.
// No side effects, no audit record.
func (e *Enforcer) ShouldBlock(assessment *models.SharingAssessment) bool {
	return assessment.Confidence >= TerminateThreshold
}

func (e *Enforcer) recordAudit(ctx context.Context, assessment *models.SharingAssessment, outcome *models.EnforcementOutcome, eventType string) {
	details := assessment.Reason
	if outcome.TerminationFailed {
		details = fmt.Sprintf("%s [ledger write failed, reconciliation required]", details)
	}

	// DeviceDigest and IPDigest carry the raw identifiers here; the
	// sink pseudonymizes them before persisting.
	event := &models.AuditEvent{
		EventID:            uuid.New().String(),
		UserID:             assessment.UserID,
		DeviceDigest:       assessment.CurrentDeviceID,
		IPDigest:           assessment.CurrentIPAddress,
		EventType:          eventType,
		Action:             string(outcome.Action),
		Confidence:         assessment.Confidence,
		ActiveSessions:     assessment.ActiveSessionCount,
		SessionsTerminated: outcome.SessionsTerminated,
		Details:            details,
		LedgerWriteFailed:  outcome.TerminationFailed,
		OccurredAt:         time.Now().UTC(),
	}

	if err := e.audit.RecordEnforcement(ctx, event); err != nil {
		// Audit failures never change the decision.
		e.logger.Error("Failed to record enforcement audit event",
			util.String("user_id", assessment.UserID),
			util.String("event_type", eventType),
			util.ErrorField(err))
	}
}
