package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"usage-integrity-service/internal/audit"
	"usage-integrity-service/internal/enforcement"
	"usage-integrity-service/internal/gate"
	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/scoring"
	"usage-integrity-service/internal/util"
)

// IntegrityService composes sharing detection, policy enforcement, and
// the generation gate behind one API. Detection fails open: if the
// session ledger is unreachable, users are not locked out on
// infrastructure trouble. The generation gate fails closed: a storage
// error never grants a slot.
type IntegrityService struct {
	ledger   enforcement.SessionLedger
	scorer   *scoring.Scorer
	enforcer *enforcement.Enforcer
	gate     *gate.Gate
	audit    *audit.Recorder
	logger   *zap.Logger
}

func NewIntegrityService(
	ledger enforcement.SessionLedger,
	scorer *scoring.Scorer,
	enforcer *enforcement.Enforcer,
	generationGate *gate.Gate,
	auditRecorder *audit.Recorder,
	logger *zap.Logger,
) *IntegrityService {
	return &IntegrityService{
		ledger:   ledger,
		scorer:   scorer,
		enforcer: enforcer,
		gate:     generationGate,
		audit:    auditRecorder,
		logger:   logger,
	}
}

// DetectSharing scores the user's recent session activity. A ledger
// read failure yields a zero-confidence assessment rather than an
// error.
func (s *IntegrityService) DetectSharing(ctx context.Context, userID, deviceID string) *models.SharingAssessment {
	now := time.Now().UTC()

	sessions, err := s.ledger.GetRecentSessions(ctx, userID, now.Add(-models.SessionTimeout))
	if err != nil {
		s.logger.Error("Session ledger unavailable, skipping sharing detection",
			util.String("user_id", userID),
			util.ErrorField(err))
		return &models.SharingAssessment{
			UserID:          userID,
			CurrentDeviceID: deviceID,
			Reason:          "error",
		}
	}

	assessment := s.scorer.Score(userID, deviceID, sessions, now)
	if s.audit != nil {
		s.audit.IndexAssessment(ctx, assessment)
	}
	return assessment
}

// EnforcePolicy applies enforcement to an existing assessment.
func (s *IntegrityService) EnforcePolicy(ctx context.Context, assessment *models.SharingAssessment) *models.EnforcementOutcome {
	return s.enforcer.Enforce(ctx, assessment)
}

// DetectAndEnforce records the current access, scores the resulting
// session set, and applies policy in one pass. The activity write and
// the ledger read run concurrently; the current record is merged into
// the read result so scoring always sees the access that triggered it.
func (s *IntegrityService) DetectAndEnforce(ctx context.Context, rec *models.SessionRecord) (*models.SharingAssessment, *models.EnforcementOutcome, error) {
	now := time.Now().UTC()
	if rec.LastActiveAt.IsZero() {
		rec.LastActiveAt = now
	}

	var sessions []models.SessionRecord
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.ledger.UpsertActivity(gctx, rec)
	})
	g.Go(func() error {
		var err error
		sessions, err = s.ledger.GetRecentSessions(gctx, rec.UserID, now.Add(-models.SessionTimeout))
		return err
	})

	if err := g.Wait(); err != nil {
		s.logger.Error("Session ledger unavailable, allowing access unscored",
			util.String("user_id", rec.UserID),
			util.ErrorField(err))
		assessment := &models.SharingAssessment{
			UserID:          rec.UserID,
			CurrentDeviceID: rec.DeviceID,
			Reason:          "error",
		}
		return assessment, &models.EnforcementOutcome{Action: models.ActionAllow}, nil
	}

	sessions = mergeCurrent(sessions, rec)

	assessment := s.scorer.Score(rec.UserID, rec.DeviceID, sessions, now)
	if s.audit != nil {
		s.audit.IndexAssessment(ctx, assessment)
	}

	outcome := s.enforcer.Enforce(ctx, assessment)

	if assessment.IsSharing {
		s.logger.Warn("Credential sharing detected",
			util.String("user_id", rec.UserID),
			util.Float64("confidence", assessment.Confidence),
			util.String("action", string(outcome.Action)))
	}

	return assessment, outcome, nil
}

// ShouldBlockRequest is the lightweight middleware check: detect, then
// ask the enforcer whether this confidence level blocks requests. No
// sessions are mutated.
func (s *IntegrityService) ShouldBlockRequest(ctx context.Context, userID, deviceID string) bool {
	assessment := s.DetectSharing(ctx, userID, deviceID)
	return s.enforcer.ShouldBlock(assessment)
}

// TryReserveGeneration claims one signal-generation slot for the user.
func (s *IntegrityService) TryReserveGeneration(ctx context.Context, userID, tier string) (*gate.ReserveResult, error) {
	return s.gate.TryReserve(ctx, userID, tier, time.Now().UTC())
}

// RollbackGeneration returns a slot after a failed generation.
func (s *IntegrityService) RollbackGeneration(ctx context.Context, userID string, reservedAt time.Time) error {
	return s.gate.Rollback(ctx, userID, reservedAt)
}

// mergeCurrent replaces the stored row for the current device with the
// in-flight record, or appends it when the read raced the write.
func mergeCurrent(sessions []models.SessionRecord, rec *models.SessionRecord) []models.SessionRecord {
	for i := range sessions {
		if sessions[i].DeviceID == rec.DeviceID {
			sessions[i] = *rec
			return sessions
		}
	}
	return append(sessions, *rec)
}
