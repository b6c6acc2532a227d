package enforcement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usage-integrity-service/internal/models"
)

// memLedger is an in-memory SessionLedger for exercising enforcement
// paths without a database.
type memLedger struct {
	mu       sync.Mutex
	sessions map[string][]models.SessionRecord
	failWith error

	terminateAllCalls    int
	terminateOldestCalls int
	lastKeep             int
}

func newMemLedger() *memLedger {
	return &memLedger{sessions: make(map[string][]models.SessionRecord)}
}

func (m *memLedger) GetRecentSessions(_ context.Context, userID string, since time.Time) ([]models.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []models.SessionRecord
	for _, rec := range m.sessions[userID] {
		if !rec.LastActiveAt.Before(since) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memLedger) UpsertActivity(_ context.Context, rec *models.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	for i, existing := range m.sessions[rec.UserID] {
		if existing.DeviceID == rec.DeviceID {
			m.sessions[rec.UserID][i] = *rec
			return nil
		}
	}
	m.sessions[rec.UserID] = append(m.sessions[rec.UserID], *rec)
	return nil
}

func (m *memLedger) TerminateAll(_ context.Context, userID, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateAllCalls++
	if m.failWith != nil {
		return 0, m.failWith
	}
	n := len(m.sessions[userID])
	m.sessions[userID] = nil
	return n, nil
}

func (m *memLedger) TerminateOldest(_ context.Context, userID string, keep int, _ string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateOldestCalls++
	m.lastKeep = keep
	if m.failWith != nil {
		return 0, m.failWith
	}
	if len(m.sessions[userID]) <= keep {
		return 0, nil
	}
	n := len(m.sessions[userID]) - keep
	m.sessions[userID] = m.sessions[userID][:keep]
	return n, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	fail   error
}

func (a *memAudit) RecordEnforcement(_ context.Context, event *models.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail != nil {
		return a.fail
	}
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) last(t *testing.T) *models.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.events)
	return a.events[len(a.events)-1]
}

func assessment(confidence float64, activeCount int) *models.SharingAssessment {
	return &models.SharingAssessment{
		UserID:             "user-1",
		CurrentDeviceID:    "device-1",
		Confidence:         confidence,
		ActiveSessionCount: activeCount,
		Reason:             "test",
	}
}

func seed(ledger *memLedger, devices ...string) {
	now := time.Now().UTC()
	for i, d := range devices {
		ledger.sessions["user-1"] = append(ledger.sessions["user-1"], models.SessionRecord{
			UserID:       "user-1",
			DeviceID:     d,
			LastActiveAt: now.Add(-time.Duration(i) * time.Minute),
		})
	}
}

func TestEnforceHighConfidenceTerminatesAll(t *testing.T) {
	ledger := newMemLedger()
	sink := &memAudit{}
	seed(ledger, "device-1", "device-2", "device-3")

	e := NewEnforcer(ledger, sink, 2, zap.NewNop())
	outcome := e.Enforce(context.Background(), assessment(0.85, 3))

	assert.Equal(t, models.ActionTerminate, outcome.Action)
	assert.True(t, outcome.Blocked)
	assert.Equal(t, 3, outcome.SessionsTerminated)
	assert.Equal(t, 1, ledger.terminateAllCalls)
	assert.Empty(t, ledger.sessions["user-1"])

	event := sink.last(t)
	assert.Equal(t, models.AuditHighConfidence, event.EventType)
	assert.Equal(t, "terminate", event.Action)
}

func TestEnforceModerateConfidenceRestricts(t *testing.T) {
	ledger := newMemLedger()
	sink := &memAudit{}
	seed(ledger, "device-1", "device-2", "device-3", "device-4")

	e := NewEnforcer(ledger, sink, 2, zap.NewNop())
	outcome := e.Enforce(context.Background(), assessment(0.65, 4))

	assert.Equal(t, models.ActionRestrict, outcome.Action)
	assert.False(t, outcome.Blocked)
	assert.Equal(t, 2, outcome.SessionsTerminated)
	assert.Equal(t, 2, ledger.lastKeep)
	assert.Len(t, ledger.sessions["user-1"], 2)
	assert.Equal(t, models.AuditSessionsLimit, sink.last(t).EventType)
}

func TestEnforceSessionCountAloneRestricts(t *testing.T) {
	ledger := newMemLedger()
	sink := &memAudit{}
	seed(ledger, "device-1", "device-2", "device-3")

	// Confidence below every threshold, but more sessions than allowed.
	e := NewEnforcer(ledger, sink, 2, zap.NewNop())
	outcome := e.Enforce(context.Background(), assessment(0.1, 3))

	assert.Equal(t, models.ActionRestrict, outcome.Action)
	assert.Equal(t, 1, outcome.SessionsTerminated)
}

func TestEnforceLowConfidenceWarns(t *testing.T) {
	ledger := newMemLedger()
	sink := &memAudit{}

	e := NewEnforcer(ledger, sink, 2, zap.NewNop())
	outcome := e.Enforce(context.Background(), assessment(0.45, 1))

	assert.Equal(t, models.ActionWarn, outcome.Action)
	assert.False(t, outcome.Blocked)
	assert.Zero(t, outcome.SessionsTerminated)
	assert.Zero(t, ledger.terminateAllCalls)
	assert.Zero(t, ledger.terminateOldestCalls)
	assert.Equal(t, models.AuditWarningIssued, sink.last(t).EventType)
}

func TestEnforceBelowThresholdsAllows(t *testing.T) {
	ledger := newMemLedger()
	sink := &memAudit{}

	e := NewEnforcer(ledger, sink, 2, zap.NewNop())
	outcome := e.Enforce(context.Background(), assessment(0.2, 1))

	assert.Equal(t, models.ActionAllow, outcome.Action)
	// Every evaluation is audited, including allows.
	assert.Equal(t, models.AuditAllowed, sink.last(t).EventType)
}

func TestEnforceAuditEventCarriesIdentifiers(t *testing.T) {
	ledger := newMemLedger()
	sink := &memAudit{}

	a := assessment(0.2, 1)
	a.CurrentIPAddress = "203.0.113.10"

	e := NewEnforcer(ledger, sink, 2, zap.NewNop())
	e.Enforce(context.Background(), a)

	// The raw identifiers travel to the sink, which owns
	// pseudonymization.
	event := sink.last(t)
	assert.Equal(t, "device-1", event.DeviceDigest)
	assert.Equal(t, "203.0.113.10", event.IPDigest)
}

func TestEnforceThresholdBoundaries(t *testing.T) {
	cases := []struct {
		confidence float64
		want       models.EnforcementAction
	}{
		{0.8, models.ActionTerminate},
		{0.79, models.ActionRestrict},
		{0.6, models.ActionRestrict},
		{0.59, models.ActionWarn},
		{0.4, models.ActionWarn},
		{0.39, models.ActionAllow},
		{0.0, models.ActionAllow},
	}

	for _, tc := range cases {
		ledger := newMemLedger()
		e := NewEnforcer(ledger, &memAudit{}, 2, zap.NewNop())
		outcome := e.Enforce(context.Background(), assessment(tc.confidence, 1))
		assert.Equal(t, tc.want, outcome.Action, "confidence %.2f", tc.confidence)
	}
}

func TestEnforceLedgerFailureKeepsDecision(t *testing.T) {
	ledger := newMemLedger()
	ledger.failWith = errors.New("scylla down")
	sink := &memAudit{}

	e := NewEnforcer(ledger, sink, 2, zap.NewNop())
	outcome := e.Enforce(context.Background(), assessment(0.9, 3))

	assert.Equal(t, models.ActionTerminate, outcome.Action)
	assert.True(t, outcome.Blocked)
	assert.True(t, outcome.TerminationFailed)
	assert.Zero(t, outcome.SessionsTerminated)

	event := sink.last(t)
	assert.True(t, event.LedgerWriteFailed)
	assert.Contains(t, event.Details, "reconciliation required")
}

func TestEnforceAuditFailureDoesNotChangeOutcome(t *testing.T) {
	ledger := newMemLedger()
	seed(ledger, "device-1", "device-2", "device-3")
	sink := &memAudit{fail: errors.New("clickhouse down")}

	e := NewEnforcer(ledger, sink, 2, zap.NewNop())
	outcome := e.Enforce(context.Background(), assessment(0.9, 3))

	assert.Equal(t, models.ActionTerminate, outcome.Action)
	assert.Equal(t, 3, outcome.SessionsTerminated)
}

func TestShouldBlock(t *testing.T) {
	e := NewEnforcer(newMemLedger(), &memAudit{}, 2, zap.NewNop())

	assert.True(t, e.ShouldBlock(assessment(0.8, 1)))
	assert.True(t, e.ShouldBlock(assessment(0.95, 1)))
	assert.False(t, e.ShouldBlock(assessment(0.79, 5)))
	assert.False(t, e.ShouldBlock(assessment(0.0, 0)))
}
