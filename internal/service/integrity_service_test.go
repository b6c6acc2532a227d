package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"usage-integrity-service/internal/bucketing"
	"usage-integrity-service/internal/enforcement"
	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/scoring"
	"usage-integrity-service/internal/similarity"
)

const (
	chromeWindowsUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	firefoxLinuxUA  = "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"
	safariMacUA     = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"
)

type memLedger struct {
	mu       sync.Mutex
	sessions map[string][]models.SessionRecord
	failWith error
	upserts  int
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
	m.upserts++
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

func newTestService(ledger *memLedger) *IntegrityService {
	logger := zap.NewNop()
	buckets := bucketing.NewManager(64, 16)
	scorer := scoring.NewScorer(2, similarity.DefaultThreshold, buckets)
	enforcer := enforcement.NewEnforcer(ledger, noopSink{}, 2, logger)
	return NewIntegrityService(ledger, scorer, enforcer, nil, nil, logger)
}

type noopSink struct{}

func (noopSink) RecordEnforcement(context.Context, *models.AuditEvent) error { return nil }

func activeRecord(deviceID, ip, ua string, lastActive time.Time) models.SessionRecord {
	return models.SessionRecord{
		UserID:       "user-1",
		SessionID:    "session-" + deviceID,
		DeviceID:     deviceID,
		IPAddress:    ip,
		UserAgent:    ua,
		LastActiveAt: lastActive,
	}
}

func TestDetectSharingCleanUser(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger)

	rec := activeRecord("device-1", "203.0.113.10", chromeWindowsUA, time.Now().UTC())
	require.NoError(t, ledger.UpsertActivity(context.Background(), &rec))

	assessment := svc.DetectSharing(context.Background(), "user-1", "device-1")

	assert.False(t, assessment.IsSharing)
	assert.Equal(t, 1, assessment.ActiveSessionCount)
}

func TestDetectSharingFailsOpenOnLedgerError(t *testing.T) {
	ledger := newMemLedger()
	ledger.failWith = errors.New("scylla down")
	svc := newTestService(ledger)

	assessment := svc.DetectSharing(context.Background(), "user-1", "device-1")

	assert.False(t, assessment.IsSharing)
	assert.Zero(t, assessment.Confidence)
	assert.Equal(t, "error", assessment.Reason)
}

func TestDetectAndEnforceRecordsActivity(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger)

	rec := activeRecord("device-1", "203.0.113.10", chromeWindowsUA, time.Time{})
	assessment, outcome, err := svc.DetectAndEnforce(context.Background(), &rec)

	require.NoError(t, err)
	assert.Equal(t, 1, ledger.upserts)
	assert.False(t, rec.LastActiveAt.IsZero())
	assert.Equal(t, 1, assessment.ActiveSessionCount)
	assert.Equal(t, models.ActionAllow, outcome.Action)
}

func TestDetectAndEnforceSeesOwnRecordDespiteRace(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger)
	now := time.Now().UTC()

	existing := activeRecord("device-1", "203.0.113.10", chromeWindowsUA, now.Add(-time.Hour))
	require.NoError(t, ledger.UpsertActivity(context.Background(), &existing))

	// The in-flight record for the same device must replace the stored
	// row in the scored set, never double-count it.
	current := activeRecord("device-1", "203.0.113.10", chromeWindowsUA, now)
	assessment, _, err := svc.DetectAndEnforce(context.Background(), &current)

	require.NoError(t, err)
	assert.Equal(t, 1, assessment.ActiveSessionCount)
}

func TestDetectAndEnforceSharingScenarioTerminates(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger)
	now := time.Now().UTC()

	for _, rec := range []models.SessionRecord{
		activeRecord("device-2", "198.51.100.7", firefoxLinuxUA, now.Add(-time.Minute)),
		activeRecord("device-3", "192.0.2.44", safariMacUA, now.Add(-2*time.Minute)),
	} {
		r := rec
		require.NoError(t, ledger.UpsertActivity(context.Background(), &r))
	}

	current := activeRecord("device-1", "203.0.113.10", chromeWindowsUA, now)
	assessment, outcome, err := svc.DetectAndEnforce(context.Background(), &current)

	require.NoError(t, err)
	assert.True(t, assessment.IsSharing)
	assert.Equal(t, models.ActionTerminate, outcome.Action)
	assert.True(t, outcome.Blocked)
	assert.Equal(t, 3, outcome.SessionsTerminated)
	assert.Empty(t, ledger.sessions["user-1"])
}

func TestDetectAndEnforceConcurrentUsersStayIsolated(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger)
	now := time.Now().UTC()

	// Simultaneous requests for different users must each persist their
	// own values; a request may never execute with another's bindings.
	const users = 20
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("user-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := models.SessionRecord{
				UserID:       userID,
				SessionID:    "session-" + userID,
				DeviceID:     "device-" + userID,
				IPAddress:    "203.0.113.10",
				UserAgent:    chromeWindowsUA,
				LastActiveAt: now,
			}
			_, _, err := svc.DetectAndEnforce(context.Background(), &rec)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < users; i++ {
		userID := fmt.Sprintf("user-%d", i)
		rows := ledger.sessions[userID]
		require.Len(t, rows, 1, userID)
		assert.Equal(t, userID, rows[0].UserID)
		assert.Equal(t, "device-"+userID, rows[0].DeviceID)
	}
}

func TestDetectAndEnforceFailsOpenOnLedgerError(t *testing.T) {
	ledger := newMemLedger()
	ledger.failWith = errors.New("scylla down")
	svc := newTestService(ledger)

	rec := activeRecord("device-1", "203.0.113.10", chromeWindowsUA, time.Now().UTC())
	assessment, outcome, err := svc.DetectAndEnforce(context.Background(), &rec)

	require.NoError(t, err)
	assert.False(t, assessment.IsSharing)
	assert.Equal(t, models.ActionAllow, outcome.Action)
	assert.False(t, outcome.Blocked)
}

func TestShouldBlockRequest(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(ledger)
	now := time.Now().UTC()

	// A diverse, simultaneous session set pushes confidence past the
	// terminate threshold.
	for _, rec := range []models.SessionRecord{
		activeRecord("device-1", "203.0.113.10", chromeWindowsUA, now),
		activeRecord("device-2", "198.51.100.7", firefoxLinuxUA, now.Add(-time.Minute)),
		activeRecord("device-3", "192.0.2.44", safariMacUA, now.Add(-2*time.Minute)),
	} {
		r := rec
		require.NoError(t, ledger.UpsertActivity(context.Background(), &r))
	}

	assert.True(t, svc.ShouldBlockRequest(context.Background(), "user-1", "device-1"))

	// Sessions were not mutated by the check.
	assert.Len(t, ledger.sessions["user-1"], 3)
}

func TestShouldBlockRequestFailsOpen(t *testing.T) {
	ledger := newMemLedger()
	ledger.failWith = errors.New("scylla down")
	svc := newTestService(ledger)

	assert.False(t, svc.ShouldBlockRequest(context.Background(), "user-1", "device-1"))
}
