package scylla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"usage-integrity-service/internal/bucketing"
	"usage-integrity-service/internal/encryption"
	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/util"
)

const ledgerOpTimeout = 10 * time.Second

// SessionLedger stores one row per (user, device) in the
// session_activity table, partitioned by user bucket so one hot user
// cannot skew a partition. Fingerprints are envelope-encrypted before
// they leave the process.
type SessionLedger struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
	crypto  *encryption.Manager
	logger  *zap.Logger
}

func NewSessionLedger(client *ScyllaClient, buckets *bucketing.Manager, crypto *encryption.Manager, logger *zap.Logger) *SessionLedger {
	return &SessionLedger{
		client:  client,
		buckets: buckets,
		crypto:  crypto,
		logger:  logger,
	}
}

// UpsertActivity records an observed access. Repeat activity from the
// same device overwrites the previous row, refreshing last_active_at
// and reactivating the session if it had been terminated.
func (l *SessionLedger) UpsertActivity(ctx context.Context, rec *models.SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	var fingerprintEnc []byte
	if rec.Fingerprint != nil {
		var err error
		fingerprintEnc, err = l.crypto.EncryptFingerprint(ctx, rec.Fingerprint)
		if err != nil {
			// The row is still written; similarity falls back to the
			// other factors for this device.
			l.logger.Warn("Failed to encrypt fingerprint, storing activity without it",
				util.String("user_id", rec.UserID),
				util.String("device_id", rec.DeviceID),
				util.ErrorField(err))
			fingerprintEnc = nil
		}
	}

	query := l.client.Query(l.client.Prepared.UpsertActivity.Statement(),
		l.buckets.UserBucket(rec.UserID),
		rec.UserID,
		rec.DeviceID,
		rec.SessionID,
		rec.IPAddress,
		rec.UserAgent,
		fingerprintEnc,
		rec.LastActiveAt,
	).WithContext(ctx)
	if err := l.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to upsert session activity: %w", err)
	}

	return nil
}

// GetRecentSessions returns the active sessions whose last activity is
// at or after since. Terminated and expired rows are filtered out.
func (l *SessionLedger) GetRecentSessions(ctx context.Context, userID string, since time.Time) ([]models.SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	iter := l.client.Query(l.client.Prepared.GetSessions.Statement(),
		l.buckets.UserBucket(userID),
		userID,
	).WithContext(ctx).Iter()

	var sessions []models.SessionRecord
	var (
		deviceID       string
		sessionID      string
		ipAddress      string
		userAgent      string
		fingerprintEnc []byte
		lastActiveAt   time.Time
		isActive       bool
	)

	for iter.Scan(&deviceID, &sessionID, &ipAddress, &userAgent, &fingerprintEnc, &lastActiveAt, &isActive) {
		if !isActive || lastActiveAt.Before(since) {
			continue
		}

		rec := models.SessionRecord{
			UserID:       userID,
			SessionID:    sessionID,
			DeviceID:     deviceID,
			IPAddress:    ipAddress,
			UserAgent:    userAgent,
			LastActiveAt: lastActiveAt,
		}

		if len(fingerprintEnc) > 0 {
			fp, err := l.crypto.DecryptFingerprint(ctx, fingerprintEnc)
			if err != nil {
				l.logger.Warn("Failed to decrypt fingerprint, comparing without it",
					util.String("user_id", userID),
					util.String("device_id", deviceID),
					util.ErrorField(err))
			} else {
				rec.Fingerprint = fp
			}
		}

		sessions = append(sessions, rec)
	}

	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to read session activity: %w", err)
	}

	return sessions, nil
}

// TerminateAll deactivates every active session for the user and
// returns how many were terminated.
func (l *SessionLedger) TerminateAll(ctx context.Context, userID, reason string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	sessions, err := l.activeSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	if err := l.terminateBatch(ctx, userID, sessions, reason); err != nil {
		return 0, err
	}

	l.logger.Info("Terminated all sessions",
		util.String("user_id", userID),
		util.String("reason", reason),
		util.Int("count", len(sessions)))

	return len(sessions), nil
}

// TerminateOldest keeps the `keep` most recently active sessions and
// deactivates the rest.
func (l *SessionLedger) TerminateOldest(ctx context.Context, userID string, keep int, reason string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	sessions, err := l.activeSessions(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(sessions) <= keep {
		return 0, nil
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActiveAt.After(sessions[j].LastActiveAt)
	})
	victims := sessions[keep:]

	if err := l.terminateBatch(ctx, userID, victims, reason); err != nil {
		return 0, err
	}

	l.logger.Info("Terminated oldest sessions",
		util.String("user_id", userID),
		util.String("reason", reason),
		util.Int("kept", keep),
		util.Int("terminated", len(victims)))

	return len(victims), nil
}

// PurgeExpired deletes rows whose last activity is older than the
// session timeout, sweeping every user bucket. Run from the janitor,
// not the request path.
func (l *SessionLedger) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-models.SessionTimeout)

	purged := 0
	for bucket := 0; bucket < l.buckets.UserBuckets(); bucket++ {
		n, err := l.purgeBucket(ctx, bucket, cutoff)
		purged += n
		if err != nil {
			return purged, err
		}
	}

	if purged > 0 {
		l.logger.Info("Purged expired session rows", util.Int("count", purged))
	}
	return purged, nil
}

func (l *SessionLedger) purgeBucket(ctx context.Context, bucket int, cutoff time.Time) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerOpTimeout)
	defer cancel()

	iter := l.client.Query(`
        SELECT user_id, device_id, last_active_at
        FROM session_activity WHERE user_bucket = ?`, bucket).WithContext(ctx).Iter()

	type rowKey struct {
		userID   string
		deviceID string
	}

	var stale []rowKey
	var userID, deviceID string
	var lastActiveAt time.Time
	for iter.Scan(&userID, &deviceID, &lastActiveAt) {
		if lastActiveAt.After(cutoff) {
			continue
		}
		stale = append(stale, rowKey{userID: userID, deviceID: deviceID})
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan bucket for expired rows: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	deleteStmt := l.client.Prepared.DeleteSession.Statement()
	purged := 0
	batch := l.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
	for _, row := range stale {
		batch.Query(deleteStmt, bucket, row.userID, row.deviceID)
		if batch.Size() >= 100 {
			if err := l.client.ExecuteBatch(batch); err != nil {
				return purged, fmt.Errorf("failed to purge expired rows: %w", err)
			}
			purged += batch.Size()
			batch = l.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
		}
	}
	if batch.Size() > 0 {
		if err := l.client.ExecuteBatch(batch); err != nil {
			return purged, fmt.Errorf("failed to purge expired rows: %w", err)
		}
		purged += batch.Size()
	}

	return purged, nil
}

func (l *SessionLedger) activeSessions(ctx context.Context, userID string) ([]models.SessionRecord, error) {
	// Termination applies to anything still marked active regardless of
	// age; expiry filtering is only for detection reads.
	return l.GetRecentSessions(ctx, userID, time.Time{})
}

func (l *SessionLedger) terminateBatch(ctx context.Context, userID string, victims []models.SessionRecord, reason string) error {
	bucket := l.buckets.UserBucket(userID)
	now := time.Now().UTC()

	terminateStmt := l.client.Prepared.TerminateSession.Statement()
	batch := l.client.Batch(gocql.UnloggedBatch).WithContext(ctx)
	for _, rec := range victims {
		batch.Query(terminateStmt, reason, now, bucket, userID, rec.DeviceID)
	}

	if err := l.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to terminate sessions: %w", err)
	}
	return nil
}
