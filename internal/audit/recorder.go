package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"usage-integrity-service/internal/bucketing"
	"usage-integrity-service/internal/client"
	"usage-integrity-service/internal/config"
	"usage-integrity-service/internal/hashing"
	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/util"
)

const auditWriteTimeout = 10 * time.Second

const insertEventQuery = `
    INSERT INTO enforcement_events (
        event_id, event_bucket, event_date, user_id, event_type, action,
        confidence, active_sessions, sessions_terminated, device_digest,
        ip_digest, details, ledger_write_failed, occurred_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Recorder persists enforcement decisions and assessments. ClickHouse
// is the durable audit store, Kafka feeds downstream consumers, and
// Elasticsearch makes assessments searchable for investigations. Any
// sink may be nil; a missing sink is skipped, not an error.
type Recorder struct {
	clickhouse *client.ClickHouseClient
	kafka      *client.KafkaProducer
	es         *client.ESClient
	hasher     *hashing.Hasher
	buckets    *bucketing.Manager
	topic      string
	index      string
	logger     *zap.Logger
}

func NewRecorder(
	cfg *config.Config,
	clickhouse *client.ClickHouseClient,
	kafka *client.KafkaProducer,
	es *client.ESClient,
	hasher *hashing.Hasher,
	buckets *bucketing.Manager,
	logger *zap.Logger,
) *Recorder {
	return &Recorder{
		clickhouse: clickhouse,
		kafka:      kafka,
		es:         es,
		hasher:     hasher,
		buckets:    buckets,
		topic:      cfg.Kafka.EnforcementTopic,
		index:      cfg.Elasticsearch.AssessmentIndex,
		logger:     logger,
	}
}

// RecordEnforcement persists one enforcement decision. Identifier
// fields arrive raw and are pseudonymized here, before any sink sees
// them. ClickHouse and Kafka are written concurrently; the first
// failure is returned but does not stop the other sink.
func (r *Recorder) RecordEnforcement(ctx context.Context, event *models.AuditEvent) error {
	ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	defer cancel()

	event.DeviceDigest = r.hasher.DigestDevice(event.DeviceDigest)
	event.IPDigest = r.hasher.DigestIP(event.IPDigest)
	event.EventBucket = r.buckets.EventBucket(event.EventID)
	event.EventDate = r.buckets.DateBucket(event.OccurredAt)

	g, gctx := errgroup.WithContext(ctx)

	if r.clickhouse != nil {
		g.Go(func() error {
			if err := r.insertEvent(gctx, event); err != nil {
				return fmt.Errorf("clickhouse audit insert: %w", err)
			}
			return nil
		})
	}

	if r.kafka != nil {
		g.Go(func() error {
			if err := r.publishEvent(gctx, event); err != nil {
				return fmt.Errorf("kafka audit publish: %w", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	r.logger.Debug("Enforcement event recorded",
		util.String("event_id", event.EventID),
		util.String("event_type", event.EventType))
	return nil
}

// IndexAssessment stores a sharing assessment in the investigation
// index. Indexing failures are logged, not returned; the assessment is
// an ephemeral diagnostic, not the audit record.
func (r *Recorder) IndexAssessment(ctx context.Context, assessment *models.SharingAssessment) {
	if r.es == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
	defer cancel()

	doc := map[string]interface{}{
		"user_id":               assessment.UserID,
		"device_digest":         r.hasher.DigestDevice(assessment.CurrentDeviceID),
		"is_sharing":            assessment.IsSharing,
		"confidence":            assessment.Confidence,
		"reason":                assessment.Reason,
		"active_session_count":  assessment.ActiveSessionCount,
		"suspicious_device_ids": len(assessment.SuspiciousDeviceIDs),
		"assessed_at":           time.Now().UTC(),
	}

	res, err := r.es.IndexDocument(ctx, r.index, uuid.New().String(), doc)
	if err != nil {
		r.logger.Warn("Failed to index sharing assessment",
			util.String("user_id", assessment.UserID),
			util.ErrorField(err))
		return
	}
	defer res.Body.Close()

	if res.IsError() {
		r.logger.Warn("Assessment index rejected document",
			util.String("user_id", assessment.UserID),
			util.String("status", res.Status()))
	}
}

func (r *Recorder) insertEvent(ctx context.Context, event *models.AuditEvent) error {
	return r.clickhouse.Exec(ctx, insertEventQuery,
		event.EventID,
		event.EventBucket,
		event.EventDate,
		event.UserID,
		event.EventType,
		event.Action,
		event.Confidence,
		event.ActiveSessions,
		event.SessionsTerminated,
		event.DeviceDigest,
		event.IPDigest,
		event.Details,
		event.LedgerWriteFailed,
		event.OccurredAt,
	)
}

func (r *Recorder) publishEvent(ctx context.Context, event *models.AuditEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	return r.kafka.ProduceMessage(ctx, r.topic, []byte(event.UserID), payload, map[string]string{
		"event_type": event.EventType,
		"schema":     "enforcement_event.v1",
	})
}
