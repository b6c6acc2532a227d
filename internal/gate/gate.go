package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/util"
)

// Failure reasons reported to the caller after a lost reservation.
const (
	ReasonDailyLimitReached = "daily_limit_reached"
	ReasonCooldownActive    = "cooldown_active"
)

var (
	// ErrReserveUnavailable wraps storage failures during reservation.
	// The gate fails closed: a storage error is never a success.
	ErrReserveUnavailable = errors.New("reservation store unavailable")
)

// Tier is a named (daily quota, cooldown) pair.
type Tier struct {
	Name       string
	DailyLimit int
	Cooldown   time.Duration
}

var tiers = map[string]Tier{
	"free":    {Name: "free", DailyLimit: 2, Cooldown: 90 * time.Minute},
	"pro":     {Name: "pro", DailyLimit: 10, Cooldown: 15 * time.Minute},
	"premium": {Name: "premium", DailyLimit: 30, Cooldown: 5 * time.Minute},
}

// TierByName resolves a tier, mapping unknown names to the most
// restrictive tier rather than failing the entitlement check.
func TierByName(name string) Tier {
	if t, ok := tiers[name]; ok {
		return t
	}
	return tiers["free"]
}

// CounterStore is the durable-counter contract. AtomicReserve must be
// a single conditional update at the storage layer; the gate never
// does read-then-write. RollbackReserve compensates by delta: it
// decrements by exactly one and clears the last-generation timestamp
// only if it still holds the value this reservation wrote, so it
// tolerates interleaved successful reservations.
type CounterStore interface {
	GetCounters(ctx context.Context, userID string) (*models.GenerationCounters, error)
	AtomicReserve(ctx context.Context, userID string, dailyLimit int, cooldown time.Duration, now time.Time) (bool, error)
	RollbackReserve(ctx context.Context, userID string, reservedAt time.Time) error
	ResetIfStale(ctx context.Context, userID, dayKey string) (bool, error)
}

// ReserveResult is the outcome of one reservation attempt. ReservedAt
// is the timestamp the store recorded; callers pass it back to
// Rollback when the downstream generation fails.
type ReserveResult struct {
	Success    bool      `json:"success"`
	Reason     string    `json:"reason,omitempty"`
	ReservedAt time.Time `json:"reserved_at,omitempty"`
}

// Gate decides, under concurrent callers, whether an account may
// consume one generation slot.
type Gate struct {
	store  CounterStore
	loc    *time.Location
	logger *zap.Logger
}

func NewGate(store CounterStore, referenceTimezone string, logger *zap.Logger) (*Gate, error) {
	loc, err := time.LoadLocation(referenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid reference timezone %q: %w", referenceTimezone, err)
	}
	return &Gate{store: store, loc: loc, logger: logger}, nil
}

// DayKey returns the calendar-day key for t in the reference timezone.
func (g *Gate) DayKey(t time.Time) string {
	return t.In(g.loc).Format("2006-01-02")
}

// TryReserve attempts to claim one generation slot for the user. On a
// lost race it re-reads the counters to report an accurate reason but
// never retries the reservation itself.
func (g *Gate) TryReserve(ctx context.Context, userID, tierName string, now time.Time) (*ReserveResult, error) {
	tier := TierByName(tierName)

	// Roll counters forward at the day boundary first. The store makes
	// this idempotent, so racing callers cannot reset the same day
	// twice.
	reset, err := g.store.ResetIfStale(ctx, userID, g.DayKey(now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReserveUnavailable, err)
	}
	if reset {
		g.logger.Debug("Daily counters reset",
			util.String("user_id", userID),
			util.String("day", g.DayKey(now)))
	}

	ok, err := g.store.AtomicReserve(ctx, userID, tier.DailyLimit, tier.Cooldown, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReserveUnavailable, err)
	}

	if ok {
		g.logger.Info("Generation slot reserved",
			util.String("user_id", userID),
			util.String("tier", tier.Name))
		return &ReserveResult{Success: true, ReservedAt: now}, nil
	}

	reason, err := g.failureReason(ctx, userID, tier, now)
	if err != nil {
		// The reservation already failed; a reason read failure only
		// degrades the message.
		g.logger.Warn("Failed to read counters for rejection reason",
			util.String("user_id", userID),
			util.ErrorField(err))
		reason = ReasonDailyLimitReached
	}

	return &ReserveResult{Success: false, Reason: reason}, nil
}

// Rollback compensates a reservation whose downstream generation
// failed. A rollback failure is a reconciliation-required event; it is
// logged loudly and returned to the caller.
func (g *Gate) Rollback(ctx context.Context, userID string, reservedAt time.Time) error {
	if err := g.store.RollbackReserve(ctx, userID, reservedAt); err != nil {
		g.logger.Error("Reservation rollback failed, manual reconciliation required",
			util.String("user_id", userID),
			util.ErrorField(err))
		return fmt.Errorf("rollback reservation: %w", err)
	}
	g.logger.Info("Reservation rolled back", util.String("user_id", userID))
	return nil
}

func (g *Gate) failureReason(ctx context.Context, userID string, tier Tier, now time.Time) (string, error) {
	counters, err := g.store.GetCounters(ctx, userID)
	if err != nil {
		return "", err
	}
	if counters.DailyUsed >= tier.DailyLimit {
		return ReasonDailyLimitReached, nil
	}
	if counters.LastGenerationAt != nil && now.Sub(*counters.LastGenerationAt) < tier.Cooldown {
		return ReasonCooldownActive, nil
	}
	// Counters moved between the reservation and the re-read; the most
	// likely cause of the rejection is still the quota.
	return ReasonDailyLimitReached, nil
}
