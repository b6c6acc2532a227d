package models

import "time"

// GenerationCounters are the per-user durable counters behind the
// generation gate. They are mutated only through the counter store's
// atomic reserve, delta rollback, and reset-if-stale operations.
type GenerationCounters struct {
	UserID           string     `json:"user_id"`
	DailyUsed        int        `json:"daily_used"`
	MonthlyUsed      int        `json:"monthly_used"`
	LastGenerationAt *time.Time `json:"last_generation_at,omitempty"`
	ResetDay         string     `json:"reset_day"` // YYYY-MM-DD in the reference timezone
}
