package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Manager assigns stable buckets for partitioning ledger rows and
// audit events, and computes the time buckets used by sharing
// detection.
type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(userBuckets, eventBuckets int) *Manager {
	m := &Manager{
		userBuckets:  userBuckets,
		eventBuckets: eventBuckets,
	}

	// Pooled hashers avoid per-call allocations on the hot path.
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// UserBucket returns the consistent bucket for a user, in
// [0, userBuckets).
func (m *Manager) UserBucket(userID string) int {
	return int(m.hash(userID) % uint64(m.userBuckets))
}

// UserBuckets returns the number of user buckets, for callers that
// sweep the whole key space.
func (m *Manager) UserBuckets() int {
	return m.userBuckets
}

// EventBucket returns the bucket for an audit event identifier.
func (m *Manager) EventBucket(identifier string) int {
	return int(m.hash(identifier) % uint64(m.eventBuckets))
}

// TimeBucket floors t to the given window boundary and returns the
// bucket key as unix seconds.
func (m *Manager) TimeBucket(t time.Time, window time.Duration) int64 {
	w := int64(window.Seconds())
	return t.Unix() / w * w
}

// DateBucket returns the UTC calendar-day key for t.
func (m *Manager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (m *Manager) hash(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
