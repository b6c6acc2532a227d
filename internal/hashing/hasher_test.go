package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"usage-integrity-service/internal/config"
)

func newTestHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Pepper:            "test-pepper",
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})
}

func TestDigestIsDeterministic(t *testing.T) {
	h := newTestHasher()

	first := h.DigestIP("203.0.113.10")
	second := h.DigestIP("203.0.113.10")

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestDigestDependsOnContext(t *testing.T) {
	h := newTestHasher()

	// The same raw value must not produce linkable digests across
	// identifier kinds.
	assert.NotEqual(t, h.DigestIP("value-1"), h.DigestDevice("value-1"))
}

func TestDigestDependsOnPepper(t *testing.T) {
	h := newTestHasher()
	other := NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Pepper:            "different-pepper",
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	})

	assert.NotEqual(t, h.DigestIP("203.0.113.10"), other.DigestIP("203.0.113.10"))
}

func TestDigestEmptyValue(t *testing.T) {
	h := newTestHasher()
	assert.Empty(t, h.DigestIdentifier("", "ip"))
}
