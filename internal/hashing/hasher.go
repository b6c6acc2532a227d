package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"sync"

	"golang.org/x/crypto/argon2"

	"usage-integrity-service/internal/config"
	"usage-integrity-service/internal/util"
)

// Hasher produces deterministic peppered digests of low-entropy
// identifiers (IP addresses, device ids) before they reach the audit
// stores. Deterministic so the abuse team can correlate events for one
// device without ever storing the raw value.
type Hasher struct {
	params  argon2Params
	pepper  []byte
	salt    []byte
	digests sync.Map // value+context -> digest, hot identifiers repeat constantly
}

type argon2Params struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	keyLength   uint32
}

func NewHasher(cfg *config.Config) *Hasher {
	pepper := []byte(cfg.Hashing.Pepper)
	if len(pepper) == 0 {
		// Without a configured pepper (development), digests are still
		// deterministic within the process but not across restarts.
		pepper = make([]byte, 32)
		if _, err := rand.Read(pepper); err != nil {
			util.Fatal("Failed to generate hashing pepper", util.ErrorField(err))
		}
		util.Warn("HASHING_PEPPER not set, audit digests will not survive restarts")
	}

	// A fixed salt derived from the pepper keeps digests deterministic;
	// the pepper itself provides the secret input.
	salt := sha256.Sum256(append([]byte("audit-digest:"), pepper...))

	return &Hasher{
		params: argon2Params{
			memory:      uint32(cfg.Hashing.Argon2MemoryCost),
			iterations:  uint32(cfg.Hashing.Argon2TimeCost),
			parallelism: uint8(cfg.Hashing.Argon2Parallelism),
			keyLength:   16,
		},
		pepper: pepper,
		salt:   salt[:16],
	}
}

// DigestIdentifier returns a stable pseudonymized digest for an
// identifier. The context string prevents digest reuse across
// different identifier kinds.
func (h *Hasher) DigestIdentifier(value, context string) string {
	if value == "" {
		return ""
	}

	cacheKey := context + "\x00" + value
	if cached, ok := h.digests.Load(cacheKey); ok {
		return cached.(string)
	}

	input := append([]byte(value+"\x00"+context), h.pepper...)
	digest := argon2.IDKey(
		input,
		h.salt,
		h.params.iterations,
		h.params.memory,
		h.params.parallelism,
		h.params.keyLength,
	)

	encoded := base64.RawURLEncoding.EncodeToString(digest)
	h.digests.Store(cacheKey, encoded)
	return encoded
}

// DigestIP pseudonymizes an IP address for audit rows.
func (h *Hasher) DigestIP(ip string) string {
	return h.DigestIdentifier(ip, "ip")
}

// DigestDevice pseudonymizes a device identifier for audit rows.
func (h *Hasher) DigestDevice(deviceID string) string {
	return h.DigestIdentifier(deviceID, "device")
}
