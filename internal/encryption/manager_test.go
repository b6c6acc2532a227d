package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage-integrity-service/internal/config"
	"usage-integrity-service/internal/models"
)

func newLocalManager() *Manager {
	return NewManager(&config.Config{Environment: "development"}, nil)
}

func TestFingerprintRoundTrip(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	fp := &models.DeviceFingerprint{
		Browser:          "Chrome",
		OS:               "Windows",
		ScreenResolution: "1920x1080",
		Timezone:         "America/New_York",
		CPUCores:         8,
		Extra:            map[string]string{"gpu": "rtx-4070"},
	}

	blob, err := m.EncryptFingerprint(ctx, fp)
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	assert.NotContains(t, string(blob), "Chrome")

	decrypted, err := m.DecryptFingerprint(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, fp, decrypted)
}

func TestDecryptAfterCacheClear(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	blob, err := m.EncryptFingerprint(ctx, &models.DeviceFingerprint{Browser: "Firefox"})
	require.NoError(t, err)

	// Local-mode DEKs unwrap without the cache.
	m.ClearCache()

	decrypted, err := m.DecryptFingerprint(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "Firefox", decrypted.Browser)
}

func TestDecryptEmptyBlob(t *testing.T) {
	m := newLocalManager()

	fp, err := m.DecryptFingerprint(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, fp)
}

func TestDecryptGarbageFails(t *testing.T) {
	m := newLocalManager()

	_, err := m.DecryptFingerprint(context.Background(), []byte("not an envelope"))
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
