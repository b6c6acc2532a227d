package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"usage-integrity-service/internal/models"
)

const (
	chromeWindowsUA  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	chromeWindowsUA2 = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0 Safari/537.36"
	firefoxLinuxUA   = "Mozilla/5.0 (X11; Linux x86_64; rv:120.0) Gecko/20100101 Firefox/120.0"
	safariMacUA      = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15"
)

func session(ua, ip string, fp *models.DeviceFingerprint) models.SessionRecord {
	return models.SessionRecord{
		UserAgent:   ua,
		IPAddress:   ip,
		Fingerprint: fp,
	}
}

func TestScoreIdenticalSessions(t *testing.T) {
	fp := &models.DeviceFingerprint{Browser: "Chrome", OS: "Windows", ScreenResolution: "1920x1080"}
	a := session(chromeWindowsUA, "203.0.113.10", fp)
	b := session(chromeWindowsUA, "203.0.113.10", fp)

	assert.Equal(t, 1.0, Score(&a, &b))
}

func TestScoreIsSymmetric(t *testing.T) {
	a := session(chromeWindowsUA, "203.0.113.10", &models.DeviceFingerprint{Browser: "Chrome", Timezone: "UTC"})
	b := session(firefoxLinuxUA, "203.0.113.99", &models.DeviceFingerprint{Browser: "Firefox", Timezone: "UTC"})

	assert.Equal(t, Score(&a, &b), Score(&b, &a))
}

func TestScoreUserAgentFamilyPartialCredit(t *testing.T) {
	// Same browser and OS family, different versions: family weight only.
	a := session(chromeWindowsUA, "", nil)
	b := session(chromeWindowsUA2, "", nil)

	assert.InDelta(t, 0.2/0.4, Score(&a, &b), 1e-9)
}

func TestScoreSubnetPartialCredit(t *testing.T) {
	a := session("", "192.168.1.10", nil)
	b := session("", "192.168.1.200", nil)

	assert.InDelta(t, 0.1/0.3, Score(&a, &b), 1e-9)

	c := session("", "192.168.2.10", nil)
	assert.Zero(t, Score(&a, &c))
}

func TestScoreSkipsMissingFactors(t *testing.T) {
	// Only user agents present on both sides: IP and fingerprint are not
	// evaluated and must not depress the score.
	a := session(chromeWindowsUA, "", nil)
	b := session(chromeWindowsUA, "203.0.113.10", &models.DeviceFingerprint{Browser: "Chrome"})

	assert.Equal(t, 1.0, Score(&a, &b))
}

func TestScoreNoComparableData(t *testing.T) {
	a := session("", "", nil)
	b := session(chromeWindowsUA, "203.0.113.10", nil)

	assert.Zero(t, Score(&a, &b))
}

func TestScoreFingerprintFraction(t *testing.T) {
	a := session("", "", &models.DeviceFingerprint{Browser: "Chrome", OS: "Windows", Timezone: "UTC", Language: "en"})
	b := session("", "", &models.DeviceFingerprint{Browser: "Chrome", OS: "Windows", Timezone: "America/New_York", Language: "en"})

	// 3 of 4 comparable fields match; fingerprint is the only factor.
	assert.InDelta(t, 0.75, Score(&a, &b), 1e-9)
}

func TestScoreIgnoresExtraAttributes(t *testing.T) {
	a := session("", "", &models.DeviceFingerprint{Browser: "Chrome", Extra: map[string]string{"gpu": "a"}})
	b := session("", "", &models.DeviceFingerprint{Browser: "Chrome", Extra: map[string]string{"gpu": "b"}})

	assert.Equal(t, 1.0, Score(&a, &b))
}

func TestClusterGroupsSimilarSessions(t *testing.T) {
	fp := &models.DeviceFingerprint{Browser: "Chrome", OS: "Windows"}
	sessions := []models.SessionRecord{
		session(chromeWindowsUA, "203.0.113.10", fp),
		session(chromeWindowsUA, "203.0.113.10", fp),
		session(firefoxLinuxUA, "198.51.100.7", &models.DeviceFingerprint{Browser: "Firefox", OS: "Linux"}),
	}

	clusters := Cluster(sessions, DefaultThreshold)

	assert.Len(t, clusters, 2)
	assert.Len(t, clusters[0], 2)
	assert.Len(t, clusters[1], 1)
}

func TestClusterDeterministicForFixedOrder(t *testing.T) {
	sessions := []models.SessionRecord{
		session(chromeWindowsUA, "203.0.113.10", nil),
		session(safariMacUA, "198.51.100.7", nil),
		session(chromeWindowsUA, "203.0.113.10", nil),
	}

	first := Cluster(sessions, DefaultThreshold)
	second := Cluster(sessions, DefaultThreshold)

	assert.Equal(t, first, second)
}

func TestClusterEmptyInput(t *testing.T) {
	assert.Empty(t, Cluster(nil, DefaultThreshold))
}

func TestBrowserFamilyOrdering(t *testing.T) {
	// Edge and Opera UAs embed "Chrome"; Chrome embeds "Safari".
	assert.Equal(t, "edge", BrowserFamily("Mozilla/5.0 Chrome/120.0 Safari/537.36 Edg/120.0"))
	assert.Equal(t, "opera", BrowserFamily("Mozilla/5.0 Chrome/120.0 Safari/537.36 OPR/106.0"))
	assert.Equal(t, "chrome", BrowserFamily(chromeWindowsUA))
	assert.Equal(t, "safari", BrowserFamily(safariMacUA))
	assert.Equal(t, "firefox", BrowserFamily(firefoxLinuxUA))
	assert.Equal(t, "other", BrowserFamily("curl/8.0"))
}

func TestOSFamily(t *testing.T) {
	assert.Equal(t, "windows", OSFamily(chromeWindowsUA))
	assert.Equal(t, "linux", OSFamily(firefoxLinuxUA))
	assert.Equal(t, "macos", OSFamily(safariMacUA))
	assert.Equal(t, "ios", OSFamily("Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)"))
	assert.Equal(t, "android", OSFamily("Mozilla/5.0 (Linux; Android 14; Pixel 8)"))
}

func TestSameSubnet24RejectsInvalidAndV6(t *testing.T) {
	assert.False(t, sameSubnet24("not-an-ip", "192.168.1.1"))
	assert.False(t, sameSubnet24("2001:db8::1", "2001:db8::2"))
}
