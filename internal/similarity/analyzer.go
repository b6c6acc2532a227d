package similarity

import (
	"net"
	"strings"

	"usage-integrity-service/internal/models"
)

// DefaultThreshold is the similarity above which two sessions are
// treated as the same physical device.
const DefaultThreshold = 0.7

// Signal weights. Each factor contributes only when both sides carry
// comparable data, and the final score is normalized by the maximum
// weight of the factors actually evaluated so missing data does not
// depress the score.
const (
	weightUserAgentExact  = 0.4
	weightUserAgentFamily = 0.2
	weightIPExact         = 0.3
	weightIPSubnet        = 0.1
	weightFingerprint     = 0.3
)

// Score compares two session records and returns a similarity in
// [0,1]. Score is symmetric: Score(a, b) == Score(b, a).
func Score(a, b *models.SessionRecord) float64 {
	var earned, possible float64

	if a.UserAgent != "" && b.UserAgent != "" {
		possible += weightUserAgentExact
		if a.UserAgent == b.UserAgent {
			earned += weightUserAgentExact
		} else if sameAgentFamily(a.UserAgent, b.UserAgent) {
			earned += weightUserAgentFamily
		}
	}

	if a.IPAddress != "" && b.IPAddress != "" {
		possible += weightIPExact
		if a.IPAddress == b.IPAddress {
			earned += weightIPExact
		} else if sameSubnet24(a.IPAddress, b.IPAddress) {
			earned += weightIPSubnet
		}
	}

	if a.Fingerprint != nil && b.Fingerprint != nil {
		possible += weightFingerprint
		earned += fingerprintMatch(a.Fingerprint, b.Fingerprint) * weightFingerprint
	}

	if possible == 0 {
		return 0
	}
	return earned / possible
}

// Cluster groups sessions into likely-same-device clusters using a
// greedy pass in arrival order: each session joins the cluster of the
// first prior session scoring above the threshold, else starts its
// own. Deterministic for a fixed input order, not globally optimal.
func Cluster(sessions []models.SessionRecord, threshold float64) [][]models.SessionRecord {
	var clusters [][]models.SessionRecord

	for i := range sessions {
		placed := false
		for c := range clusters {
			if Score(&sessions[i], &clusters[c][0]) > threshold {
				clusters[c] = append(clusters[c], sessions[i])
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, []models.SessionRecord{sessions[i]})
		}
	}

	return clusters
}

// BrowserFamily extracts a coarse browser family from a user agent
// string. Order matters: Edge and Opera embed "Chrome", Chrome embeds
// "Safari".
func BrowserFamily(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "edg"):
		return "edge"
	case strings.Contains(ua, "opr") || strings.Contains(ua, "opera"):
		return "opera"
	case strings.Contains(ua, "chrome"):
		return "chrome"
	case strings.Contains(ua, "firefox"):
		return "firefox"
	case strings.Contains(ua, "safari"):
		return "safari"
	default:
		return "other"
	}
}

// OSFamily extracts a coarse operating-system family from a user agent
// string.
func OSFamily(userAgent string) string {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "android"):
		return "android"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad") || strings.Contains(ua, "ios"):
		return "ios"
	case strings.Contains(ua, "windows"):
		return "windows"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		return "macos"
	case strings.Contains(ua, "linux"):
		return "linux"
	default:
		return "other"
	}
}

func sameAgentFamily(a, b string) bool {
	return BrowserFamily(a) == BrowserFamily(b) && OSFamily(a) == OSFamily(b)
}

func sameSubnet24(a, b string) bool {
	ipA := net.ParseIP(a)
	ipB := net.ParseIP(b)
	if ipA == nil || ipB == nil {
		return false
	}
	v4A := ipA.To4()
	v4B := ipB.To4()
	if v4A == nil || v4B == nil {
		return false
	}
	mask := net.CIDRMask(24, 32)
	return v4A.Mask(mask).Equal(v4B.Mask(mask))
}

// fingerprintMatch returns the fraction of comparable fingerprint
// fields that match. Fields absent on either side are skipped. Extra
// attributes are an opaque side channel and never compared.
func fingerprintMatch(a, b *models.DeviceFingerprint) float64 {
	type pair struct{ left, right string }

	pairs := []pair{
		{a.Browser, b.Browser},
		{a.OS, b.OS},
		{a.ScreenResolution, b.ScreenResolution},
		{a.Timezone, b.Timezone},
		{a.Language, b.Language},
		{a.Platform, b.Platform},
		{a.CanvasHash, b.CanvasHash},
		{a.WebGLHash, b.WebGLHash},
	}

	var compared, matched int
	for _, p := range pairs {
		if p.left == "" || p.right == "" {
			continue
		}
		compared++
		if p.left == p.right {
			matched++
		}
	}

	if a.CPUCores > 0 && b.CPUCores > 0 {
		compared++
		if a.CPUCores == b.CPUCores {
			matched++
		}
	}

	if compared == 0 {
		return 0
	}
	return float64(matched) / float64(compared)
}
