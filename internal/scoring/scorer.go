package scoring

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"usage-integrity-service/internal/bucketing"
	"usage-integrity-service/internal/models"
	"usage-integrity-service/internal/similarity"
)

// SimultaneousWindow is the bucket width used to detect concurrent
// access from different devices or networks.
const SimultaneousWindow = 5 * time.Minute

// SharingThreshold is the confidence above which an assessment is
// flagged as credential sharing.
const SharingThreshold = 0.6

// Confidence weights. Accumulation is additive and capped at 1.0. The
// scoring deliberately over-approximates: a false positive costs one
// warning, silent sharing costs revenue.
const (
	weightTooManySessions = 0.5
	weightManyDevices     = 0.3
	weightManyIPs         = 0.2
	weightSimultaneous    = 0.4
	weightManyBrowsers    = 0.2
	weightManyOS          = 0.3
	weightSuspiciousMatch = 0.6
)

// Scorer aggregates session diversity, simultaneous-access windows,
// and device-similarity clusters into a sharing confidence.
type Scorer struct {
	maxActiveSessions   int
	similarityThreshold float64
	buckets             *bucketing.Manager
}

func NewScorer(maxActiveSessions int, similarityThreshold float64, buckets *bucketing.Manager) *Scorer {
	return &Scorer{
		maxActiveSessions:   maxActiveSessions,
		similarityThreshold: similarityThreshold,
		buckets:             buckets,
	}
}

// MaxActiveSessions returns the allowed concurrent session count.
func (s *Scorer) MaxActiveSessions() int {
	return s.maxActiveSessions
}

// Score evaluates the sessions of one user and produces a sharing
// assessment. Sessions outside the 24h activity window are ignored.
func (s *Scorer) Score(userID, currentDeviceID string, sessions []models.SessionRecord, now time.Time) *models.SharingAssessment {
	active := make([]models.SessionRecord, 0, len(sessions))
	for _, rec := range sessions {
		if rec.IsActive(now) {
			active = append(active, rec)
		}
	}

	var currentIP string
	devices := make(map[string]struct{})
	ips := make(map[string]struct{})
	browsers := make(map[string]struct{})
	oses := make(map[string]struct{})
	for _, rec := range active {
		if rec.DeviceID == currentDeviceID {
			currentIP = rec.IPAddress
		}
		devices[rec.DeviceID] = struct{}{}
		if rec.IPAddress != "" {
			ips[rec.IPAddress] = struct{}{}
		}
		if rec.UserAgent != "" {
			browsers[similarity.BrowserFamily(rec.UserAgent)] = struct{}{}
			oses[similarity.OSFamily(rec.UserAgent)] = struct{}{}
		}
	}

	simultaneous := s.countSimultaneousWindows(active)
	suspicious := s.suspiciousDevices(active, currentDeviceID)

	var confidence float64
	var reasons []string

	if len(active) > s.maxActiveSessions {
		confidence += weightTooManySessions
		reasons = append(reasons, fmt.Sprintf("Too many active sessions (%d/%d)", len(active), s.maxActiveSessions))
	}
	if len(devices) > 2 {
		confidence += weightManyDevices
		reasons = append(reasons, fmt.Sprintf("Multiple devices detected (%d)", len(devices)))
	}
	if len(ips) > 2 {
		confidence += weightManyIPs
		reasons = append(reasons, fmt.Sprintf("Multiple IP addresses (%d)", len(ips)))
	}
	if simultaneous > 0 {
		confidence += weightSimultaneous
		reasons = append(reasons, fmt.Sprintf("Simultaneous access windows (%d)", simultaneous))
	}
	if len(browsers) > 2 {
		confidence += weightManyBrowsers
		reasons = append(reasons, fmt.Sprintf("Multiple browsers (%d)", len(browsers)))
	}
	if len(oses) > 2 {
		confidence += weightManyOS
		reasons = append(reasons, fmt.Sprintf("Multiple operating systems (%d)", len(oses)))
	}
	if len(suspicious) > 0 {
		confidence += weightSuspiciousMatch
		reasons = append(reasons, fmt.Sprintf("Similar fingerprints across devices (%d)", len(suspicious)))
	}

	if confidence > 1.0 {
		confidence = 1.0
	}

	return &models.SharingAssessment{
		UserID:              userID,
		CurrentDeviceID:     currentDeviceID,
		CurrentIPAddress:    currentIP,
		IsSharing:           confidence > SharingThreshold || len(active) > s.maxActiveSessions,
		Confidence:          confidence,
		Reason:              strings.Join(reasons, ", "),
		ActiveSessionCount:  len(active),
		SuspiciousDeviceIDs: suspicious,
	}
}

// countSimultaneousWindows partitions activity into 5-minute buckets
// and counts buckets touched by more than one device or more than one
// IP.
func (s *Scorer) countSimultaneousWindows(active []models.SessionRecord) int {
	type window struct {
		devices map[string]struct{}
		ips     map[string]struct{}
	}

	windows := make(map[int64]*window)
	for _, rec := range active {
		key := s.buckets.TimeBucket(rec.LastActiveAt, SimultaneousWindow)
		w, ok := windows[key]
		if !ok {
			w = &window{devices: make(map[string]struct{}), ips: make(map[string]struct{})}
			windows[key] = w
		}
		w.devices[rec.DeviceID] = struct{}{}
		if rec.IPAddress != "" {
			w.ips[rec.IPAddress] = struct{}{}
		}
	}

	count := 0
	for _, w := range windows {
		if len(w.devices) > 1 || len(w.ips) > 1 {
			count++
		}
	}
	return count
}

// suspiciousDevices clusters sessions by device similarity and flags
// clusters spanning a device other than the one making the current
// request: either several real devices sharing credentials, or one
// device spoofing its identifier.
func (s *Scorer) suspiciousDevices(active []models.SessionRecord, currentDeviceID string) []string {
	clusters := similarity.Cluster(active, s.similarityThreshold)

	flagged := make(map[string]struct{})
	for _, cluster := range clusters {
		if len(cluster) < 2 {
			continue
		}
		foreign := false
		for i := range cluster {
			if cluster[i].DeviceID != currentDeviceID {
				foreign = true
				break
			}
		}
		if !foreign {
			continue
		}
		for i := range cluster {
			flagged[cluster[i].DeviceID] = struct{}{}
		}
	}

	if len(flagged) == 0 {
		return nil
	}
	ids := make([]string, 0, len(flagged))
	for id := range flagged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
