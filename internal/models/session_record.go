package models

import "time"

// SessionTimeout is the rolling window after which a session is
// considered expired without explicit termination.
const SessionTimeout = 24 * time.Hour

// DeviceFingerprint is the bag of browser/OS/hardware attributes a
// client reports about itself. All fields are optional; Extra preserves
// attributes the service does not yet understand.
type DeviceFingerprint struct {
	Browser          string            `json:"browser,omitempty"`
	OS               string            `json:"os,omitempty"`
	ScreenResolution string            `json:"screen_resolution,omitempty"`
	Timezone         string            `json:"timezone,omitempty"`
	Language         string            `json:"language,omitempty"`
	Platform         string            `json:"platform,omitempty"`
	CanvasHash       string            `json:"canvas_hash,omitempty"`
	WebGLHash        string            `json:"webgl_hash,omitempty"`
	CPUCores         int               `json:"cpu_cores,omitempty"`
	Extra            map[string]string `json:"extra,omitempty"`
}

// SessionRecord is one observed access event for a (user, device) pair.
type SessionRecord struct {
	UserID       string             `json:"user_id"`
	SessionID    string             `json:"session_id"`
	DeviceID     string             `json:"device_id"`
	IPAddress    string             `json:"ip_address"`
	UserAgent    string             `json:"user_agent"`
	Fingerprint  *DeviceFingerprint `json:"fingerprint,omitempty"`
	LastActiveAt time.Time          `json:"last_active_at"`
}

// IsActive reports whether the session has seen activity within the
// session timeout window.
func (r *SessionRecord) IsActive(now time.Time) bool {
	return now.Sub(r.LastActiveAt) <= SessionTimeout
}
