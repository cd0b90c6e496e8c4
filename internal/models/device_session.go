package models

import (
	"time"

	"github.com/google/uuid"
)

// DeviceSession records a device that recently completed a biometric
// authentication. Each account keeps a short, deduplicated history.
type DeviceSession struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	Fingerprint string    `json:"fingerprint"`
	Platform    string    `json:"platform"`
	UserAgent   string    `json:"user_agent,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}
