package models

import (
	"time"

	"github.com/google/uuid"
)

// RegistrationChallenge is the single pending registration challenge an
// account may hold. Issuing a new one replaces any prior row.
type RegistrationChallenge struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Challenge []byte    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *RegistrationChallenge) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// AuthChallenge is one entry in an account's bounded list of pending
// authentication challenges. A nil AccountID marks a challenge issued
// for a client that presented no usable account hint; those rows are
// later matched by challenge bytes once the credential identifies the
// account.
type AuthChallenge struct {
	ID        uuid.UUID  `json:"id"`
	AccountID *uuid.UUID `json:"account_id,omitempty"`
	Challenge []byte     `json:"challenge"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (c *AuthChallenge) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}
