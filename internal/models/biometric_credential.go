package models

import (
	"time"

	"github.com/google/uuid"
)

// CredentialDeviceType mirrors the WebAuthn backup-eligibility split:
// a credential is either bound to one authenticator or syncable.
type CredentialDeviceType string

const (
	DeviceTypeSingleDevice CredentialDeviceType = "singleDevice"
	DeviceTypeMultiDevice  CredentialDeviceType = "multiDevice"
)

// BiometricCredential is the one public-key credential an account may hold.
// Everything except Counter and LastUsedAt is immutable after registration.
type BiometricCredential struct {
	AccountID    uuid.UUID            `json:"account_id"`
	CredentialID []byte               `json:"credential_id"`
	PublicKey    []byte               `json:"public_key"`
	Counter      uint32               `json:"counter"`
	Transports   []string             `json:"transports"`
	DeviceType   CredentialDeviceType `json:"device_type"`
	BackedUp     bool                 `json:"backed_up"`
	RegisteredAt time.Time            `json:"registered_at"`
	LastUsedAt   *time.Time           `json:"last_used_at,omitempty"`
}
