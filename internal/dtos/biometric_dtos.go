package dtos

import (
	"encoding/json"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
)

// ----------------------
// Requests
// ----------------------

type FinishRegistrationRequest struct {
	// Credential is the authenticator's attestation response, passed
	// through verbatim to the verification engine.
	Credential json.RawMessage `json:"credential" validate:"required"`
}

type BeginAuthenticationRequest struct {
	// Email is an optional hint. An unknown or credential-less hint
	// still yields usable options.
	Email string `json:"email" validate:"omitempty,email"`
}

type FinishAuthenticationRequest struct {
	// ChallengeID references the challenge issued at begin. Null for
	// clients answering with a discoverable credential.
	ChallengeID *uuid.UUID      `json:"challenge_id,omitempty"`
	Credential  json.RawMessage `json:"credential" validate:"required"`
}

// ----------------------
// Responses
// ----------------------

type BeginRegistrationResponse struct {
	Options *protocol.CredentialCreation `json:"options"`
}

type FinishRegistrationResponse struct {
	Message      string    `json:"message"`
	DeviceType   string    `json:"device_type"`
	RegisteredAt time.Time `json:"registered_at"`
}

type BeginAuthenticationResponse struct {
	ChallengeID uuid.UUID                     `json:"challenge_id"`
	Options     *protocol.CredentialAssertion `json:"options"`
}

type AccountSummary struct {
	ID          uuid.UUID `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
}

type FinishAuthenticationResponse struct {
	Account      AccountSummary `json:"account"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
}

type BiometricStatusResponse struct {
	Registered   bool       `json:"registered"`
	DeviceType   string     `json:"device_type,omitempty"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

type RemoveCredentialResponse struct {
	Message string `json:"message"`
}

type DeviceSessionSummary struct {
	Fingerprint string    `json:"fingerprint"`
	Platform    string    `json:"platform"`
	UserAgent   string    `json:"user_agent,omitempty"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type RecentDevicesResponse struct {
	Devices []DeviceSessionSummary `json:"devices"`
}
