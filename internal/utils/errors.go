package utils

import "errors"

// Domain-level errors used by the service layer to provide
// fine-grained failure reasons.
var (
	// Credential lifecycle
	ErrAlreadyRegistered   = errors.New("already_registered")
	ErrNotRegistered       = errors.New("not_registered")
	ErrUnknownCredential   = errors.New("unknown_credential")
	ErrMalformedCredential = errors.New("malformed_credential")

	// Challenge lifecycle
	ErrInvalidChallenge = errors.New("invalid_challenge")
	ErrChallengeExpired = errors.New("challenge_expired")
	ErrMissingChallenge = errors.New("missing_challenge")

	// Ceremony outcomes
	ErrVerificationFailed = errors.New("verification_failed")
	ErrReplayDetected     = errors.New("replay_detected")

	// Account state
	ErrAccountNotFound = errors.New("account_not_found")
	ErrAccountInactive = errors.New("account_inactive")
)
