package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/poofware/biometric-auth-service/internal/config"
	"github.com/poofware/biometric-auth-service/internal/models"
	"github.com/poofware/biometric-auth-service/internal/repositories"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

// DeviceInfo describes the client device completing an authentication,
// for the recent-device history.
type DeviceInfo struct {
	Fingerprint string
	Platform    string
	UserAgent   string
}

// ---------------------------------------------------------------------
// BiometricAuthService interface
// ---------------------------------------------------------------------
type BiometricAuthService interface {
	// BeginRegistration mints registration options for an authenticated
	// account. Replaces any pending registration challenge.
	BeginRegistration(ctx context.Context, accountID uuid.UUID) (*protocol.CredentialCreation, error)

	// FinishRegistration consumes the pending challenge, verifies the
	// attestation response and persists the credential.
	FinishRegistration(ctx context.Context, accountID uuid.UUID, body io.Reader) (*models.BiometricCredential, error)

	// BeginAuthentication mints assertion options. The email hint is
	// optional; when it does not resolve to an account holding a
	// credential, the options carry an empty allow-list so callers
	// cannot probe registration state.
	BeginAuthentication(ctx context.Context, emailHint string) (*protocol.CredentialAssertion, uuid.UUID, error)

	// FinishAuthentication consumes the referenced challenge (or, when
	// challengeID is nil, the matching challenge from the unresolved
	// channel), verifies the assertion, enforces counter monotonicity
	// and returns the authenticated account.
	FinishAuthentication(ctx context.Context, challengeID *uuid.UUID, body io.Reader, device DeviceInfo) (*models.Account, error)

	// RemoveCredential deletes the account's credential and every
	// pending challenge.
	RemoveCredential(ctx context.Context, accountID uuid.UUID) error

	// GetCredential returns the account's credential, or nil when the
	// account holds none.
	GetCredential(ctx context.Context, accountID uuid.UUID) (*models.BiometricCredential, error)

	// RecentDevices returns the account's device history, most recent first.
	RecentDevices(ctx context.Context, accountID uuid.UUID) ([]models.DeviceSession, error)
}

// ---------------------------------------------------------------------
// Implementation
// ---------------------------------------------------------------------
type biometricAuthService struct {
	accountRepo   repositories.AccountRepository
	credRepo      repositories.CredentialRepository
	challengeRepo repositories.ChallengeRepository
	deviceRepo    repositories.DeviceSessionRepository
	tokenRepo     repositories.TokenRepository
	engine        VerificationEngine
	cfg           *config.Config
}

func NewBiometricAuthService(
	accountRepo repositories.AccountRepository,
	credRepo repositories.CredentialRepository,
	challengeRepo repositories.ChallengeRepository,
	deviceRepo repositories.DeviceSessionRepository,
	tokenRepo repositories.TokenRepository,
	engine VerificationEngine,
	cfg *config.Config,
) BiometricAuthService {
	return &biometricAuthService{
		accountRepo:   accountRepo,
		credRepo:      credRepo,
		challengeRepo: challengeRepo,
		deviceRepo:    deviceRepo,
		tokenRepo:     tokenRepo,
		engine:        engine,
		cfg:           cfg,
	}
}

// ---------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------

func (s *biometricAuthService) BeginRegistration(ctx context.Context, accountID uuid.UUID) (*protocol.CredentialCreation, error) {
	account, err := s.activeAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	existing, err := s.credRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if existing != nil {
		return nil, utils.ErrAlreadyRegistered
	}

	options, challenge, err := s.engine.NewRegistrationOptions(account)
	if err != nil {
		return nil, err
	}

	row := &models.RegistrationChallenge{
		ID:        uuid.New(),
		AccountID: accountID,
		Challenge: challenge,
		ExpiresAt: time.Now().Add(s.cfg.RegistrationChallengeTTL),
	}
	if err := s.challengeRepo.PutRegistration(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to store registration challenge: %w", err)
	}

	return options, nil
}

func (s *biometricAuthService) FinishRegistration(ctx context.Context, accountID uuid.UUID, body io.Reader) (*models.BiometricCredential, error) {
	account, err := s.activeAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	parsed, respChallenge, err := s.engine.ParseAttestation(body)
	if err != nil {
		return nil, err
	}

	// Consume before verifying. The challenge is gone from here on, no
	// matter how verification turns out.
	row, err := s.challengeRepo.ConsumeRegistration(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to consume registration challenge: %w", err)
	}
	if row == nil {
		return nil, utils.ErrMissingChallenge
	}
	if row.IsExpired() {
		return nil, utils.ErrChallengeExpired
	}
	if !bytes.Equal(row.Challenge, respChallenge) {
		return nil, utils.ErrInvalidChallenge
	}

	result, err := s.engine.VerifyAttestation(account, row.Challenge, row.ExpiresAt, parsed)
	if err != nil {
		return nil, err
	}

	cred := &models.BiometricCredential{
		AccountID:    accountID,
		CredentialID: result.CredentialID,
		PublicKey:    result.PublicKey,
		Counter:      result.Counter,
		Transports:   result.Transports,
		DeviceType:   result.DeviceType,
		BackedUp:     result.BackedUp,
		RegisteredAt: time.Now(),
	}

	inserted, err := s.credRepo.Create(ctx, cred)
	if err != nil {
		return nil, fmt.Errorf("failed to store credential: %w", err)
	}
	if !inserted {
		// Lost a concurrent registration race, or the credential id is
		// already bound elsewhere.
		return nil, utils.ErrAlreadyRegistered
	}

	utils.Logger.WithFields(logrus.Fields{
		"account_id":  accountID,
		"device_type": cred.DeviceType,
	}).Info("biometric credential registered")

	return cred, nil
}

// ---------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------

func (s *biometricAuthService) BeginAuthentication(ctx context.Context, emailHint string) (*protocol.CredentialAssertion, uuid.UUID, error) {
	var account *models.Account
	var cred *models.BiometricCredential

	if emailHint != "" {
		var err error
		account, err = s.accountRepo.GetByEmail(ctx, emailHint)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("failed to resolve account hint: %w", err)
		}
		if account != nil && account.IsActive() {
			cred, err = s.credRepo.GetByAccountID(ctx, account.ID)
			if err != nil {
				return nil, uuid.Nil, fmt.Errorf("failed to load credential: %w", err)
			}
		}
	}

	row := &models.AuthChallenge{
		ID:        uuid.New(),
		ExpiresAt: time.Now().Add(s.cfg.AuthChallengeTTL),
	}

	var options *protocol.CredentialAssertion
	var challenge []byte
	var err error

	if account != nil && cred != nil {
		options, challenge, err = s.engine.NewAuthenticationOptions(account, cred)
		accountID := account.ID
		row.AccountID = &accountID
	} else {
		// Unresolved hint (unknown account, inactive account, or no
		// credential): identical empty-allow-list options either way,
		// so the response does not reveal registration state.
		options, challenge, err = s.engine.NewDiscoverableOptions()
	}
	if err != nil {
		return nil, uuid.Nil, err
	}
	row.Challenge = challenge

	if err := s.challengeRepo.AppendAuth(ctx, row, s.cfg.MaxPendingAuthChallenges); err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to store authentication challenge: %w", err)
	}

	return options, row.ID, nil
}

func (s *biometricAuthService) FinishAuthentication(ctx context.Context, challengeID *uuid.UUID, body io.Reader, device DeviceInfo) (*models.Account, error) {
	parsed, respChallenge, err := s.engine.ParseAssertion(body)
	if err != nil {
		return nil, err
	}

	row, err := s.consumeAuthChallenge(ctx, challengeID, respChallenge)
	if err != nil {
		return nil, err
	}

	account, err := s.resolveAssertionAccount(ctx, row, parsed.RawID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, utils.ErrAccountInactive
	}

	cred, err := s.credRepo.GetByAccountID(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil || !bytes.Equal(cred.CredentialID, parsed.RawID) {
		return nil, utils.ErrUnknownCredential
	}

	result, err := s.engine.VerifyAssertion(account, cred, row.Challenge, row.ExpiresAt, parsed)
	if err != nil {
		return nil, err
	}

	updated, err := s.credRepo.UpdateCounter(ctx, account.ID, result.NewCounter)
	if err != nil {
		return nil, fmt.Errorf("failed to update signature counter: %w", err)
	}
	if !updated || result.CloneWarning {
		utils.Logger.WithFields(logrus.Fields{
			"account_id":    account.ID,
			"credential_id": fmt.Sprintf("%x", cred.CredentialID),
			"old_counter":   cred.Counter,
			"new_counter":   result.NewCounter,
		}).Warn("signature counter did not advance; possible cloned credential")
		// A cloned credential may already hold a live session. Revoke
		// every refresh token for the account, keeping the rows for audit.
		if err := s.tokenRepo.RevokeAllForAccount(ctx, account.ID); err != nil {
			utils.Logger.WithError(err).Error("failed to revoke sessions after replay detection")
		}
		return nil, utils.ErrReplayDetected
	}

	if device.Fingerprint != "" {
		session := &models.DeviceSession{
			ID:          uuid.New(),
			AccountID:   account.ID,
			Fingerprint: device.Fingerprint,
			Platform:    device.Platform,
			UserAgent:   device.UserAgent,
		}
		if err := s.deviceRepo.Touch(ctx, session, s.cfg.DeviceHistoryMaxEntries); err != nil {
			// History is best-effort; a failed write must not undo a
			// successful authentication.
			utils.Logger.WithError(err).Warn("failed to record device session")
		}
	}

	utils.Logger.WithFields(logrus.Fields{
		"account_id": account.ID,
		"platform":   device.Platform,
	}).Info("biometric authentication succeeded")

	return account, nil
}

// consumeAuthChallenge removes the challenge the response answers.
// Consumption is terminal: even if verification fails afterwards, the
// challenge cannot be presented again.
func (s *biometricAuthService) consumeAuthChallenge(ctx context.Context, challengeID *uuid.UUID, respChallenge []byte) (*models.AuthChallenge, error) {
	if challengeID != nil {
		row, err := s.challengeRepo.ConsumeAuthByID(ctx, *challengeID)
		if err != nil {
			return nil, fmt.Errorf("failed to consume authentication challenge: %w", err)
		}
		if row == nil {
			return nil, utils.ErrMissingChallenge
		}
		if row.IsExpired() {
			return nil, utils.ErrChallengeExpired
		}
		if !bytes.Equal(row.Challenge, respChallenge) {
			return nil, utils.ErrInvalidChallenge
		}
		return row, nil
	}

	row, err := s.challengeRepo.ConsumeAuth(ctx, nil, respChallenge)
	if err != nil {
		return nil, fmt.Errorf("failed to consume authentication challenge: %w", err)
	}
	if row == nil {
		pending, countErr := s.challengeRepo.CountPendingAuth(ctx, nil)
		if countErr != nil {
			return nil, fmt.Errorf("failed to inspect pending challenges: %w", countErr)
		}
		if pending == 0 {
			return nil, utils.ErrMissingChallenge
		}
		return nil, utils.ErrInvalidChallenge
	}
	if row.IsExpired() {
		return nil, utils.ErrChallengeExpired
	}
	return row, nil
}

func (s *biometricAuthService) resolveAssertionAccount(ctx context.Context, row *models.AuthChallenge, credentialID []byte) (*models.Account, error) {
	if row.AccountID != nil {
		account, err := s.accountRepo.GetByID(ctx, *row.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}
		if account == nil {
			return nil, utils.ErrUnknownCredential
		}
		return account, nil
	}

	account, err := s.accountRepo.GetByCredentialID(ctx, credentialID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credential owner: %w", err)
	}
	if account == nil {
		return nil, utils.ErrUnknownCredential
	}
	return account, nil
}

// ---------------------------------------------------------------------
// Removal / status
// ---------------------------------------------------------------------

func (s *biometricAuthService) RemoveCredential(ctx context.Context, accountID uuid.UUID) error {
	if _, err := s.activeAccount(ctx, accountID); err != nil {
		return err
	}

	deleted, err := s.credRepo.Delete(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if !deleted {
		return utils.ErrNotRegistered
	}

	if err := s.challengeRepo.DeleteAllForAccount(ctx, accountID); err != nil {
		return fmt.Errorf("failed to clear pending challenges: %w", err)
	}
	if err := s.deviceRepo.DeleteAllForAccount(ctx, accountID); err != nil {
		utils.Logger.WithError(err).Warn("failed to clear device history on credential removal")
	}

	utils.Logger.WithFields(logrus.Fields{
		"account_id": accountID,
	}).Info("biometric credential removed")

	return nil
}

func (s *biometricAuthService) GetCredential(ctx context.Context, accountID uuid.UUID) (*models.BiometricCredential, error) {
	if _, err := s.activeAccount(ctx, accountID); err != nil {
		return nil, err
	}
	cred, err := s.credRepo.GetByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return cred, nil
}

func (s *biometricAuthService) RecentDevices(ctx context.Context, accountID uuid.UUID) ([]models.DeviceSession, error) {
	if _, err := s.activeAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.deviceRepo.ListByAccount(ctx, accountID)
}

func (s *biometricAuthService) activeAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account == nil {
		return nil, utils.ErrAccountNotFound
	}
	if !account.IsActive() {
		return nil, utils.ErrAccountInactive
	}
	return account, nil
}
