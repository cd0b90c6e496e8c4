package services

import (
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/poofware/biometric-auth-service/internal/config"
	"github.com/poofware/biometric-auth-service/internal/models"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

// RegistrationResult is the typed outcome of a verified attestation.
type RegistrationResult struct {
	CredentialID []byte
	PublicKey    []byte
	Counter      uint32
	Transports   []string
	DeviceType   models.CredentialDeviceType
	BackedUp     bool
}

// AssertionResult is the typed outcome of a verified assertion.
type AssertionResult struct {
	NewCounter   uint32
	CloneWarning bool
}

// VerificationEngine is the boundary around the WebAuthn library. All
// ceremony option shapes, challenge minting and cryptographic checks
// live behind it; the rest of the service only sees byte slices and
// the two result types above.
type VerificationEngine interface {
	// NewRegistrationOptions mints registration options for the account
	// and returns them with the raw challenge bytes to persist.
	NewRegistrationOptions(account *models.Account) (*protocol.CredentialCreation, []byte, error)

	// NewAuthenticationOptions mints assertion options scoped to the
	// account's credential.
	NewAuthenticationOptions(account *models.Account, cred *models.BiometricCredential) (*protocol.CredentialAssertion, []byte, error)

	// NewDiscoverableOptions mints assertion options with an empty
	// allow-list, for clients the server could not resolve to an account.
	NewDiscoverableOptions() (*protocol.CredentialAssertion, []byte, error)

	// ParseAttestation decodes a client attestation response and returns
	// it together with the challenge bytes the client signed over.
	ParseAttestation(body io.Reader) (*protocol.ParsedCredentialCreationData, []byte, error)

	// ParseAssertion decodes a client assertion response and returns it
	// together with the challenge bytes the client signed over.
	ParseAssertion(body io.Reader) (*protocol.ParsedCredentialAssertionData, []byte, error)

	// VerifyAttestation validates the attestation against the stored
	// challenge and returns the credential material to persist.
	VerifyAttestation(account *models.Account, challenge []byte, expiresAt time.Time, parsed *protocol.ParsedCredentialCreationData) (*RegistrationResult, error)

	// VerifyAssertion validates the assertion against the stored
	// challenge and the account's credential.
	VerifyAssertion(account *models.Account, cred *models.BiometricCredential, challenge []byte, expiresAt time.Time, parsed *protocol.ParsedCredentialAssertionData) (*AssertionResult, error)
}

type verificationEngine struct {
	wa *webauthn.WebAuthn
	uv protocol.UserVerificationRequirement
}

func NewVerificationEngine(cfg *config.Config) (VerificationEngine, error) {
	uv := protocol.UserVerificationRequirement(cfg.UserVerification)

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     cfg.RPOrigins,
		// Attestation stays at "none"; the trust model relies on the
		// challenge ceremony, not on authenticator provenance.
		AttestationPreference: protocol.PreferNoAttestation,
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: uv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webauthn instance: %w", err)
	}

	return &verificationEngine{wa: wa, uv: uv}, nil
}

func (e *verificationEngine) NewRegistrationOptions(account *models.Account) (*protocol.CredentialCreation, []byte, error) {
	user := &ceremonyUser{account: account}
	options, _, err := e.wa.BeginRegistration(user)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build registration options: %w", err)
	}
	return options, options.Response.Challenge, nil
}

func (e *verificationEngine) NewAuthenticationOptions(account *models.Account, cred *models.BiometricCredential) (*protocol.CredentialAssertion, []byte, error) {
	user := &ceremonyUser{account: account, creds: []webauthn.Credential{toLibraryCredential(cred)}}
	options, _, err := e.wa.BeginLogin(user)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build authentication options: %w", err)
	}
	return options, options.Response.Challenge, nil
}

func (e *verificationEngine) NewDiscoverableOptions() (*protocol.CredentialAssertion, []byte, error) {
	options, _, err := e.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build discoverable authentication options: %w", err)
	}
	return options, options.Response.Challenge, nil
}

func (e *verificationEngine) ParseAttestation(body io.Reader) (*protocol.ParsedCredentialCreationData, []byte, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", utils.ErrMalformedCredential, err)
	}
	challenge, err := decodeClientChallenge(parsed.Response.CollectedClientData.Challenge)
	if err != nil {
		return nil, nil, err
	}
	return parsed, challenge, nil
}

func (e *verificationEngine) ParseAssertion(body io.Reader) (*protocol.ParsedCredentialAssertionData, []byte, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", utils.ErrMalformedCredential, err)
	}
	challenge, err := decodeClientChallenge(parsed.Response.CollectedClientData.Challenge)
	if err != nil {
		return nil, nil, err
	}
	return parsed, challenge, nil
}

func (e *verificationEngine) VerifyAttestation(
	account *models.Account,
	challenge []byte,
	expiresAt time.Time,
	parsed *protocol.ParsedCredentialCreationData,
) (*RegistrationResult, error) {
	user := &ceremonyUser{account: account}
	session := e.sessionFor(user, challenge, expiresAt)

	credential, err := e.wa.CreateCredential(user, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrVerificationFailed, err)
	}

	if len(credential.ID) == 0 || len(credential.PublicKey) == 0 {
		return nil, utils.ErrMalformedCredential
	}

	deviceType := models.DeviceTypeSingleDevice
	if credential.Flags.BackupEligible {
		deviceType = models.DeviceTypeMultiDevice
	}

	transports := make([]string, len(credential.Transport))
	for i, t := range credential.Transport {
		transports[i] = string(t)
	}

	return &RegistrationResult{
		CredentialID: credential.ID,
		PublicKey:    credential.PublicKey,
		Counter:      credential.Authenticator.SignCount,
		Transports:   transports,
		DeviceType:   deviceType,
		BackedUp:     credential.Flags.BackupState,
	}, nil
}

func (e *verificationEngine) VerifyAssertion(
	account *models.Account,
	cred *models.BiometricCredential,
	challenge []byte,
	expiresAt time.Time,
	parsed *protocol.ParsedCredentialAssertionData,
) (*AssertionResult, error) {
	user := &ceremonyUser{account: account, creds: []webauthn.Credential{toLibraryCredential(cred)}}
	session := e.sessionFor(user, challenge, expiresAt)

	credential, err := e.wa.ValidateLogin(user, session, parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrVerificationFailed, err)
	}

	return &AssertionResult{
		NewCounter:   credential.Authenticator.SignCount,
		CloneWarning: credential.Authenticator.CloneWarning,
	}, nil
}

// sessionFor reconstructs the ceremony session from the persisted
// challenge bytes. CredParams must carry the parameter set issued at
// begin, since attestation verification matches the credential's
// algorithm against it; the engine never customizes the defaults.
func (e *verificationEngine) sessionFor(user *ceremonyUser, challenge []byte, expiresAt time.Time) webauthn.SessionData {
	return webauthn.SessionData{
		Challenge:        base64.RawURLEncoding.EncodeToString(challenge),
		UserID:           user.WebAuthnID(),
		Expires:          expiresAt,
		UserVerification: e.uv,
		CredParams:       webauthn.CredentialParametersDefault(),
	}
}

func decodeClientChallenge(raw string) ([]byte, error) {
	challenge, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable challenge in client data", utils.ErrMalformedCredential)
	}
	return challenge, nil
}

func toLibraryCredential(c *models.BiometricCredential) webauthn.Credential {
	transports := make([]protocol.AuthenticatorTransport, len(c.Transports))
	for i, t := range c.Transports {
		transports[i] = protocol.AuthenticatorTransport(t)
	}
	return webauthn.Credential{
		ID:        c.CredentialID,
		PublicKey: c.PublicKey,
		Transport: transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: c.DeviceType == models.DeviceTypeMultiDevice,
			BackupState:    c.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: c.Counter,
		},
	}
}

// ceremonyUser adapts an account (and optionally its credential) to the
// webauthn.User interface for the duration of one ceremony.
type ceremonyUser struct {
	account *models.Account
	creds   []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte                         { return u.account.ID[:] }
func (u *ceremonyUser) WebAuthnName() string                       { return u.account.Email }
func (u *ceremonyUser) WebAuthnDisplayName() string                { return u.account.DisplayName }
func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential { return u.creds }
