package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poofware/biometric-auth-service/internal/config"
	"github.com/poofware/biometric-auth-service/internal/models"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

// ------------------------------------------------------------
// In-memory repository fakes
// ------------------------------------------------------------

type fakeAccountRepo struct {
	accounts map[uuid.UUID]*models.Account
	creds    *fakeCredentialRepo
}

func (f *fakeAccountRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (f *fakeAccountRepo) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	for _, a := range f.accounts {
		if strings.EqualFold(a.Email, email) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAccountRepo) GetByCredentialID(_ context.Context, credentialID []byte) (*models.Account, error) {
	for accountID, c := range f.creds.creds {
		if bytes.Equal(c.CredentialID, credentialID) {
			a, ok := f.accounts[accountID]
			if !ok {
				return nil, nil
			}
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

type fakeCredentialRepo struct {
	creds map[uuid.UUID]*models.BiometricCredential
}

func (f *fakeCredentialRepo) Create(_ context.Context, c *models.BiometricCredential) (bool, error) {
	if _, exists := f.creds[c.AccountID]; exists {
		return false, nil
	}
	for _, other := range f.creds {
		if bytes.Equal(other.CredentialID, c.CredentialID) {
			return false, nil
		}
	}
	cp := *c
	f.creds[c.AccountID] = &cp
	return true, nil
}

func (f *fakeCredentialRepo) GetByAccountID(_ context.Context, accountID uuid.UUID) (*models.BiometricCredential, error) {
	c, ok := f.creds[accountID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCredentialRepo) UpdateCounter(_ context.Context, accountID uuid.UUID, newCounter uint32) (bool, error) {
	c, ok := f.creds[accountID]
	if !ok {
		return false, nil
	}
	if newCounter > c.Counter || (c.Counter == 0 && newCounter == 0) {
		now := time.Now()
		c.Counter = newCounter
		c.LastUsedAt = &now
		return true, nil
	}
	return false, nil
}

func (f *fakeCredentialRepo) Delete(_ context.Context, accountID uuid.UUID) (bool, error) {
	if _, ok := f.creds[accountID]; !ok {
		return false, nil
	}
	delete(f.creds, accountID)
	return true, nil
}

type fakeChallengeRepo struct {
	reg  map[uuid.UUID]*models.RegistrationChallenge
	auth []*models.AuthChallenge
	seq  int
}

func sameChannel(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (f *fakeChallengeRepo) PutRegistration(_ context.Context, c *models.RegistrationChallenge) error {
	cp := *c
	f.reg[c.AccountID] = &cp
	return nil
}

func (f *fakeChallengeRepo) ConsumeRegistration(_ context.Context, accountID uuid.UUID) (*models.RegistrationChallenge, error) {
	c, ok := f.reg[accountID]
	if !ok {
		return nil, nil
	}
	delete(f.reg, accountID)
	return c, nil
}

func (f *fakeChallengeRepo) AppendAuth(_ context.Context, c *models.AuthChallenge, maxPending int) error {
	kept := f.auth[:0]
	for _, row := range f.auth {
		if sameChannel(row.AccountID, c.AccountID) && row.IsExpired() {
			continue
		}
		kept = append(kept, row)
	}
	f.auth = kept

	if c.AccountID != nil {
		var channel []*models.AuthChallenge
		for _, row := range f.auth {
			if sameChannel(row.AccountID, c.AccountID) {
				channel = append(channel, row)
			}
		}
		sort.Slice(channel, func(i, j int) bool {
			return channel[i].CreatedAt.Before(channel[j].CreatedAt)
		})
		for len(channel) > maxPending-1 {
			oldest := channel[0]
			channel = channel[1:]
			kept = f.auth[:0]
			for _, row := range f.auth {
				if row.ID != oldest.ID {
					kept = append(kept, row)
				}
			}
			f.auth = kept
		}
	}

	f.seq++
	cp := *c
	cp.CreatedAt = time.Now().Add(time.Duration(f.seq) * time.Microsecond)
	f.auth = append(f.auth, &cp)
	return nil
}

func (f *fakeChallengeRepo) ConsumeAuthByID(_ context.Context, id uuid.UUID) (*models.AuthChallenge, error) {
	for i, row := range f.auth {
		if row.ID == id {
			f.auth = append(f.auth[:i], f.auth[i+1:]...)
			return row, nil
		}
	}
	return nil, nil
}

func (f *fakeChallengeRepo) ConsumeAuth(_ context.Context, accountID *uuid.UUID, challenge []byte) (*models.AuthChallenge, error) {
	for i, row := range f.auth {
		if sameChannel(row.AccountID, accountID) && bytes.Equal(row.Challenge, challenge) {
			f.auth = append(f.auth[:i], f.auth[i+1:]...)
			return row, nil
		}
	}
	return nil, nil
}

func (f *fakeChallengeRepo) CountPendingAuth(_ context.Context, accountID *uuid.UUID) (int, error) {
	n := 0
	for _, row := range f.auth {
		if sameChannel(row.AccountID, accountID) {
			n++
		}
	}
	return n, nil
}

func (f *fakeChallengeRepo) DeleteAllForAccount(_ context.Context, accountID uuid.UUID) error {
	delete(f.reg, accountID)
	kept := f.auth[:0]
	for _, row := range f.auth {
		if row.AccountID != nil && *row.AccountID == accountID {
			continue
		}
		kept = append(kept, row)
	}
	f.auth = kept
	return nil
}

func (f *fakeChallengeRepo) CleanupExpired(_ context.Context) error {
	kept := f.auth[:0]
	for _, row := range f.auth {
		if !row.IsExpired() {
			kept = append(kept, row)
		}
	}
	f.auth = kept
	for id, row := range f.reg {
		if row.IsExpired() {
			delete(f.reg, id)
		}
	}
	return nil
}

type fakeDeviceSessionRepo struct {
	sessions []models.DeviceSession
}

func (f *fakeDeviceSessionRepo) Touch(_ context.Context, s *models.DeviceSession, maxEntries int) error {
	now := time.Now()
	for i := range f.sessions {
		if f.sessions[i].AccountID == s.AccountID && f.sessions[i].Fingerprint == s.Fingerprint {
			f.sessions[i].LastSeenAt = now
			return nil
		}
	}
	cp := *s
	cp.LastSeenAt = now
	f.sessions = append(f.sessions, cp)

	var mine []int
	for i := range f.sessions {
		if f.sessions[i].AccountID == s.AccountID {
			mine = append(mine, i)
		}
	}
	if len(mine) > maxEntries {
		oldest := mine[0]
		for _, i := range mine {
			if f.sessions[i].LastSeenAt.Before(f.sessions[oldest].LastSeenAt) {
				oldest = i
			}
		}
		f.sessions = append(f.sessions[:oldest], f.sessions[oldest+1:]...)
	}
	return nil
}

func (f *fakeDeviceSessionRepo) ListByAccount(_ context.Context, accountID uuid.UUID) ([]models.DeviceSession, error) {
	var out []models.DeviceSession
	for _, s := range f.sessions {
		if s.AccountID == accountID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeenAt.After(out[j].LastSeenAt) })
	return out, nil
}

func (f *fakeDeviceSessionRepo) DeleteAllForAccount(_ context.Context, accountID uuid.UUID) error {
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.AccountID != accountID {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
	return nil
}

// ------------------------------------------------------------
// Test environment
// ------------------------------------------------------------

type biometricTestEnv struct {
	cfg        *config.Config
	accounts   *fakeAccountRepo
	creds      *fakeCredentialRepo
	challenges *fakeChallengeRepo
	devices    *fakeDeviceSessionRepo
	tokens     *fakeTokenRepo
	svc        BiometricAuthService
	rp         virtualwebauthn.RelyingParty
}

func newBiometricTestEnv(t *testing.T) *biometricTestEnv {
	t.Helper()

	cfg := &config.Config{
		RPID:                     "example.com",
		RPDisplayName:            "Example Corp",
		RPOrigins:                []string{"https://example.com"},
		UserVerification:         "preferred",
		RegistrationChallengeTTL: 5 * time.Minute,
		AuthChallengeTTL:         2 * time.Minute,
		MaxPendingAuthChallenges: 5,
		DeviceHistoryMaxEntries:  10,
	}

	creds := &fakeCredentialRepo{creds: map[uuid.UUID]*models.BiometricCredential{}}
	accounts := &fakeAccountRepo{accounts: map[uuid.UUID]*models.Account{}, creds: creds}
	challenges := &fakeChallengeRepo{reg: map[uuid.UUID]*models.RegistrationChallenge{}}
	devices := &fakeDeviceSessionRepo{}
	tokens := newFakeTokenRepo()

	engine, err := NewVerificationEngine(cfg)
	require.NoError(t, err)

	return &biometricTestEnv{
		cfg:        cfg,
		accounts:   accounts,
		creds:      creds,
		challenges: challenges,
		devices:    devices,
		tokens:     tokens,
		svc:        NewBiometricAuthService(accounts, creds, challenges, devices, tokens, engine, cfg),
		rp: virtualwebauthn.RelyingParty{
			Name:   cfg.RPDisplayName,
			ID:     cfg.RPID,
			Origin: cfg.RPOrigins[0],
		},
	}
}

func (env *biometricTestEnv) addAccount(t *testing.T, email string, status models.AccountStatus) *models.Account {
	t.Helper()
	a := &models.Account{
		ID:          uuid.New(),
		Email:       email,
		DisplayName: strings.Split(email, "@")[0],
		Status:      status,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	env.accounts.accounts[a.ID] = a
	return a
}

// registerCredential walks a full registration ceremony for the account
// and returns the virtual authenticator and credential for later logins.
func (env *biometricTestEnv) registerCredential(t *testing.T, accountID uuid.UUID) (*virtualwebauthn.Authenticator, *virtualwebauthn.Credential) {
	t.Helper()
	ctx := context.Background()

	options, err := env.svc.BeginRegistration(ctx, accountID)
	require.NoError(t, err)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)

	attestation := env.attestationFor(t, &authenticator, &credential, options)
	_, err = env.svc.FinishRegistration(ctx, accountID, strings.NewReader(attestation))
	require.NoError(t, err)

	authenticator.AddCredential(credential)
	return &authenticator, &credential
}

func (env *biometricTestEnv) attestationFor(
	t *testing.T,
	authenticator *virtualwebauthn.Authenticator,
	credential *virtualwebauthn.Credential,
	options *protocol.CredentialCreation,
) string {
	t.Helper()
	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	parsed, err := virtualwebauthn.ParseAttestationOptions(string(optionsJSON))
	require.NoError(t, err)
	return virtualwebauthn.CreateAttestationResponse(env.rp, *authenticator, *credential, *parsed)
}

func (env *biometricTestEnv) assertionFor(
	t *testing.T,
	authenticator *virtualwebauthn.Authenticator,
	credential *virtualwebauthn.Credential,
	options *protocol.CredentialAssertion,
) string {
	t.Helper()
	optionsJSON, err := json.Marshal(options.Response)
	require.NoError(t, err)
	parsed, err := virtualwebauthn.ParseAssertionOptions(string(optionsJSON))
	require.NoError(t, err)
	return virtualwebauthn.CreateAssertionResponse(env.rp, *authenticator, *credential, *parsed)
}

var testDevice = DeviceInfo{
	Fingerprint: "fp-test-device",
	Platform:    "android",
	UserAgent:   "integration-test",
}

// ------------------------------------------------------------
// Registration
// ------------------------------------------------------------

func TestRegistrationCeremony(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "reg@example.com", models.AccountStatusActive)

	options, err := env.svc.BeginRegistration(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, options)
	require.GreaterOrEqual(t, len(options.Response.Challenge), 16)
	assert.Equal(t, env.cfg.RPID, options.Response.RelyingParty.ID)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	attestation := env.attestationFor(t, &authenticator, &credential, options)

	cred, err := env.svc.FinishRegistration(ctx, account.ID, strings.NewReader(attestation))
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, account.ID, cred.AccountID)
	assert.NotEmpty(t, cred.CredentialID)
	assert.NotEmpty(t, cred.PublicKey)

	stored, err := env.svc.GetCredential(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, cred.CredentialID, stored.CredentialID)

	t.Run("secondBeginRejected", func(t *testing.T) {
		_, err := env.svc.BeginRegistration(ctx, account.ID)
		require.ErrorIs(t, err, utils.ErrAlreadyRegistered)
	})
}

func TestFinishRegistration_ChallengeSingleUse(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "singleuse@example.com", models.AccountStatusActive)

	options, err := env.svc.BeginRegistration(ctx, account.ID)
	require.NoError(t, err)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	attestation := env.attestationFor(t, &authenticator, &credential, options)

	_, err = env.svc.FinishRegistration(ctx, account.ID, strings.NewReader(attestation))
	require.NoError(t, err)

	// Replaying the very same response finds no pending challenge.
	_, err = env.svc.FinishRegistration(ctx, account.ID, strings.NewReader(attestation))
	require.ErrorIs(t, err, utils.ErrMissingChallenge)
}

func TestFinishRegistration_NoPendingChallenge(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "nochallenge@example.com", models.AccountStatusActive)

	options, err := env.svc.BeginRegistration(ctx, account.ID)
	require.NoError(t, err)

	// The challenge vanished between begin and finish (cleanup, another
	// server, an explicit removal).
	delete(env.challenges.reg, account.ID)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	attestation := env.attestationFor(t, &authenticator, &credential, options)

	_, err = env.svc.FinishRegistration(ctx, account.ID, strings.NewReader(attestation))
	require.ErrorIs(t, err, utils.ErrMissingChallenge)
}

func TestFinishRegistration_ExpiredChallenge(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "expired@example.com", models.AccountStatusActive)

	options, err := env.svc.BeginRegistration(ctx, account.ID)
	require.NoError(t, err)

	env.challenges.reg[account.ID].ExpiresAt = time.Now().Add(-time.Second)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	attestation := env.attestationFor(t, &authenticator, &credential, options)

	_, err = env.svc.FinishRegistration(ctx, account.ID, strings.NewReader(attestation))
	require.ErrorIs(t, err, utils.ErrChallengeExpired)

	// Expired consumption is terminal too: the retry has no challenge.
	_, err = env.svc.FinishRegistration(ctx, account.ID, strings.NewReader(attestation))
	require.ErrorIs(t, err, utils.ErrMissingChallenge)
}

func TestFinishRegistration_MalformedBody(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "malformed@example.com", models.AccountStatusActive)

	_, err := env.svc.BeginRegistration(ctx, account.ID)
	require.NoError(t, err)

	_, err = env.svc.FinishRegistration(ctx, account.ID, strings.NewReader(`{"not":"a credential"}`))
	require.ErrorIs(t, err, utils.ErrMalformedCredential)

	// The parse failure happened before consumption; the pending
	// challenge survives for a well-formed retry.
	require.Contains(t, env.challenges.reg, account.ID)
}

func TestBeginRegistration_InactiveAccount(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "suspended@example.com", models.AccountStatusSuspended)

	_, err := env.svc.BeginRegistration(ctx, account.ID)
	require.ErrorIs(t, err, utils.ErrAccountInactive)

	_, err = env.svc.BeginRegistration(ctx, uuid.New())
	require.ErrorIs(t, err, utils.ErrAccountNotFound)
}

// ------------------------------------------------------------
// Authentication
// ------------------------------------------------------------

func TestAuthenticationCeremony_WithHint(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "login@example.com", models.AccountStatusActive)
	authenticator, credential := env.registerCredential(t, account.ID)

	options, challengeID, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, challengeID)
	require.Len(t, options.Response.AllowedCredentials, 1)

	// Authenticators without a usable counter report zero forever; the
	// first login must still pass.
	assertion := env.assertionFor(t, authenticator, credential, options)
	got, err := env.svc.FinishAuthentication(ctx, &challengeID, strings.NewReader(assertion), testDevice)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, account.ID, got.ID)

	sessions, err := env.svc.RecentDevices(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, testDevice.Fingerprint, sessions[0].Fingerprint)

	t.Run("challengeIsSingleUse", func(t *testing.T) {
		_, err := env.svc.FinishAuthentication(ctx, &challengeID, strings.NewReader(assertion), testDevice)
		require.ErrorIs(t, err, utils.ErrMissingChallenge)
	})
}

func TestAuthentication_DeviceHistory(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "devices@example.com", models.AccountStatusActive)
	authenticator, credential := env.registerCredential(t, account.ID)

	login := func(device DeviceInfo) {
		t.Helper()
		credential.Counter++
		options, challengeID, err := env.svc.BeginAuthentication(ctx, account.Email)
		require.NoError(t, err)
		assertion := env.assertionFor(t, authenticator, credential, options)
		_, err = env.svc.FinishAuthentication(ctx, &challengeID, strings.NewReader(assertion), device)
		require.NoError(t, err)
	}

	deviceN := func(i int) DeviceInfo {
		return DeviceInfo{
			Fingerprint: fmt.Sprintf("fp-device-%02d", i),
			Platform:    "android",
			UserAgent:   "integration-test",
		}
	}

	// Twelve distinct devices against a ten-entry history.
	for i := 0; i < 12; i++ {
		login(deviceN(i))
	}

	sessions, err := env.svc.RecentDevices(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, sessions, env.cfg.DeviceHistoryMaxEntries)

	// Most recent first; the two oldest sightings were trimmed.
	assert.Equal(t, deviceN(11).Fingerprint, sessions[0].Fingerprint)
	seen := map[string]bool{}
	for _, s := range sessions {
		seen[s.Fingerprint] = true
	}
	assert.False(t, seen[deviceN(0).Fingerprint])
	assert.False(t, seen[deviceN(1).Fingerprint])

	t.Run("repeatSightingRefreshesEntry", func(t *testing.T) {
		login(deviceN(5))

		sessions, err := env.svc.RecentDevices(ctx, account.ID)
		require.NoError(t, err)
		require.Len(t, sessions, env.cfg.DeviceHistoryMaxEntries)
		assert.Equal(t, deviceN(5).Fingerprint, sessions[0].Fingerprint)

		count := 0
		for _, s := range sessions {
			if s.Fingerprint == deviceN(5).Fingerprint {
				count++
			}
		}
		assert.Equal(t, 1, count, "repeat device must not duplicate its entry")
	})
}

func TestAuthentication_CounterReplay(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "replay@example.com", models.AccountStatusActive)
	authenticator, credential := env.registerCredential(t, account.ID)

	// A session issued before the replay, to verify it gets revoked.
	liveToken := &models.RefreshToken{
		ID:        uuid.New(),
		AccountID: account.ID,
		Token:     "live-refresh-token",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, env.tokens.CreateRefreshToken(ctx, liveToken))

	// First login with an advancing counter lands normally.
	credential.Counter++
	options, challengeID, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)
	assertion := env.assertionFor(t, authenticator, credential, options)
	_, err = env.svc.FinishAuthentication(ctx, &challengeID, strings.NewReader(assertion), testDevice)
	require.NoError(t, err)

	// A second login that presents the same counter value is a cloned
	// credential signal.
	options, challengeID, err = env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)
	assertion = env.assertionFor(t, authenticator, credential, options)
	_, err = env.svc.FinishAuthentication(ctx, &challengeID, strings.NewReader(assertion), testDevice)
	require.ErrorIs(t, err, utils.ErrReplayDetected)

	// The stored counter did not move.
	stored, err := env.creds.GetByAccountID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.Counter)

	// Replay detection revokes every session of the account.
	revoked, err := env.tokens.GetRefreshToken(ctx, "live-refresh-token")
	require.NoError(t, err)
	require.NotNil(t, revoked)
	assert.True(t, revoked.Revoked)
}

func TestAuthentication_ChallengeMismatch(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "mismatch@example.com", models.AccountStatusActive)
	authenticator, credential := env.registerCredential(t, account.ID)

	optionsA, _, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)
	_, challengeB, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)

	// Answer challenge A but reference challenge B.
	credential.Counter++
	assertion := env.assertionFor(t, authenticator, credential, optionsA)
	_, err = env.svc.FinishAuthentication(ctx, &challengeB, strings.NewReader(assertion), testDevice)
	require.ErrorIs(t, err, utils.ErrInvalidChallenge)
}

func TestAuthentication_ExpiredChallenge(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "authexpired@example.com", models.AccountStatusActive)
	authenticator, credential := env.registerCredential(t, account.ID)

	options, challengeID, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)

	for _, row := range env.challenges.auth {
		if row.ID == challengeID {
			row.ExpiresAt = time.Now().Add(-time.Second)
		}
	}

	credential.Counter++
	assertion := env.assertionFor(t, authenticator, credential, options)
	_, err = env.svc.FinishAuthentication(ctx, &challengeID, strings.NewReader(assertion), testDevice)
	require.ErrorIs(t, err, utils.ErrChallengeExpired)
}

func TestAuthentication_Discoverable(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "passkey@example.com", models.AccountStatusActive)
	_, credential := env.registerCredential(t, account.ID)

	// No hint at all: the challenge lands in the channel for
	// unresolved clients.
	options, _, err := env.svc.BeginAuthentication(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, options.Response.AllowedCredentials)

	discoverableAuth := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: account.ID[:],
	})
	discoverableAuth.AddCredential(*credential)

	credential.Counter++
	assertion := env.assertionFor(t, &discoverableAuth, credential, options)

	// The client never learned a challenge id; the server matches by
	// challenge bytes.
	got, err := env.svc.FinishAuthentication(ctx, nil, strings.NewReader(assertion), testDevice)
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)
}

func TestAuthentication_UnknownCredential(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()

	// The hint resolves to a real account that holds no credential.
	// Options look exactly like the unresolved case, and the finish
	// must fail.
	account := env.addAccount(t, "nocred@example.com", models.AccountStatusActive)

	options, _, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)
	assert.Empty(t, options.Response.AllowedCredentials)

	strangerAuth := virtualwebauthn.NewAuthenticatorWithOptions(virtualwebauthn.AuthenticatorOptions{
		UserHandle: account.ID[:],
	})
	strangerCred := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	strangerAuth.AddCredential(strangerCred)

	assertion := env.assertionFor(t, &strangerAuth, &strangerCred, options)
	_, err = env.svc.FinishAuthentication(ctx, nil, strings.NewReader(assertion), testDevice)
	require.ErrorIs(t, err, utils.ErrUnknownCredential)
}

func TestAuthentication_MissingChallenge(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "stale@example.com", models.AccountStatusActive)
	authenticator, credential := env.registerCredential(t, account.ID)

	options, _, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)

	credential.Counter++
	assertion := env.assertionFor(t, authenticator, credential, options)

	// The response references no challenge id, and the unresolved
	// channel is empty: there is nothing to fall back to.
	_, err = env.svc.FinishAuthentication(ctx, nil, strings.NewReader(assertion), testDevice)
	require.ErrorIs(t, err, utils.ErrMissingChallenge)

	// With an unrelated challenge pending in the unresolved channel the
	// same response is a mismatch instead.
	_, _, err = env.svc.BeginAuthentication(ctx, "")
	require.NoError(t, err)
	_, err = env.svc.FinishAuthentication(ctx, nil, strings.NewReader(assertion), testDevice)
	require.ErrorIs(t, err, utils.ErrInvalidChallenge)
}

func TestAuthentication_InactiveAccount(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "frozen@example.com", models.AccountStatusActive)
	authenticator, credential := env.registerCredential(t, account.ID)

	options, challengeID, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)

	env.accounts.accounts[account.ID].Status = models.AccountStatusSuspended

	credential.Counter++
	assertion := env.assertionFor(t, authenticator, credential, options)
	_, err = env.svc.FinishAuthentication(ctx, &challengeID, strings.NewReader(assertion), testDevice)
	require.ErrorIs(t, err, utils.ErrAccountInactive)
}

func TestBeginAuthentication_PendingListBounded(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "impatient@example.com", models.AccountStatusActive)
	env.registerCredential(t, account.ID)

	var ids []uuid.UUID
	for i := 0; i < env.cfg.MaxPendingAuthChallenges+2; i++ {
		_, id, err := env.svc.BeginAuthentication(ctx, account.Email)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	pending, err := env.challenges.CountPendingAuth(ctx, &account.ID)
	require.NoError(t, err)
	assert.Equal(t, env.cfg.MaxPendingAuthChallenges, pending)

	// The oldest issuances were evicted, the newest survive.
	evicted, err := env.challenges.ConsumeAuthByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Nil(t, evicted)
	newest, err := env.challenges.ConsumeAuthByID(ctx, ids[len(ids)-1])
	require.NoError(t, err)
	assert.NotNil(t, newest)
}

// ------------------------------------------------------------
// Removal / status
// ------------------------------------------------------------

func TestRemoveCredential(t *testing.T) {
	env := newBiometricTestEnv(t)
	ctx := context.Background()
	account := env.addAccount(t, "remove@example.com", models.AccountStatusActive)
	env.registerCredential(t, account.ID)

	_, _, err := env.svc.BeginAuthentication(ctx, account.Email)
	require.NoError(t, err)

	require.NoError(t, env.svc.RemoveCredential(ctx, account.ID))

	cred, err := env.svc.GetCredential(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, cred)

	pending, err := env.challenges.CountPendingAuth(ctx, &account.ID)
	require.NoError(t, err)
	assert.Zero(t, pending)

	t.Run("secondRemovalFails", func(t *testing.T) {
		err := env.svc.RemoveCredential(ctx, account.ID)
		require.ErrorIs(t, err, utils.ErrNotRegistered)
	})

	t.Run("registrationPossibleAgain", func(t *testing.T) {
		_, err := env.svc.BeginRegistration(ctx, account.ID)
		require.NoError(t, err)
	})
}
