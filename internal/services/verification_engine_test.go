package services

import (
	"strings"
	"testing"
	"time"

	"github.com/descope/virtualwebauthn"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poofware/biometric-auth-service/internal/config"
	"github.com/poofware/biometric-auth-service/internal/models"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

func newTestEngine(t *testing.T) VerificationEngine {
	t.Helper()
	engine, err := NewVerificationEngine(&config.Config{
		RPID:             "example.com",
		RPDisplayName:    "Example Corp",
		RPOrigins:        []string{"https://example.com"},
		UserVerification: "preferred",
	})
	require.NoError(t, err)
	return engine
}

func engineTestAccount() *models.Account {
	return &models.Account{
		ID:          uuid.New(),
		Email:       "engine@example.com",
		DisplayName: "Engine Test",
		Status:      models.AccountStatusActive,
	}
}

func TestNewRegistrationOptions(t *testing.T) {
	engine := newTestEngine(t)
	account := engineTestAccount()

	options, challenge, err := engine.NewRegistrationOptions(account)
	require.NoError(t, err)
	require.NotNil(t, options)

	assert.GreaterOrEqual(t, len(challenge), 16)
	assert.Equal(t, []byte(options.Response.Challenge), challenge)
	assert.Equal(t, "example.com", options.Response.RelyingParty.ID)
	assert.Equal(t, "engine@example.com", options.Response.User.Name)
	assert.Equal(t, "Engine Test", options.Response.User.DisplayName)
}

func TestChallengesAreUnique(t *testing.T) {
	engine := newTestEngine(t)
	account := engineTestAccount()

	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		_, challenge, err := engine.NewRegistrationOptions(account)
		require.NoError(t, err)
		key := string(challenge)
		require.False(t, seen[key], "challenge repeated")
		seen[key] = true
	}
}

func TestNewDiscoverableOptions(t *testing.T) {
	engine := newTestEngine(t)

	options, challenge, err := engine.NewDiscoverableOptions()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(challenge), 16)
	assert.Empty(t, options.Response.AllowedCredentials)
}

func TestNewAuthenticationOptions_ScopedToCredential(t *testing.T) {
	engine := newTestEngine(t)
	account := engineTestAccount()
	cred := &models.BiometricCredential{
		AccountID:    account.ID,
		CredentialID: []byte("credential-id-bytes"),
		PublicKey:    []byte("public-key-bytes"),
	}

	options, _, err := engine.NewAuthenticationOptions(account, cred)
	require.NoError(t, err)
	require.Len(t, options.Response.AllowedCredentials, 1)
	assert.Equal(t, cred.CredentialID, []byte(options.Response.AllowedCredentials[0].CredentialID))
}

func TestParseAttestation_Malformed(t *testing.T) {
	engine := newTestEngine(t)

	_, _, err := engine.ParseAttestation(strings.NewReader("not json at all"))
	require.ErrorIs(t, err, utils.ErrMalformedCredential)

	_, _, err = engine.ParseAttestation(strings.NewReader(`{"id":""}`))
	require.ErrorIs(t, err, utils.ErrMalformedCredential)
}

func TestParseAssertion_Malformed(t *testing.T) {
	engine := newTestEngine(t)

	_, _, err := engine.ParseAssertion(strings.NewReader(`{"type":"public-key"}`))
	require.ErrorIs(t, err, utils.ErrMalformedCredential)
}

// The reconstructed session must carry the credential parameters the
// begin step advertised, or no attestation algorithm ever matches.
func TestVerifyAttestation_AcceptsDefaultAlgorithms(t *testing.T) {
	env := newBiometricTestEnv(t)

	for name, keyType := range map[string]virtualwebauthn.KeyType{
		"ec2": virtualwebauthn.KeyTypeEC2,
		"rsa": virtualwebauthn.KeyTypeRSA,
	} {
		t.Run(name, func(t *testing.T) {
			engine := newTestEngine(t)
			account := engineTestAccount()
			options, challenge, err := engine.NewRegistrationOptions(account)
			require.NoError(t, err)

			authenticator := virtualwebauthn.NewAuthenticator()
			credential := virtualwebauthn.NewCredential(keyType)
			attestation := env.attestationFor(t, &authenticator, &credential, options)

			parsed, _, err := engine.ParseAttestation(strings.NewReader(attestation))
			require.NoError(t, err)

			result, err := engine.VerifyAttestation(account, challenge, time.Now().Add(time.Minute), parsed)
			require.NoError(t, err)
			assert.NotEmpty(t, result.CredentialID)
			assert.NotEmpty(t, result.PublicKey)
		})
	}
}

func TestVerifyAttestation_RejectsTamperedChallenge(t *testing.T) {
	env := newBiometricTestEnv(t)
	account := engineTestAccount()

	engine := newTestEngine(t)
	options, challenge, err := engine.NewRegistrationOptions(account)
	require.NoError(t, err)

	authenticator := virtualwebauthn.NewAuthenticator()
	credential := virtualwebauthn.NewCredential(virtualwebauthn.KeyTypeEC2)
	attestation := env.attestationFor(t, &authenticator, &credential, options)

	parsed, parsedChallenge, err := engine.ParseAttestation(strings.NewReader(attestation))
	require.NoError(t, err)
	require.Equal(t, challenge, parsedChallenge)

	// Verifying against different challenge bytes must fail.
	wrongChallenge := make([]byte, 32)
	_, err = engine.VerifyAttestation(account, wrongChallenge, time.Now().Add(time.Minute), parsed)
	require.ErrorIs(t, err, utils.ErrVerificationFailed)

	// Against the stored bytes it succeeds and yields the credential.
	result, err := engine.VerifyAttestation(account, challenge, time.Now().Add(time.Minute), parsed)
	require.NoError(t, err)
	assert.NotEmpty(t, result.CredentialID)
	assert.NotEmpty(t, result.PublicKey)
}
