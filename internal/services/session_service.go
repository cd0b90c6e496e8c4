package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"math/big"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/poofware/biometric-auth-service/internal/config"
	"github.com/poofware/biometric-auth-service/internal/middleware"
	"github.com/poofware/biometric-auth-service/internal/models"
	"github.com/poofware/biometric-auth-service/internal/repositories"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

// ---------------------------------------------------------------------
// SessionService interface
// ---------------------------------------------------------------------

// SessionService issues and rotates the access/refresh token pair after
// a successful biometric authentication.
type SessionService interface {
	// IssueSession removes any prior refresh tokens for the account and
	// issues a fresh access/refresh pair bound to the client.
	IssueSession(
		ctx context.Context,
		accountID uuid.UUID,
		clientIdentifier utils.ClientIdentifier,
		tokenExpiry time.Duration,
		refreshExpiry time.Duration,
	) (accessToken string, refreshToken string, err error)

	// Refresh rotates the pair. Expired, revoked or client-mismatched
	// refresh tokens are rejected.
	Refresh(
		ctx context.Context,
		refreshTokenString string,
		clientIdentifier utils.ClientIdentifier,
		tokenExpiry time.Duration,
		refreshExpiry time.Duration,
	) (accessToken string, refreshToken string, err error)

	// Logout removes the presented refresh token. Unknown tokens are a
	// no-op.
	Logout(ctx context.Context, refreshTokenString string) error
}

// ---------------------------------------------------------------------
// Implementation
// ---------------------------------------------------------------------

type sessionService struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	tokenRepo  repositories.TokenRepository
}

func NewSessionService(cfg *config.Config, tokenRepo repositories.TokenRepository) SessionService {
	return &sessionService{
		privateKey: cfg.RSAPrivateKey,
		publicKey:  cfg.RSAPublicKey,
		tokenRepo:  tokenRepo,
	}
}

func (s *sessionService) IssueSession(
	ctx context.Context,
	accountID uuid.UUID,
	clientIdentifier utils.ClientIdentifier,
	tokenExpiry time.Duration,
	refreshExpiry time.Duration,
) (string, string, error) {

	if err := s.tokenRepo.RemoveAllForAccount(ctx, accountID); err != nil {
		utils.Logger.WithError(err).Error("failed to remove old refresh tokens on session issue")
	}

	accessToken, err := s.generateAccessToken(accountID, clientIdentifier, tokenExpiry)
	if err != nil {
		utils.Logger.WithError(err).Error("failed to generate access token")
		return "", "", errors.New("token generation failed")
	}

	refreshObj, err := s.generateRefreshToken(ctx, accountID, clientIdentifier, refreshExpiry)
	if err != nil {
		utils.Logger.WithError(err).Error("failed to generate refresh token")
		return "", "", errors.New("token generation failed")
	}

	return accessToken, refreshObj.Token, nil
}

func (s *sessionService) Refresh(
	ctx context.Context,
	refreshTokenString string,
	clientIdentifier utils.ClientIdentifier,
	tokenExpiry time.Duration,
	refreshExpiry time.Duration,
) (string, string, error) {

	oldToken, err := s.tokenRepo.GetRefreshToken(ctx, refreshTokenString)
	if err != nil || oldToken == nil || oldToken.Revoked {
		utils.Logger.WithError(err).Error("invalid or missing refresh token in sessionService.Refresh")
		return "", "", errors.New("invalid refresh token")
	}

	if oldToken.IsExpired() {
		utils.Logger.Error("refresh token expired in sessionService.Refresh")
		return "", "", errors.New("refresh token expired")
	}

	// check IP/device_id mismatch
	switch clientIdentifier.Type {
	case utils.ClientIDTypeIP:
		if oldToken.IPAddress != "" && oldToken.IPAddress != clientIdentifier.Value {
			utils.Logger.Error("IP mismatch in sessionService.Refresh")
			return "", "", errors.New("ip mismatch")
		}
	case utils.ClientIDTypeDeviceID:
		if oldToken.DeviceID != "" && oldToken.DeviceID != clientIdentifier.Value {
			utils.Logger.Error("device_id mismatch in sessionService.Refresh")
			return "", "", errors.New("device_id mismatch")
		}
	}

	// rotation: the old token is gone before the new pair exists
	if err := s.tokenRepo.RemoveRefreshToken(ctx, oldToken.ID); err != nil {
		utils.Logger.WithError(err).Error("failed to remove old refresh token in sessionService.Refresh")
		return "", "", errors.New("failed to remove old token")
	}

	newAccess, aErr := s.generateAccessToken(oldToken.AccountID, clientIdentifier, tokenExpiry)
	if aErr != nil {
		return "", "", aErr
	}

	newRT, rErr := s.generateRefreshToken(ctx, oldToken.AccountID, clientIdentifier, refreshExpiry)
	if rErr != nil {
		return "", "", rErr
	}

	return newAccess, newRT.Token, nil
}

func (s *sessionService) Logout(ctx context.Context, refreshTokenString string) error {
	oldToken, err := s.tokenRepo.GetRefreshToken(ctx, refreshTokenString)
	if err != nil {
		utils.Logger.WithError(err).Error("logout fetch refresh token error in sessionService")
		return errors.New("logout server error")
	}
	if oldToken == nil {
		// already not found => no-op
		return nil
	}

	if err := s.tokenRepo.RemoveRefreshToken(ctx, oldToken.ID); err != nil {
		utils.Logger.WithError(err).Error("failed to remove token in sessionService.Logout")
		return errors.New("logout server error")
	}
	return nil
}

// ---------------------------------------------------------------------
// Token construction
// ---------------------------------------------------------------------

func (s *sessionService) generateAccessToken(
	accountID uuid.UUID,
	clientIdentifier utils.ClientIdentifier,
	tokenExpiry time.Duration,
) (string, error) {

	claims := jwt.MapClaims{
		"iss": middleware.TokenIssuer,
		"sub": accountID.String(),
		"exp": time.Now().Add(tokenExpiry).Unix(),
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
	}

	// IP or device
	switch clientIdentifier.Type {
	case utils.ClientIDTypeIP:
		claims["ip"] = clientIdentifier.Value
	case utils.ClientIDTypeDeviceID:
		claims["device_id"] = clientIdentifier.Value
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(s.privateKey)
}

func (s *sessionService) generateRefreshToken(
	ctx context.Context,
	accountID uuid.UUID,
	clientIdentifier utils.ClientIdentifier,
	refreshExpiry time.Duration,
) (*models.RefreshToken, error) {

	rt := &models.RefreshToken{
		ID:        uuid.New(),
		AccountID: accountID,
		Token:     generateSecureToken(64),
		ExpiresAt: time.Now().Add(refreshExpiry),
		CreatedAt: time.Now(),
		Revoked:   false,
	}

	// store IP or device
	switch clientIdentifier.Type {
	case utils.ClientIDTypeIP:
		rt.IPAddress = clientIdentifier.Value
	case utils.ClientIDTypeDeviceID:
		rt.DeviceID = clientIdentifier.Value
	}

	if err := s.tokenRepo.CreateRefreshToken(ctx, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// ---------------------------------------------------------------------
// Secure random generator
// ---------------------------------------------------------------------

func generateSecureToken(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[secureRandomInt(len(charset))]
	}
	return string(b)
}

func secureRandomInt(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(err)
	}
	return int(n.Int64())
}
