package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poofware/biometric-auth-service/internal/utils"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func signToken(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

func baseClaims(accountID uuid.UUID) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": TokenIssuer,
		"sub": accountID.String(),
		"exp": time.Now().Add(10 * time.Minute).Unix(),
		"iat": time.Now().Unix(),
		"jti": uuid.NewString(),
	}
}

func TestValidateToken(t *testing.T) {
	key := testKey(t)
	accountID := uuid.New()
	deviceClient := utils.ClientIdentifier{Type: utils.ClientIDTypeDeviceID, Value: "device-1"}

	t.Run("valid", func(t *testing.T) {
		claims := baseClaims(accountID)
		claims["device_id"] = "device-1"
		tok, err := ValidateToken(context.Background(), signToken(t, key, claims), deviceClient, &key.PublicKey)
		require.NoError(t, err)
		assert.True(t, tok.Valid)
	})

	t.Run("expired", func(t *testing.T) {
		claims := baseClaims(accountID)
		claims["exp"] = time.Now().Add(-time.Minute).Unix()
		claims["device_id"] = "device-1"
		_, err := ValidateToken(context.Background(), signToken(t, key, claims), deviceClient, &key.PublicKey)
		require.ErrorIs(t, err, jwt.ErrTokenExpired)
	})

	t.Run("wrongIssuer", func(t *testing.T) {
		claims := baseClaims(accountID)
		claims["iss"] = "SomeoneElse"
		claims["device_id"] = "device-1"
		_, err := ValidateToken(context.Background(), signToken(t, key, claims), deviceClient, &key.PublicKey)
		require.Error(t, err)
	})

	t.Run("deviceMismatch", func(t *testing.T) {
		claims := baseClaims(accountID)
		claims["device_id"] = "some-other-device"
		_, err := ValidateToken(context.Background(), signToken(t, key, claims), deviceClient, &key.PublicKey)
		require.Error(t, err)
	})

	t.Run("ipBindingForWeb", func(t *testing.T) {
		webClient := utils.ClientIdentifier{Type: utils.ClientIDTypeIP, Value: "203.0.113.7"}
		claims := baseClaims(accountID)
		claims["ip"] = "203.0.113.7"
		_, err := ValidateToken(context.Background(), signToken(t, key, claims), webClient, &key.PublicKey)
		require.NoError(t, err)

		claims["ip"] = "198.51.100.1"
		_, err = ValidateToken(context.Background(), signToken(t, key, claims), webClient, &key.PublicKey)
		require.Error(t, err)
	})

	t.Run("wrongKey", func(t *testing.T) {
		otherKey := testKey(t)
		claims := baseClaims(accountID)
		claims["device_id"] = "device-1"
		_, err := ValidateToken(context.Background(), signToken(t, otherKey, claims), deviceClient, &key.PublicKey)
		require.Error(t, err)
	})
}

func TestAuthMiddleware(t *testing.T) {
	key := testKey(t)
	accountID := uuid.New()

	var sawAccountID string
	handler := AuthMiddleware(&key.PublicKey)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAccountID, _ = r.Context().Value(ContextKeyAccountID).(string)
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("mobileBearerToken", func(t *testing.T) {
		sawAccountID = ""
		claims := baseClaims(accountID)
		claims["device_id"] = "device-7"

		req := httptest.NewRequest(http.MethodPost, "/auth/v1/biometric/registration/begin", nil)
		req.Header.Set("X-Platform", "ios")
		req.Header.Set("X-Device-ID", "device-7")
		req.Header.Set("Authorization", "Bearer "+signToken(t, key, claims))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, accountID.String(), sawAccountID)
	})

	t.Run("webCookieToken", func(t *testing.T) {
		sawAccountID = ""
		claims := baseClaims(accountID)
		claims["ip"] = "192.0.2.1"

		req := httptest.NewRequest(http.MethodPost, "/auth/v1/biometric/registration/begin", nil)
		req.Header.Set("X-Platform", "web")
		req.RemoteAddr = "192.0.2.1:44321"
		req.AddCookie(&http.Cookie{Name: utils.AccessTokenCookieName, Value: signToken(t, key, claims)})
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, accountID.String(), sawAccountID)
	})

	t.Run("webIPMismatchCode", func(t *testing.T) {
		claims := baseClaims(accountID)
		claims["ip"] = "192.0.2.1"

		req := httptest.NewRequest(http.MethodPost, "/auth/v1/biometric/registration/begin", nil)
		req.Header.Set("X-Platform", "web")
		req.RemoteAddr = "198.51.100.2:44321"
		req.AddCookie(&http.Cookie{Name: utils.AccessTokenCookieName, Value: signToken(t, key, claims)})
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code)
		var body utils.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, utils.ErrCodeIPMismatch, body.Code)
	})

	t.Run("missingToken", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/auth/v1/biometric/registration/begin", nil)
		req.Header.Set("X-Platform", "android")
		req.Header.Set("X-Device-ID", "device-7")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expiredToken", func(t *testing.T) {
		claims := baseClaims(accountID)
		claims["exp"] = time.Now().Add(-time.Minute).Unix()
		claims["device_id"] = "device-7"

		req := httptest.NewRequest(http.MethodPost, "/auth/v1/biometric/registration/begin", nil)
		req.Header.Set("X-Platform", "android")
		req.Header.Set("X-Device-ID", "device-7")
		req.Header.Set("Authorization", "Bearer "+signToken(t, key, claims))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
