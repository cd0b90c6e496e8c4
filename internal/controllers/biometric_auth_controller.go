package controllers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/poofware/biometric-auth-service/internal/config"
	"github.com/poofware/biometric-auth-service/internal/dtos"
	"github.com/poofware/biometric-auth-service/internal/middleware"
	"github.com/poofware/biometric-auth-service/internal/services"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

// RefreshTokenPath scopes the refresh cookie to the one endpoint that
// needs it.
const RefreshTokenPath = "/auth/v1/biometric/refresh_token"

type BiometricAuthController struct {
	biometricService services.BiometricAuthService
	sessionService   services.SessionService
	cfg              *config.Config
}

func NewBiometricAuthController(
	biometricService services.BiometricAuthService,
	sessionService services.SessionService,
	cfg *config.Config,
) *BiometricAuthController {
	return &BiometricAuthController{
		biometricService: biometricService,
		sessionService:   sessionService,
		cfg:              cfg,
	}
}

var biometricValidate = validator.New()

// parse accountID from context, set by the auth middleware
func getAccountIDFromContext(r *http.Request) (uuid.UUID, bool) {
	accountID, ok := r.Context().Value(middleware.ContextKeyAccountID).(string)
	if !ok || accountID == "" {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(accountID)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

// respondCeremonyError maps service errors from the registration and
// management endpoints. The authentication finish endpoint deliberately
// does NOT use this; see FinishAuthentication.
func respondCeremonyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, utils.ErrAccountNotFound):
		utils.RespondErrorWithCode(w, http.StatusNotFound, utils.ErrCodeNotFound, "Account not found", err)
	case errors.Is(err, utils.ErrAccountInactive):
		utils.RespondErrorWithCode(w, http.StatusForbidden, utils.ErrCodeAccountInactive, "Account is not active", err)
	case errors.Is(err, utils.ErrAlreadyRegistered):
		utils.RespondErrorWithCode(w, http.StatusConflict, utils.ErrCodeAlreadyRegistered, "A biometric credential is already registered for this account", err)
	case errors.Is(err, utils.ErrNotRegistered):
		utils.RespondErrorWithCode(w, http.StatusNotFound, utils.ErrCodeNotRegistered, "No biometric credential is registered for this account", err)
	case errors.Is(err, utils.ErrMissingChallenge):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeMissingChallenge, "No pending challenge. Please restart the ceremony.", err)
	case errors.Is(err, utils.ErrChallengeExpired):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeChallengeExpired, "Challenge expired. Please restart the ceremony.", err)
	case errors.Is(err, utils.ErrInvalidChallenge):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidChallenge, "Challenge mismatch. Please restart the ceremony.", err)
	case errors.Is(err, utils.ErrMalformedCredential):
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeMalformedCredential, "Malformed credential payload", err)
	case errors.Is(err, utils.ErrVerificationFailed):
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeVerificationFailed, "Credential verification failed", err)
	default:
		utils.RespondErrorWithCode(w, http.StatusInternalServerError, utils.ErrCodeInternal, "Server error", err)
	}
}

// ---------------------------------------------------------------------
// Registration ceremony (authenticated account)
// ---------------------------------------------------------------------

func (c *BiometricAuthController) BeginRegistration(w http.ResponseWriter, r *http.Request) {
	accountID, ok := getAccountIDFromContext(r)
	if !ok {
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Unauthorized", nil)
		return
	}

	utils.Logger.Debug("Issuing biometric registration options")

	options, err := c.biometricService.BeginRegistration(r.Context(), accountID)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.BeginRegistrationResponse{Options: options})
}

func (c *BiometricAuthController) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	accountID, ok := getAccountIDFromContext(r)
	if !ok {
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Unauthorized", nil)
		return
	}

	var req dtos.FinishRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid payload", err)
		return
	}
	if err := biometricValidate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", err)
		return
	}

	cred, err := c.biometricService.FinishRegistration(r.Context(), accountID, bytes.NewReader(req.Credential))
	if err != nil {
		respondCeremonyError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusCreated, dtos.FinishRegistrationResponse{
		Message:      "Biometric credential registered successfully",
		DeviceType:   string(cred.DeviceType),
		RegisteredAt: cred.RegisteredAt,
	})
}

// ---------------------------------------------------------------------
// Authentication ceremony (open endpoints)
// ---------------------------------------------------------------------

func (c *BiometricAuthController) BeginAuthentication(w http.ResponseWriter, r *http.Request) {
	var req dtos.BeginAuthenticationRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid payload", err)
			return
		}
		if err := biometricValidate.Struct(req); err != nil {
			utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Invalid email format", err)
			return
		}
	}

	options, challengeID, err := c.biometricService.BeginAuthentication(r.Context(), req.Email)
	if err != nil {
		utils.RespondErrorWithCode(w, http.StatusInternalServerError, utils.ErrCodeInternal, "Failed to issue challenge", err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.BeginAuthenticationResponse{
		ChallengeID: challengeID,
		Options:     options,
	})
}

func (c *BiometricAuthController) FinishAuthentication(w http.ResponseWriter, r *http.Request) {
	var req dtos.FinishAuthenticationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid payload", err)
		return
	}
	if err := biometricValidate.Struct(req); err != nil {
		utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", err)
		return
	}

	platform := utils.GetClientPlatform(r)
	clientID := utils.GetClientIdentifier(r, platform)
	device := services.DeviceInfo{
		Fingerprint: utils.DeviceFingerprint(platform, clientID, r.UserAgent()),
		Platform:    platform.String(),
		UserAgent:   r.UserAgent(),
	}

	account, err := c.biometricService.FinishAuthentication(r.Context(), req.ChallengeID, bytes.NewReader(req.Credential), device)
	if err != nil {
		// Every failure gets the same response so callers cannot probe
		// which accounts exist, hold credentials, or tripped replay
		// detection. Specifics go to the logs only.
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeInvalidCredentials, "Authentication failed", nil, err)
		return
	}

	tokenPolicy := DecideTokenPolicy(platform, c.cfg)

	access, refresh, err := c.sessionService.IssueSession(
		r.Context(),
		account.ID,
		clientID,
		tokenPolicy.AccessTTL,
		tokenPolicy.RefreshTTL,
	)
	if err != nil {
		utils.RespondErrorWithCode(w, http.StatusInternalServerError, utils.ErrCodeInternal, "Failed to issue session", err)
		return
	}

	resp := dtos.FinishAuthenticationResponse{
		Account: dtos.AccountSummary{
			ID:          account.ID,
			Email:       account.Email,
			DisplayName: account.DisplayName,
		},
		AccessToken:  access,
		RefreshToken: refresh,
	}

	if platform == utils.PlatformWeb {
		utils.SetAuthCookies(w, access, refresh, c.cfg.WebTokenExpiry, c.cfg.WebRefreshTokenExpiry, RefreshTokenPath, c.cfg.LDFlag_CORSHighSecurity)
		resp.AccessToken = ""
		resp.RefreshToken = ""
	}

	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------
// Credential management (authenticated account)
// ---------------------------------------------------------------------

func (c *BiometricAuthController) RemoveCredential(w http.ResponseWriter, r *http.Request) {
	accountID, ok := getAccountIDFromContext(r)
	if !ok {
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Unauthorized", nil)
		return
	}

	if err := c.biometricService.RemoveCredential(r.Context(), accountID); err != nil {
		respondCeremonyError(w, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.RemoveCredentialResponse{Message: "Biometric credential removed"})
}

func (c *BiometricAuthController) Status(w http.ResponseWriter, r *http.Request) {
	accountID, ok := getAccountIDFromContext(r)
	if !ok {
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Unauthorized", nil)
		return
	}

	cred, err := c.biometricService.GetCredential(r.Context(), accountID)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}

	resp := dtos.BiometricStatusResponse{Registered: cred != nil}
	if cred != nil {
		registeredAt := cred.RegisteredAt
		resp.DeviceType = string(cred.DeviceType)
		resp.RegisteredAt = &registeredAt
		resp.LastUsedAt = cred.LastUsedAt
	}

	utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (c *BiometricAuthController) RecentDevices(w http.ResponseWriter, r *http.Request) {
	accountID, ok := getAccountIDFromContext(r)
	if !ok {
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Unauthorized", nil)
		return
	}

	sessions, err := c.biometricService.RecentDevices(r.Context(), accountID)
	if err != nil {
		respondCeremonyError(w, err)
		return
	}

	resp := dtos.RecentDevicesResponse{Devices: make([]dtos.DeviceSessionSummary, 0, len(sessions))}
	for _, s := range sessions {
		resp.Devices = append(resp.Devices, dtos.DeviceSessionSummary{
			Fingerprint: s.Fingerprint,
			Platform:    s.Platform,
			UserAgent:   s.UserAgent,
			LastSeenAt:  s.LastSeenAt,
		})
	}

	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------
// Refresh + Logout
// ---------------------------------------------------------------------

func (c *BiometricAuthController) RefreshToken(w http.ResponseWriter, r *http.Request) {
	platform := utils.GetClientPlatform(r)
	clientID := utils.GetClientIdentifier(r, platform)
	tokenPolicy := DecideTokenPolicy(platform, c.cfg)

	var refresh string

	if platform == utils.PlatformWeb {
		cookie, err := r.Cookie(utils.RefreshTokenCookieName)
		if err != nil || cookie.Value == "" {
			utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Missing refresh cookie", err)
			return
		}
		refresh = cookie.Value
	} else {
		var req dtos.RefreshTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid payload", err)
			return
		}
		if err := biometricValidate.Struct(req); err != nil {
			utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", err)
			return
		}
		refresh = req.RefreshToken
	}

	access, newRefresh, err := c.sessionService.Refresh(
		r.Context(),
		refresh,
		clientID,
		tokenPolicy.AccessTTL,
		tokenPolicy.RefreshTTL,
	)
	if err != nil {
		utils.RespondErrorWithCode(w, http.StatusUnauthorized, utils.ErrCodeUnauthorized, "Refresh token failed", err)
		return
	}

	resp := dtos.RefreshTokenResponse{
		AccessToken:  access,
		RefreshToken: newRefresh,
	}

	if platform == utils.PlatformWeb {
		utils.SetAuthCookies(w, access, newRefresh, c.cfg.WebTokenExpiry, c.cfg.WebRefreshTokenExpiry, RefreshTokenPath, c.cfg.LDFlag_CORSHighSecurity)
		resp.AccessToken = ""
		resp.RefreshToken = ""
	}

	utils.RespondWithJSON(w, http.StatusOK, resp)
}

func (c *BiometricAuthController) Logout(w http.ResponseWriter, r *http.Request) {
	platform := utils.GetClientPlatform(r)

	var refresh string
	if platform == utils.PlatformWeb {
		if ck, err := r.Cookie(utils.RefreshTokenCookieName); err == nil {
			refresh = ck.Value
		}
	} else {
		var req dtos.LogoutRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeInvalidPayload, "Invalid payload", err)
			return
		}
		if err := biometricValidate.Struct(req); err != nil {
			utils.RespondErrorWithCode(w, http.StatusBadRequest, utils.ErrCodeValidation, "Validation error", err)
			return
		}
		refresh = req.RefreshToken
	}

	if refresh != "" {
		if err := c.sessionService.Logout(r.Context(), refresh); err != nil {
			utils.RespondErrorWithCode(w, http.StatusInternalServerError, utils.ErrCodeInternal, "Failed to logout", err)
			return
		}
	}

	if platform == utils.PlatformWeb {
		utils.ClearAuthCookies(w, RefreshTokenPath, c.cfg.LDFlag_CORSHighSecurity)
	}

	utils.RespondWithJSON(w, http.StatusOK, dtos.LogoutResponse{Message: "Logged out successfully"})
}
