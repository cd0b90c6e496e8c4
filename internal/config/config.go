package config

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/pem"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/launchdarkly/go-sdk-common/v3/ldcontext"
	ld "github.com/launchdarkly/go-server-sdk/v7"

	"github.com/poofware/biometric-auth-service/internal/utils"
)

// Config holds all application configuration, including secrets, flags, etc.
type Config struct {
	OrganizationName string
	AppName          string
	AppPort          string
	AppUrl           string
	DBUrl            string

	// Relying-party identity for the WebAuthn ceremonies.
	RPID             string
	RPDisplayName    string
	RPOrigins        []string
	UserVerification string

	// Challenge lifetimes. The authentication TTL never exceeds the
	// registration TTL.
	RegistrationChallengeTTL time.Duration
	AuthChallengeTTL         time.Duration

	MaxPendingAuthChallenges int
	DeviceHistoryMaxEntries  int

	MobileTokenExpiry        time.Duration
	MobileRefreshTokenExpiry time.Duration
	WebTokenExpiry           time.Duration
	WebRefreshTokenExpiry    time.Duration

	RSAPrivateKey *rsa.PrivateKey
	RSAPublicKey  *rsa.PublicKey

	// Static flags fetched once from LaunchDarkly
	LDFlag_ShortTokenTTL    bool
	LDFlag_CORSHighSecurity bool
}

// Constants for configuration defaults.
const (
	OrganizationName = "Poof"

	DefaultRegistrationChallengeTTL = 5 * time.Minute
	DefaultAuthChallengeTTL         = 2 * time.Minute
	MaxPendingAuthChallenges        = 5
	DeviceHistoryMaxEntries         = 10
	DefaultUserVerification         = "preferred"

	DefaultTokenExpiry          = 10 * time.Minute
	DefaultRefreshTokenExpiry   = 7 * 24 * time.Hour
	TestShortTokenExpiry        = 2 * time.Second
	TestShortRefreshTokenExpiry = 8 * time.Second
	TestShortChallengeTTL       = 3 * time.Second

	LDConnectionTimeout = 5 * time.Second
)

// Global compile-time overrides, set with ldflags at build time.
var (
	AppName             string
	LDServerContextKey  string
	LDServerContextKind string
)

// LoadConfig reads the environment, sets up LaunchDarkly, and returns a *Config.
func LoadConfig() *Config {
	//----------------------------------------------------------------------
	// Check for required ldflags.
	//----------------------------------------------------------------------
	if AppName == "" {
		utils.Logger.Fatal("AppName was not overridden with ldflags at build time (or is empty)")
	}
	if LDServerContextKey == "" {
		utils.Logger.Fatal("LDServerContextKey was not overridden with ldflags at build time (or is empty)")
	}
	if LDServerContextKind == "" {
		utils.Logger.Fatal("LDServerContextKind was not overridden with ldflags at build time (or is empty)")
	}

	utils.Logger.Info("Loading config for app: ", AppName)

	//----------------------------------------------------------------------
	// Load environment variables.
	//----------------------------------------------------------------------
	appUrl := os.Getenv("APP_URL_FROM_ANYWHERE")
	if appUrl == "" {
		utils.Logger.Fatal("APP_URL_FROM_ANYWHERE env var is missing")
	}
	appPort := os.Getenv("APP_PORT")
	if appPort == "" {
		utils.Logger.Fatal("APP_PORT env var is missing")
	}
	dbUrl := os.Getenv("DB_URL")
	if dbUrl == "" {
		utils.Logger.Fatal("DB_URL env var is missing")
	}
	ldSDKKey := os.Getenv("LD_SDK_KEY")
	if ldSDKKey == "" {
		utils.Logger.Fatal("LD_SDK_KEY env var is missing")
	}

	utils.Logger.Debugf("App can be accessed at: %s", appUrl)

	//----------------------------------------------------------------------
	// Relying-party parameters.
	//----------------------------------------------------------------------
	rpID := os.Getenv("RP_ID")
	if rpID == "" {
		utils.Logger.Fatal("RP_ID env var is missing")
	}
	rpOriginsRaw := os.Getenv("RP_ORIGINS")
	if rpOriginsRaw == "" {
		utils.Logger.Fatal("RP_ORIGINS env var is missing")
	}
	var rpOrigins []string
	for _, origin := range strings.Split(rpOriginsRaw, ",") {
		if o := strings.TrimSpace(origin); o != "" {
			rpOrigins = append(rpOrigins, o)
		}
	}
	if len(rpOrigins) == 0 {
		utils.Logger.Fatal("RP_ORIGINS env var contains no usable origins")
	}
	rpDisplayName := os.Getenv("RP_DISPLAY_NAME")
	if rpDisplayName == "" {
		rpDisplayName = OrganizationName
	}

	userVerification := strings.ToLower(os.Getenv("USER_VERIFICATION"))
	switch userVerification {
	case "":
		userVerification = DefaultUserVerification
	case "required", "preferred", "discouraged":
	default:
		utils.Logger.Fatalf("USER_VERIFICATION must be required, preferred or discouraged; got %q", userVerification)
	}

	registrationTTL := durationFromSecondsEnv("REGISTRATION_CHALLENGE_TTL_SECONDS", DefaultRegistrationChallengeTTL)
	authTTL := durationFromSecondsEnv("AUTH_CHALLENGE_TTL_SECONDS", DefaultAuthChallengeTTL)
	if authTTL > registrationTTL {
		authTTL = registrationTTL
	}

	//----------------------------------------------------------------------
	// RSA signing keys (base64-encoded PEM).
	//----------------------------------------------------------------------
	privateKey := parseRSAPrivateKeyEnv("RSA_PRIVATE_KEY_BASE64")
	publicKey := parseRSAPublicKeyEnv("RSA_PUBLIC_KEY_BASE64")

	//----------------------------------------------------------------------
	// Default token expiries.
	//----------------------------------------------------------------------
	mobileTokenExpiry := DefaultTokenExpiry
	mobileRefreshTokenExpiry := DefaultRefreshTokenExpiry
	webTokenExpiry := DefaultTokenExpiry
	webRefreshTokenExpiry := DefaultRefreshTokenExpiry

	//----------------------------------------------------------------------
	// Initialize the LaunchDarkly client with the LD_SDK_KEY.
	//----------------------------------------------------------------------
	ldClient, err := ld.MakeClient(ldSDKKey, LDConnectionTimeout)
	if err != nil {
		utils.Logger.WithError(err).Fatal("Failed to create LaunchDarkly client")
	}
	if !ldClient.Initialized() {
		ldClient.Close()
		utils.Logger.Fatal("LaunchDarkly client failed to initialize")
	}
	defer ldClient.Close()

	//----------------------------------------------------------------------
	// Fetch the specified static flags from LaunchDarkly.
	//----------------------------------------------------------------------
	context := ldcontext.NewWithKind(ldcontext.Kind(LDServerContextKind), LDServerContextKey)

	shortTokenTTLFlag, err := ldClient.BoolVariation("short_token_ttl", context, false)
	if err != nil {
		ldClient.Close()
		utils.Logger.WithError(err).Fatal("Error retrieving short_token_ttl flag")
	}
	utils.Logger.Debugf("short_token_ttl flag: %t", shortTokenTTLFlag)

	corsHighSecurity, err := ldClient.BoolVariation("cors_high_security", context, false)
	if err != nil {
		ldClient.Close()
		utils.Logger.WithError(err).Fatal("Error retrieving cors_high_security flag")
	}
	utils.Logger.Debugf("cors_high_security flag: %t", corsHighSecurity)

	//----------------------------------------------------------------------
	// If shortTokenTTLFlag is true, override expiries and challenge TTLs.
	//----------------------------------------------------------------------
	if shortTokenTTLFlag {
		mobileTokenExpiry = TestShortTokenExpiry
		mobileRefreshTokenExpiry = TestShortRefreshTokenExpiry
		webTokenExpiry = TestShortTokenExpiry
		webRefreshTokenExpiry = TestShortRefreshTokenExpiry
		registrationTTL = TestShortChallengeTTL
		authTTL = TestShortChallengeTTL
	}

	//----------------------------------------------------------------------
	// Build and return the configuration object.
	//----------------------------------------------------------------------
	return &Config{
		OrganizationName:         OrganizationName,
		AppName:                  AppName,
		AppPort:                  appPort,
		AppUrl:                   appUrl,
		DBUrl:                    dbUrl,
		RPID:                     rpID,
		RPDisplayName:            rpDisplayName,
		RPOrigins:                rpOrigins,
		UserVerification:         userVerification,
		RegistrationChallengeTTL: registrationTTL,
		AuthChallengeTTL:         authTTL,
		MaxPendingAuthChallenges: MaxPendingAuthChallenges,
		DeviceHistoryMaxEntries:  DeviceHistoryMaxEntries,
		MobileTokenExpiry:        mobileTokenExpiry,
		MobileRefreshTokenExpiry: mobileRefreshTokenExpiry,
		WebTokenExpiry:           webTokenExpiry,
		WebRefreshTokenExpiry:    webRefreshTokenExpiry,
		RSAPrivateKey:            privateKey,
		RSAPublicKey:             publicKey,
		LDFlag_ShortTokenTTL:     shortTokenTTLFlag,
		LDFlag_CORSHighSecurity:  corsHighSecurity,
	}
}

func durationFromSecondsEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		utils.Logger.Fatalf("%s must be a positive integer number of seconds; got %q", name, raw)
	}
	return time.Duration(seconds) * time.Second
}

func parseRSAPrivateKeyEnv(name string) *rsa.PrivateKey {
	encoded := os.Getenv(name)
	if encoded == "" {
		utils.Logger.Fatalf("%s env var is missing", name)
	}
	keyPEM, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		utils.Logger.WithError(err).Fatalf("Failed to decode %s from base64", name)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		utils.Logger.Fatalf("Failed to decode PEM block from %s", name)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		utils.Logger.WithError(err).Fatalf("Failed to parse RSA private key from %s", name)
	}
	return key
}

func parseRSAPublicKeyEnv(name string) *rsa.PublicKey {
	encoded := os.Getenv(name)
	if encoded == "" {
		utils.Logger.Fatalf("%s env var is missing", name)
	}
	keyPEM, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		utils.Logger.WithError(err).Fatalf("Failed to decode %s from base64", name)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		utils.Logger.Fatalf("Failed to decode PEM block from %s", name)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(keyPEM)
	if err != nil {
		utils.Logger.WithError(err).Fatalf("Failed to parse RSA public key from %s", name)
	}
	return key
}

// Close cleans up any resources used by Config (e.g., the LD client).
func (c *Config) Close() {
}
