package main

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	cron "github.com/robfig/cron/v3"
	"github.com/rs/cors"

	"github.com/poofware/biometric-auth-service/internal/app"
	"github.com/poofware/biometric-auth-service/internal/config"
	"github.com/poofware/biometric-auth-service/internal/controllers"
	"github.com/poofware/biometric-auth-service/internal/middleware"
	"github.com/poofware/biometric-auth-service/internal/repositories"
	"github.com/poofware/biometric-auth-service/internal/services"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

func main() {
	utils.InitLogger(config.AppName)
	cfg := config.LoadConfig()
	defer cfg.Close()

	application, err := app.NewApp(cfg)
	if err != nil {
		utils.Logger.Fatal("Failed to initialize application:", err)
	}
	defer application.Close()

	//----------------------------------------------------------------------
	// Repositories
	//----------------------------------------------------------------------
	accountRepo := repositories.NewAccountRepository(application.DB)
	credRepo := repositories.NewCredentialRepository(application.DB)
	challengeRepo := repositories.NewChallengeRepository(application.DB)
	deviceRepo := repositories.NewDeviceSessionRepository(application.DB)
	tokenRepo := repositories.NewTokenRepository(application.DB)

	//----------------------------------------------------------------------
	// Services
	//----------------------------------------------------------------------
	engine, err := services.NewVerificationEngine(cfg)
	if err != nil {
		utils.Logger.Fatal("Failed to create verification engine:", err)
	}

	biometricService := services.NewBiometricAuthService(
		accountRepo,
		credRepo,
		challengeRepo,
		deviceRepo,
		tokenRepo,
		engine,
		cfg,
	)

	sessionService := services.NewSessionService(cfg, tokenRepo)

	cleanupService := services.NewCleanupService(challengeRepo, tokenRepo)

	//----------------------------------------------------------------------
	// Controllers
	//----------------------------------------------------------------------
	biometricController := controllers.NewBiometricAuthController(biometricService, sessionService, cfg)
	healthController := controllers.NewHealthController(application)

	//----------------------------------------------------------------------
	// Router & Endpoints
	//----------------------------------------------------------------------
	router := mux.NewRouter()

	// Health
	router.HandleFunc("/health", healthController.HealthCheckHandler).Methods("GET")

	// /auth/v1/biometric
	authRouter := router.PathPrefix("/auth").Subrouter()
	v1Router := authRouter.PathPrefix("/v1").Subrouter()
	biometricRouter := v1Router.PathPrefix("/biometric").Subrouter()

	// Open endpoints: the authentication ceremony is how a session is
	// obtained in the first place, and refresh/logout carry their own
	// proof via the refresh token.
	biometricRouter.HandleFunc("/authentication/begin", biometricController.BeginAuthentication).Methods("POST")
	biometricRouter.HandleFunc("/authentication/finish", biometricController.FinishAuthentication).Methods("POST")
	biometricRouter.HandleFunc("/refresh_token", biometricController.RefreshToken).Methods("POST")
	biometricRouter.HandleFunc("/logout", biometricController.Logout).Methods("POST")

	// Protected endpoints require a valid access token
	biometricProtected := biometricRouter.NewRoute().Subrouter()
	biometricProtected.Use(middleware.AuthMiddleware(cfg.RSAPublicKey))
	biometricProtected.HandleFunc("/registration/begin", biometricController.BeginRegistration).Methods("POST")
	biometricProtected.HandleFunc("/registration/finish", biometricController.FinishRegistration).Methods("POST")
	biometricProtected.HandleFunc("/credential", biometricController.RemoveCredential).Methods("DELETE")
	biometricProtected.HandleFunc("/status", biometricController.Status).Methods("GET")
	biometricProtected.HandleFunc("/devices", biometricController.RecentDevices).Methods("GET")

	//----------------------------------------------------------------------
	// Setup daily cleanup via cron
	//----------------------------------------------------------------------
	c := cron.New()

	_, schErr := c.AddFunc("0 3 * * *", func() {
		if e := cleanupService.CleanupDaily(context.Background()); e != nil {
			utils.Logger.WithError(e).Error("Scheduled challenge/token cleanup failed")
		}
	})
	if schErr != nil {
		utils.Logger.WithError(schErr).Fatal("Failed to schedule cleanup job")
	}

	c.Start()

	allowedOrigins := []string{cfg.AppUrl}
	if !cfg.LDFlag_CORSHighSecurity {
		allowedOrigins = append(allowedOrigins, utils.CORSLowSecurityAllowedOriginLocalhost)
	}

	co := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Platform", "X-Device-ID", "ngrok-skip-browser-warning"},
		AllowCredentials: true,
	})

	utils.Logger.Infof("Starting %s on port: %s", cfg.AppName, cfg.AppPort)
	if err := http.ListenAndServe(":"+cfg.AppPort, co.Handler(router)); err != nil {
		utils.Logger.Fatal("Failed to start server:", err)
	}
}
