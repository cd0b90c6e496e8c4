package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgconn"

	"github.com/poofware/biometric-auth-service/internal/repositories"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

// One retry on transient network errors (EOF, closed connection) with a
// small back-off.
const cleanupRetryDelay = 3 * time.Second

// CleanupService garbage-collects expired challenges and refresh tokens
// each night. Expiry is always enforced lazily at read time; this only
// keeps the tables small.
type CleanupService interface {
	CleanupDaily(ctx context.Context) error
}

type cleanupService struct {
	challengeRepo repositories.ChallengeRepository
	tokenRepo     repositories.TokenRepository
}

func NewCleanupService(
	challengeRepo repositories.ChallengeRepository,
	tokenRepo repositories.TokenRepository,
) CleanupService {
	return &cleanupService{
		challengeRepo: challengeRepo,
		tokenRepo:     tokenRepo,
	}
}

// runWithRetry executes op(ctx) and, if it returns a transient network
// error (EOF, pgconn safe-to-retry, or the common closed-connection
// message), waits a moment then retries once.
func (s *cleanupService) runWithRetry(
	ctx context.Context,
	op func(context.Context) error,
) error {
	if err := op(ctx); err != nil {
		if errors.Is(err, io.EOF) || pgconn.SafeToRetry(err) ||
			strings.Contains(err.Error(), "connection was closed") {
			utils.Logger.WithError(err).Warn("cleanup hit transient DB error; retrying once")
			time.Sleep(cleanupRetryDelay)
			return op(ctx)
		}
		return err
	}
	return nil
}

func (s *cleanupService) CleanupDaily(ctx context.Context) error {
	logger := utils.Logger

	if err := s.runWithRetry(ctx, s.challengeRepo.CleanupExpired); err != nil {
		logger.WithError(err).Error("Failed to cleanup expired challenges")
		return err
	}

	if err := s.runWithRetry(ctx, s.tokenRepo.CleanupExpired); err != nil {
		logger.WithError(err).Error("Failed to cleanup expired refresh_tokens")
		return err
	}

	logger.Info("Daily cleanup (expired challenges and tokens) completed successfully.")
	return nil
}
