package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/biometric-auth-service/internal/models"
	"github.com/poofware/biometric-auth-service/internal/utils"
)

// TokenRepository manages refresh tokens in the DB.
//
// Normal usage (login, refresh, logout) should call the `Remove*`
// methods so that tokens are fully deleted. Admin / security usage may
// call `RevokeAllForAccount`, which sets revoked = TRUE (keeping the
// rows present for audit).
type TokenRepository interface {
	// CreateRefreshToken stores a newly issued refresh token (hashed) in the DB.
	CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error

	// GetRefreshToken fetches a refresh token by its raw token (hashed internally).
	// Returns nil if not found.
	GetRefreshToken(ctx context.Context, rawToken string) (*models.RefreshToken, error)

	// RemoveRefreshToken DELETEs a single token row (logout, rotation).
	RemoveRefreshToken(ctx context.Context, id uuid.UUID) error

	// RemoveAllForAccount DELETEs all refresh tokens of an account (re-login,
	// credential removal).
	RemoveAllForAccount(ctx context.Context, accountID uuid.UUID) error

	// RevokeAllForAccount sets revoked = TRUE for all tokens of an account.
	RevokeAllForAccount(ctx context.Context, accountID uuid.UUID) error

	// CleanupExpired removes rows past their expires_at.
	CleanupExpired(ctx context.Context) error
}

type tokenRepo struct {
	db DB
}

func NewTokenRepository(db DB) TokenRepository {
	return &tokenRepo{db: db}
}

func (r *tokenRepo) CreateRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	q := `
        INSERT INTO refresh_tokens (id, account_id, refresh_token, expires_at, created_at, revoked, ip_address, device_id)
        VALUES ($1, $2, $3, $4, NOW(), $5, $6, $7)
    `
	_, err := r.db.Exec(ctx, q,
		token.ID,
		token.AccountID,
		utils.HashToken(token.Token),
		token.ExpiresAt,
		token.Revoked,
		token.IPAddress,
		token.DeviceID,
	)
	return err
}

func (r *tokenRepo) GetRefreshToken(ctx context.Context, rawToken string) (*models.RefreshToken, error) {
	hashed := utils.HashToken(rawToken)
	q := `
        SELECT id, account_id, refresh_token, expires_at, created_at, revoked, ip_address, device_id
        FROM refresh_tokens
        WHERE refresh_token = $1
    `
	row := r.db.QueryRow(ctx, q, hashed)

	var rt models.RefreshToken
	err := row.Scan(
		&rt.ID,
		&rt.AccountID,
		&rt.Token,
		&rt.ExpiresAt,
		&rt.CreatedAt,
		&rt.Revoked,
		&rt.IPAddress,
		&rt.DeviceID,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rt, nil
}

func (r *tokenRepo) RemoveRefreshToken(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE id = $1`, id)
	return err
}

func (r *tokenRepo) RemoveAllForAccount(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE account_id = $1`, accountID)
	return err
}

func (r *tokenRepo) RevokeAllForAccount(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE WHERE account_id = $1 AND revoked = FALSE`, accountID)
	return err
}

func (r *tokenRepo) CleanupExpired(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < NOW()`)
	return err
}
