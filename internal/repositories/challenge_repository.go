package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/biometric-auth-service/internal/models"
)

// ChallengeRepository manages the lifecycle of single-use ceremony
// challenges. Consumption always deletes the row, so a challenge can
// never verify twice regardless of how many servers share the table.
type ChallengeRepository interface {
	// PutRegistration stores a registration challenge, replacing any
	// pending one for the same account.
	PutRegistration(ctx context.Context, c *models.RegistrationChallenge) error

	// ConsumeRegistration removes and returns the account's pending
	// registration challenge. Returns nil, nil when none exists; the
	// caller decides how to treat expired rows.
	ConsumeRegistration(ctx context.Context, accountID uuid.UUID) (*models.RegistrationChallenge, error)

	// AppendAuth stores an authentication challenge. Expired entries in
	// the same channel are pruned first; if the account channel would
	// exceed maxPending, the oldest entries are evicted.
	AppendAuth(ctx context.Context, c *models.AuthChallenge, maxPending int) error

	// ConsumeAuthByID removes and returns the pending authentication
	// challenge with the given id. Returns nil, nil when no row matches.
	ConsumeAuthByID(ctx context.Context, id uuid.UUID) (*models.AuthChallenge, error)

	// ConsumeAuth removes and returns the pending authentication
	// challenge matching the given bytes in the account's channel
	// (accountID nil selects the channel for unresolved clients).
	// Returns nil, nil when no row matches.
	ConsumeAuth(ctx context.Context, accountID *uuid.UUID, challenge []byte) (*models.AuthChallenge, error)

	// CountPendingAuth reports how many authentication challenges are
	// pending in the given channel, expired rows included.
	CountPendingAuth(ctx context.Context, accountID *uuid.UUID) (int, error)

	// DeleteAllForAccount clears every pending challenge of an account,
	// registration and authentication alike.
	DeleteAllForAccount(ctx context.Context, accountID uuid.UUID) error

	// CleanupExpired garbage-collects rows past their expires_at.
	CleanupExpired(ctx context.Context) error
}

type challengeRepo struct {
	db DB
}

func NewChallengeRepository(db DB) ChallengeRepository {
	return &challengeRepo{db: db}
}

func (r *challengeRepo) PutRegistration(ctx context.Context, c *models.RegistrationChallenge) error {
	q := `
        INSERT INTO registration_challenges (id, account_id, challenge, expires_at, created_at)
        VALUES ($1, $2, $3, $4, NOW())
        ON CONFLICT (account_id) DO UPDATE
        SET id = EXCLUDED.id,
            challenge = EXCLUDED.challenge,
            expires_at = EXCLUDED.expires_at,
            created_at = NOW()
    `
	_, err := r.db.Exec(ctx, q, c.ID, c.AccountID, c.Challenge, c.ExpiresAt)
	return err
}

func (r *challengeRepo) ConsumeRegistration(ctx context.Context, accountID uuid.UUID) (*models.RegistrationChallenge, error) {
	// No expires_at predicate: the caller needs the row back to tell an
	// expired challenge apart from a missing one.
	q := `
        DELETE FROM registration_challenges
        WHERE account_id = $1
        RETURNING id, account_id, challenge, expires_at, created_at
    `
	row := r.db.QueryRow(ctx, q, accountID)

	var c models.RegistrationChallenge
	err := row.Scan(&c.ID, &c.AccountID, &c.Challenge, &c.ExpiresAt, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *challengeRepo) AppendAuth(ctx context.Context, c *models.AuthChallenge, maxPending int) error {
	prune := `
        DELETE FROM auth_challenges
        WHERE account_id IS NOT DISTINCT FROM $1 AND expires_at < NOW()
    `
	if _, err := r.db.Exec(ctx, prune, c.AccountID); err != nil {
		return err
	}

	// The bounded-list guarantee applies per account; the shared channel
	// for unresolved clients relies on short TTLs plus the cron sweep.
	if c.AccountID != nil {
		evict := `
            DELETE FROM auth_challenges
            WHERE account_id = $1
              AND id NOT IN (
                SELECT id FROM auth_challenges
                WHERE account_id = $1
                ORDER BY created_at DESC, id DESC
                LIMIT $2
              )
        `
		if _, err := r.db.Exec(ctx, evict, c.AccountID, maxPending-1); err != nil {
			return err
		}
	}

	ins := `
        INSERT INTO auth_challenges (id, account_id, challenge, expires_at, created_at)
        VALUES ($1, $2, $3, $4, NOW())
    `
	_, err := r.db.Exec(ctx, ins, c.ID, c.AccountID, c.Challenge, c.ExpiresAt)
	return err
}

func (r *challengeRepo) ConsumeAuthByID(ctx context.Context, id uuid.UUID) (*models.AuthChallenge, error) {
	q := `
        DELETE FROM auth_challenges
        WHERE id = $1
        RETURNING id, account_id, challenge, expires_at, created_at
    `
	row := r.db.QueryRow(ctx, q, id)

	var c models.AuthChallenge
	err := row.Scan(&c.ID, &c.AccountID, &c.Challenge, &c.ExpiresAt, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *challengeRepo) ConsumeAuth(ctx context.Context, accountID *uuid.UUID, challenge []byte) (*models.AuthChallenge, error) {
	q := `
        DELETE FROM auth_challenges
        WHERE account_id IS NOT DISTINCT FROM $1 AND challenge = $2
        RETURNING id, account_id, challenge, expires_at, created_at
    `
	row := r.db.QueryRow(ctx, q, accountID, challenge)

	var c models.AuthChallenge
	err := row.Scan(&c.ID, &c.AccountID, &c.Challenge, &c.ExpiresAt, &c.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *challengeRepo) CountPendingAuth(ctx context.Context, accountID *uuid.UUID) (int, error) {
	q := `SELECT COUNT(*) FROM auth_challenges WHERE account_id IS NOT DISTINCT FROM $1`
	var n int
	err := r.db.QueryRow(ctx, q, accountID).Scan(&n)
	return n, err
}

func (r *challengeRepo) DeleteAllForAccount(ctx context.Context, accountID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM registration_challenges WHERE account_id = $1`, accountID); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `DELETE FROM auth_challenges WHERE account_id = $1`, accountID)
	return err
}

func (r *challengeRepo) CleanupExpired(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM registration_challenges WHERE expires_at < NOW()`); err != nil {
		return err
	}
	_, err := r.db.Exec(ctx, `DELETE FROM auth_challenges WHERE expires_at < NOW()`)
	return err
}
