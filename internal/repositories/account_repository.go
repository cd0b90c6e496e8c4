package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/biometric-auth-service/internal/models"
)

// AccountRepository resolves accounts for the biometric flows. Account
// creation and profile management live in the account service; this
// service only reads.
type AccountRepository interface {
	// GetByID returns the account or nil, nil when absent.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)

	// GetByEmail returns the account or nil, nil when absent. Used to
	// resolve the optional account hint on begin-authentication.
	GetByEmail(ctx context.Context, email string) (*models.Account, error)

	// GetByCredentialID resolves the account owning the given credential
	// id, for responses that arrive without an account binding.
	GetByCredentialID(ctx context.Context, credentialID []byte) (*models.Account, error)
}

type accountRepo struct {
	db DB
}

func NewAccountRepository(db DB) AccountRepository {
	return &accountRepo{db: db}
}

const accountColumns = `id, email, display_name, status, row_version, created_at, updated_at`

func (r *accountRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return r.scanAccount(r.db.QueryRow(ctx, q, id))
}

func (r *accountRepo) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	q := `SELECT ` + accountColumns + ` FROM accounts WHERE LOWER(email) = LOWER($1)`
	return r.scanAccount(r.db.QueryRow(ctx, q, email))
}

func (r *accountRepo) GetByCredentialID(ctx context.Context, credentialID []byte) (*models.Account, error) {
	q := `
        SELECT a.id, a.email, a.display_name, a.status, a.row_version, a.created_at, a.updated_at
        FROM accounts a
        JOIN biometric_credentials c ON c.account_id = a.id
        WHERE c.credential_id = $1
    `
	return r.scanAccount(r.db.QueryRow(ctx, q, credentialID))
}

func (r *accountRepo) scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.DisplayName,
		&a.Status,
		&a.RowVersion,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
