package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/poofware/biometric-auth-service/internal/models"
)

// CredentialRepository stores the single biometric credential an
// account may hold.
type CredentialRepository interface {
	// Create inserts the credential. Returns false when the account
	// already holds one or the credential id is taken elsewhere; the
	// database decides the winner of concurrent registrations.
	Create(ctx context.Context, c *models.BiometricCredential) (bool, error)

	// GetByAccountID returns the credential or nil, nil when absent.
	GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.BiometricCredential, error)

	// UpdateCounter advances the signature counter. The write only
	// lands when newCounter is strictly greater than the stored value,
	// or when both are zero (authenticators without a counter). Returns
	// false when the condition rejects the write, which callers must
	// treat as a cloned-credential signal.
	UpdateCounter(ctx context.Context, accountID uuid.UUID, newCounter uint32) (bool, error)

	// Delete removes the account's credential. Returns false when there
	// was none.
	Delete(ctx context.Context, accountID uuid.UUID) (bool, error)
}

type credentialRepo struct {
	db DB
}

func NewCredentialRepository(db DB) CredentialRepository {
	return &credentialRepo{db: db}
}

func (r *credentialRepo) Create(ctx context.Context, c *models.BiometricCredential) (bool, error) {
	q := `
        INSERT INTO biometric_credentials
            (account_id, credential_id, public_key, counter, transports, device_type, backed_up, registered_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
        ON CONFLICT DO NOTHING
    `
	tag, err := r.db.Exec(ctx, q,
		c.AccountID,
		c.CredentialID,
		c.PublicKey,
		c.Counter,
		c.Transports,
		c.DeviceType,
		c.BackedUp,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *credentialRepo) GetByAccountID(ctx context.Context, accountID uuid.UUID) (*models.BiometricCredential, error) {
	q := `
        SELECT account_id, credential_id, public_key, counter, transports, device_type, backed_up, registered_at, last_used_at
        FROM biometric_credentials
        WHERE account_id = $1
    `
	row := r.db.QueryRow(ctx, q, accountID)

	var c models.BiometricCredential
	err := row.Scan(
		&c.AccountID,
		&c.CredentialID,
		&c.PublicKey,
		&c.Counter,
		&c.Transports,
		&c.DeviceType,
		&c.BackedUp,
		&c.RegisteredAt,
		&c.LastUsedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *credentialRepo) UpdateCounter(ctx context.Context, accountID uuid.UUID, newCounter uint32) (bool, error) {
	q := `
        UPDATE biometric_credentials
        SET counter = $2, last_used_at = NOW()
        WHERE account_id = $1
          AND ($2 > counter OR (counter = 0 AND $2 = 0))
    `
	tag, err := r.db.Exec(ctx, q, accountID, newCounter)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *credentialRepo) Delete(ctx context.Context, accountID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM biometric_credentials WHERE account_id = $1`, accountID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
