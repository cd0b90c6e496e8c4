package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/poofware/biometric-auth-service/internal/models"
)

// DeviceSessionRepository keeps the per-account history of devices that
// recently authenticated. The history is deduplicated by fingerprint
// and trimmed to a fixed size, most recent first.
type DeviceSessionRepository interface {
	// Touch records a sighting of the device, refreshing last_seen_at
	// when the fingerprint is already known, then trims the account's
	// history to maxEntries.
	Touch(ctx context.Context, s *models.DeviceSession, maxEntries int) error

	// ListByAccount returns the history, most recent first.
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.DeviceSession, error)

	// DeleteAllForAccount clears the history (credential removal).
	DeleteAllForAccount(ctx context.Context, accountID uuid.UUID) error
}

type deviceSessionRepo struct {
	db DB
}

func NewDeviceSessionRepository(db DB) DeviceSessionRepository {
	return &deviceSessionRepo{db: db}
}

func (r *deviceSessionRepo) Touch(ctx context.Context, s *models.DeviceSession, maxEntries int) error {
	upsert := `
        INSERT INTO device_sessions (id, account_id, fingerprint, platform, user_agent, last_seen_at)
        VALUES ($1, $2, $3, $4, $5, NOW())
        ON CONFLICT (account_id, fingerprint) DO UPDATE
        SET platform = EXCLUDED.platform,
            user_agent = EXCLUDED.user_agent,
            last_seen_at = NOW()
    `
	if _, err := r.db.Exec(ctx, upsert, s.ID, s.AccountID, s.Fingerprint, s.Platform, s.UserAgent); err != nil {
		return err
	}

	trim := `
        DELETE FROM device_sessions
        WHERE account_id = $1
          AND id NOT IN (
            SELECT id FROM device_sessions
            WHERE account_id = $1
            ORDER BY last_seen_at DESC, id DESC
            LIMIT $2
          )
    `
	_, err := r.db.Exec(ctx, trim, s.AccountID, maxEntries)
	return err
}

func (r *deviceSessionRepo) ListByAccount(ctx context.Context, accountID uuid.UUID) ([]models.DeviceSession, error) {
	q := `
        SELECT id, account_id, fingerprint, platform, user_agent, last_seen_at
        FROM device_sessions
        WHERE account_id = $1
        ORDER BY last_seen_at DESC, id DESC
    `
	rows, err := r.db.Query(ctx, q, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.DeviceSession
	for rows.Next() {
		var s models.DeviceSession
		if err := rows.Scan(&s.ID, &s.AccountID, &s.Fingerprint, &s.Platform, &s.UserAgent, &s.LastSeenAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (r *deviceSessionRepo) DeleteAllForAccount(ctx context.Context, accountID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM device_sessions WHERE account_id = $1`, accountID)
	return err
}
