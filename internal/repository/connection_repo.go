package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tuneway/tuneway-connect/internal/domain/connect"
)

// PostgresConnectionRepo implements ConnectionRepository. A partial unique
// index on connections(user_id, provider_id) WHERE is_active keeps at most
// one active connection per pair.
type PostgresConnectionRepo struct {
	db DB
}

func NewPostgresConnectionRepo(db DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

const connectionColumns = `id, user_id, provider_id, platform, access_token_enc,
refresh_token_enc, token_expiry, granted_scopes, status, consecutive_errors,
refresh_successes, refresh_failures, is_active, last_refresh_at, last_error_at,
last_error_code, revoked_at, revoke_reason, created_at, updated_at`

func (r *PostgresConnectionRepo) Create(ctx context.Context, conn connect.Connection) error {
	const query = `
INSERT INTO connections (
	id, user_id, provider_id, platform, access_token_enc, refresh_token_enc,
	token_expiry, granted_scopes, status, consecutive_errors, refresh_successes,
	refresh_failures, is_active, last_refresh_at, last_error_at, last_error_code,
	revoked_at, revoke_reason, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`

	_, err := r.db.Exec(ctx, query,
		conn.ID,
		conn.UserID,
		conn.ProviderID,
		string(conn.Platform),
		conn.AccessTokenEnc,
		conn.RefreshTokenEnc,
		conn.TokenExpiry,
		conn.GrantedScopes,
		string(conn.Status),
		conn.ConsecutiveErrors,
		conn.RefreshSuccesses,
		conn.RefreshFailures,
		conn.IsActive,
		nullableTime(conn.LastRefreshAt),
		nullableTime(conn.LastErrorAt),
		conn.LastErrorCode,
		nullableTime(conn.RevokedAt),
		conn.RevokeReason,
		conn.CreatedAt,
		conn.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

func (r *PostgresConnectionRepo) Get(ctx context.Context, connectionID string) (connect.Connection, error) {
	query := fmt.Sprintf(`SELECT %s FROM connections WHERE id = $1`, connectionColumns)
	return r.findOne(ctx, query, connectionID)
}

func (r *PostgresConnectionRepo) FindActiveByUserProvider(ctx context.Context, userID, providerID string) (connect.Connection, error) {
	query := fmt.Sprintf(`
SELECT %s FROM connections
WHERE user_id = $1 AND provider_id = $2 AND is_active`, connectionColumns)
	return r.findOne(ctx, query, userID, providerID)
}

func (r *PostgresConnectionRepo) findOne(ctx context.Context, query string, args ...any) (connect.Connection, error) {
	var (
		conn          connect.Connection
		platform      string
		status        string
		lastRefreshAt *time.Time
		lastErrorAt   *time.Time
		revokedAt     *time.Time
	)
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&conn.ID,
		&conn.UserID,
		&conn.ProviderID,
		&platform,
		&conn.AccessTokenEnc,
		&conn.RefreshTokenEnc,
		&conn.TokenExpiry,
		&conn.GrantedScopes,
		&status,
		&conn.ConsecutiveErrors,
		&conn.RefreshSuccesses,
		&conn.RefreshFailures,
		&conn.IsActive,
		&lastRefreshAt,
		&lastErrorAt,
		&conn.LastErrorCode,
		&revokedAt,
		&conn.RevokeReason,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connect.Connection{}, connect.ErrConnectionNotFound
		}
		return connect.Connection{}, fmt.Errorf("get connection: %w", err)
	}
	conn.Platform = connect.Platform(platform)
	conn.Status = connect.ConnectionStatus(status)
	conn.LastRefreshAt = timeValue(lastRefreshAt)
	conn.LastErrorAt = timeValue(lastErrorAt)
	conn.RevokedAt = timeValue(revokedAt)
	return conn, nil
}

func (r *PostgresConnectionRepo) Update(ctx context.Context, conn connect.Connection, expectedUpdatedAt time.Time) error {
	const query = `
UPDATE connections
SET access_token_enc = $2, refresh_token_enc = $3, token_expiry = $4,
	granted_scopes = $5, status = $6, consecutive_errors = $7,
	refresh_successes = $8, refresh_failures = $9, is_active = $10,
	last_refresh_at = $11, last_error_at = $12, last_error_code = $13,
	revoked_at = $14, revoke_reason = $15, updated_at = $16
WHERE id = $1 AND updated_at = $17`

	tag, err := r.db.Exec(ctx, query,
		conn.ID,
		conn.AccessTokenEnc,
		conn.RefreshTokenEnc,
		conn.TokenExpiry,
		conn.GrantedScopes,
		string(conn.Status),
		conn.ConsecutiveErrors,
		conn.RefreshSuccesses,
		conn.RefreshFailures,
		conn.IsActive,
		nullableTime(conn.LastRefreshAt),
		nullableTime(conn.LastErrorAt),
		conn.LastErrorCode,
		nullableTime(conn.RevokedAt),
		conn.RevokeReason,
		conn.UpdatedAt,
		expectedUpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return connect.ErrVersionConflict
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
