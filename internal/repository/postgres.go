package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tuneway/tuneway-connect/internal/domain/connect"
)

// DB is the subset of pgxpool.Pool the repositories use. pgxmock
// satisfies it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Compile-time interface assertions.
var (
	_ ProviderRepository   = (*PostgresProviderRepo)(nil)
	_ SessionRepository    = (*PostgresSessionRepo)(nil)
	_ ConnectionRepository = (*PostgresConnectionRepo)(nil)
)

// PostgresProviderRepo implements ProviderRepository.
type PostgresProviderRepo struct {
	db DB
}

func NewPostgresProviderRepo(db DB) *PostgresProviderRepo {
	return &PostgresProviderRepo{db: db}
}

const providerColumns = `id, display_name, authorization_url, token_url, revocation_url,
client_id, client_secret_ref, auth_scheme, allowed_scopes, default_scopes,
platforms, redirect_templates, extra_auth_params, supports_refresh,
supports_revocation, enabled, created_at, updated_at`

func (r *PostgresProviderRepo) Get(ctx context.Context, providerID string) (connect.Provider, error) {
	query := fmt.Sprintf(`SELECT %s FROM providers WHERE id = $1`, providerColumns)
	provider, err := scanProvider(r.db.QueryRow(ctx, query, providerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connect.Provider{}, fmt.Errorf("provider %s: %w", providerID, connect.ErrProviderNotFound)
		}
		return connect.Provider{}, fmt.Errorf("get provider: %w", err)
	}
	return provider, nil
}

func (r *PostgresProviderRepo) List(ctx context.Context) ([]connect.Provider, error) {
	query := fmt.Sprintf(`SELECT %s FROM providers ORDER BY id`, providerColumns)
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var providers []connect.Provider
	for rows.Next() {
		provider, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, provider)
	}
	return providers, rows.Err()
}

func (r *PostgresProviderRepo) Upsert(ctx context.Context, provider connect.Provider) error {
	redirects, err := json.Marshal(provider.RedirectTemplates)
	if err != nil {
		return fmt.Errorf("encode redirect templates: %w", err)
	}
	extra, err := json.Marshal(provider.ExtraAuthParams)
	if err != nil {
		return fmt.Errorf("encode extra params: %w", err)
	}

	const query = `
INSERT INTO providers (
	id, display_name, authorization_url, token_url, revocation_url,
	client_id, client_secret_ref, auth_scheme, allowed_scopes, default_scopes,
	platforms, redirect_templates, extra_auth_params, supports_refresh,
	supports_revocation, enabled, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)
ON CONFLICT (id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	authorization_url = EXCLUDED.authorization_url,
	token_url = EXCLUDED.token_url,
	revocation_url = EXCLUDED.revocation_url,
	client_id = EXCLUDED.client_id,
	client_secret_ref = EXCLUDED.client_secret_ref,
	auth_scheme = EXCLUDED.auth_scheme,
	allowed_scopes = EXCLUDED.allowed_scopes,
	default_scopes = EXCLUDED.default_scopes,
	platforms = EXCLUDED.platforms,
	redirect_templates = EXCLUDED.redirect_templates,
	extra_auth_params = EXCLUDED.extra_auth_params,
	supports_refresh = EXCLUDED.supports_refresh,
	supports_revocation = EXCLUDED.supports_revocation,
	enabled = EXCLUDED.enabled,
	updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		provider.ID,
		provider.DisplayName,
		provider.AuthorizationURL,
		provider.TokenURL,
		provider.RevocationURL,
		provider.ClientID,
		provider.ClientSecretRef,
		string(provider.AuthScheme),
		provider.AllowedScopes,
		provider.DefaultScopes,
		platformStrings(provider.Platforms),
		redirects,
		extra,
		provider.SupportsRefresh,
		provider.SupportsRevocation,
		provider.Enabled,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert provider: %w", err)
	}
	return nil
}

func scanProvider(row pgx.Row) (connect.Provider, error) {
	var (
		provider      connect.Provider
		authScheme    string
		platforms     []string
		redirectsJSON []byte
		extraJSON     []byte
	)
	if err := row.Scan(
		&provider.ID,
		&provider.DisplayName,
		&provider.AuthorizationURL,
		&provider.TokenURL,
		&provider.RevocationURL,
		&provider.ClientID,
		&provider.ClientSecretRef,
		&authScheme,
		&provider.AllowedScopes,
		&provider.DefaultScopes,
		&platforms,
		&redirectsJSON,
		&extraJSON,
		&provider.SupportsRefresh,
		&provider.SupportsRevocation,
		&provider.Enabled,
		&provider.CreatedAt,
		&provider.UpdatedAt,
	); err != nil {
		return connect.Provider{}, err
	}

	provider.AuthScheme = connect.ClientAuthScheme(authScheme)
	provider.Platforms = make([]connect.Platform, 0, len(platforms))
	for _, p := range platforms {
		provider.Platforms = append(provider.Platforms, connect.Platform(p))
	}
	if len(redirectsJSON) > 0 {
		if err := json.Unmarshal(redirectsJSON, &provider.RedirectTemplates); err != nil {
			return connect.Provider{}, fmt.Errorf("decode redirect templates: %w", err)
		}
	}
	if len(extraJSON) > 0 {
		if err := json.Unmarshal(extraJSON, &provider.ExtraAuthParams); err != nil {
			return connect.Provider{}, fmt.Errorf("decode extra params: %w", err)
		}
	}
	return provider, nil
}

func platformStrings(platforms []connect.Platform) []string {
	out := make([]string, 0, len(platforms))
	for _, p := range platforms {
		out = append(out, string(p))
	}
	return out
}

// PostgresSessionRepo implements SessionRepository. A partial unique index
// on sessions(state) WHERE status = 'pending' enforces state uniqueness
// among pending sessions.
type PostgresSessionRepo struct {
	db DB
}

func NewPostgresSessionRepo(db DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `id, user_id, provider_id, platform, state, code_verifier,
code_challenge, scopes, redirect_uri, auth_url, return_url, status,
connection_id, error_code, error_message, created_at, expires_at, updated_at`

func (r *PostgresSessionRepo) Create(ctx context.Context, session connect.Session) error {
	const query = `
INSERT INTO sessions (
	id, user_id, provider_id, platform, state, code_verifier, code_challenge,
	scopes, redirect_uri, auth_url, return_url, status, connection_id,
	error_code, error_message, created_at, expires_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	_, err := r.db.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.ProviderID,
		string(session.Platform),
		session.State,
		session.CodeVerifier,
		session.CodeChallenge,
		session.Scopes,
		session.RedirectURI,
		session.AuthURL,
		session.ReturnURL,
		string(session.Status),
		session.ConnectionID,
		session.ErrorCode,
		session.ErrorMessage,
		session.CreatedAt,
		session.ExpiresAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) Get(ctx context.Context, sessionID string) (connect.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns)
	return r.findOne(ctx, query, sessionID)
}

func (r *PostgresSessionRepo) FindPendingByState(ctx context.Context, state string) (connect.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE state = $1 AND status = 'pending'`, sessionColumns)
	return r.findOne(ctx, query, state)
}

func (r *PostgresSessionRepo) FindPendingByUserProvider(ctx context.Context, userID, providerID string) (connect.Session, error) {
	query := fmt.Sprintf(`
SELECT %s FROM sessions
WHERE user_id = $1 AND provider_id = $2 AND status = 'pending'
ORDER BY created_at DESC
LIMIT 1`, sessionColumns)
	return r.findOne(ctx, query, userID, providerID)
}

func (r *PostgresSessionRepo) findOne(ctx context.Context, query string, args ...any) (connect.Session, error) {
	var (
		session  connect.Session
		platform string
		status   string
	)
	err := r.db.QueryRow(ctx, query, args...).Scan(
		&session.ID,
		&session.UserID,
		&session.ProviderID,
		&platform,
		&session.State,
		&session.CodeVerifier,
		&session.CodeChallenge,
		&session.Scopes,
		&session.RedirectURI,
		&session.AuthURL,
		&session.ReturnURL,
		&status,
		&session.ConnectionID,
		&session.ErrorCode,
		&session.ErrorMessage,
		&session.CreatedAt,
		&session.ExpiresAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return connect.Session{}, connect.ErrSessionNotFound
		}
		return connect.Session{}, fmt.Errorf("get session: %w", err)
	}
	session.Platform = connect.Platform(platform)
	session.Status = connect.SessionStatus(status)
	return session, nil
}

func (r *PostgresSessionRepo) Transition(ctx context.Context, session connect.Session) error {
	const query = `
UPDATE sessions
SET status = $2, connection_id = $3, error_code = $4, error_message = $5, updated_at = $6
WHERE id = $1 AND status = 'pending'`

	tag, err := r.db.Exec(ctx, query,
		session.ID,
		string(session.Status),
		session.ConnectionID,
		session.ErrorCode,
		session.ErrorMessage,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return connect.ErrSessionTerminal
	}
	return nil
}

func (r *PostgresSessionRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
	const query = `
UPDATE sessions
SET status = 'expired', updated_at = $1
WHERE status = 'pending' AND expires_at <= $1`

	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
