package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/tuneway/tuneway-connect/internal/domain/audit"
	"github.com/tuneway/tuneway-connect/internal/domain/connect"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// providers
// ---------------------------------------------------------------------------

func sampleProvider() connect.Provider {
	return connect.Provider{
		ID:               "spotify",
		DisplayName:      "Spotify",
		AuthorizationURL: "https://accounts.spotify.test/authorize",
		TokenURL:         "https://accounts.spotify.test/api/token",
		ClientID:         "client-1",
		ClientSecretRef:  "spotify_client_secret",
		AuthScheme:       connect.AuthSchemeBasic,
		AllowedScopes:    []string{"user-read"},
		DefaultScopes:    []string{"user-read"},
		Platforms:        []connect.Platform{connect.PlatformWeb},
		RedirectTemplates: map[connect.Platform]string{
			connect.PlatformWeb: "https://connect.test/callback?provider={provider}",
		},
		SupportsRefresh: true,
		Enabled:         true,
		CreatedAt:       testTime,
		UpdatedAt:       testTime,
	}
}

func providerColumnNames() []string {
	return []string{
		"id", "display_name", "authorization_url", "token_url", "revocation_url",
		"client_id", "client_secret_ref", "auth_scheme", "allowed_scopes",
		"default_scopes", "platforms", "redirect_templates", "extra_auth_params",
		"supports_refresh", "supports_revocation", "enabled", "created_at", "updated_at",
	}
}

func providerRow(p connect.Provider) *pgxmock.Rows {
	redirects, _ := json.Marshal(p.RedirectTemplates)
	extra, _ := json.Marshal(p.ExtraAuthParams)
	return pgxmock.NewRows(providerColumnNames()).AddRow(
		p.ID, p.DisplayName, p.AuthorizationURL, p.TokenURL, p.RevocationURL,
		p.ClientID, p.ClientSecretRef, string(p.AuthScheme), p.AllowedScopes,
		p.DefaultScopes, platformStrings(p.Platforms), redirects, extra,
		p.SupportsRefresh, p.SupportsRevocation, p.Enabled, p.CreatedAt, p.UpdatedAt,
	)
}

func TestProviderRepoGet(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresProviderRepo(mock)
	p := sampleProvider()

	mock.ExpectQuery("SELECT (.+) FROM providers WHERE id").
		WithArgs("spotify").
		WillReturnRows(providerRow(p))

	got, err := repo.Get(context.Background(), "spotify")
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, connect.AuthSchemeBasic, got.AuthScheme)
	require.Equal(t, []connect.Platform{connect.PlatformWeb}, got.Platforms)
	require.Equal(t, p.RedirectTemplates, got.RedirectTemplates)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProviderRepoGetNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresProviderRepo(mock)

	mock.ExpectQuery("SELECT (.+) FROM providers WHERE id").
		WithArgs("winamp").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), "winamp")
	require.ErrorIs(t, err, connect.ErrProviderNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProviderRepoUpsert(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresProviderRepo(mock)
	p := sampleProvider()
	redirects, _ := json.Marshal(p.RedirectTemplates)
	extra, _ := json.Marshal(p.ExtraAuthParams)

	mock.ExpectExec("INSERT INTO providers").
		WithArgs(
			p.ID, p.DisplayName, p.AuthorizationURL, p.TokenURL, p.RevocationURL,
			p.ClientID, p.ClientSecretRef, string(p.AuthScheme), p.AllowedScopes,
			p.DefaultScopes, platformStrings(p.Platforms), redirects, extra,
			p.SupportsRefresh, p.SupportsRevocation, p.Enabled, pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Upsert(context.Background(), p))
	require.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// sessions
// ---------------------------------------------------------------------------

func sampleSession() connect.Session {
	return connect.Session{
		ID:            "sess-1",
		UserID:        "user-1",
		ProviderID:    "spotify",
		Platform:      connect.PlatformWeb,
		State:         "state-1",
		CodeVerifier:  "verifier",
		CodeChallenge: "challenge",
		Scopes:        []string{"user-read"},
		RedirectURI:   "https://connect.test/callback?provider=spotify",
		AuthURL:       "https://accounts.spotify.test/authorize?x=1",
		Status:        connect.SessionPending,
		CreatedAt:     testTime,
		ExpiresAt:     testTime.Add(connect.SessionTTL),
		UpdatedAt:     testTime,
	}
}

func TestSessionRepoCreate(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresSessionRepo(mock)
	s := sampleSession()

	mock.ExpectExec("INSERT INTO sessions").
		WithArgs(
			s.ID, s.UserID, s.ProviderID, string(s.Platform), s.State,
			s.CodeVerifier, s.CodeChallenge, s.Scopes, s.RedirectURI, s.AuthURL,
			s.ReturnURL, string(s.Status), s.ConnectionID, s.ErrorCode,
			s.ErrorMessage, s.CreatedAt, s.ExpiresAt, s.UpdatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), s))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepoTransitionOnlyFromPending(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresSessionRepo(mock)
	s := sampleSession()
	s.Status = connect.SessionCompleted
	s.ConnectionID = "conn-1"

	mock.ExpectExec("UPDATE sessions").
		WithArgs(s.ID, string(s.Status), s.ConnectionID, s.ErrorCode, s.ErrorMessage, s.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Transition(context.Background(), s))

	// Row already terminal: zero rows affected.
	mock.ExpectExec("UPDATE sessions").
		WithArgs(s.ID, string(s.Status), s.ConnectionID, s.ErrorCode, s.ErrorMessage, s.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Transition(context.Background(), s)
	require.ErrorIs(t, err, connect.ErrSessionTerminal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepoExpireStale(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresSessionRepo(mock)

	mock.ExpectExec("UPDATE sessions").
		WithArgs(testTime).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := repo.ExpireStale(context.Background(), testTime)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepoFindPendingNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresSessionRepo(mock)

	mock.ExpectQuery("SELECT (.+) FROM sessions").
		WithArgs("missing-state").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.FindPendingByState(context.Background(), "missing-state")
	require.ErrorIs(t, err, connect.ErrSessionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// connections
// ---------------------------------------------------------------------------

func sampleConnection() connect.Connection {
	return connect.Connection{
		ID:              "conn-1",
		UserID:          "user-1",
		ProviderID:      "spotify",
		Platform:        connect.PlatformWeb,
		AccessTokenEnc:  "enc-access",
		RefreshTokenEnc: "enc-refresh",
		TokenExpiry:     testTime.Add(time.Hour),
		GrantedScopes:   []string{"user-read"},
		Status:          connect.ConnectionConnected,
		IsActive:        true,
		LastRefreshAt:   testTime,
		CreatedAt:       testTime,
		UpdatedAt:       testTime,
	}
}

func connectionColumnNames() []string {
	return []string{
		"id", "user_id", "provider_id", "platform", "access_token_enc",
		"refresh_token_enc", "token_expiry", "granted_scopes", "status",
		"consecutive_errors", "refresh_successes", "refresh_failures",
		"is_active", "last_refresh_at", "last_error_at", "last_error_code",
		"revoked_at", "revoke_reason", "created_at", "updated_at",
	}
}

func connectionRow(c connect.Connection) *pgxmock.Rows {
	return pgxmock.NewRows(connectionColumnNames()).AddRow(
		c.ID, c.UserID, c.ProviderID, string(c.Platform), c.AccessTokenEnc,
		c.RefreshTokenEnc, c.TokenExpiry, c.GrantedScopes, string(c.Status),
		c.ConsecutiveErrors, c.RefreshSuccesses, c.RefreshFailures,
		c.IsActive, nullableTime(c.LastRefreshAt), nullableTime(c.LastErrorAt),
		c.LastErrorCode, nullableTime(c.RevokedAt), c.RevokeReason,
		c.CreatedAt, c.UpdatedAt,
	)
}

func TestConnectionRepoGet(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresConnectionRepo(mock)
	c := sampleConnection()

	mock.ExpectQuery("SELECT (.+) FROM connections WHERE id").
		WithArgs("conn-1").
		WillReturnRows(connectionRow(c))

	got, err := repo.Get(context.Background(), "conn-1")
	require.NoError(t, err)
	require.Equal(t, c.ID, got.ID)
	require.Equal(t, connect.ConnectionConnected, got.Status)
	require.Equal(t, testTime, got.LastRefreshAt)
	require.True(t, got.LastErrorAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepoGetNotFound(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresConnectionRepo(mock)

	mock.ExpectQuery("SELECT (.+) FROM connections WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), "missing")
	require.ErrorIs(t, err, connect.ErrConnectionNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepoUpdateVersionConflict(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresConnectionRepo(mock)
	c := sampleConnection()
	stale := testTime.Add(-time.Minute)

	mock.ExpectExec("UPDATE connections").
		WithArgs(
			c.ID, c.AccessTokenEnc, c.RefreshTokenEnc, c.TokenExpiry,
			c.GrantedScopes, string(c.Status), c.ConsecutiveErrors,
			c.RefreshSuccesses, c.RefreshFailures, c.IsActive,
			nullableTime(c.LastRefreshAt), nullableTime(c.LastErrorAt),
			c.LastErrorCode, nullableTime(c.RevokedAt), c.RevokeReason,
			c.UpdatedAt, stale,
		).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Update(context.Background(), c, stale)
	require.ErrorIs(t, err, connect.ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// audit
// ---------------------------------------------------------------------------

func TestAuditRepoInsertEvent(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresAuditRepo(mock)

	event := audit.Event{
		ID:          "evt-1",
		UserID:      "user-1",
		Type:        audit.EventAuthStart,
		Risk:        audit.RiskLow,
		Description: "flow started",
		Metadata:    audit.Metadata{Provider: "spotify", IPAddress: "10.0.0.1"},
		CreatedAt:   testTime,
		ExpiresAt:   testTime.Add(audit.Retention),
	}
	metadata, _ := json.Marshal(event.Metadata)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(
			event.ID, event.UserID, string(event.Type), int(event.Risk),
			event.Description, metadata, event.Resolved, event.CreatedAt, event.ExpiresAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.InsertEvent(context.Background(), event))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepoCountEventsSince(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresAuditRepo(mock)
	since := testTime.Add(-time.Hour)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("user-1", string(audit.EventLoginAttempt), since).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(11))

	count, err := repo.CountEventsSince(context.Background(), "user-1", audit.EventLoginAttempt, since)
	require.NoError(t, err)
	require.Equal(t, 11, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRepoRecentTokenFingerprints(t *testing.T) {
	mock := newMock(t)
	repo := NewPostgresAuditRepo(mock)

	mock.ExpectQuery("SELECT metadata").
		WithArgs("user-1", "spotify", 5).
		WillReturnRows(pgxmock.NewRows([]string{"fingerprint"}).
			AddRow("fp-newest").
			AddRow("fp-older"))

	fps, err := repo.RecentTokenFingerprints(context.Background(), "user-1", "spotify", 5)
	require.NoError(t, err)
	require.Equal(t, []string{"fp-newest", "fp-older"}, fps)
	require.NoError(t, mock.ExpectationsWereMet())
}
