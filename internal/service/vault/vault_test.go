package vault

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tuneway/tuneway-connect/internal/adapter/provider"
	"github.com/tuneway/tuneway-connect/internal/classify"
	"github.com/tuneway/tuneway-connect/internal/domain/audit"
	"github.com/tuneway/tuneway-connect/internal/domain/connect"
	"github.com/tuneway/tuneway-connect/internal/tokencrypt"
)

func TestSaveFromExchangeEncryptsTokens(t *testing.T) {
	h := newVaultHarness(t)
	ctx := context.Background()

	conn, err := h.vault.SaveFromExchange(ctx, h.provider(), h.session(), &provider.TokenResponse{
		AccessToken:  "plaintext-access",
		RefreshToken: "plaintext-refresh",
		TokenType:    "Bearer",
		ExpiresIn:    3600,
	})
	require.NoError(t, err)
	require.Equal(t, connect.ConnectionConnected, conn.Status)
	require.True(t, conn.IsActive)
	require.Equal(t, h.clock.Add(time.Hour), conn.TokenExpiry)

	// Stored blobs are ciphertext, recoverable only through the cipher.
	require.NotEqual(t, "plaintext-access", conn.AccessTokenEnc)
	require.NotEqual(t, "plaintext-refresh", conn.RefreshTokenEnc)
	access, err := h.cipher.Decrypt(conn.AccessTokenEnc)
	require.NoError(t, err)
	require.Equal(t, "plaintext-access", access)
}

func TestSaveFromExchangeDefaultsExpiry(t *testing.T) {
	h := newVaultHarness(t)
	conn, err := h.vault.SaveFromExchange(context.Background(), h.provider(), h.session(), &provider.TokenResponse{
		AccessToken: "access",
	})
	require.NoError(t, err)
	require.Equal(t, h.clock.Add(time.Hour), conn.TokenExpiry)
}

func TestSaveFromExchangeReplacesExistingConnection(t *testing.T) {
	h := newVaultHarness(t)
	ctx := context.Background()

	first, err := h.vault.SaveFromExchange(ctx, h.provider(), h.session(), &provider.TokenResponse{AccessToken: "one"})
	require.NoError(t, err)
	second, err := h.vault.SaveFromExchange(ctx, h.provider(), h.session(), &provider.TokenResponse{AccessToken: "two"})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Len(t, h.connections.items, 1)
}

func TestRefreshNoopInsideValidity(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Hour))

	result, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.NoError(t, err)
	require.False(t, result.Refreshed)
	require.Zero(t, h.client.refreshCalls)
}

func TestRefreshForcedInsideValidity(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Hour))
	h.client.refreshResponses = []refreshOutcome{{tok: &provider.TokenResponse{AccessToken: "new-access", ExpiresIn: 7200}}}

	result, err := h.vault.Refresh(context.Background(), conn.ID, true)
	require.NoError(t, err)
	require.True(t, result.Refreshed)
	require.Equal(t, 1, h.client.refreshCalls)
}

func TestRefreshInsideExpiryBuffer(t *testing.T) {
	h := newVaultHarness(t)
	// Two minutes to expiry is inside the five-minute buffer.
	conn := h.seedConnection(t, h.clock.Add(2*time.Minute))
	h.client.refreshResponses = []refreshOutcome{{tok: &provider.TokenResponse{AccessToken: "new-access", RefreshToken: "rotated-refresh", ExpiresIn: 3600}}}

	result, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.NoError(t, err)
	require.True(t, result.Refreshed)
	require.Equal(t, h.clock.Add(time.Hour), result.TokenExpiry)

	stored := h.connections.items[conn.ID]
	require.Zero(t, stored.ConsecutiveErrors)
	require.Equal(t, int64(1), stored.RefreshSuccesses)
	rotated, err := h.cipher.Decrypt(stored.RefreshTokenEnc)
	require.NoError(t, err)
	require.Equal(t, "rotated-refresh", rotated)
}

func TestRefreshKeepsOldRefreshTokenWhenNotRotated(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Minute))
	h.client.refreshResponses = []refreshOutcome{{tok: &provider.TokenResponse{AccessToken: "new-access", ExpiresIn: 3600}}}

	_, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.NoError(t, err)

	stored := h.connections.items[conn.ID]
	old, err := h.cipher.Decrypt(stored.RefreshTokenEnc)
	require.NoError(t, err)
	require.Equal(t, "seed-refresh", old)
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Minute))
	h.client.refreshResponses = []refreshOutcome{
		{err: &provider.Error{Code: "server_error", Status: 500}},
		{err: &provider.Error{Code: "server_error", Status: 500}},
		{tok: &provider.TokenResponse{AccessToken: "finally", ExpiresIn: 3600}},
	}

	result, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.NoError(t, err)
	require.True(t, result.Refreshed)
	require.Equal(t, 3, result.Attempts)
	// Delays follow 2^attempt seconds between tries.
	require.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.sleeps)
}

func TestRefreshFailFastOnInvalidGrant(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Minute))
	h.client.refreshResponses = []refreshOutcome{
		{err: &provider.Error{Code: "invalid_grant", Status: 400}},
	}

	result, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.Error(t, err)
	require.False(t, result.Refreshed)
	require.Equal(t, 1, result.Attempts)
	require.Equal(t, 1, h.client.refreshCalls)
	require.Empty(t, h.sleeps)

	stored := h.connections.items[conn.ID]
	require.Equal(t, 1, stored.ConsecutiveErrors)
	require.Equal(t, "invalid_grant", stored.LastErrorCode)
}

func TestRefreshDegradesAtThreshold(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Minute))
	seed := h.connections.items[conn.ID]
	seed.ConsecutiveErrors = connect.DegradeThreshold - 1
	h.connections.items[conn.ID] = seed

	h.client.refreshResponses = []refreshOutcome{
		{err: &provider.Error{Code: "invalid_grant", Status: 400}},
	}

	result, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.Error(t, err)
	require.Equal(t, connect.ConnectionDegraded, result.Status)

	event := h.auditor.lastOfType(audit.EventAuthFailure)
	require.NotNil(t, event)
	require.Equal(t, audit.RiskHigh, event.risk)
}

func TestRefreshRejectsRevokedConnection(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Minute))
	stored := h.connections.items[conn.ID]
	stored.Status = connect.ConnectionRevoked
	stored.IsActive = false
	h.connections.items[conn.ID] = stored

	_, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.ErrorIs(t, err, connect.ErrConnectionRevoked)
}

func TestRefreshUnsupportedProvider(t *testing.T) {
	h := newVaultHarness(t)
	p := h.providers.items["spotify"]
	p.SupportsRefresh = false
	h.providers.items["spotify"] = p
	conn := h.seedConnection(t, h.clock.Add(time.Minute))

	_, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.ErrorIs(t, err, connect.ErrRefreshUnsupported)
}

func TestValidateExpiryBoundaryIsExclusive(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock)

	result, err := h.vault.Validate(context.Background(), conn.ID)
	require.NoError(t, err)
	require.False(t, result.IsValid)
	require.True(t, result.IsExpiringSoon)

	// One second of validity left: valid but expiring soon.
	conn2 := h.seedConnectionFor(t, "user-2", h.clock.Add(time.Second))
	result, err = h.vault.Validate(context.Background(), conn2.ID)
	require.NoError(t, err)
	require.True(t, result.IsValid)
	require.True(t, result.IsExpiringSoon)

	// Comfortably valid.
	conn3 := h.seedConnectionFor(t, "user-3", h.clock.Add(time.Hour))
	result, err = h.vault.Validate(context.Background(), conn3.ID)
	require.NoError(t, err)
	require.True(t, result.IsValid)
	require.False(t, result.IsExpiringSoon)
}

func TestTokensRoundTrip(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Hour))

	set, err := h.vault.Tokens(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Equal(t, "seed-access", set.AccessToken)
	require.Equal(t, "seed-refresh", set.RefreshToken)
	require.Equal(t, "Bearer", set.TokenType)
}

func TestRevokeClearsTokensAndNotifies(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Hour))

	require.NoError(t, h.vault.Revoke(context.Background(), conn.ID, "user_requested"))

	stored := h.connections.items[conn.ID]
	require.Equal(t, connect.ConnectionRevoked, stored.Status)
	require.False(t, stored.IsActive)
	require.Empty(t, stored.AccessTokenEnc)
	require.Empty(t, stored.RefreshTokenEnc)
	require.Equal(t, "user_requested", stored.RevokeReason)
	require.Equal(t, 1, h.client.revokeCalls)
	require.Len(t, h.notifier.revocations, 1)

	// Idempotent: second revoke is a no-op.
	require.NoError(t, h.vault.Revoke(context.Background(), conn.ID, "again"))
	require.Equal(t, 1, h.client.revokeCalls)
	require.Len(t, h.notifier.revocations, 1)
}

func TestRevokeSurvivesProviderFailure(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Hour))
	h.client.revokeErr = &provider.Error{Code: "server_error", Status: 503}

	require.NoError(t, h.vault.Revoke(context.Background(), conn.ID, "cleanup"))
	require.Equal(t, connect.ConnectionRevoked, h.connections.items[conn.ID].Status)
}

func TestUpdateRetriesOnVersionConflict(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Minute))
	h.connections.conflicts = 2
	h.client.refreshResponses = []refreshOutcome{{tok: &provider.TokenResponse{AccessToken: "new", ExpiresIn: 3600}}}

	result, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.NoError(t, err)
	require.True(t, result.Refreshed)
}

func TestUpdateGivesUpAfterRepeatedConflicts(t *testing.T) {
	h := newVaultHarness(t)
	conn := h.seedConnection(t, h.clock.Add(time.Minute))
	h.connections.conflicts = 10
	h.client.refreshResponses = []refreshOutcome{{tok: &provider.TokenResponse{AccessToken: "new", ExpiresIn: 3600}}}

	_, err := h.vault.Refresh(context.Background(), conn.ID, false)
	require.ErrorIs(t, err, connect.ErrVersionConflict)
}

// ---- Test harness and fakes ----

type vaultHarness struct {
	vault       *Vault
	providers   *fakeProviderRepo
	connections *fakeConnectionRepo
	client      *scriptedClient
	cipher      *tokencrypt.Cipher
	auditor     *recordingAuditor
	notifier    *recordingNotifier
	clock       time.Time
	sleeps      []time.Duration
}

func newVaultHarness(t *testing.T) *vaultHarness {
	t.Helper()
	cipher, err := tokencrypt.New("test-installation-secret")
	require.NoError(t, err)

	h := &vaultHarness{
		providers: &fakeProviderRepo{items: map[string]connect.Provider{
			"spotify": {
				ID:                 "spotify",
				TokenURL:           "https://accounts.spotify.test/api/token",
				RevocationURL:      "https://accounts.spotify.test/api/revoke",
				ClientID:           "client-1",
				SupportsRefresh:    true,
				SupportsRevocation: true,
				Enabled:            true,
			},
		}},
		connections: &fakeConnectionRepo{items: map[string]connect.Connection{}},
		client:      &scriptedClient{},
		cipher:      cipher,
		auditor:     &recordingAuditor{},
		notifier:    &recordingNotifier{},
		clock:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.vault = New(h.providers, h.connections, h.client, cipher, classify.NewClassifier(), h.auditor, h.notifier, zap.NewNop())
	h.vault.now = func() time.Time { return h.clock }
	h.vault.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

func (h *vaultHarness) provider() connect.Provider {
	return h.providers.items["spotify"]
}

func (h *vaultHarness) session() connect.Session {
	return connect.Session{
		ID:         "sess-1",
		UserID:     "user-1",
		ProviderID: "spotify",
		Platform:   connect.PlatformWeb,
		Scopes:     []string{"user-read"},
	}
}

func (h *vaultHarness) seedConnection(t *testing.T, expiry time.Time) connect.Connection {
	return h.seedConnectionFor(t, "user-1", expiry)
}

func (h *vaultHarness) seedConnectionFor(t *testing.T, userID string, expiry time.Time) connect.Connection {
	t.Helper()
	accessEnc, err := h.cipher.Encrypt("seed-access")
	require.NoError(t, err)
	refreshEnc, err := h.cipher.Encrypt("seed-refresh")
	require.NoError(t, err)

	conn := connect.Connection{
		ID:              "conn-" + userID,
		UserID:          userID,
		ProviderID:      "spotify",
		Platform:        connect.PlatformWeb,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		TokenExpiry:     expiry,
		GrantedScopes:   []string{"user-read"},
		Status:          connect.ConnectionConnected,
		IsActive:        true,
		UpdatedAt:       h.clock.Add(-time.Hour),
	}
	h.connections.items[conn.ID] = conn
	return conn
}

type fakeProviderRepo struct {
	items map[string]connect.Provider
}

func (f *fakeProviderRepo) Get(_ context.Context, providerID string) (connect.Provider, error) {
	p, ok := f.items[providerID]
	if !ok {
		return connect.Provider{}, connect.ErrProviderNotFound
	}
	return p, nil
}

func (f *fakeProviderRepo) List(_ context.Context) ([]connect.Provider, error) {
	out := make([]connect.Provider, 0, len(f.items))
	for _, p := range f.items {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeProviderRepo) Upsert(_ context.Context, p connect.Provider) error {
	f.items[p.ID] = p
	return nil
}

type fakeConnectionRepo struct {
	mu        sync.Mutex
	items     map[string]connect.Connection
	conflicts int
}

func (f *fakeConnectionRepo) Create(_ context.Context, conn connect.Connection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[conn.ID] = conn
	return nil
}

func (f *fakeConnectionRepo) Get(_ context.Context, connectionID string) (connect.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn, ok := f.items[connectionID]
	if !ok {
		return connect.Connection{}, connect.ErrConnectionNotFound
	}
	return conn, nil
}

func (f *fakeConnectionRepo) FindActiveByUserProvider(_ context.Context, userID, providerID string) (connect.Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.items {
		if conn.UserID == userID && conn.ProviderID == providerID && conn.IsActive {
			return conn, nil
		}
	}
	return connect.Connection{}, connect.ErrConnectionNotFound
}

func (f *fakeConnectionRepo) Update(_ context.Context, conn connect.Connection, expectedUpdatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflicts > 0 {
		f.conflicts--
		return connect.ErrVersionConflict
	}
	current, ok := f.items[conn.ID]
	if !ok {
		return connect.ErrConnectionNotFound
	}
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return connect.ErrVersionConflict
	}
	f.items[conn.ID] = conn
	return nil
}

type refreshOutcome struct {
	tok *provider.TokenResponse
	err error
}

type scriptedClient struct {
	refreshResponses []refreshOutcome
	refreshCalls     int
	revokeCalls      int
	revokeErr        error
}

func (s *scriptedClient) Exchange(_ context.Context, _ connect.Provider, _, _, _ string) (*provider.TokenResponse, error) {
	return &provider.TokenResponse{AccessToken: "exchanged", ExpiresIn: 3600}, nil
}

func (s *scriptedClient) Refresh(_ context.Context, _ connect.Provider, _ string) (*provider.TokenResponse, error) {
	idx := s.refreshCalls
	s.refreshCalls++
	if idx >= len(s.refreshResponses) {
		return nil, &provider.Error{Code: "server_error", Status: 500}
	}
	out := s.refreshResponses[idx]
	return out.tok, out.err
}

func (s *scriptedClient) Revoke(_ context.Context, _ connect.Provider, _ string) error {
	s.revokeCalls++
	return s.revokeErr
}

type auditedEvent struct {
	userID    string
	eventType audit.EventType
	risk      audit.RiskLevel
	metadata  audit.Metadata
}

type recordingAuditor struct {
	mu     sync.Mutex
	events []auditedEvent
}

func (r *recordingAuditor) LogEvent(_ context.Context, userID string, eventType audit.EventType, risk audit.RiskLevel, _ string, metadata audit.Metadata) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, auditedEvent{userID, eventType, risk, metadata})
	return "event-1", nil
}

func (r *recordingAuditor) lastOfType(eventType audit.EventType) *auditedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].eventType == eventType {
			return &r.events[i]
		}
	}
	return nil
}

type recordingNotifier struct {
	mu          sync.Mutex
	revocations []string
}

func (r *recordingNotifier) PublishRevocation(_ context.Context, conn connect.Connection, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revocations = append(r.revocations, conn.ID+":"+reason)
	return nil
}
