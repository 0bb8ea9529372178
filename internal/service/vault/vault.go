// Package vault owns the credential lifecycle after authorization:
// code-for-token exchange, refresh with retry, validation, and revocation.
// Tokens only exist decrypted inside a call; at rest they are sealed by
// the token cipher.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tuneway/tuneway-connect/internal/adapter/provider"
	"github.com/tuneway/tuneway-connect/internal/classify"
	"github.com/tuneway/tuneway-connect/internal/domain/audit"
	"github.com/tuneway/tuneway-connect/internal/domain/connect"
	"github.com/tuneway/tuneway-connect/internal/metrics"
	"github.com/tuneway/tuneway-connect/internal/repository"
	"github.com/tuneway/tuneway-connect/internal/tokencrypt"
)

const (
	refreshAttempts   = 3
	casRetries        = 3
	defaultTokenLife  = time.Hour
	fallbackErrorCode = "server_error"
)

// Auditor is the slice of the security auditor the vault reports into.
type Auditor interface {
	LogEvent(ctx context.Context, userID string, eventType audit.EventType, risk audit.RiskLevel, description string, metadata audit.Metadata) (string, error)
}

// Notifier publishes connection lifecycle events for downstream consumers
// (profile teardown, analytics invalidation).
type Notifier interface {
	PublishRevocation(ctx context.Context, conn connect.Connection, reason string) error
}

// RefreshResult reports the outcome of a Refresh call.
type RefreshResult struct {
	ConnectionID string
	Refreshed    bool
	TokenExpiry  time.Time
	Status       connect.ConnectionStatus
	Attempts     int
}

// ValidateResult is the pure read returned by Validate.
type ValidateResult struct {
	IsValid        bool
	IsExpiringSoon bool
}

// Vault implements the token lifecycle over the connection store.
type Vault struct {
	providers   repository.ProviderRepository
	connections repository.ConnectionRepository
	client      provider.Client
	cipher      *tokencrypt.Cipher
	classifier  *classify.Classifier
	auditor     Auditor
	notifier    Notifier
	logger      *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New wires the vault.
func New(
	providers repository.ProviderRepository,
	connections repository.ConnectionRepository,
	client provider.Client,
	cipher *tokencrypt.Cipher,
	classifier *classify.Classifier,
	auditor Auditor,
	notifier Notifier,
	logger *zap.Logger,
) *Vault {
	return &Vault{
		providers:   providers,
		connections: connections,
		client:      client,
		cipher:      cipher,
		classifier:  classifier,
		auditor:     auditor,
		notifier:    notifier,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// ExchangeCode performs the OAuth2 code-for-token exchange with the PKCE
// verifier. Provider failures come back classified, never as raw strings.
func (v *Vault) ExchangeCode(ctx context.Context, p connect.Provider, code, redirectURI, codeVerifier string) (*provider.TokenResponse, error) {
	tok, err := v.client.Exchange(ctx, p, code, codeVerifier, redirectURI)
	if err != nil {
		metrics.Exchanges.WithLabelValues(p.ID, "error").Inc()
		return nil, fmt.Errorf("%w: %w", connect.ErrTokenExchangeFailed, err)
	}
	metrics.Exchanges.WithLabelValues(p.ID, "ok").Inc()
	return tok, nil
}

// SaveFromExchange encrypts the exchanged tokens and upserts the user's
// connection: updated in place when an active one exists for the
// (user, provider) pair, inserted otherwise.
func (v *Vault) SaveFromExchange(ctx context.Context, p connect.Provider, session connect.Session, tok *provider.TokenResponse) (connect.Connection, error) {
	accessEnc, err := v.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return connect.Connection{}, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc := ""
	if tok.RefreshToken != "" {
		if refreshEnc, err = v.cipher.Encrypt(tok.RefreshToken); err != nil {
			return connect.Connection{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	now := v.now().UTC()
	expiry := now.Add(defaultTokenLife)
	if tok.ExpiresIn > 0 {
		expiry = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}
	scopes := tok.Scopes()
	if len(scopes) == 0 {
		scopes = session.Scopes
	}

	existing, err := v.connections.FindActiveByUserProvider(ctx, session.UserID, session.ProviderID)
	switch {
	case err == nil:
		updated, err := v.updateWithRetry(ctx, existing.ID, func(conn *connect.Connection) {
			conn.AccessTokenEnc = accessEnc
			conn.RefreshTokenEnc = refreshEnc
			conn.TokenExpiry = expiry
			conn.GrantedScopes = scopes
			conn.Platform = session.Platform
			conn.Status = connect.ConnectionConnected
			conn.ConsecutiveErrors = 0
			conn.LastRefreshAt = now
			conn.LastErrorCode = ""
		})
		if err != nil {
			return connect.Connection{}, err
		}
		return updated, nil
	case errors.Is(err, connect.ErrConnectionNotFound):
		conn := connect.Connection{
			ID:              uuid.NewString(),
			UserID:          session.UserID,
			ProviderID:      session.ProviderID,
			Platform:        session.Platform,
			AccessTokenEnc:  accessEnc,
			RefreshTokenEnc: refreshEnc,
			TokenExpiry:     expiry,
			GrantedScopes:   scopes,
			Status:          connect.ConnectionConnected,
			IsActive:        true,
			LastRefreshAt:   now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := v.connections.Create(ctx, conn); err != nil {
			return connect.Connection{}, err
		}
		return conn, nil
	default:
		return connect.Connection{}, err
	}
}

// Refresh renews a connection's access token. No-op while the current
// token is still valid beyond the expiry buffer unless force is set.
// Retries the token endpoint up to three times with 2^attempt-second
// delays; on exhaustion the consecutive-error counter advances and the
// connection degrades once it reaches the threshold.
func (v *Vault) Refresh(ctx context.Context, connectionID string, force bool) (RefreshResult, error) {
	conn, err := v.connections.Get(ctx, connectionID)
	if err != nil {
		return RefreshResult{}, err
	}
	if conn.Status == connect.ConnectionRevoked || !conn.IsActive {
		return RefreshResult{}, connect.ErrConnectionRevoked
	}

	now := v.now().UTC()
	if !force && conn.TokenExpiry.After(now.Add(connect.ExpiryBuffer)) {
		return RefreshResult{
			ConnectionID: conn.ID,
			Refreshed:    false,
			TokenExpiry:  conn.TokenExpiry,
			Status:       conn.Status,
		}, nil
	}

	p, err := v.providers.Get(ctx, conn.ProviderID)
	if err != nil {
		return RefreshResult{}, err
	}
	if !p.SupportsRefresh {
		return RefreshResult{}, connect.ErrRefreshUnsupported
	}
	if conn.RefreshTokenEnc == "" {
		return RefreshResult{}, connect.ErrNoRefreshToken
	}

	refreshToken, err := v.cipher.Decrypt(conn.RefreshTokenEnc)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("decrypt refresh token: %w", err)
	}

	var (
		tok      *provider.TokenResponse
		lastErr  error
		lastCls  classify.Classification
		attempts int
	)
	for attempt := 1; attempt <= refreshAttempts; attempt++ {
		attempts = attempt
		tok, lastErr = v.client.Refresh(ctx, p, refreshToken)
		if lastErr == nil {
			break
		}

		lastCls = v.classifyProviderError(lastErr, conn.ProviderID)
		metrics.RefreshAttempts.WithLabelValues(conn.ProviderID, "error").Inc()
		v.log().Warn("token refresh attempt failed",
			zap.String("connection_id", conn.ID),
			zap.Int("attempt", attempt),
			zap.String("error_code", lastCls.Code),
		)
		v.auditEvent(ctx, conn.UserID, audit.EventTokenRefresh, audit.RiskLow,
			fmt.Sprintf("token refresh attempt %d failed", attempt),
			audit.Metadata{Provider: conn.ProviderID, ErrorCode: lastCls.Code})

		if !lastCls.IsRecoverable || lastCls.Category == classify.CategoryTokenInvalid {
			break
		}
		if attempt < refreshAttempts {
			if err := v.sleep(ctx, time.Duration(1<<uint(attempt))*time.Second); err != nil {
				return RefreshResult{}, err
			}
		}
	}

	if lastErr != nil {
		return v.recordRefreshFailure(ctx, conn.ID, lastCls, attempts, lastErr)
	}

	return v.recordRefreshSuccess(ctx, conn.ID, tok, attempts)
}

func (v *Vault) recordRefreshSuccess(ctx context.Context, connectionID string, tok *provider.TokenResponse, attempts int) (RefreshResult, error) {
	now := v.now().UTC()
	expiry := now.Add(defaultTokenLife)
	if tok.ExpiresIn > 0 {
		expiry = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	accessEnc, err := v.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("encrypt access token: %w", err)
	}
	var refreshEnc string
	if tok.RefreshToken != "" {
		if refreshEnc, err = v.cipher.Encrypt(tok.RefreshToken); err != nil {
			return RefreshResult{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	updated, err := v.updateWithRetry(ctx, connectionID, func(conn *connect.Connection) {
		conn.AccessTokenEnc = accessEnc
		if refreshEnc != "" {
			// Providers rotating refresh tokens send a new one; keep the
			// old token otherwise.
			conn.RefreshTokenEnc = refreshEnc
		}
		conn.TokenExpiry = expiry
		conn.Status = connect.ConnectionConnected
		conn.ConsecutiveErrors = 0
		conn.RefreshSuccesses++
		conn.LastRefreshAt = now
		conn.LastErrorCode = ""
	})
	if err != nil {
		return RefreshResult{}, err
	}

	metrics.RefreshAttempts.WithLabelValues(updated.ProviderID, "ok").Inc()
	v.auditEvent(ctx, updated.UserID, audit.EventTokenRefresh, audit.RiskLow,
		"access token refreshed",
		audit.Metadata{Provider: updated.ProviderID})

	return RefreshResult{
		ConnectionID: updated.ID,
		Refreshed:    true,
		TokenExpiry:  updated.TokenExpiry,
		Status:       updated.Status,
		Attempts:     attempts,
	}, nil
}

func (v *Vault) recordRefreshFailure(ctx context.Context, connectionID string, cls classify.Classification, attempts int, cause error) (RefreshResult, error) {
	now := v.now().UTC()
	updated, err := v.updateWithRetry(ctx, connectionID, func(conn *connect.Connection) {
		conn.ConsecutiveErrors++
		conn.RefreshFailures++
		conn.LastErrorAt = now
		conn.LastErrorCode = cls.Code
		if conn.ConsecutiveErrors >= connect.DegradeThreshold && conn.Status == connect.ConnectionConnected {
			conn.Status = connect.ConnectionDegraded
		}
	})
	if err != nil {
		return RefreshResult{}, err
	}

	risk := audit.RiskMedium
	if updated.Status == connect.ConnectionDegraded {
		risk = audit.RiskHigh
	}
	v.auditEvent(ctx, updated.UserID, audit.EventAuthFailure, risk,
		fmt.Sprintf("token refresh failed after %d attempts", attempts),
		audit.Metadata{Provider: updated.ProviderID, ErrorCode: cls.Code})

	return RefreshResult{
		ConnectionID: updated.ID,
		Refreshed:    false,
		TokenExpiry:  updated.TokenExpiry,
		Status:       updated.Status,
		Attempts:     attempts,
	}, fmt.Errorf("refresh connection %s: %w", connectionID, cause)
}

// Validate is a pure read of token health. The expiry boundary is
// exclusive: a token is invalid at exactly its expiry instant.
func (v *Vault) Validate(ctx context.Context, connectionID string) (ValidateResult, error) {
	conn, err := v.connections.Get(ctx, connectionID)
	if err != nil {
		return ValidateResult{}, err
	}
	now := v.now().UTC()
	return ValidateResult{
		IsValid:        conn.TokenValidAt(now),
		IsExpiringSoon: conn.TokenExpiringSoonAt(now),
	}, nil
}

// Tokens returns the decrypted credential for a valid connection.
func (v *Vault) Tokens(ctx context.Context, connectionID string) (connect.TokenSet, error) {
	conn, err := v.connections.Get(ctx, connectionID)
	if err != nil {
		return connect.TokenSet{}, err
	}
	if !conn.TokenValidAt(v.now().UTC()) {
		return connect.TokenSet{}, connect.ErrConnectionRevoked
	}

	access, err := v.cipher.Decrypt(conn.AccessTokenEnc)
	if err != nil {
		return connect.TokenSet{}, fmt.Errorf("decrypt access token: %w", err)
	}
	set := connect.TokenSet{
		AccessToken: access,
		TokenType:   "Bearer",
		Expiry:      conn.TokenExpiry,
		Scopes:      conn.GrantedScopes,
	}
	if conn.RefreshTokenEnc != "" {
		if set.RefreshToken, err = v.cipher.Decrypt(conn.RefreshTokenEnc); err != nil {
			return connect.TokenSet{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return set, nil
}

// Revoke tears a connection down. Idempotent: revoking a revoked
// connection succeeds without side effects. Provider-side revocation is
// best effort and never blocks local teardown.
func (v *Vault) Revoke(ctx context.Context, connectionID, reason string) error {
	conn, err := v.connections.Get(ctx, connectionID)
	if err != nil {
		return err
	}
	if conn.Status == connect.ConnectionRevoked {
		return nil
	}

	p, err := v.providers.Get(ctx, conn.ProviderID)
	if err == nil && p.SupportsRevocation && conn.AccessTokenEnc != "" {
		if access, decErr := v.cipher.Decrypt(conn.AccessTokenEnc); decErr == nil {
			if revErr := v.client.Revoke(ctx, p, access); revErr != nil {
				v.log().Warn("provider-side revocation failed",
					zap.String("connection_id", conn.ID),
					zap.String("provider", conn.ProviderID),
					zap.Error(revErr),
				)
			}
		}
	}

	now := v.now().UTC()
	updated, err := v.updateWithRetry(ctx, conn.ID, func(c *connect.Connection) {
		c.AccessTokenEnc = ""
		c.RefreshTokenEnc = ""
		c.Status = connect.ConnectionRevoked
		c.IsActive = false
		c.RevokedAt = now
		c.RevokeReason = reason
	})
	if err != nil {
		return err
	}

	metrics.Revocations.WithLabelValues(updated.ProviderID).Inc()
	v.auditEvent(ctx, updated.UserID, audit.EventConnectionRevoked, audit.RiskLow,
		"connection revoked",
		audit.Metadata{Provider: updated.ProviderID, ErrorCode: reason})

	if v.notifier != nil {
		if err := v.notifier.PublishRevocation(ctx, updated, reason); err != nil {
			v.log().Warn("revocation event publish failed", zap.Error(err))
		}
	}
	return nil
}

// updateWithRetry applies a mutation through the conditional update,
// re-reading and reapplying on version conflicts so concurrent writers
// never clobber each other with stale state.
func (v *Vault) updateWithRetry(ctx context.Context, connectionID string, mutate func(*connect.Connection)) (connect.Connection, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		conn, err := v.connections.Get(ctx, connectionID)
		if err != nil {
			return connect.Connection{}, err
		}
		expected := conn.UpdatedAt
		mutate(&conn)
		conn.UpdatedAt = v.now().UTC()

		lastErr = v.connections.Update(ctx, conn, expected)
		if lastErr == nil {
			return conn, nil
		}
		if !errors.Is(lastErr, connect.ErrVersionConflict) {
			return connect.Connection{}, lastErr
		}
	}
	return connect.Connection{}, lastErr
}

func (v *Vault) classifyProviderError(err error, providerID string) classify.Classification {
	var provErr *provider.Error
	if errors.As(err, &provErr) {
		source := classify.SourceProvider
		if provErr.Code == "network_error" || provErr.Code == "timeout" {
			source = classify.SourceNetwork
		}
		return v.classifier.Classify(provErr.Code, providerID, source)
	}
	return v.classifier.Classify(fallbackErrorCode, providerID, classify.SourceInternal)
}

func (v *Vault) auditEvent(ctx context.Context, userID string, eventType audit.EventType, risk audit.RiskLevel, description string, metadata audit.Metadata) {
	if v.auditor == nil {
		return
	}
	if _, err := v.auditor.LogEvent(ctx, userID, eventType, risk, description, metadata); err != nil {
		v.log().Warn("audit log failed", zap.Error(err))
	}
}

func (v *Vault) log() *zap.Logger {
	if v != nil && v.logger != nil {
		return v.logger
	}
	return zap.L()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
