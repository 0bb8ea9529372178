// Package session drives the authorization-flow state machine:
// initiate, await callback, exchange, and the terminal transitions.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tuneway/tuneway-connect/internal/adapter/provider"
	"github.com/tuneway/tuneway-connect/internal/classify"
	"github.com/tuneway/tuneway-connect/internal/domain/audit"
	"github.com/tuneway/tuneway-connect/internal/domain/connect"
	"github.com/tuneway/tuneway-connect/internal/metrics"
	"github.com/tuneway/tuneway-connect/internal/repository"
)

// pkceBytes is the verifier/state entropy: 32 bytes, 256 bits.
const pkceBytes = 32

// Vault is the slice of the token vault the session manager delegates to.
type Vault interface {
	ExchangeCode(ctx context.Context, p connect.Provider, code, redirectURI, codeVerifier string) (*provider.TokenResponse, error)
	SaveFromExchange(ctx context.Context, p connect.Provider, session connect.Session, tok *provider.TokenResponse) (connect.Connection, error)
}

// Auditor is the slice of the security auditor the manager reports into.
type Auditor interface {
	LogEvent(ctx context.Context, userID string, eventType audit.EventType, risk audit.RiskLevel, description string, metadata audit.Metadata) (string, error)
}

// ClientMeta carries request-level context into the audit trail.
type ClientMeta struct {
	IPAddress string
	UserAgent string
}

// InitiateInput parameterizes a new authorization flow.
type InitiateInput struct {
	ProviderID string
	UserID     string
	Platform   connect.Platform
	Scopes     []string
	ReturnURL  string
	Client     ClientMeta
}

// Handle is returned from Initiate: everything a client needs to send the
// user to the provider.
type Handle struct {
	SessionID   string
	AuthURL     string
	State       string
	RedirectURI string
	ExpiresAt   time.Time
}

// CallbackInput captures the provider redirect parameters.
type CallbackInput struct {
	Code             string
	State            string
	ErrorCode        string
	ErrorDescription string
	SessionID        string
	Client           ClientMeta
}

// ConnectionSummary is the callback success result.
type ConnectionSummary struct {
	ConnectionID  string
	UserID        string
	ProviderID    string
	Status        connect.ConnectionStatus
	GrantedScopes []string
	TokenExpiry   time.Time
	ReturnURL     string
}

// FlowError pairs a sentinel error with its classification and the
// user-facing rendering, so callers never surface raw provider strings.
type FlowError struct {
	Err            error
	Classification classify.Classification
	Message        classify.UserMessage
}

func (e *FlowError) Error() string { return e.Err.Error() }
func (e *FlowError) Unwrap() error { return e.Err }

// Manager owns the session lifecycle. All state transitions out of
// pending happen here and nowhere else.
type Manager struct {
	providers  repository.ProviderRepository
	sessions   repository.SessionRepository
	index      repository.SessionIndex
	vault      Vault
	classifier *classify.Classifier
	auditor    Auditor
	logger     *zap.Logger

	now func() time.Time
}

// NewManager wires the session manager.
func NewManager(
	providers repository.ProviderRepository,
	sessions repository.SessionRepository,
	index repository.SessionIndex,
	vault Vault,
	classifier *classify.Classifier,
	auditor Auditor,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		providers:  providers,
		sessions:   sessions,
		index:      index,
		vault:      vault,
		classifier: classifier,
		auditor:    auditor,
		logger:     logger,
		now:        time.Now,
	}
}

// Initiate validates the request, reuses or expires any prior pending
// session for the (user, provider) pair, generates PKCE material, and
// persists a pending session with a fixed 15-minute expiry.
func (m *Manager) Initiate(ctx context.Context, in InitiateInput) (Handle, error) {
	p, err := m.providers.Get(ctx, in.ProviderID)
	if err != nil {
		return Handle{}, err
	}
	if !p.Enabled {
		return Handle{}, connect.ErrProviderDisabled
	}
	if !p.SupportsPlatform(in.Platform) {
		return Handle{}, fmt.Errorf("%w: %s", connect.ErrPlatformUnsupported, in.Platform)
	}

	scopes := in.Scopes
	if len(scopes) == 0 {
		scopes = append([]string{}, p.DefaultScopes...)
	} else if !p.AllowsScopes(scopes) {
		return Handle{}, connect.ErrInvalidScopes
	}

	now := m.now().UTC()
	if existing, err := m.sessions.FindPendingByUserProvider(ctx, in.UserID, in.ProviderID); err == nil {
		if !existing.ExpiredAt(now) {
			return Handle{
				SessionID:   existing.ID,
				AuthURL:     existing.AuthURL,
				State:       existing.State,
				RedirectURI: existing.RedirectURI,
				ExpiresAt:   existing.ExpiresAt,
			}, nil
		}
		m.expireSession(ctx, existing)
	} else if !errors.Is(err, connect.ErrSessionNotFound) {
		return Handle{}, err
	}

	codeVerifier, err := randomToken()
	if err != nil {
		return Handle{}, fmt.Errorf("generate pkce verifier: %w", err)
	}
	state, err := randomToken()
	if err != nil {
		return Handle{}, fmt.Errorf("generate state: %w", err)
	}
	codeChallenge := pkceChallenge(codeVerifier)

	redirectURI, err := resolveRedirect(p, in.Platform)
	if err != nil {
		return Handle{}, err
	}

	authURL, err := buildAuthURL(p, redirectURI, scopes, state, codeChallenge)
	if err != nil {
		return Handle{}, err
	}

	sess := connect.Session{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		ProviderID:    in.ProviderID,
		Platform:      in.Platform,
		State:         state,
		CodeVerifier:  codeVerifier,
		CodeChallenge: codeChallenge,
		Scopes:        scopes,
		RedirectURI:   redirectURI,
		AuthURL:       authURL,
		ReturnURL:     in.ReturnURL,
		Status:        connect.SessionPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(connect.SessionTTL),
		UpdatedAt:     now,
	}
	if err := m.sessions.Create(ctx, sess); err != nil {
		return Handle{}, err
	}
	if err := m.index.Put(ctx, state, sess.ID, connect.SessionTTL); err != nil {
		m.log().Warn("state index write failed", zap.Error(err), zap.String("session_id", sess.ID))
	}

	metrics.SessionsInitiated.WithLabelValues(in.ProviderID, string(in.Platform)).Inc()
	m.auditEvent(ctx, in.UserID, audit.EventAuthStart, audit.RiskLow,
		fmt.Sprintf("authorization flow started for %s", in.ProviderID),
		audit.Metadata{
			IPAddress: in.Client.IPAddress,
			UserAgent: in.Client.UserAgent,
			Provider:  in.ProviderID,
			SessionID: sess.ID,
		})

	return Handle{
		SessionID:   sess.ID,
		AuthURL:     authURL,
		State:       state,
		RedirectURI: redirectURI,
		ExpiresAt:   sess.ExpiresAt,
	}, nil
}

// HandleCallback consumes the provider redirect. Every outcome, success
// or failure, lands in the audit trail.
func (m *Manager) HandleCallback(ctx context.Context, in CallbackInput) (ConnectionSummary, error) {
	sess, err := m.resolveSession(ctx, in)
	if err != nil {
		m.auditEvent(ctx, "", audit.EventUnauthorizedAccess, audit.RiskMedium,
			"callback received for unknown session",
			audit.Metadata{IPAddress: in.Client.IPAddress, UserAgent: in.Client.UserAgent})
		return ConnectionSummary{}, m.flowError(connect.ErrSessionNotFound, "session_not_found", "")
	}

	if in.ErrorCode != "" {
		return ConnectionSummary{}, m.failSession(ctx, sess, in, in.ErrorCode, in.ErrorDescription)
	}

	now := m.now().UTC()
	if sess.ExpiredAt(now) {
		m.expireSession(ctx, sess)
		m.auditEvent(ctx, sess.UserID, audit.EventAuthFailure, audit.RiskLow,
			"callback on expired session",
			audit.Metadata{Provider: sess.ProviderID, SessionID: sess.ID, IPAddress: in.Client.IPAddress})
		return ConnectionSummary{}, m.flowError(connect.ErrSessionExpired, "session_expired", sess.ProviderID)
	}

	if in.State == "" || in.State != sess.State {
		m.auditEvent(ctx, sess.UserID, audit.EventSecurityViolation, audit.RiskHigh,
			"callback state mismatch, possible CSRF",
			audit.Metadata{
				Provider:  sess.ProviderID,
				SessionID: sess.ID,
				IPAddress: in.Client.IPAddress,
				UserAgent: in.Client.UserAgent,
				ErrorCode: "state_mismatch",
			})
		return ConnectionSummary{}, m.flowError(connect.ErrStateMismatch, "state_mismatch", sess.ProviderID)
	}

	p, err := m.providers.Get(ctx, sess.ProviderID)
	if err != nil {
		return ConnectionSummary{}, err
	}

	tok, err := m.vault.ExchangeCode(ctx, p, in.Code, sess.RedirectURI, sess.CodeVerifier)
	if err != nil {
		return ConnectionSummary{}, m.failExchange(ctx, sess, in, err)
	}

	conn, err := m.vault.SaveFromExchange(ctx, p, sess, tok)
	if err != nil {
		return ConnectionSummary{}, m.failExchange(ctx, sess, in, err)
	}

	sess.Status = connect.SessionCompleted
	sess.ConnectionID = conn.ID
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.Transition(ctx, sess); err != nil {
		return ConnectionSummary{}, err
	}
	m.dropIndex(ctx, sess.State)

	metrics.SessionsFinished.WithLabelValues(sess.ProviderID, string(connect.SessionCompleted)).Inc()
	m.auditEvent(ctx, sess.UserID, audit.EventTokenExchange, audit.RiskLow,
		fmt.Sprintf("connection established for %s", sess.ProviderID),
		audit.Metadata{
			Provider:  sess.ProviderID,
			SessionID: sess.ID,
			IPAddress: in.Client.IPAddress,
			UserAgent: in.Client.UserAgent,
		})

	return ConnectionSummary{
		ConnectionID:  conn.ID,
		UserID:        conn.UserID,
		ProviderID:    conn.ProviderID,
		Status:        conn.Status,
		GrantedScopes: conn.GrantedScopes,
		TokenExpiry:   conn.TokenExpiry,
		ReturnURL:     sess.ReturnURL,
	}, nil
}

// Cancel marks a pending session cancelled. Calling it on a session in a
// terminal state is a no-op, not an error.
func (m *Manager) Cancel(ctx context.Context, sessionID, reason string) error {
	sess, err := m.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	sess.Status = connect.SessionCancelled
	sess.ErrorCode = "cancelled"
	sess.ErrorMessage = reason
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.Transition(ctx, sess); err != nil {
		if errors.Is(err, connect.ErrSessionTerminal) {
			return nil
		}
		return err
	}
	m.dropIndex(ctx, sess.State)
	metrics.SessionsFinished.WithLabelValues(sess.ProviderID, string(connect.SessionCancelled)).Inc()
	return nil
}

// SweepExpired lazily marks pending sessions past expiry; run from a
// periodic job.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.sessions.ExpireStale(ctx, m.now().UTC())
}

func (m *Manager) resolveSession(ctx context.Context, in CallbackInput) (connect.Session, error) {
	if in.SessionID != "" {
		sess, err := m.sessions.Get(ctx, in.SessionID)
		if err != nil {
			return connect.Session{}, err
		}
		if sess.Status != connect.SessionPending {
			return connect.Session{}, connect.ErrSessionNotFound
		}
		return sess, nil
	}

	if in.State == "" {
		return connect.Session{}, connect.ErrSessionNotFound
	}
	if sessionID, err := m.index.Lookup(ctx, in.State); err == nil {
		if sess, err := m.sessions.Get(ctx, sessionID); err == nil && sess.Status == connect.SessionPending {
			return sess, nil
		}
	}
	return m.sessions.FindPendingByState(ctx, in.State)
}

func (m *Manager) failSession(ctx context.Context, sess connect.Session, in CallbackInput, code, description string) error {
	cls := m.classifier.Classify(code, sess.ProviderID, classify.SourceProvider)

	sess.Status = connect.SessionFailed
	sess.ErrorCode = cls.Code
	sess.ErrorMessage = description
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.Transition(ctx, sess); err != nil && !errors.Is(err, connect.ErrSessionTerminal) {
		m.log().Error("session fail transition", zap.Error(err), zap.String("session_id", sess.ID))
	}
	m.dropIndex(ctx, sess.State)

	metrics.SessionsFinished.WithLabelValues(sess.ProviderID, string(connect.SessionFailed)).Inc()
	m.auditEvent(ctx, sess.UserID, audit.EventAuthFailure, riskFor(cls.Severity),
		fmt.Sprintf("provider returned %s during authorization", cls.Code),
		audit.Metadata{
			Provider:  sess.ProviderID,
			SessionID: sess.ID,
			IPAddress: in.Client.IPAddress,
			ErrorCode: cls.Code,
		})

	plan := classify.Plan(cls, 1, classify.PlanOptions{})
	return &FlowError{
		Err:            fmt.Errorf("authorization failed: %s", cls.Code),
		Classification: cls,
		Message:        classify.UserFacing(cls, plan),
	}
}

func (m *Manager) failExchange(ctx context.Context, sess connect.Session, in CallbackInput, cause error) error {
	code := "server_error"
	var provErr *provider.Error
	if errors.As(cause, &provErr) {
		code = provErr.Code
	}
	err := m.failSession(ctx, sess, in, code, cause.Error())
	var flowErr *FlowError
	if errors.As(err, &flowErr) {
		flowErr.Err = fmt.Errorf("%w: %w", connect.ErrTokenExchangeFailed, cause)
		return flowErr
	}
	return err
}

func (m *Manager) expireSession(ctx context.Context, sess connect.Session) {
	sess.Status = connect.SessionExpired
	sess.UpdatedAt = m.now().UTC()
	if err := m.sessions.Transition(ctx, sess); err != nil && !errors.Is(err, connect.ErrSessionTerminal) {
		m.log().Error("session expire transition", zap.Error(err), zap.String("session_id", sess.ID))
	}
	m.dropIndex(ctx, sess.State)
	metrics.SessionsFinished.WithLabelValues(sess.ProviderID, string(connect.SessionExpired)).Inc()
}

func (m *Manager) flowError(err error, code, providerID string) *FlowError {
	cls := m.classifier.Classify(code, providerID, classify.SourceInternal)
	plan := classify.Plan(cls, 1, classify.PlanOptions{})
	return &FlowError{Err: err, Classification: cls, Message: classify.UserFacing(cls, plan)}
}

func (m *Manager) dropIndex(ctx context.Context, state string) {
	if err := m.index.Delete(ctx, state); err != nil {
		m.log().Warn("state index delete failed", zap.Error(err))
	}
}

func (m *Manager) auditEvent(ctx context.Context, userID string, eventType audit.EventType, risk audit.RiskLevel, description string, metadata audit.Metadata) {
	if m.auditor == nil {
		return
	}
	if _, err := m.auditor.LogEvent(ctx, userID, eventType, risk, description, metadata); err != nil {
		m.log().Warn("audit log failed", zap.Error(err))
	}
}

func (m *Manager) log() *zap.Logger {
	if m != nil && m.logger != nil {
		return m.logger
	}
	return zap.L()
}

func riskFor(severity classify.Severity) audit.RiskLevel {
	switch severity {
	case classify.SeverityLow:
		return audit.RiskLow
	case classify.SeverityMedium:
		return audit.RiskMedium
	case classify.SeverityHigh:
		return audit.RiskHigh
	default:
		return audit.RiskCritical
	}
}

func randomToken() (string, error) {
	buf := make([]byte, pkceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func resolveRedirect(p connect.Provider, platform connect.Platform) (string, error) {
	template, ok := p.RedirectTemplates[platform]
	if !ok || strings.TrimSpace(template) == "" {
		return "", fmt.Errorf("%w: no redirect template for %s", connect.ErrPlatformUnsupported, platform)
	}
	return strings.ReplaceAll(template, "{provider}", p.ID), nil
}

func buildAuthURL(p connect.Provider, redirectURI string, scopes []string, state, codeChallenge string) (string, error) {
	authURL, err := url.Parse(p.AuthorizationURL)
	if err != nil {
		return "", fmt.Errorf("parse authorization url: %w", err)
	}

	params := authURL.Query()
	params.Set("client_id", p.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirectURI)
	params.Set("scope", strings.Join(scopes, " "))
	params.Set("state", state)
	params.Set("code_challenge", codeChallenge)
	params.Set("code_challenge_method", "S256")
	for key, value := range p.ExtraAuthParams {
		if strings.TrimSpace(key) != "" && strings.TrimSpace(value) != "" {
			params.Set(key, value)
		}
	}
	authURL.RawQuery = params.Encode()
	return authURL.String(), nil
}
