// Package handler exposes the connection lifecycle over REST.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tuneway/tuneway-connect/internal/classify"
	domainaudit "github.com/tuneway/tuneway-connect/internal/domain/audit"
	"github.com/tuneway/tuneway-connect/internal/domain/connect"
	"github.com/tuneway/tuneway-connect/internal/repository"
	auditsvc "github.com/tuneway/tuneway-connect/internal/service/audit"
	"github.com/tuneway/tuneway-connect/internal/service/session"
	"github.com/tuneway/tuneway-connect/internal/service/vault"
)

// ConnectHandler orchestrates the authorization, connection, and audit
// endpoints.
type ConnectHandler struct {
	Sessions    *session.Manager
	Vault       *vault.Vault
	Auditor     *auditsvc.Auditor
	Providers   repository.ProviderRepository
	Connections repository.ConnectionRepository
	Logger      *zap.Logger
}

// NewConnectHandler creates the handler set.
func NewConnectHandler(
	sessions *session.Manager,
	tokenVault *vault.Vault,
	auditor *auditsvc.Auditor,
	providers repository.ProviderRepository,
	connections repository.ConnectionRepository,
	logger *zap.Logger,
) *ConnectHandler {
	return &ConnectHandler{
		Sessions:    sessions,
		Vault:       tokenVault,
		Auditor:     auditor,
		Providers:   providers,
		Connections: connections,
		Logger:      logger,
	}
}

// ListProviders returns the enabled provider catalog. Secrets and
// endpoint internals never leave the service.
func (h *ConnectHandler) ListProviders(c *gin.Context) {
	providers, err := h.Providers.List(c.Request.Context())
	if err != nil {
		h.serverError(c, err)
		return
	}

	out := make([]gin.H, 0, len(providers))
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		out = append(out, gin.H{
			"id":             p.ID,
			"display_name":   p.DisplayName,
			"scopes":         p.DefaultScopes,
			"platforms":      p.Platforms,
			"supports_sync":  p.SupportsRefresh,
			"allows_revoke":  p.SupportsRevocation,
		})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

// StartSession begins an authorization flow.
func (h *ConnectHandler) StartSession(c *gin.Context) {
	var req struct {
		ProviderID string   `json:"provider_id" binding:"required"`
		UserID     string   `json:"user_id" binding:"required"`
		Platform   string   `json:"platform" binding:"required"`
		Scopes     []string `json:"scopes"`
		ReturnURL  string   `json:"return_url"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	handle, err := h.Sessions.Initiate(c.Request.Context(), session.InitiateInput{
		ProviderID: req.ProviderID,
		UserID:     req.UserID,
		Platform:   connect.Platform(req.Platform),
		Scopes:     req.Scopes,
		ReturnURL:  req.ReturnURL,
		Client:     h.clientMeta(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":   handle.SessionID,
		"auth_url":     handle.AuthURL,
		"state":        handle.State,
		"redirect_uri": handle.RedirectURI,
		"expires_at":   handle.ExpiresAt.Format(time.RFC3339),
	})
}

// Callback consumes the provider redirect and completes the session.
func (h *ConnectHandler) Callback(c *gin.Context) {
	result, err := h.Sessions.HandleCallback(c.Request.Context(), session.CallbackInput{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		ErrorCode:        c.Query("error"),
		ErrorDescription: c.Query("error_description"),
		SessionID:        c.Query("session_id"),
		Client:           h.clientMeta(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection_id":  result.ConnectionID,
		"user_id":        result.UserID,
		"provider_id":    result.ProviderID,
		"status":         result.Status,
		"granted_scopes": result.GrantedScopes,
		"token_expiry":   result.TokenExpiry.Format(time.RFC3339),
		"return_url":     result.ReturnURL,
	})
}

// CancelSession abandons a pending flow. Idempotent.
func (h *ConnectHandler) CancelSession(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.Sessions.Cancel(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// GetConnection returns a connection's public state. Token ciphertext is
// never included.
func (h *ConnectHandler) GetConnection(c *gin.Context) {
	conn, err := h.Connections.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection_id":      conn.ID,
		"user_id":            conn.UserID,
		"provider_id":        conn.ProviderID,
		"platform":           conn.Platform,
		"status":             conn.Status,
		"granted_scopes":     conn.GrantedScopes,
		"token_expiry":       conn.TokenExpiry.Format(time.RFC3339),
		"is_active":          conn.IsActive,
		"consecutive_errors": conn.ConsecutiveErrors,
		"success_rate":       conn.SuccessRate(),
		"last_refresh_at":    conn.LastRefreshAt.Format(time.RFC3339),
	})
}

// RefreshConnection renews the connection's access token.
func (h *ConnectHandler) RefreshConnection(c *gin.Context) {
	force := c.Query("force") == "true"
	result, err := h.Vault.Refresh(c.Request.Context(), c.Param("id"), force)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"connection_id": result.ConnectionID,
		"refreshed":     result.Refreshed,
		"token_expiry":  result.TokenExpiry.Format(time.RFC3339),
		"status":        result.Status,
		"attempts":      result.Attempts,
	})
}

// ValidateConnection reports token validity without touching state.
func (h *ConnectHandler) ValidateConnection(c *gin.Context) {
	result, err := h.Vault.Validate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"is_valid":         result.IsValid,
		"is_expiring_soon": result.IsExpiringSoon,
	})
}

// RevokeConnection disconnects the provider. Idempotent.
func (h *ConnectHandler) RevokeConnection(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "user_requested"
	}

	if err := h.Vault.Revoke(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

// LogAuditEvent records an event reported by a trusted internal caller.
func (h *ConnectHandler) LogAuditEvent(c *gin.Context) {
	var req struct {
		UserID      string    `json:"user_id"`
		EventType   string    `json:"event_type" binding:"required"`
		RiskLevel   int       `json:"risk_level" binding:"required"`
		Description string    `json:"description" binding:"required"`
		Metadata    struct {
			Provider  string `json:"provider"`
			Endpoint  string `json:"endpoint"`
			SessionID string `json:"session_id"`
			ErrorCode string `json:"error_code"`
		} `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}

	meta := h.clientMeta(c)
	eventID, err := h.Auditor.LogEvent(c.Request.Context(), req.UserID,
		domainaudit.EventType(req.EventType), domainaudit.RiskLevel(req.RiskLevel),
		req.Description, domainaudit.Metadata{
			IPAddress: meta.IPAddress,
			UserAgent: meta.UserAgent,
			Provider:  req.Metadata.Provider,
			Endpoint:  req.Metadata.Endpoint,
			SessionID: req.Metadata.SessionID,
			ErrorCode: req.Metadata.ErrorCode,
		})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"event_id": eventID})
}

// AuditMetrics aggregates the trail over an explicit range, defaulting
// to the trailing 24 hours.
func (h *ConnectHandler) AuditMetrics(c *gin.Context) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "from must be RFC3339"})
			return
		}
		from = parsed
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "to must be RFC3339"})
			return
		}
		to = parsed
	}

	m, err := h.Auditor.MetricsForRange(c.Request.Context(), from, to)
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// AuditReport generates the periodic security summary.
func (h *ConnectHandler) AuditReport(c *gin.Context) {
	report, err := h.Auditor.GenerateReport(c.Request.Context(), c.DefaultQuery("period", "daily"))
	if err != nil {
		h.serverError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *ConnectHandler) clientMeta(c *gin.Context) session.ClientMeta {
	return session.ClientMeta{
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func (h *ConnectHandler) serverError(c *gin.Context, err error) {
	h.log().Error("request failed", zap.Error(err), zap.String("path", c.FullPath()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":             "server_error",
		"error_description": "Internal error.",
	})
}

// writeError renders a failure as OAuth-shaped JSON. FlowErrors carry
// their own classification; sentinel errors map directly.
func (h *ConnectHandler) writeError(c *gin.Context, err error) {
	var flowErr *session.FlowError
	if errors.As(err, &flowErr) {
		c.JSON(statusForClassification(flowErr.Classification), gin.H{
			"error":             flowErr.Classification.Code,
			"error_description": flowErr.Message.Message,
			"title":             flowErr.Message.Title,
			"requires_action":   flowErr.Message.RequiresAction,
		})
		return
	}

	status, code, description := http.StatusInternalServerError, "server_error", "Internal error."
	switch {
	case errors.Is(err, connect.ErrProviderNotFound):
		status, code, description = http.StatusNotFound, "provider_not_found", "Unknown provider."
	case errors.Is(err, connect.ErrProviderDisabled):
		status, code, description = http.StatusForbidden, "provider_disabled", "Provider is not currently available."
	case errors.Is(err, connect.ErrPlatformUnsupported):
		status, code, description = http.StatusBadRequest, "platform_unsupported", "Provider does not support this platform."
	case errors.Is(err, connect.ErrInvalidScopes):
		status, code, description = http.StatusBadRequest, "invalid_scope", "Requested scopes are not allowed."
	case errors.Is(err, connect.ErrSessionNotFound):
		status, code, description = http.StatusNotFound, "session_not_found", "Session not found."
	case errors.Is(err, connect.ErrSessionExpired):
		status, code, description = http.StatusGone, "session_expired", "Session expired."
	case errors.Is(err, connect.ErrStateMismatch):
		status, code, description = http.StatusBadRequest, "state_mismatch", "State verification failed."
	case errors.Is(err, connect.ErrConnectionNotFound):
		status, code, description = http.StatusNotFound, "connection_not_found", "Connection not found."
	case errors.Is(err, connect.ErrConnectionRevoked):
		status, code, description = http.StatusConflict, "connection_revoked", "Connection has been revoked."
	case errors.Is(err, connect.ErrRefreshUnsupported):
		status, code, description = http.StatusBadRequest, "refresh_unsupported", "Provider does not support refresh."
	case errors.Is(err, connect.ErrNoRefreshToken):
		status, code, description = http.StatusBadRequest, "no_refresh_token", "No refresh token stored."
	case errors.Is(err, connect.ErrTokenExchangeFailed):
		status, code, description = http.StatusBadGateway, "exchange_failed", "Token exchange with the provider failed."
	default:
		h.log().Error("unhandled error", zap.Error(err), zap.String("path", c.FullPath()))
	}
	c.JSON(status, gin.H{"error": code, "error_description": description})
}

func statusForClassification(cls classify.Classification) int {
	switch cls.Category {
	case classify.CategoryAuthorizationDenied:
		return http.StatusForbidden
	case classify.CategoryInvalidRequest, classify.CategoryInvalidScope:
		return http.StatusBadRequest
	case classify.CategorySecurityViolation:
		return http.StatusBadRequest
	case classify.CategorySessionExpired:
		return http.StatusGone
	case classify.CategorySessionNotFound:
		return http.StatusNotFound
	case classify.CategoryTokenInvalid:
		return http.StatusUnauthorized
	case classify.CategoryRateLimit:
		return http.StatusTooManyRequests
	case classify.CategoryServerError, classify.CategoryServiceUnavailable, classify.CategoryNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *ConnectHandler) log() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}
