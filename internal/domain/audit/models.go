package audit

import "time"

// RiskLevel grades how dangerous an event is, 1 (low) through 4 (critical).
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the canonical lowercase label.
func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether the level is inside the defined 1..4 range.
func (r RiskLevel) Valid() bool {
	return r >= RiskLow && r <= RiskCritical
}

// EventType is a closed enumeration of security-relevant event kinds.
// Unknown types are rejected at the boundary rather than passed through.
type EventType string

const (
	EventLoginAttempt       EventType = "login_attempt"
	EventAuthStart          EventType = "auth_start"
	EventAuthCallback       EventType = "auth_callback"
	EventAuthFailure        EventType = "auth_failure"
	EventTokenExchange      EventType = "token_exchange"
	EventTokenRefresh       EventType = "token_refresh"
	EventTokenValidation    EventType = "token_validation"
	EventInvalidToken       EventType = "invalid_token"
	EventConnectionRevoked  EventType = "connection_revoked"
	EventUnauthorizedAccess EventType = "unauthorized_access"
	EventSecurityViolation  EventType = "security_violation"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventSuspiciousActivity EventType = "suspicious_activity"
)

// Known reports whether the event type belongs to the closed set.
func (t EventType) Known() bool {
	switch t {
	case EventLoginAttempt, EventAuthStart, EventAuthCallback, EventAuthFailure,
		EventTokenExchange, EventTokenRefresh, EventTokenValidation,
		EventInvalidToken, EventConnectionRevoked, EventUnauthorizedAccess,
		EventSecurityViolation, EventRateLimitExceeded, EventSuspiciousActivity:
		return true
	}
	return false
}

// Derived reports whether the type is produced by pattern detection itself.
// Derived events are exempt from further pattern detection.
func (t EventType) Derived() bool {
	return t == EventRateLimitExceeded || t == EventSuspiciousActivity
}

// Retention is the fixed audit-trail retention period.
const Retention = 2 * 365 * 24 * time.Hour

// Metadata is the fixed structured context attached to an event.
type Metadata struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// TokenFingerprint is a SHA-256 hex digest. Raw token material is
	// never written to the audit trail.
	TokenFingerprint string `json:"token_fingerprint,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
}

// Event is one append-only security audit record. UserID is empty for
// system-wide events.
type Event struct {
	ID          string
	UserID      string
	Type        EventType
	Risk        RiskLevel
	Description string
	Metadata    Metadata
	Resolved    bool
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Alert references a high-risk event that requires operator attention.
// Created only for risk level high or above.
type Alert struct {
	ID             string
	EventID        string
	UserID         string
	Level          RiskLevel
	Acknowledged   bool
	AcknowledgedAt time.Time
	ResolvedAt     time.Time
	CreatedAt      time.Time
}
