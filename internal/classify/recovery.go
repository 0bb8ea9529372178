package classify

import (
	"math"
	"time"
)

// Action is one step in an ordered recovery plan.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionRefreshToken   Action = "refresh_token"
	ActionReauthorize    Action = "reauthorize"
	ActionWaitAndRetry   Action = "wait_and_retry"
	ActionFallback       Action = "fallback"
	ActionContactSupport Action = "contact_support"
)

// Rate-limited providers must never be retried faster than this.
const rateLimitFloor = 60 * time.Second

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 3
	networkDelayCap    = 10 * time.Second
	generalDelayCap    = 30 * time.Second
)

// PlanOptions tune retry policy. Zero values take defaults.
type PlanOptions struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

// RecoveryPlan is the immutable retry/recovery decision for one failure.
type RecoveryPlan struct {
	CanRetry                 bool
	MaxAttempts              int
	RetryDelay               time.Duration
	Actions                  []Action
	RequiresUserIntervention bool
}

// Plan derives the recovery plan for a classification at the given attempt
// number (attempts start at 1).
func Plan(cls Classification, attempt int, opts PlanOptions) RecoveryPlan {
	base := opts.BaseDelay
	if base <= 0 {
		base = defaultBaseDelay
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if attempt < 1 {
		attempt = 1
	}

	plan := RecoveryPlan{
		MaxAttempts: maxAttempts,
		RetryDelay:  Backoff(cls.Category, attempt, base),
		Actions:     actionsFor(cls.Category),
	}

	switch cls.Category {
	case CategoryAuthorizationDenied:
		plan.RequiresUserIntervention = true
	case CategoryTokenInvalid:
		// Refresh is automatic; reauthorize needs the user back.
		plan.CanRetry = attempt < maxAttempts
	case CategoryRateLimit, CategoryServerError, CategoryServiceUnavailable,
		CategoryNetworkError, CategoryInvalidRequest, CategoryInvalidScope:
		plan.CanRetry = cls.IsRecoverable && attempt < maxAttempts
	case CategorySessionExpired, CategorySessionNotFound:
		plan.RequiresUserIntervention = true
		plan.Actions = []Action{ActionReauthorize}
	case CategorySecurityViolation, CategoryClientError, CategoryClientUnauthorized, CategoryUnknown:
		// Surfaced immediately, never auto-recovered.
	}

	return plan
}

// Backoff computes the retry delay for a category using per-category
// multipliers. Delays are monotonically non-decreasing in attempt number.
func Backoff(category Category, attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = defaultBaseDelay
	}

	exp2 := func() time.Duration {
		return time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	}

	switch category {
	case CategoryRateLimit:
		if d := exp2(); d > rateLimitFloor {
			return d
		}
		return rateLimitFloor
	case CategoryServerError, CategoryServiceUnavailable:
		return time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
	case CategoryNetworkError:
		if d := exp2(); d < networkDelayCap {
			return d
		}
		return networkDelayCap
	default:
		if d := exp2(); d < generalDelayCap {
			return d
		}
		return generalDelayCap
	}
}

// actionsFor returns the recovery-action catalog for a category, in
// priority order.
func actionsFor(category Category) []Action {
	switch category {
	case CategoryAuthorizationDenied:
		return []Action{ActionReauthorize}
	case CategoryTokenInvalid:
		return []Action{ActionRefreshToken, ActionReauthorize}
	case CategoryRateLimit:
		return []Action{ActionWaitAndRetry}
	case CategoryServerError, CategoryServiceUnavailable:
		return []Action{ActionRetry, ActionFallback}
	case CategoryNetworkError, CategoryInvalidRequest, CategoryInvalidScope:
		return []Action{ActionRetry}
	case CategorySessionExpired, CategorySessionNotFound:
		return []Action{ActionReauthorize}
	default:
		return []Action{ActionContactSupport}
	}
}

// UserMessage is the presentation form of a failure: a short title plus an
// actionable message, never a raw provider error string.
type UserMessage struct {
	Title          string
	Message        string
	RequiresAction bool
}

// UserFacing renders a classification and its plan into user-visible text.
func UserFacing(cls Classification, plan RecoveryPlan) UserMessage {
	msg := UserMessage{RequiresAction: plan.RequiresUserIntervention}
	switch cls.Category {
	case CategoryAuthorizationDenied:
		msg.Title = "Connection declined"
		msg.Message = "You declined access. Reconnect whenever you are ready."
	case CategoryInvalidRequest, CategoryInvalidScope:
		msg.Title = "Connection problem"
		msg.Message = "Something went wrong starting the connection. Please try again."
	case CategoryClientError, CategoryClientUnauthorized:
		msg.Title = "Service misconfigured"
		msg.Message = "This provider is temporarily unavailable. Our team has been notified."
	case CategoryTokenInvalid:
		msg.Title = "Session needs renewal"
		msg.Message = "Your provider session is no longer valid. Please reconnect your account."
	case CategoryServerError, CategoryServiceUnavailable:
		msg.Title = "Provider unavailable"
		msg.Message = "The music provider is having trouble. We will keep trying; recent data may be shown."
	case CategoryRateLimit:
		msg.Title = "Too many requests"
		msg.Message = "We are being rate limited by the provider. Please wait a minute and try again."
	case CategoryNetworkError:
		msg.Title = "Network problem"
		msg.Message = "We could not reach the provider. Check your connection and try again."
	case CategorySecurityViolation:
		msg.Title = "Security check failed"
		msg.Message = "This request could not be verified. Please restart the connection from the app."
		msg.RequiresAction = true
	case CategorySessionExpired:
		msg.Title = "Connection timed out"
		msg.Message = "The connection window expired. Please start again."
		msg.RequiresAction = true
	case CategorySessionNotFound:
		msg.Title = "Connection not found"
		msg.Message = "We could not find this connection attempt. Please start again."
		msg.RequiresAction = true
	default:
		msg.Title = "Unexpected error"
		msg.Message = "Something unexpected happened. If this keeps occurring, contact support."
	}
	return msg
}
