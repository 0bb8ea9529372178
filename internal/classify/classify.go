// Package classify maps raw provider, transport, and flow errors onto a
// fixed risk/recoverability taxonomy and derives recovery plans from it.
// Everything here is a pure function returning immutable values; callers
// never mutate a Classification after it is produced.
package classify

import "strings"

// Category is the closed set of error classifications.
type Category string

const (
	CategoryAuthorizationDenied Category = "authorization_denied"
	CategoryInvalidRequest      Category = "invalid_request"
	CategoryInvalidScope        Category = "invalid_scope"
	CategoryClientError         Category = "client_error"
	CategoryClientUnauthorized  Category = "client_unauthorized"
	CategoryTokenInvalid        Category = "token_invalid"
	CategoryServerError         Category = "server_error"
	CategoryServiceUnavailable  Category = "service_unavailable"
	CategoryRateLimit           Category = "rate_limit"
	CategoryNetworkError        Category = "network_error"
	CategorySecurityViolation   Category = "security_violation"
	CategorySessionExpired      Category = "session_expired"
	CategorySessionNotFound     Category = "session_not_found"
	CategoryUnknown             Category = "unknown"
)

// Severity grades a classification for alerting and logging purposes.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Source identifies where the raw error surfaced.
type Source string

const (
	SourceProvider Source = "provider"
	SourceNetwork  Source = "network"
	SourceInternal Source = "internal"
)

// Classification is the immutable result of classifying one error code.
type Classification struct {
	Code                       string
	ProviderID                 string
	Source                     Source
	Category                   Category
	Severity                   Severity
	IsRecoverable              bool
	IsUserError                bool
	IsSystemError              bool
	IsProviderError            bool
	RequiresImmediateAttention bool
}

// defaultTable maps normalized error codes to their classification. OAuth2
// codes per RFC 6749 §5.2 plus transport and flow-level codes.
var defaultTable = map[string]Classification{
	"access_denied": {
		Category: CategoryAuthorizationDenied, Severity: SeverityLow,
		IsRecoverable: true, IsUserError: true,
	},
	"invalid_request": {
		Category: CategoryInvalidRequest, Severity: SeverityMedium,
		IsRecoverable: true, IsSystemError: true,
	},
	"invalid_scope": {
		Category: CategoryInvalidScope, Severity: SeverityMedium,
		IsRecoverable: true, IsSystemError: true,
	},
	"invalid_client": {
		Category: CategoryClientError, Severity: SeverityCritical,
		IsSystemError: true, RequiresImmediateAttention: true,
	},
	"unauthorized_client": {
		Category: CategoryClientUnauthorized, Severity: SeverityCritical,
		IsSystemError: true, RequiresImmediateAttention: true,
	},
	"unsupported_grant_type": {
		Category: CategoryClientError, Severity: SeverityCritical,
		IsSystemError: true, RequiresImmediateAttention: true,
	},
	"invalid_grant": {
		Category: CategoryTokenInvalid, Severity: SeverityMedium,
		IsRecoverable: true, IsProviderError: true,
	},
	"invalid_token": {
		Category: CategoryTokenInvalid, Severity: SeverityMedium,
		IsRecoverable: true, IsProviderError: true,
	},
	"server_error": {
		Category: CategoryServerError, Severity: SeverityHigh,
		IsRecoverable: true, IsProviderError: true,
	},
	"temporarily_unavailable": {
		Category: CategoryServiceUnavailable, Severity: SeverityHigh,
		IsRecoverable: true, IsProviderError: true,
	},
	"rate_limited": {
		Category: CategoryRateLimit, Severity: SeverityMedium,
		IsRecoverable: true, IsProviderError: true,
	},
	"network_error": {
		Category: CategoryNetworkError, Severity: SeverityMedium,
		IsRecoverable: true, IsSystemError: true,
	},
	"timeout": {
		Category: CategoryNetworkError, Severity: SeverityMedium,
		IsRecoverable: true, IsSystemError: true,
	},
	"state_mismatch": {
		Category: CategorySecurityViolation, Severity: SeverityCritical,
		RequiresImmediateAttention: true,
	},
	"security_violation": {
		Category: CategorySecurityViolation, Severity: SeverityCritical,
		RequiresImmediateAttention: true,
	},
	"session_expired": {
		Category: CategorySessionExpired, Severity: SeverityLow,
		IsUserError: true,
	},
	"session_not_found": {
		Category: CategorySessionNotFound, Severity: SeverityLow,
		IsUserError: true,
	},
}

// codeAliases folds provider spelling variants onto canonical codes before
// table lookup.
var codeAliases = map[string]string{
	"slow_down":         "rate_limited",
	"rate_limit":        "rate_limited",
	"too_many_requests": "rate_limited",
	"expired_token":     "invalid_grant",
	"connection_error":  "network_error",
}

// Classifier resolves error codes against the default table plus
// per-provider overrides.
type Classifier struct {
	overrides map[string]map[string]Classification
}

// NewClassifier builds a classifier with no provider overrides.
func NewClassifier() *Classifier {
	return &Classifier{overrides: make(map[string]map[string]Classification)}
}

// Override registers a provider-specific classification for a code,
// replacing or augmenting the default table for that provider only.
func (c *Classifier) Override(providerID, code string, cls Classification) {
	key := normalize(providerID)
	if c.overrides[key] == nil {
		c.overrides[key] = make(map[string]Classification)
	}
	c.overrides[key][normalize(code)] = cls
}

// Classify maps an error code from the given provider and source onto the
// taxonomy. Unknown codes classify as unknown/critical so they surface to
// support rather than being silently retried.
func (c *Classifier) Classify(errorCode, providerID string, source Source) Classification {
	code := normalize(errorCode)
	if alias, ok := codeAliases[code]; ok {
		code = alias
	}

	cls, ok := Classification{}, false
	if byProvider := c.overrides[normalize(providerID)]; byProvider != nil {
		cls, ok = byProvider[code]
	}
	if !ok {
		cls, ok = defaultTable[code]
	}
	if !ok {
		cls = Classification{
			Category:                   CategoryUnknown,
			Severity:                   SeverityCritical,
			IsSystemError:              true,
			RequiresImmediateAttention: true,
		}
	}

	cls.Code = code
	cls.ProviderID = providerID
	cls.Source = source
	if source == SourceNetwork && cls.Category == CategoryUnknown {
		// Unrecognized transport failures are still transient.
		cls.Category = CategoryNetworkError
		cls.Severity = SeverityMedium
		cls.IsRecoverable = true
		cls.RequiresImmediateAttention = false
	}
	return cls
}

// Classify resolves against the default table with no provider overrides.
func Classify(errorCode, providerID string, source Source) Classification {
	return NewClassifier().Classify(errorCode, providerID, source)
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
