package classify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClassifyKnownCodes(t *testing.T) {
	cases := []struct {
		code      string
		category  Category
		severity  Severity
		recovers  bool
		immediate bool
	}{
		{"access_denied", CategoryAuthorizationDenied, SeverityLow, true, false},
		{"invalid_client", CategoryClientError, SeverityCritical, false, true},
		{"unauthorized_client", CategoryClientUnauthorized, SeverityCritical, false, true},
		{"invalid_grant", CategoryTokenInvalid, SeverityMedium, true, false},
		{"server_error", CategoryServerError, SeverityHigh, true, false},
		{"temporarily_unavailable", CategoryServiceUnavailable, SeverityHigh, true, false},
		{"rate_limited", CategoryRateLimit, SeverityMedium, true, false},
		{"network_error", CategoryNetworkError, SeverityMedium, true, false},
		{"state_mismatch", CategorySecurityViolation, SeverityCritical, false, true},
		{"session_expired", CategorySessionExpired, SeverityLow, false, false},
	}

	for _, tc := range cases {
		cls := Classify(tc.code, "spotify", SourceProvider)
		require.Equal(t, tc.category, cls.Category, tc.code)
		require.Equal(t, tc.severity, cls.Severity, tc.code)
		require.Equal(t, tc.recovers, cls.IsRecoverable, tc.code)
		require.Equal(t, tc.immediate, cls.RequiresImmediateAttention, tc.code)
		require.Equal(t, "spotify", cls.ProviderID)
	}
}

func TestClassifyAliases(t *testing.T) {
	for _, alias := range []string{"slow_down", "rate_limit", "too_many_requests"} {
		cls := Classify(alias, "deezer", SourceProvider)
		require.Equal(t, CategoryRateLimit, cls.Category, alias)
		require.Equal(t, "rate_limited", cls.Code, alias)
	}

	cls := Classify("expired_token", "tidal", SourceProvider)
	require.Equal(t, CategoryTokenInvalid, cls.Category)
}

func TestClassifyNormalizesCase(t *testing.T) {
	cls := Classify("  Access_Denied ", "spotify", SourceProvider)
	require.Equal(t, CategoryAuthorizationDenied, cls.Category)
}

func TestClassifyUnknownCode(t *testing.T) {
	cls := Classify("weird_new_failure", "spotify", SourceProvider)
	require.Equal(t, CategoryUnknown, cls.Category)
	require.Equal(t, SeverityCritical, cls.Severity)
	require.False(t, cls.IsRecoverable)
	require.True(t, cls.RequiresImmediateAttention)
}

func TestClassifyUnknownNetworkFailureStaysTransient(t *testing.T) {
	cls := Classify("econnreset", "spotify", SourceNetwork)
	require.Equal(t, CategoryNetworkError, cls.Category)
	require.True(t, cls.IsRecoverable)
	require.False(t, cls.RequiresImmediateAttention)
}

func TestProviderOverride(t *testing.T) {
	c := NewClassifier()
	c.Override("deezer", "oauth_exception", Classification{
		Category:      CategoryTokenInvalid,
		Severity:      SeverityMedium,
		IsRecoverable: true,
	})

	cls := c.Classify("oauth_exception", "deezer", SourceProvider)
	require.Equal(t, CategoryTokenInvalid, cls.Category)

	// Override is scoped to the provider it was registered for.
	other := c.Classify("oauth_exception", "spotify", SourceProvider)
	require.Equal(t, CategoryUnknown, other.Category)
}

func TestBackoffRateLimitFloor(t *testing.T) {
	for attempt := 1; attempt <= 5; attempt++ {
		d := Backoff(CategoryRateLimit, attempt, time.Second)
		require.GreaterOrEqual(t, d, 60*time.Second, "attempt %d", attempt)
	}
	// Large enough exponent escapes the floor.
	require.Equal(t, 128*time.Second, Backoff(CategoryRateLimit, 7, time.Second))
}

func TestBackoffMonotonic(t *testing.T) {
	categories := []Category{
		CategoryRateLimit, CategoryServerError, CategoryNetworkError, CategoryUnknown,
	}
	for _, cat := range categories {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 10; attempt++ {
			d := Backoff(cat, attempt, time.Second)
			require.GreaterOrEqual(t, d, prev, "%s attempt %d", cat, attempt)
			prev = d
		}
	}
}

func TestBackoffCaps(t *testing.T) {
	require.Equal(t, 10*time.Second, Backoff(CategoryNetworkError, 10, time.Second))
	require.Equal(t, 30*time.Second, Backoff(CategoryUnknown, 10, time.Second))
}

func TestBackoffServerErrorMultiplier(t *testing.T) {
	base := time.Second
	require.Equal(t, time.Duration(1.5*float64(base)), Backoff(CategoryServerError, 1, base))
	require.Equal(t, time.Duration(2.25*float64(base)), Backoff(CategoryServerError, 2, base))
}

func TestPlanAuthorizationDeniedNeedsUser(t *testing.T) {
	cls := Classify("access_denied", "spotify", SourceProvider)
	plan := Plan(cls, 1, PlanOptions{})
	require.False(t, plan.CanRetry)
	require.True(t, plan.RequiresUserIntervention)
	require.Equal(t, []Action{ActionReauthorize}, plan.Actions)
}

func TestPlanRetryExhaustion(t *testing.T) {
	cls := Classify("server_error", "spotify", SourceProvider)

	plan := Plan(cls, 1, PlanOptions{})
	require.True(t, plan.CanRetry)

	plan = Plan(cls, 3, PlanOptions{})
	require.False(t, plan.CanRetry)
}

func TestPlanSecurityViolationNeverRetries(t *testing.T) {
	cls := Classify("state_mismatch", "", SourceInternal)
	plan := Plan(cls, 1, PlanOptions{})
	require.False(t, plan.CanRetry)
	require.Equal(t, []Action{ActionContactSupport}, plan.Actions)
}

func TestPlanTokenInvalidActions(t *testing.T) {
	cls := Classify("invalid_grant", "spotify", SourceProvider)
	plan := Plan(cls, 1, PlanOptions{})
	require.Equal(t, []Action{ActionRefreshToken, ActionReauthorize}, plan.Actions)
}

func TestUserFacingNeverLeaksRawCode(t *testing.T) {
	cls := Classify("invalid_client", "spotify", SourceProvider)
	msg := UserFacing(cls, Plan(cls, 1, PlanOptions{}))
	require.NotContains(t, msg.Message, "invalid_client")
	require.NotEmpty(t, msg.Title)
}
