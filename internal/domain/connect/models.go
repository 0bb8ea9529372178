package connect

import "time"

// Platform identifies the client surface an authorization flow started from.
type Platform string

const (
	PlatformWeb     Platform = "web"
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformDesktop Platform = "desktop"
)

// ClientAuthScheme selects how the token endpoint authenticates this client.
type ClientAuthScheme string

const (
	// AuthSchemeNone relies on PKCE alone (public clients).
	AuthSchemeNone ClientAuthScheme = "none"
	// AuthSchemeBasic sends client_id:client_secret as HTTP Basic auth.
	AuthSchemeBasic ClientAuthScheme = "client_secret_basic"
	// AuthSchemePost sends the client secret in the form body.
	AuthSchemePost ClientAuthScheme = "client_secret_post"
	// AuthSchemePrivateKeyJWT signs an ES256 client assertion (Apple convention).
	AuthSchemePrivateKeyJWT ClientAuthScheme = "private_key_jwt"
)

// Provider is the reference configuration for one external music provider.
// Immutable at runtime except via administrative update.
type Provider struct {
	ID               string
	DisplayName      string
	AuthorizationURL string
	TokenURL         string
	RevocationURL    string
	ClientID         string
	// ClientSecretRef names the secret in the configured secret source;
	// the raw secret never lives on this record.
	ClientSecretRef string
	AuthScheme      ClientAuthScheme
	AllowedScopes   []string
	DefaultScopes   []string
	Platforms       []Platform
	// RedirectTemplates maps platform to a redirect URI template. Custom
	// schemes for mobile, HTTPS for web.
	RedirectTemplates  map[Platform]string
	ExtraAuthParams    map[string]string
	SupportsRefresh    bool
	SupportsRevocation bool
	Enabled            bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// SupportsPlatform reports whether the provider serves the given platform.
func (p Provider) SupportsPlatform(platform Platform) bool {
	for _, candidate := range p.Platforms {
		if candidate == platform {
			return true
		}
	}
	return false
}

// AllowsScopes reports whether every requested scope is in the allowed set.
func (p Provider) AllowsScopes(scopes []string) bool {
	allowed := make(map[string]struct{}, len(p.AllowedScopes))
	for _, s := range p.AllowedScopes {
		allowed[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// SessionStatus is the lifecycle state of an authorization attempt.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
	SessionExpired   SessionStatus = "expired"
)

// Terminal reports whether the status permits no further transition.
func (s SessionStatus) Terminal() bool {
	return s != SessionPending
}

// SessionTTL is the fixed lifetime of a pending authorization session.
const SessionTTL = 15 * time.Minute

// Session is one in-flight authorization attempt. Created by the session
// manager, mutated only by it, never deleted (retained for audit).
type Session struct {
	ID            string
	UserID        string
	ProviderID    string
	Platform      Platform
	State         string
	CodeVerifier  string
	CodeChallenge string
	Scopes        []string
	RedirectURI   string
	AuthURL       string
	ReturnURL     string
	Status        SessionStatus
	ConnectionID  string
	ErrorCode     string
	ErrorMessage  string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UpdatedAt     time.Time
}

// ExpiredAt reports whether the session is past its expiry at the given time.
func (s Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ConnectionStatus is the health state of a stored credential.
type ConnectionStatus string

const (
	ConnectionConnected ConnectionStatus = "connected"
	ConnectionDegraded  ConnectionStatus = "degraded"
	ConnectionRevoked   ConnectionStatus = "revoked"
)

// ExpiryBuffer is the window before token expiry in which a token counts
// as expiring soon and refresh becomes eligible.
const ExpiryBuffer = 5 * time.Minute

// DegradeThreshold is the consecutive-error count at which a connection
// is demoted to degraded.
const DegradeThreshold = 5

// Connection is the long-lived credential record, one active per
// (user, provider). Token fields hold ciphertext blobs, never raw tokens.
type Connection struct {
	ID                string
	UserID            string
	ProviderID        string
	Platform          Platform
	AccessTokenEnc    string
	RefreshTokenEnc   string
	TokenExpiry       time.Time
	GrantedScopes     []string
	Status            ConnectionStatus
	ConsecutiveErrors int
	RefreshSuccesses  int64
	RefreshFailures   int64
	IsActive          bool
	LastRefreshAt     time.Time
	LastErrorAt       time.Time
	LastErrorCode     string
	RevokedAt         time.Time
	RevokeReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SuccessRate is the rolling refresh success ratio in [0, 1].
func (c Connection) SuccessRate() float64 {
	total := c.RefreshSuccesses + c.RefreshFailures
	if total == 0 {
		return 1
	}
	return float64(c.RefreshSuccesses) / float64(total)
}

// TokenValidAt reports whether the stored token is usable at the given
// time. The expiry boundary is exclusive: at exactly expiry the token is
// invalid.
func (c Connection) TokenValidAt(now time.Time) bool {
	return c.IsActive && c.Status == ConnectionConnected && c.TokenExpiry.After(now)
}

// TokenExpiringSoonAt reports whether the token falls inside the refresh
// buffer at the given time.
func (c Connection) TokenExpiringSoonAt(now time.Time) bool {
	return !c.TokenExpiry.After(now.Add(ExpiryBuffer))
}

// TokenSet is a decrypted provider credential handed to callers.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scopes       []string
}
