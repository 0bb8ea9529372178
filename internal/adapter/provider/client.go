// Package provider holds the outbound HTTP client for music-provider
// OAuth endpoints: code exchange, refresh, and revocation.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tuneway/tuneway-connect/internal/domain/connect"
	"github.com/tuneway/tuneway-connect/internal/metrics"
)

// TokenResponse models a token-endpoint success body.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string
}

// Scopes splits the space-delimited scope field.
func (t *TokenResponse) Scopes() []string {
	return strings.Fields(t.Scope)
}

// Error is a typed token-endpoint failure carrying the standard OAuth
// error code for classification. Never surfaced to users directly.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error %s (status %d): %s", e.Code, e.Status, e.Description)
	}
	return fmt.Sprintf("provider error %s (status %d)", e.Code, e.Status)
}

// SecretSource resolves secret references from provider records to raw
// secret material (client secrets, signing keys).
type SecretSource interface {
	Secret(ctx context.Context, ref string) (string, error)
}

// StaticSecretSource serves secrets from a fixed map, typically loaded
// from configuration.
type StaticSecretSource map[string]string

func (s StaticSecretSource) Secret(_ context.Context, ref string) (string, error) {
	if secret, ok := s[ref]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("secret %q not configured", ref)
}

// Client encapsulates outbound calls to provider OAuth endpoints.
type Client interface {
	Exchange(ctx context.Context, p connect.Provider, code, codeVerifier, redirectURI string) (*TokenResponse, error)
	Refresh(ctx context.Context, p connect.Provider, refreshToken string) (*TokenResponse, error)
	Revoke(ctx context.Context, p connect.Provider, token string) error
}

// HTTPClient is the default implementation.
type HTTPClient struct {
	httpClient *http.Client
	secrets    SecretSource
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default provider client.
func NewHTTPClient(client *http.Client, secrets SecretSource) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{httpClient: client, secrets: secrets}
}

// Exchange performs the authorization_code grant with the PKCE verifier.
func (c *HTTPClient) Exchange(ctx context.Context, p connect.Provider, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("code_verifier", codeVerifier)
	return c.tokenRequest(ctx, p, data)
}

// Refresh performs the refresh_token grant.
func (c *HTTPClient) Refresh(ctx context.Context, p connect.Provider, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	return c.tokenRequest(ctx, p, data)
}

// Revoke posts the token to the provider's revocation endpoint (RFC 7009).
func (c *HTTPClient) Revoke(ctx context.Context, p connect.Provider, token string) error {
	if strings.TrimSpace(p.RevocationURL) == "" {
		return fmt.Errorf("revocation url missing for provider %s", p.ID)
	}

	data := url.Values{}
	data.Set("token", token)
	data.Set("token_type_hint", "access_token")

	req, err := c.buildFormRequest(ctx, p, p.RevocationURL, data)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues(p.ID, "revoke").Observe(time.Since(start).Seconds())
	if err != nil {
		return &Error{Code: "network_error", Description: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

func (c *HTTPClient) tokenRequest(ctx context.Context, p connect.Provider, data url.Values) (*TokenResponse, error) {
	if strings.TrimSpace(p.TokenURL) == "" {
		return nil, fmt.Errorf("token url missing for provider %s", p.ID)
	}

	req, err := c.buildFormRequest(ctx, p, p.TokenURL, data)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ProviderRequestDuration.WithLabelValues(p.ID, data.Get("grant_type")).Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Code: "timeout", Description: err.Error()}
		}
		return nil, &Error{Code: "network_error", Description: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &Error{Code: "rate_limited", Status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var parsed struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return nil, &Error{Code: "invalid_request", Description: "token response missing access_token", Status: resp.StatusCode}
	}

	return &TokenResponse{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		TokenType:    parsed.TokenType,
		ExpiresIn:    parsed.ExpiresIn,
		Scope:        parsed.Scope,
	}, nil
}

// buildFormRequest applies the provider's client authentication scheme on
// top of the form body.
func (c *HTTPClient) buildFormRequest(ctx context.Context, p connect.Provider, endpoint string, data url.Values) (*http.Request, error) {
	data.Set("client_id", p.ClientID)

	switch p.AuthScheme {
	case connect.AuthSchemeNone:
		// PKCE only, nothing to add.
	case connect.AuthSchemePost:
		secret, err := c.secrets.Secret(ctx, p.ClientSecretRef)
		if err != nil {
			return nil, fmt.Errorf("resolve client secret: %w", err)
		}
		data.Set("client_secret", secret)
	case connect.AuthSchemePrivateKeyJWT:
		signingKey, err := c.secrets.Secret(ctx, p.ClientSecretRef)
		if err != nil {
			return nil, fmt.Errorf("resolve signing key: %w", err)
		}
		assertion, err := clientAssertion(p, endpoint, signingKey)
		if err != nil {
			return nil, fmt.Errorf("build client assertion: %w", err)
		}
		data.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		data.Set("client_assertion", assertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if p.AuthScheme == connect.AuthSchemeBasic {
		secret, err := c.secrets.Secret(ctx, p.ClientSecretRef)
		if err != nil {
			return nil, fmt.Errorf("resolve client secret: %w", err)
		}
		req.SetBasicAuth(url.QueryEscape(p.ClientID), url.QueryEscape(secret))
	}

	return req, nil
}

func decodeError(resp *http.Response) *Error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Code: "server_error", Status: resp.StatusCode}
	}

	var parsed struct {
		Code        string `json:"error"`
		Description string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Code == "" {
		if resp.StatusCode >= 500 {
			return &Error{Code: "server_error", Status: resp.StatusCode}
		}
		return &Error{Code: "invalid_request", Status: resp.StatusCode}
	}
	return &Error{Code: parsed.Code, Description: parsed.Description, Status: resp.StatusCode}
}
