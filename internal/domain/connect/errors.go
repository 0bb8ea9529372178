package connect

import "errors"

var (
	// ErrProviderNotFound signals an unknown provider identifier.
	ErrProviderNotFound = errors.New("connect: provider not found")
	// ErrProviderDisabled signals a provider that is configured but switched off.
	ErrProviderDisabled = errors.New("connect: provider disabled")
	// ErrPlatformUnsupported signals a platform the provider does not serve.
	ErrPlatformUnsupported = errors.New("connect: platform not supported by provider")
	// ErrInvalidScopes signals requested scopes outside the provider's allowed set.
	ErrInvalidScopes = errors.New("connect: requested scopes not allowed")
	// ErrSessionNotFound signals a callback that matches no known session.
	ErrSessionNotFound = errors.New("connect: session not found")
	// ErrSessionExpired signals a session past its fixed expiry.
	ErrSessionExpired = errors.New("connect: session expired")
	// ErrSessionTerminal signals a transition attempted on a non-pending session.
	ErrSessionTerminal = errors.New("connect: session already in terminal state")
	// ErrStateMismatch signals a callback state that does not match the
	// session's stored state. Treated as a potential CSRF attack.
	ErrStateMismatch = errors.New("connect: state parameter mismatch")
	// ErrTokenExchangeFailed signals a failed code-for-token exchange.
	ErrTokenExchangeFailed = errors.New("connect: token exchange failed")
	// ErrRefreshUnsupported signals refresh against a provider without refresh tokens.
	ErrRefreshUnsupported = errors.New("connect: provider does not support refresh")
	// ErrNoRefreshToken signals a connection stored without a refresh token.
	ErrNoRefreshToken = errors.New("connect: no refresh token stored")
	// ErrConnectionNotFound signals an unknown connection identifier.
	ErrConnectionNotFound = errors.New("connect: connection not found")
	// ErrConnectionRevoked signals an operation on a revoked connection.
	ErrConnectionRevoked = errors.New("connect: connection revoked")
	// ErrVersionConflict signals a lost optimistic-concurrency race on a
	// connection update. Callers re-read and retry.
	ErrVersionConflict = errors.New("connect: conditional update conflict")
)
