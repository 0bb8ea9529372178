// Package bootstrap seeds the provider catalog on startup.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tuneway/tuneway-connect/internal/domain/connect"
	"github.com/tuneway/tuneway-connect/internal/repository"
)

// EnsureProviders installs the known music providers if missing.
// Existing rows are left untouched so operator edits survive restarts.
func EnsureProviders(lc fx.Lifecycle, providers repository.ProviderRepository, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return ensureProviders(ctx, providers, logger)
		},
	})
}

func ensureProviders(ctx context.Context, providers repository.ProviderRepository, logger *zap.Logger) error {
	for _, p := range defaultProviders() {
		_, err := providers.Get(ctx, p.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, connect.ErrProviderNotFound) {
			return fmt.Errorf("bootstrap provider lookup %s: %w", p.ID, err)
		}
		if err := providers.Upsert(ctx, p); err != nil {
			return fmt.Errorf("bootstrap provider seed %s: %w", p.ID, err)
		}
		logger.Info("provider seeded", zap.String("provider_id", p.ID))
	}
	return nil
}

func defaultProviders() []connect.Provider {
	allPlatforms := []connect.Platform{
		connect.PlatformWeb, connect.PlatformIOS, connect.PlatformAndroid, connect.PlatformDesktop,
	}
	webRedirect := "https://connect.tuneway.app/connect/callback?provider={provider}"
	mobileRedirect := "tuneway://connect/{provider}/callback"

	redirects := map[connect.Platform]string{
		connect.PlatformWeb:     webRedirect,
		connect.PlatformIOS:     mobileRedirect,
		connect.PlatformAndroid: mobileRedirect,
		connect.PlatformDesktop: webRedirect,
	}

	return []connect.Provider{
		{
			ID:                 "spotify",
			DisplayName:        "Spotify",
			AuthorizationURL:   "https://accounts.spotify.com/authorize",
			TokenURL:           "https://accounts.spotify.com/api/token",
			ClientID:           "tuneway-spotify",
			ClientSecretRef:    "spotify_client_secret",
			AuthScheme:         connect.AuthSchemeBasic,
			AllowedScopes:      []string{"user-read-recently-played", "user-top-read", "user-library-read", "playlist-read-private"},
			DefaultScopes:      []string{"user-read-recently-played", "user-top-read"},
			Platforms:          allPlatforms,
			RedirectTemplates:  redirects,
			SupportsRefresh:    true,
			SupportsRevocation: false,
			Enabled:            true,
		},
		{
			ID:               "apple_music",
			DisplayName:      "Apple Music",
			AuthorizationURL: "https://authorize.music.apple.com/woa",
			TokenURL:         "https://api.music.apple.com/v1/oauth/token",
			ClientID:         "app.tuneway.connect",
			ClientSecretRef:  "apple_music_signing_key",
			AuthScheme:       connect.AuthSchemePrivateKeyJWT,
			AllowedScopes:    []string{"library-read", "recent-played"},
			DefaultScopes:    []string{"recent-played"},
			Platforms:        []connect.Platform{connect.PlatformWeb, connect.PlatformIOS},
			RedirectTemplates: map[connect.Platform]string{
				connect.PlatformWeb: webRedirect,
				connect.PlatformIOS: mobileRedirect,
			},
			SupportsRefresh:    true,
			SupportsRevocation: false,
			Enabled:            true,
		},
		{
			ID:                 "deezer",
			DisplayName:        "Deezer",
			AuthorizationURL:   "https://connect.deezer.com/oauth/auth.php",
			TokenURL:           "https://connect.deezer.com/oauth/access_token.php",
			ClientID:           "tuneway-deezer",
			ClientSecretRef:    "deezer_client_secret",
			AuthScheme:         connect.AuthSchemePost,
			AllowedScopes:      []string{"basic_access", "listening_history", "offline_access"},
			DefaultScopes:      []string{"basic_access", "listening_history"},
			Platforms:          allPlatforms,
			RedirectTemplates:  redirects,
			SupportsRefresh:    false,
			SupportsRevocation: false,
			Enabled:            true,
		},
		{
			ID:                 "tidal",
			DisplayName:        "TIDAL",
			AuthorizationURL:   "https://login.tidal.com/authorize",
			TokenURL:           "https://auth.tidal.com/v1/oauth2/token",
			RevocationURL:      "https://auth.tidal.com/v1/oauth2/revoke",
			ClientID:           "tuneway-tidal",
			AuthScheme:         connect.AuthSchemeNone,
			AllowedScopes:      []string{"user.read", "collection.read", "playback.history"},
			DefaultScopes:      []string{"user.read", "playback.history"},
			Platforms:          allPlatforms,
			RedirectTemplates:  redirects,
			SupportsRefresh:    true,
			SupportsRevocation: true,
			Enabled:            true,
		},
		{
			ID:               "youtube_music",
			DisplayName:      "YouTube Music",
			AuthorizationURL: "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:         "https://oauth2.googleapis.com/token",
			RevocationURL:    "https://oauth2.googleapis.com/revoke",
			ClientID:         "tuneway-youtube.apps.googleusercontent.com",
			ClientSecretRef:  "youtube_client_secret",
			AuthScheme:       connect.AuthSchemePost,
			AllowedScopes:    []string{"https://www.googleapis.com/auth/youtube.readonly"},
			DefaultScopes:    []string{"https://www.googleapis.com/auth/youtube.readonly"},
			Platforms:        allPlatforms,
			RedirectTemplates: redirects,
			ExtraAuthParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
			SupportsRefresh:    true,
			SupportsRevocation: true,
			Enabled:            true,
		},
	}
}
