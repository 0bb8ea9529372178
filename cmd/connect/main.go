package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/tuneway/tuneway-connect/internal/adapter/cache"
	provideradapter "github.com/tuneway/tuneway-connect/internal/adapter/provider"
	"github.com/tuneway/tuneway-connect/internal/bootstrap"
	"github.com/tuneway/tuneway-connect/internal/classify"
	"github.com/tuneway/tuneway-connect/internal/config"
	httptransport "github.com/tuneway/tuneway-connect/internal/http"
	"github.com/tuneway/tuneway-connect/internal/http/handler"
	apimiddleware "github.com/tuneway/tuneway-connect/internal/middleware"
	"github.com/tuneway/tuneway-connect/internal/notify"
	"github.com/tuneway/tuneway-connect/internal/repository"
	"github.com/tuneway/tuneway-connect/internal/server"
	auditservice "github.com/tuneway/tuneway-connect/internal/service/audit"
	sessionservice "github.com/tuneway/tuneway-connect/internal/service/session"
	vaultservice "github.com/tuneway/tuneway-connect/internal/service/vault"
	"github.com/tuneway/tuneway-connect/internal/telemetry"
	"github.com/tuneway/tuneway-connect/internal/tokencrypt"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newProviderRepository,
			newSessionRepository,
			newConnectionRepository,
			newAuditRepository,
			newRedisClient,
			newSessionIndex,
			newSecretSource,
			newProviderClient,
			newCipher,
			newClassifier,
			newKafkaProducer,
			newAuditor,
			newVault,
			newSessionManager,
			newRateLimiter,
			handler.NewConnectHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureProviders, startSessionSweeper, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newProviderRepository(pool *pgxpool.Pool) repository.ProviderRepository {
	return repository.NewPostgresProviderRepo(pool)
}

func newSessionRepository(pool *pgxpool.Pool) repository.SessionRepository {
	return repository.NewPostgresSessionRepo(pool)
}

func newConnectionRepository(pool *pgxpool.Pool) repository.ConnectionRepository {
	return repository.NewPostgresConnectionRepo(pool)
}

func newAuditRepository(pool *pgxpool.Pool) repository.AuditRepository {
	return repository.NewPostgresAuditRepo(pool)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newSessionIndex(client redis.UniversalClient) repository.SessionIndex {
	return cacheadapter.NewRedisSessionIndex(client)
}

// newSecretSource loads provider client secrets from PROVIDER_SECRET_*
// environment variables.
func newSecretSource() provideradapter.SecretSource {
	secrets := provideradapter.StaticSecretSource{}
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, "PROVIDER_SECRET_") {
			continue
		}
		ref := strings.ToLower(strings.TrimPrefix(key, "PROVIDER_SECRET_"))
		secrets[ref] = value
	}
	return secrets
}

func newProviderClient(cfg config.Config, secrets provideradapter.SecretSource) provideradapter.Client {
	return provideradapter.NewHTTPClient(&http.Client{Timeout: cfg.ProviderHTTPTimeout}, secrets)
}

func newCipher(cfg config.Config) (*tokencrypt.Cipher, error) {
	return tokencrypt.New(cfg.TokenEncSecret)
}

func newClassifier() *classify.Classifier {
	c := classify.NewClassifier()
	// Deezer reports expired sessions as a generic oauth exception.
	c.Override("deezer", "oauth_exception", classify.Classification{
		Category:        classify.CategoryTokenInvalid,
		Severity:        classify.SeverityMedium,
		IsRecoverable:   true,
		IsProviderError: true,
	})
	return c
}

func newKafkaProducer(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) *notify.Producer {
	producer := notify.NewProducer(cfg.KafkaBrokers, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return producer.Close()
		},
	})
	return producer
}

func newAuditor(repo repository.AuditRepository, node *snowflake.Node, producer *notify.Producer, logger *zap.Logger) *auditservice.Auditor {
	return auditservice.NewAuditor(repo, node, producer, logger)
}

func newVault(
	providers repository.ProviderRepository,
	connections repository.ConnectionRepository,
	client provideradapter.Client,
	cipher *tokencrypt.Cipher,
	classifier *classify.Classifier,
	auditor *auditservice.Auditor,
	producer *notify.Producer,
	logger *zap.Logger,
) *vaultservice.Vault {
	return vaultservice.New(providers, connections, client, cipher, classifier, auditor, producer, logger)
}

func newSessionManager(
	providers repository.ProviderRepository,
	sessions repository.SessionRepository,
	index repository.SessionIndex,
	tokenVault *vaultservice.Vault,
	classifier *classify.Classifier,
	auditor *auditservice.Auditor,
	logger *zap.Logger,
) *sessionservice.Manager {
	return sessionservice.NewManager(providers, sessions, index, tokenVault, classifier, auditor, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM)
}

// startSessionSweeper periodically expires stale pending sessions.
func startSessionSweeper(lc fx.Lifecycle, cfg config.Config, manager *sessionservice.Manager, logger *zap.Logger) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				defer close(done)
				ticker := time.NewTicker(cfg.SessionSweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-runCtx.Done():
						return
					case <-ticker.C:
						n, err := manager.SweepExpired(runCtx)
						if err != nil {
							logger.Warn("session sweep failed", zap.Error(err))
							continue
						}
						if n > 0 {
							logger.Info("stale sessions expired", zap.Int64("count", n))
						}
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
