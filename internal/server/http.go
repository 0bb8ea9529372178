package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HTTPServer wraps the gin engine serving the connect API with graceful
// shutdown.
type HTTPServer struct {
	Engine *gin.Engine
	logger *zap.Logger
}

// NewHTTPServer prepares the engine for serving. Audit metadata and
// rate limiting key on the client IP, so proxy forwarding headers are
// honored.
func NewHTTPServer(router *gin.Engine, logger *zap.Logger) *HTTPServer {
	router.HandleMethodNotAllowed = true
	router.ForwardedByClientIP = true
	return &HTTPServer{Engine: router, logger: logger}
}

// Run serves addr until ctx is cancelled, then drains in-flight
// requests. The write timeout leaves room for a callback to finish its
// code exchange with the provider inside the request.
func (s *HTTPServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       time.Minute,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("http server draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
