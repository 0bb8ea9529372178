package server

import (
	"context"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewHTTPServerConfiguresEngine(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	srv := NewHTTPServer(router, zap.NewNop())
	require.True(t, srv.Engine.HandleMethodNotAllowed)
	require.True(t, srv.Engine.ForwardedByClientIP)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := NewHTTPServer(gin.New(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, "127.0.0.1:0")
	}()

	// Give the listener a moment, then pull the plug.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down after cancel")
	}
}
