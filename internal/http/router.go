package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tuneway/tuneway-connect/internal/config"
	"github.com/tuneway/tuneway-connect/internal/http/handler"
	httpmiddleware "github.com/tuneway/tuneway-connect/internal/http/middleware"
	"github.com/tuneway/tuneway-connect/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, connectHandler *handler.ConnectHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	connectGroup := r.Group("/connect")
	{
		connectGroup.GET("/providers", connectHandler.ListProviders)
		connectGroup.POST("/sessions", connectHandler.StartSession)
		connectGroup.GET("/callback", connectHandler.Callback)
		connectGroup.POST("/sessions/:id/cancel", connectHandler.CancelSession)
	}

	connections := r.Group("/connections")
	{
		connections.GET("/:id", connectHandler.GetConnection)
		connections.POST("/:id/refresh", connectHandler.RefreshConnection)
		connections.GET("/:id/validate", connectHandler.ValidateConnection)
		connections.POST("/:id/revoke", connectHandler.RevokeConnection)
	}

	auditGroup := r.Group("/audit")
	{
		auditGroup.POST("/events", connectHandler.LogAuditEvent)
		auditGroup.GET("/metrics", connectHandler.AuditMetrics)
		auditGroup.GET("/report", connectHandler.AuditReport)
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}
