// Package api assembles the HTTP surface: the websocket endpoint, the token
// endpoints and the monitoring routes.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chatlink/chatlink/internal/app"
	"github.com/chatlink/chatlink/internal/auth"
	"github.com/chatlink/chatlink/internal/handlers"
	"github.com/chatlink/chatlink/internal/middleware"
	"github.com/chatlink/chatlink/internal/relay"
)

// Deps carries everything the router mounts.
type Deps struct {
	Config  *app.Config
	Gateway *relay.Gateway
	JWT     *auth.JWTService
	Health  *handlers.HealthHandler
	Auth    *handlers.AuthHandler
}

// NewRouter builds the gin engine with the relay's routes and middleware.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.Metrics())
	router.NoRoute(middleware.NotFoundHandler)

	router.GET("/ws", func(c *gin.Context) {
		deps.Gateway.Serve(c.Writer, c.Request)
	})

	if deps.Config.Monitoring.Health.Enabled {
		router.GET("/health", deps.Health.Health)
	}
	if deps.Config.Monitoring.Prometheus.Enabled {
		endpoint := deps.Config.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		router.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	apiGroup := router.Group("/api")
	{
		apiGroup.POST("/register", deps.Auth.Register)
		apiGroup.POST("/token", deps.Auth.Token)
		apiGroup.GET("/me", middleware.Auth(deps.JWT), deps.Auth.Me)
	}

	return router
}
