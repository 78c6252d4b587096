package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/mossy-p/peerlink/config"
	"github.com/mossy-p/peerlink/internal/middleware"
	"github.com/mossy-p/peerlink/internal/presence"
)

// NewRouter wires the relay's HTTP and websocket endpoints.
func NewRouter(cfg *config.Config, hub *Hub, store presence.Store) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Environment != "test" {
		router.Use(gin.Logger())
	}

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	apiGroup := router.Group("/api")
	{
		// Login endpoint (public)
		apiGroup.POST("/auth/login", Login(cfg.JWTSecret))

		// Online users (requires JWT)
		apiGroup.GET("/users", middleware.JWTAuth(cfg.JWTSecret), ListUsers(store))
	}

	wsGroup := router.Group("/ws")
	{
		// Token travels in the query string for browser clients.
		wsGroup.GET("/signal", middleware.JWTAuth(cfg.JWTSecret), hub.HandleSignaling)
	}

	return router
}
