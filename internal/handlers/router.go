package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/interview-signaling/config"
	"github.com/mossy-p/interview-signaling/internal/matching"
	"github.com/mossy-p/interview-signaling/internal/middleware"
)

// NewRouter wires every route of the signaling server.
func NewRouter(cfg *config.Config, service *matching.Service, logger *slog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	match := &MatchHandler{Service: service, Logger: logger}

	apiGroup := router.Group("/api")
	{
		if cfg.Environment != "production" {
			apiGroup.POST("/auth/dev-token", DevToken(cfg.JWTSecret))
		}

		authed := apiGroup.Group("", middleware.JWTAuth(cfg.JWTSecret))
		authed.POST("/match/find", match.FindPartner)
		authed.GET("/match/status", match.Status)
		authed.POST("/match/leave", match.Leave)
		authed.POST("/sessions/:sessionId/signals", match.Signal)
		authed.POST("/sessions/:sessionId/answers", match.SubmitAnswer)
	}

	return router
}
