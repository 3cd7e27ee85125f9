package handlers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"vad-mining-backend/internal/middleware"
	"vad-mining-backend/internal/services"
)

type RouterDeps struct {
	Ledger      *services.LedgerService
	JWT         *services.JWTService
	RateLimiter middleware.RateLimiter
	Health      Pinger
	WebSocket   *WebSocketHandler
	CORSOrigins []string
}

func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()
	// The websocket route carries its token in the query string.
	router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{middleware.WebSocketPath},
	}), gin.Recovery())
	router.Use(cors.New(corsConfig(deps.CORSOrigins)))

	router.GET("/healthz", NewHealthHandler(deps.Health).Health)

	miningHandler := NewMiningHandler(deps.Ledger)
	userHandler := NewUserHandler(deps.Ledger)

	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(deps.JWT))
	protected.Use(middleware.RateLimitMiddleware(deps.RateLimiter))
	{
		protected.POST("/onboard", userHandler.Onboard)
		protected.GET("/me", userHandler.GetCurrentUser)
		protected.GET("/referrals", userHandler.GetReferrals)

		mining := protected.Group("/mining")
		{
			mining.GET("", miningHandler.Read)
			mining.POST("/start", miningHandler.Start)
			mining.POST("/stop", miningHandler.Stop)
			mining.POST("/claim", miningHandler.Claim)
			mining.GET("/history", miningHandler.History)

			if deps.WebSocket != nil {
				mining.GET("/ws", deps.WebSocket.HandleWebSocket)
			}
		}
	}

	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}

	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}

	cfg.AllowOrigins = origins
	return cfg
}
