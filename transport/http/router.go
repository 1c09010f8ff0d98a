package http

import (
	"github.com/gin-gonic/gin"
)

// RouterOptions tunes the middleware chain
type RouterOptions struct {
	RateLimitRPS   float64
	RateLimitBurst int
}

// SetupRouter sets up the Gin router
func SetupRouter(handlers *Handlers, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), SourceMiddleware(), RequestLogger())

	// One token bucket per source across every route
	if opts.RateLimitRPS > 0 && opts.RateLimitBurst > 0 {
		limiter := NewSourceRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst)
		router.Use(limiter.Middleware())
	}

	router.GET("/challenge", handlers.Challenge)
	router.POST("/sync-presence", handlers.SyncPresence)
	router.GET("/attestations/:address", handlers.Attestation)

	router.POST("/device/handshake", handlers.DeviceHandshake)
	router.GET("/devices/:deviceId/terminations", handlers.Terminations)

	binding := router.Group("/binding")
	{
		binding.POST("/check", handlers.CheckBinding)
		binding.POST("/bind", handlers.Bind)
		binding.POST("/resolve", handlers.ResolveBinding)
		binding.POST("/terminate", handlers.Terminate)
	}

	router.POST("/vitalize", handlers.Vitalize)

	identities := router.Group("/identities/:identityKey")
	{
		identities.GET("/devices", handlers.Devices)
		identities.GET("/commitment", handlers.Commitment)
	}

	return router
}
