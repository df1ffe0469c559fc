package routes

import (
	"net/http"
	"time"

	"civicsync/controllers"
	"civicsync/middlewares"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Deps is everything the router needs.
type Deps struct {
	Issues    *controllers.IssueController
	Images    *controllers.ImageController
	Analytics *controllers.AnalyticsController

	Redis           redis.Cmdable
	IssueLimitQueue string
	IssueDailyLimit int
	JWTSecret       string
	CORSOrigins     []string
	RatePerMinute   int

	Logger zerolog.Logger
}

// NewRouter builds the gin engine with middleware and all route groups.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.RequestLogger(d.Logger))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = d.CORSOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	corsConfig.AddAllowHeaders("Authorization", middlewares.RequestIDHeader)
	corsConfig.MaxAge = 12 * time.Hour
	r.Use(cors.New(corsConfig))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "OK", "timestamp": time.Now().UTC()})
	})

	api := middlewares.NewIPRateLimiter(d.RatePerMinute)
	r.Use(api.Middleware())

	auth := middlewares.AuthMiddleware(d.JWTSecret, d.Logger)
	submitLimit := middlewares.IssueRateLimiter(d.Redis, d.IssueLimitQueue, d.IssueDailyLimit, d.Logger)

	ImageRoutes(r, d.Images)
	IssueRoutes(r, d.Issues, auth, submitLimit)
	AnalyticsRoutes(r, d.Analytics, auth)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Route not found"})
	})
	return r
}
