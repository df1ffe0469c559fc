package routes

import (
	"civicsync/controllers"
	"civicsync/middlewares"

	"github.com/gin-gonic/gin"
)

// AnalyticsRoutes sets up the admin analytics routes
func AnalyticsRoutes(r *gin.Engine, ac *controllers.AnalyticsController, auth gin.HandlerFunc) {
	analytics := r.Group("/api/analytics", auth, middlewares.AdminOnly())
	{
		analytics.GET("/stats", ac.GetAnalyticsStats)
	}
}

// ImageRoutes serves stored photos
func ImageRoutes(r *gin.Engine, ic *controllers.ImageController) {
	r.GET("/api/images/:id", ic.GetImage)
}
