package routes

import (
	"civicsync/controllers"
	"civicsync/middlewares"

	"github.com/gin-gonic/gin"
)

// IssueRoutes sets up the issue routes. Static segments are registered before the
// :id routes they share a prefix with.
func IssueRoutes(r *gin.Engine, ic *controllers.IssueController, auth, submitLimit gin.HandlerFunc) {
	issue := r.Group("/api/issues")
	{
		// public
		issue.GET("/nearby", ic.GetNearbyIssues)

		// authenticated
		issue.POST("/create", auth, submitLimit, ic.CreateIssue)
		issue.POST("/support/:id", auth, ic.SupportIssue)
		issue.GET("/user/:userId", auth, ic.GetUserIssues)
		issue.GET("/user/:userId/:status", auth, ic.GetUserIssues)
		issue.GET("/stats/dashboard", auth, ic.GetDashboardStats)

		// admin
		admin := issue.Group("", auth, middlewares.AdminOnly())
		admin.GET("", ic.GetAllIssues)
		admin.GET("/map", ic.GetIssuesForMap)
		admin.PUT("/status/:id", ic.UpdateIssueStatus)
		admin.PUT("/assign/:id", ic.AssignIssue)
		admin.PUT("/category/:id", ic.UpdateIssueCategory)

		issue.GET("/:id/details", auth, ic.GetIssueDetails)
		issue.GET("/:id", ic.GetIssue)
	}
}
