package controllers

import (
	"context"
	"net/http"
	"time"

	"civicsync/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// AnalyticsSource computes the admin analytics view.
type AnalyticsSource interface {
	AnalyticsStats(ctx context.Context, now time.Time) (store.Analytics, error)
}

type AnalyticsController struct {
	source AnalyticsSource
	logger zerolog.Logger
	now    func() time.Time
}

func NewAnalyticsController(source AnalyticsSource, logger zerolog.Logger) *AnalyticsController {
	return &AnalyticsController{source: source, logger: logger.With().Str("component", "analytics").Logger(), now: time.Now}
}

// GetAnalyticsStats returns status, category and monthly distributions plus the
// average resolution time
func (ac *AnalyticsController) GetAnalyticsStats(c *gin.Context) {
	stats, err := ac.source.AnalyticsStats(c.Request.Context(), ac.now().UTC())
	if err != nil {
		ac.logger.Error().Err(err).Msg("Failed to compute analytics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": stats})
}
