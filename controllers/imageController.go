package controllers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"civicsync/models"
	"civicsync/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ImageOpener streams stored photos.
type ImageOpener interface {
	Open(ctx context.Context, handle string) (*store.Image, error)
}

// ImageController serves uploaded photos.
type ImageController struct {
	images ImageOpener
	logger zerolog.Logger
}

func NewImageController(images ImageOpener, logger zerolog.Logger) *ImageController {
	return &ImageController{images: images, logger: logger.With().Str("component", "images").Logger()}
}

// GetImage streams the photo with the given id
func (ic *ImageController) GetImage(c *gin.Context) {
	img, err := ic.images.Open(c.Request.Context(), c.Param("id"))
	if errors.Is(err, models.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}
	if err != nil {
		ic.logger.Error().Err(err).Str("image_id", c.Param("id")).Msg("Failed to open image")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
		return
	}
	defer img.Close()

	c.Header("Content-Type", img.ContentType)
	c.Header("Content-Length", strconv.FormatInt(img.Length, 10))
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, img); err != nil {
		ic.logger.Warn().Err(err).Str("image_id", c.Param("id")).Msg("Image stream interrupted")
	}
}
