package resolver

import (
	"math"
	"strings"
	"unicode/utf8"

	"civicsync/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	MinDescriptionLength = 10
	MaxDescriptionLength = 1000
	TitleLength          = 100
)

// ValidationError is a problem with the submission itself. Its message is safe to
// show to the caller.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Submission is a new report as received from a citizen.
type Submission struct {
	ReporterID  primitive.ObjectID
	Description string
	// Category is optional; empty means "let the classifier decide".
	Category    models.IssueCategory
	Latitude    *float64
	Longitude   *float64
	Address     string
	Image       []byte
	ContentType string
}

// Validate rejects submissions before any resolution work happens.
func (s *Submission) Validate() error {
	if s.ReporterID.IsZero() {
		return invalid("reporterId", "Reporter is required")
	}
	if strings.TrimSpace(s.Description) == "" || s.Latitude == nil || s.Longitude == nil {
		return invalid("description", "Description, latitude, and longitude are required")
	}
	n := utf8.RuneCountInString(s.Description)
	if n < MinDescriptionLength {
		return invalid("description", "Description must be at least 10 characters")
	}
	if n > MaxDescriptionLength {
		return invalid("description", "Description cannot exceed 1000 characters")
	}
	if !inRange(*s.Latitude, 90) {
		return invalid("latitude", "Latitude must be between -90 and 90")
	}
	if !inRange(*s.Longitude, 180) {
		return invalid("longitude", "Longitude must be between -180 and 180")
	}
	if s.Category != "" && !s.Category.Valid() {
		return invalid("category", "Invalid category")
	}
	if len(s.Image) == 0 {
		return invalid("image", "Image is required")
	}
	return nil
}

// inRange reports whether v is a finite number within [-limit, limit].
func inRange(v, limit float64) bool {
	return !math.IsNaN(v) && v >= -limit && v <= limit
}

// Point returns the submission location.
func (s *Submission) Point() models.GeoPoint {
	return models.NewGeoPoint(*s.Longitude, *s.Latitude)
}

// Title is the description cut to its first 100 characters.
func Title(description string) string {
	if utf8.RuneCountInString(description) <= TitleLength {
		return description
	}
	return string([]rune(description)[:TitleLength])
}
