package resolver

import (
	"fmt"
)

// Config holds the tunables of duplicate resolution
type Config struct {
	// RadiusMeters is the search radius around a new submission. Candidates exactly at
	// the radius are included.
	RadiusMeters float64

	// SimilarityThreshold is the minimum fingerprint similarity (0.0-1.0) for a
	// same-reporter candidate to count as the same photo.
	SimilarityThreshold float64

	// MaxCandidates caps the proximity query.
	MaxCandidates int

	// UnifyCategories folds the classifier taxonomy onto the user-facing one when
	// matching categories for support aggregation. Off until product decides.
	UnifyCategories bool
}

// DefaultConfig returns the default resolution configuration
func DefaultConfig() Config {
	return Config{
		RadiusMeters:        80,
		SimilarityThreshold: 0.85,
		MaxCandidates:       20,
		UnifyCategories:     false,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.RadiusMeters <= 0 {
		return fmt.Errorf("radius_meters must be positive (got %.1f)", c.RadiusMeters)
	}
	if c.RadiusMeters > 10000 {
		return fmt.Errorf("radius_meters too large (got %.1f, max 10000)", c.RadiusMeters)
	}
	if c.SimilarityThreshold < 0.0 || c.SimilarityThreshold > 1.0 {
		return fmt.Errorf("similarity_threshold must be between 0.0 and 1.0 (got %.2f)", c.SimilarityThreshold)
	}
	if c.MaxCandidates <= 0 {
		return fmt.Errorf("max_candidates must be positive (got %d)", c.MaxCandidates)
	}
	if c.MaxCandidates > 100 {
		return fmt.Errorf("max_candidates too large (got %d, max 100)", c.MaxCandidates)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf("Config{Radius: %.0fm, Threshold: %.2f, MaxCandidates: %d, UnifyCategories: %t}",
		c.RadiusMeters, c.SimilarityThreshold, c.MaxCandidates, c.UnifyCategories)
}
