package resolver

import (
	"context"
	"math"

	"civicsync/models"

	"github.com/rs/zerolog"
)

// earthRadiusMeters matches the sphere MongoDB uses for 2dsphere distances.
const earthRadiusMeters = 6378100.0

// boundarySlackMeters widens the store query so that the inclusive radius check below
// decides the boundary, whatever the store does with $maxDistance.
const boundarySlackMeters = 1.0

// DistanceMeters is the great-circle distance between two points.
func DistanceMeters(a, b models.GeoPoint) float64 {
	lat1 := a.Latitude() * math.Pi / 180
	lat2 := b.Latitude() * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Longitude() - a.Longitude()) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// NearFinder is the geospatial part of the issue store.
type NearFinder interface {
	// FindNear returns issues within radiusMeters of point whose status is in statuses,
	// nearest first, at most limit of them.
	FindNear(ctx context.Context, point models.GeoPoint, radiusMeters float64, statuses []models.IssueStatus, limit int) ([]models.Issue, error)
}

// Candidate is a nearby issue with its distance from the submission.
type Candidate struct {
	Issue          models.Issue
	DistanceMeters float64
}

// Locator finds open issues near a point.
type Locator struct {
	store  NearFinder
	limit  int
	logger zerolog.Logger
}

// NewLocator creates a locator capped at limit candidates.
func NewLocator(store NearFinder, limit int, logger zerolog.Logger) *Locator {
	if limit <= 0 {
		limit = DefaultConfig().MaxCandidates
	}
	return &Locator{store: store, limit: limit, logger: logger}
}

// FindNear returns candidates within radiusMeters (inclusive), nearest first. ok is
// false when the query failed; callers then skip deduplication.
func (l *Locator) FindNear(ctx context.Context, point models.GeoPoint, radiusMeters float64, statuses []models.IssueStatus) ([]Candidate, bool) {
	issues, err := l.store.FindNear(ctx, point, radiusMeters+boundarySlackMeters, statuses, l.limit)
	if err != nil {
		l.logger.Warn().Err(err).
			Float64("lat", point.Latitude()).
			Float64("lng", point.Longitude()).
			Msg("Geospatial query failed, skipping duplicate detection")
		return nil, false
	}

	candidates := make([]Candidate, 0, len(issues))
	for _, issue := range issues {
		d := DistanceMeters(point, issue.Location)
		if d > radiusMeters {
			continue
		}
		candidates = append(candidates, Candidate{Issue: issue, DistanceMeters: d})
	}
	return candidates, true
}
