package store

import (
	"context"
	"math"
	"time"

	"civicsync/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"
)

// GroupCount is one bucket of a $group by a single field.
type GroupCount struct {
	ID    string `bson:"_id" json:"_id"`
	Count int64  `bson:"count" json:"count"`
}

// MonthKey identifies a calendar month.
type MonthKey struct {
	Year  int `bson:"year" json:"year"`
	Month int `bson:"month" json:"month"`
}

// MonthlyCount is the number of issues created in one month.
type MonthlyCount struct {
	ID    MonthKey `bson:"_id" json:"_id"`
	Count int64    `bson:"count" json:"count"`
}

// DashboardStats summarizes issues for one reporter, or for everyone.
type DashboardStats struct {
	Total         int64        `json:"total"`
	Pending       int64        `json:"pending"`
	Processing    int64        `json:"processing"`
	Resolved      int64        `json:"resolved"`
	Rejected      int64        `json:"rejected"`
	CategoryStats []GroupCount `json:"categoryStats"`
}

// Overview holds the headline numbers of the analytics view.
type Overview struct {
	Total             int64   `json:"total"`
	Pending           int64   `json:"pending"`
	Processing        int64   `json:"processing"`
	Resolved          int64   `json:"resolved"`
	Rejected          int64   `json:"rejected"`
	AvgResolutionDays float64 `json:"avgResolutionDays"`
}

// Analytics is the admin analytics view.
type Analytics struct {
	Overview      Overview       `json:"overview"`
	StatusStats   []GroupCount   `json:"statusStats"`
	CategoryStats []GroupCount   `json:"categoryStats"`
	MonthlyStats  []MonthlyCount `json:"monthlyStats"`
}

func categoryPipeline(match bson.M) mongo.Pipeline {
	var pipeline mongo.Pipeline
	if len(match) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: match}})
	}
	return append(pipeline,
		bson.D{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$category"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
		bson.D{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}}}},
	)
}

func statusPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$group", Value: bson.D{{Key: "_id", Value: "$status"}, {Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
}

func monthlyPipeline(since time.Time) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "createdAt", Value: bson.D{{Key: "$gte", Value: since}}}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{
				{Key: "year", Value: bson.D{{Key: "$year", Value: "$createdAt"}}},
				{Key: "month", Value: bson.D{{Key: "$month", Value: "$createdAt"}}},
			}},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id.year", Value: 1}, {Key: "_id.month", Value: 1}}}},
	}
}

// resolutionPipeline averages resolvedAt - createdAt over resolved issues, in ms.
func resolutionPipeline() mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "status", Value: models.Resolved},
			{Key: "resolvedAt", Value: bson.D{{Key: "$exists", Value: true}}},
		}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "avgMs", Value: bson.D{{Key: "$avg", Value: bson.D{{Key: "$subtract", Value: bson.A{"$resolvedAt", "$createdAt"}}}}}},
		}}},
	}
}

func (s *IssueStore) aggregate(ctx context.Context, pipeline mongo.Pipeline, out interface{}) error {
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)
	return cursor.All(ctx, out)
}

// countByStatus runs one count per status in parallel, plus the total.
func (s *IssueStore) countByStatus(ctx context.Context, g *errgroup.Group, base bson.M, total *int64, counts map[models.IssueStatus]*int64) {
	g.Go(func() error {
		n, err := s.coll.CountDocuments(ctx, base)
		*total = n
		return err
	})
	for status, dst := range counts {
		dst := dst
		filter := bson.M{"status": status}
		for k, v := range base {
			filter[k] = v
		}
		g.Go(func() error {
			n, err := s.coll.CountDocuments(ctx, filter)
			*dst = n
			return err
		})
	}
}

// DashboardStats counts the issues reporterID filed, or all issues when reporterID is
// nil.
func (s *IssueStore) DashboardStats(ctx context.Context, reporterID *primitive.ObjectID) (DashboardStats, error) {
	base := bson.M{}
	if reporterID != nil {
		base["reporterId"] = *reporterID
	}

	var stats DashboardStats
	g, gctx := errgroup.WithContext(ctx)
	s.countByStatus(gctx, g, base, &stats.Total, map[models.IssueStatus]*int64{
		models.Pending:    &stats.Pending,
		models.Processing: &stats.Processing,
		models.Resolved:   &stats.Resolved,
	})
	g.Go(func() error {
		stats.CategoryStats = []GroupCount{}
		return s.aggregate(gctx, categoryPipeline(base), &stats.CategoryStats)
	})
	if err := g.Wait(); err != nil {
		return DashboardStats{}, err
	}
	stats.Rejected = stats.Total - stats.Pending - stats.Processing - stats.Resolved
	return stats, nil
}

// AnalyticsStats builds the admin analytics view; monthly trends cover the six months
// before now.
func (s *IssueStore) AnalyticsStats(ctx context.Context, now time.Time) (Analytics, error) {
	a := Analytics{
		StatusStats:   []GroupCount{},
		CategoryStats: []GroupCount{},
		MonthlyStats:  []MonthlyCount{},
	}
	var resolution []struct {
		AvgMs float64 `bson:"avgMs"`
	}

	g, gctx := errgroup.WithContext(ctx)
	s.countByStatus(gctx, g, bson.M{}, &a.Overview.Total, map[models.IssueStatus]*int64{
		models.Pending:    &a.Overview.Pending,
		models.Processing: &a.Overview.Processing,
		models.Resolved:   &a.Overview.Resolved,
		models.Rejected:   &a.Overview.Rejected,
	})
	g.Go(func() error { return s.aggregate(gctx, statusPipeline(), &a.StatusStats) })
	g.Go(func() error { return s.aggregate(gctx, categoryPipeline(nil), &a.CategoryStats) })
	g.Go(func() error { return s.aggregate(gctx, monthlyPipeline(now.AddDate(0, -6, 0)), &a.MonthlyStats) })
	g.Go(func() error { return s.aggregate(gctx, resolutionPipeline(), &resolution) })
	if err := g.Wait(); err != nil {
		return Analytics{}, err
	}

	if len(resolution) > 0 {
		a.Overview.AvgResolutionDays = roundTenth(resolution[0].AvgMs / float64(24*time.Hour/time.Millisecond))
	}
	return a, nil
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
