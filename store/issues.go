// Package store persists issues in MongoDB and their photos in GridFS.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civicsync/models"
	"civicsync/phash"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IssuesCollection is the collection issues live in.
const IssuesCollection = "issues"

const (
	NearbyLimit        = 50
	MapLimit           = 1000
	DetailsRadius      = 100.0
	DetailsNearbyLimit = 10
)

// IssueStore is the MongoDB-backed issue repository.
type IssueStore struct {
	coll   *mongo.Collection
	logger zerolog.Logger
}

func NewIssueStore(db *mongo.Database, logger zerolog.Logger) *IssueStore {
	return &IssueStore{
		coll:   db.Collection(IssuesCollection),
		logger: logger.With().Str("component", "store").Logger(),
	}
}

// Collection exposes the underlying collection for index management.
func (s *IssueStore) Collection() *mongo.Collection {
	return s.coll
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.ErrNotFound
	}
	return err
}

func nearQuery(point models.GeoPoint, radiusMeters float64) bson.M {
	return bson.M{
		"$near": bson.M{
			"$geometry":    bson.M{"type": "Point", "coordinates": bson.A{point.Longitude(), point.Latitude()}},
			"$maxDistance": radiusMeters,
		},
	}
}

// nearFilter selects issues within radiusMeters of point in one of statuses. $near
// returns documents nearest first.
func nearFilter(point models.GeoPoint, radiusMeters float64, statuses []models.IssueStatus) bson.M {
	filter := bson.M{"location": nearQuery(point, radiusMeters)}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	return filter
}

// FindNear returns open candidates around point, nearest first.
func (s *IssueStore) FindNear(ctx context.Context, point models.GeoPoint, radiusMeters float64, statuses []models.IssueStatus, limit int) ([]models.Issue, error) {
	opts := options.Find().SetLimit(int64(limit))
	return s.find(ctx, nearFilter(point, radiusMeters, statuses), opts)
}

func (s *IssueStore) find(ctx context.Context, filter interface{}, opts ...*options.FindOptions) ([]models.Issue, error) {
	cursor, err := s.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	issues := []models.Issue{}
	if err := cursor.All(ctx, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// FindByID fetches one issue; unknown ids yield models.ErrNotFound.
func (s *IssueStore) FindByID(ctx context.Context, id primitive.ObjectID) (*models.Issue, error) {
	var issue models.Issue
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&issue); err != nil {
		return nil, notFound(err)
	}
	return &issue, nil
}

// CreateIssue inserts a fully built issue in a single write.
func (s *IssueStore) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID.IsZero() {
		issue.ID = primitive.NewObjectID()
	}
	if _, err := s.coll.InsertOne(ctx, issue); err != nil {
		return fmt.Errorf("failed to insert issue: %w", err)
	}
	return nil
}

func supporterFilter(issueID, userID primitive.ObjectID) bson.M {
	return bson.M{
		"_id":               issueID,
		"supporters.userId": bson.M{"$ne": userID},
	}
}

// supporterUpdate appends the supporter and recomputes supportCount from the array
// in the same write.
func supporterUpdate(userID primitive.ObjectID, at time.Time) mongo.Pipeline {
	entry := bson.D{{Key: "userId", Value: userID}, {Key: "reportedAt", Value: at}}
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "supporters", Value: bson.D{{Key: "$concatArrays", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$supporters", bson.A{}}}},
				bson.A{entry},
			}}}},
			{Key: "updatedAt", Value: at},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "supportCount", Value: bson.D{{Key: "$size", Value: "$supporters"}}},
		}}},
	}
}

// AddSupporter appends userID to the supporters of issueID unless already present.
// The membership check and the append are one findOneAndUpdate.
func (s *IssueStore) AddSupporter(ctx context.Context, issueID, userID primitive.ObjectID, at time.Time) (bool, *models.Issue, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var issue models.Issue
	err := s.coll.FindOneAndUpdate(ctx, supporterFilter(issueID, userID), supporterUpdate(userID, at), opts).Decode(&issue)
	if err == nil {
		return true, &issue, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil, err
	}

	// either the issue is gone or userID is already a supporter
	existing, err := s.FindByID(ctx, issueID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// SetImageHash stores a fingerprint computed after the issue was created.
func (s *IssueStore) SetImageHash(ctx context.Context, id primitive.ObjectID, hash phash.Fingerprint) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"imageHash": string(hash)}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListNearby returns any issue within radiusMeters of point, nearest first.
func (s *IssueStore) ListNearby(ctx context.Context, point models.GeoPoint, radiusMeters float64) ([]models.Issue, error) {
	return s.find(ctx, nearFilter(point, radiusMeters, nil), options.Find().SetLimit(NearbyLimit))
}

func userFilter(userID primitive.ObjectID, status models.IssueStatus) bson.M {
	filter := bson.M{
		"$or": bson.A{
			bson.M{"reporterId": userID},
			bson.M{"supporters.userId": userID},
		},
	}
	if status != "" && status != "all" {
		filter["status"] = status
	}
	return filter
}

// ListByUser returns issues userID reported or supports, newest first. An empty or
// "all" status means any status.
func (s *IssueStore) ListByUser(ctx context.Context, userID primitive.ObjectID, status models.IssueStatus) ([]models.Issue, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return s.find(ctx, userFilter(userID, status), opts)
}

// ListQuery filters the admin listing.
type ListQuery struct {
	Status   models.IssueStatus
	Category models.IssueCategory
	Page     int
	Limit    int
}

func (q *ListQuery) normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}
}

func (q ListQuery) filter() bson.M {
	filter := bson.M{}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if q.Category != "" {
		filter["category"] = q.Category
	}
	return filter
}

// IssuePage is one page of the admin listing.
type IssuePage struct {
	Issues []models.Issue
	Total  int64
	Page   int
	Pages  int
}

// List pages through all issues, newest first.
func (s *IssueStore) List(ctx context.Context, q ListQuery) (IssuePage, error) {
	q.normalize()
	filter := q.filter()

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64((q.Page - 1) * q.Limit)).
		SetLimit(int64(q.Limit))
	issues, err := s.find(ctx, filter, opts)
	if err != nil {
		return IssuePage{}, err
	}
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return IssuePage{}, err
	}
	return IssuePage{
		Issues: issues,
		Total:  total,
		Page:   q.Page,
		Pages:  int((total + int64(q.Limit) - 1) / int64(q.Limit)),
	}, nil
}

// MapIssues returns located issues with just the fields a map needs.
func (s *IssueStore) MapIssues(ctx context.Context) ([]models.Issue, error) {
	opts := options.Find().
		SetLimit(MapLimit).
		SetProjection(bson.M{
			"title": 1, "category": 1, "status": 1, "location": 1,
			"imageUrl": 1, "createdAt": 1, "reporterId": 1, "supportCount": 1,
		})
	return s.find(ctx, bson.M{"location": bson.M{"$exists": true}}, opts)
}

// NearbyOf returns up to DetailsNearbyLimit other issues within DetailsRadius of issue,
// newest first.
func (s *IssueStore) NearbyOf(ctx context.Context, issue *models.Issue) ([]models.Issue, error) {
	filter := bson.M{
		"_id":      bson.M{"$ne": issue.ID},
		"location": nearQuery(issue.Location, DetailsRadius),
	}
	opts := options.Find().
		SetLimit(DetailsNearbyLimit).
		SetSort(bson.D{{Key: "createdAt", Value: -1}})
	return s.find(ctx, filter, opts)
}

// statusUpdate sets the status, stamping resolvedAt or rejectedAt on the first
// transition only.
func statusUpdate(status models.IssueStatus, notes string, now time.Time) mongo.Pipeline {
	set := bson.D{
		{Key: "status", Value: status},
		{Key: "updatedAt", Value: now},
	}
	if notes != "" {
		set = append(set, bson.E{Key: "adminNotes", Value: notes})
	}
	switch status {
	case models.Resolved:
		set = append(set, bson.E{Key: "resolvedAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$resolvedAt", now}}}})
	case models.Rejected:
		set = append(set, bson.E{Key: "rejectedAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$rejectedAt", now}}}})
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

// assignUpdate records the assignee and moves pending issues to processing.
func assignUpdate(assignee string, now time.Time) mongo.Pipeline {
	return mongo.Pipeline{{{Key: "$set", Value: bson.D{
		{Key: "assignedTo", Value: assignee},
		{Key: "assignedAt", Value: now},
		{Key: "updatedAt", Value: now},
		{Key: "status", Value: bson.D{{Key: "$cond", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$status", string(models.Pending)}}},
			string(models.Processing),
			"$status",
		}}}},
	}}}}
}

func (s *IssueStore) updateOne(ctx context.Context, id primitive.ObjectID, update interface{}) (*models.Issue, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var issue models.Issue
	if err := s.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&issue); err != nil {
		return nil, notFound(err)
	}
	return &issue, nil
}

// UpdateStatus changes the lifecycle status of an issue.
func (s *IssueStore) UpdateStatus(ctx context.Context, id primitive.ObjectID, status models.IssueStatus, notes string, now time.Time) (*models.Issue, error) {
	return s.updateOne(ctx, id, statusUpdate(status, notes, now))
}

// Assign hands an issue to a worker.
func (s *IssueStore) Assign(ctx context.Context, id primitive.ObjectID, assignee string, now time.Time) (*models.Issue, error) {
	return s.updateOne(ctx, id, assignUpdate(assignee, now))
}

// UpdateCategory recategorizes an issue.
func (s *IssueStore) UpdateCategory(ctx context.Context, id primitive.ObjectID, category models.IssueCategory, now time.Time) (*models.Issue, error) {
	return s.updateOne(ctx, id, bson.M{"$set": bson.M{"category": category, "updatedAt": now}})
}
