package models

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// IssueIndexes are the indexes the issues collection relies on. The 2dsphere index
// backs every proximity query.
func IssueIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "location", Value: "2dsphere"}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "reporterId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "category", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "supporters.userId", Value: 1}}},
	}
}

// EnsureIssueIndexes creates the issue indexes if they are missing
func EnsureIssueIndexes(ctx context.Context, collection *mongo.Collection) ([]string, error) {
	return collection.Indexes().CreateMany(ctx, IssueIndexes())
}
