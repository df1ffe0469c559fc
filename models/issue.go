package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IssueCategory enum
type IssueCategory string

// User-facing categories
const (
	Pothole        IssueCategory = "pothole"
	Streetlight    IssueCategory = "streetlight"
	Garbage        IssueCategory = "garbage"
	Drainage       IssueCategory = "drainage"
	WaterSupply    IssueCategory = "water_supply"
	RoadDamage     IssueCategory = "road_damage"
	TrafficSignal  IssueCategory = "traffic_signal"
	IllegalParking IssueCategory = "illegal_parking"
	Graffiti       IssueCategory = "graffiti"
	Other          IssueCategory = "other"
)

// Classifier-facing categories
const (
	MLGarbageIssue       IssueCategory = "Garbage Issue"
	MLRoadDamagePothole  IssueCategory = "Road Damage / Pothole"
	MLStreetLightFailure IssueCategory = "Street Light Failure"
	MLWaterLeakage       IssueCategory = "Water Leakage"
	MLSewerOverflow      IssueCategory = "Sewer Overflow"
	MLOther              IssueCategory = "Other"
)

var validCategories = map[IssueCategory]bool{
	Pothole: true, Streetlight: true, Garbage: true, Drainage: true, WaterSupply: true,
	RoadDamage: true, TrafficSignal: true, IllegalParking: true, Graffiti: true, Other: true,
	MLGarbageIssue: true, MLRoadDamagePothole: true, MLStreetLightFailure: true,
	MLWaterLeakage: true, MLSewerOverflow: true, MLOther: true,
}

// categoryAliases maps classifier phrases onto the user-facing vocabulary. It is only
// consulted when taxonomy unification is switched on.
var categoryAliases = map[IssueCategory]IssueCategory{
	MLGarbageIssue:       Garbage,
	MLRoadDamagePothole:  Pothole,
	RoadDamage:           Pothole,
	MLStreetLightFailure: Streetlight,
	MLWaterLeakage:       WaterSupply,
	MLSewerOverflow:      Drainage,
	MLOther:              Other,
}

// Valid reports whether c belongs to either taxonomy.
func (c IssueCategory) Valid() bool {
	return validCategories[c]
}

// CanonicalCategory folds a category onto the user-facing vocabulary.
func CanonicalCategory(c IssueCategory) IssueCategory {
	if alias, ok := categoryAliases[c]; ok {
		return alias
	}
	return c
}

// SameCategory compares two categories, exactly unless unify is set.
func SameCategory(a, b IssueCategory, unify bool) bool {
	if unify {
		return CanonicalCategory(a) == CanonicalCategory(b)
	}
	return a == b
}

// IssueStatus enum
type IssueStatus string

const (
	Pending    IssueStatus = "pending"
	Processing IssueStatus = "processing"
	Resolved   IssueStatus = "resolved"
	Rejected   IssueStatus = "rejected"
)

// Valid reports whether s is a known lifecycle status.
func (s IssueStatus) Valid() bool {
	switch s {
	case Pending, Processing, Resolved, Rejected:
		return true
	}
	return false
}

// OpenStatuses are the statuses considered during duplicate resolution.
var OpenStatuses = []IssueStatus{Pending, Processing}

// GeoPoint is a GeoJSON point; Coordinates are [longitude, latitude].
type GeoPoint struct {
	Type        string    `bson:"type" json:"type"`
	Coordinates []float64 `bson:"coordinates" json:"coordinates"`
}

// NewGeoPoint builds a GeoJSON point from a longitude/latitude pair.
func NewGeoPoint(longitude, latitude float64) GeoPoint {
	return GeoPoint{Type: "Point", Coordinates: []float64{longitude, latitude}}
}

func (p GeoPoint) Longitude() float64 {
	if len(p.Coordinates) < 2 {
		return 0
	}
	return p.Coordinates[0]
}

func (p GeoPoint) Latitude() float64 {
	if len(p.Coordinates) < 2 {
		return 0
	}
	return p.Coordinates[1]
}

// Supporter is one reporter endorsing an issue.
type Supporter struct {
	UserID     primitive.ObjectID `bson:"userId" json:"userId"`
	ReportedAt time.Time          `bson:"reportedAt" json:"reportedAt"`
}

// MLPredictions holds the classifier's advisory output for an issue.
type MLPredictions struct {
	Priority  string `bson:"priority,omitempty" json:"priority,omitempty"`
	Authentic bool   `bson:"authentic" json:"authentic"`
}

// Issue represents a civic issue reported by a user
type Issue struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Title         string             `bson:"title" json:"title"`
	Description   string             `bson:"description" json:"description"`
	Category      IssueCategory      `bson:"category" json:"category"`
	ImageURL      string             `bson:"imageUrl" json:"imageUrl"`
	ImagePublicID string             `bson:"imagePublicId,omitempty" json:"imagePublicId,omitempty"`
	ImageHash     string             `bson:"imageHash,omitempty" json:"-"`
	ReporterID    primitive.ObjectID `bson:"reporterId" json:"reporterId"`
	Location      GeoPoint           `bson:"location" json:"location"`
	Address       string             `bson:"address,omitempty" json:"address,omitempty"`
	Status        IssueStatus        `bson:"status" json:"status"`
	AssignedTo    string             `bson:"assignedTo,omitempty" json:"assignedTo,omitempty"`
	AssignedAt    *time.Time         `bson:"assignedAt,omitempty" json:"assignedAt,omitempty"`
	SupportCount  int                `bson:"supportCount" json:"supportCount"`
	Supporters    []Supporter        `bson:"supporters" json:"supporters"`
	MLConfidence  *float64           `bson:"mlConfidence,omitempty" json:"mlConfidence,omitempty"`
	MLPredictions MLPredictions      `bson:"mlPredictions" json:"mlPredictions"`
	AdminNotes    string             `bson:"adminNotes,omitempty" json:"adminNotes,omitempty"`
	ResolvedAt    *time.Time         `bson:"resolvedAt,omitempty" json:"resolvedAt,omitempty"`
	RejectedAt    *time.Time         `bson:"rejectedAt,omitempty" json:"rejectedAt,omitempty"`
	CreatedAt     time.Time          `bson:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time          `bson:"updatedAt" json:"updatedAt"`
}

// HasSupporter reports whether userID is already in the supporter set.
func (i *Issue) HasSupporter(userID primitive.ObjectID) bool {
	for _, s := range i.Supporters {
		if s.UserID == userID {
			return true
		}
	}
	return false
}

// MaxAdminNotes is the longest admin note accepted.
const MaxAdminNotes = 500
