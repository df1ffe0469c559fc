package resolver

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"civicsync/classifier"
	"civicsync/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	baseLat = 12.9716
	baseLng = 77.5946
)

type harness struct {
	store     *memStore
	images    *memImages
	predictor *cannedPredictor
	engine    *Engine
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	require.NoError(t, cfg.Validate())
	h := &harness{
		store:     newMemStore(),
		images:    newMemImages(),
		predictor: &cannedPredictor{prediction: classifier.DefaultPrediction()},
	}
	h.engine = NewEngine(h.store, h.images, h.predictor, cfg, zerolog.Nop())
	return h
}

func submission(reporter primitive.ObjectID, category models.IssueCategory, lat, lng float64, image []byte) Submission {
	return Submission{
		ReporterID:  reporter,
		Description: "Large pothole in the middle of the road",
		Category:    category,
		Latitude:    ptr(lat),
		Longitude:   ptr(lng),
		Image:       image,
		ContentType: "image/png",
	}
}

func TestSubmit_SameReporterSamePhotoIsDuplicate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	r := primitive.NewObjectID()
	img := photo(t, true)

	first, err := h.engine.Submit(ctx, submission(r, models.Pothole, baseLat, baseLng, img))
	require.NoError(t, err)
	require.Equal(t, ActionCreated, first.Action)
	require.NotNil(t, first.Issue)
	assert.Equal(t, 1, first.SupportCount)
	assert.Equal(t, models.Pending, first.Issue.Status)
	assert.Equal(t, models.Pothole, first.Issue.Category)
	assert.NotEmpty(t, first.Issue.ImageHash)

	// ~33 m north
	second, err := h.engine.Submit(ctx, submission(r, models.Pothole, baseLat+0.0003, baseLng, img))
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, second.Action)
	assert.Equal(t, first.IssueID, second.IssueID)
	assert.Equal(t, 1.0, second.Similarity)
	assert.InDelta(t, 33, second.Distance, 2)
	assert.Nil(t, second.Issue)

	assert.Equal(t, 1, h.store.count())
	stored := h.store.get(first.IssueID)
	assert.Len(t, stored.Supporters, 1)
	assert.Equal(t, 1, h.images.stored(), "duplicate upload must be discarded")
	assert.Equal(t, []string{"img-2"}, h.images.deleted)
}

func TestSubmit_SameReporterDifferentPhotoCreates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	r := primitive.NewObjectID()

	first, err := h.engine.Submit(ctx, submission(r, models.Pothole, baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	second, err := h.engine.Submit(ctx, submission(r, models.Pothole, baseLat+0.0003, baseLng, photo(t, false)))
	require.NoError(t, err)

	assert.Equal(t, ActionCreated, second.Action)
	assert.NotEqual(t, first.IssueID, second.IssueID)
	assert.Equal(t, 2, h.store.count())
	assert.Empty(t, h.images.deleted)
}

func TestSubmit_DifferentReporterSupportsNearestOnly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	r, q, s := primitive.NewObjectID(), primitive.NewObjectID(), primitive.NewObjectID()

	// ~33 m north and ~67 m south, 100 m apart from each other
	near, err := h.engine.Submit(ctx, submission(r, models.Pothole, baseLat+0.0003, baseLng, photo(t, true)))
	require.NoError(t, err)
	far, err := h.engine.Submit(ctx, submission(q, models.Pothole, baseLat-0.0006, baseLng, photo(t, false)))
	require.NoError(t, err)
	require.Equal(t, ActionCreated, far.Action)

	out, err := h.engine.Submit(ctx, submission(s, models.Pothole, baseLat, baseLng, photo(t, false)))
	require.NoError(t, err)
	assert.Equal(t, ActionSupportAdded, out.Action)
	assert.Equal(t, near.IssueID, out.IssueID)
	assert.Equal(t, 2, out.SupportCount)
	assert.False(t, out.ViaClassifier)

	nearIssue := h.store.get(near.IssueID)
	assert.True(t, nearIssue.HasSupporter(s))
	assert.Equal(t, 2, nearIssue.SupportCount)
	farIssue := h.store.get(far.IssueID)
	assert.Len(t, farIssue.Supporters, 1)
	assert.Equal(t, 2, h.store.count())

	again, err := h.engine.Submit(ctx, submission(s, models.Pothole, baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadySupported, again.Action)
	assert.Equal(t, near.IssueID, again.IssueID)
	assert.Equal(t, 2, again.SupportCount)
	assert.Len(t, h.store.get(near.IssueID).Supporters, 2)
}

func TestSubmit_DifferentCategoryCreates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, err := h.engine.Submit(ctx, submission(primitive.NewObjectID(), models.Pothole, baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	out, err := h.engine.Submit(ctx, submission(primitive.NewObjectID(), models.Garbage, baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)
	assert.Equal(t, 2, h.store.count())
}

func TestSubmit_UnifiedTaxonomy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UnifyCategories = true
	h := newHarness(t, cfg)
	ctx := context.Background()

	existing := h.store.put(models.Issue{
		ReporterID: primitive.NewObjectID(),
		Category:   models.MLRoadDamagePothole,
		Location:   models.NewGeoPoint(baseLng, baseLat),
	})

	out, err := h.engine.Submit(ctx, submission(primitive.NewObjectID(), models.Pothole, baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	assert.Equal(t, ActionSupportAdded, out.Action)
	assert.Equal(t, existing.ID, out.IssueID)
}

func TestSubmit_ClassifierTimeoutFallsBackToDefaults(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	store, images := newMemStore(), newMemImages()
	client := classifier.New(classifier.Config{URL: slow.URL, Timeout: 50 * time.Millisecond}, zerolog.Nop())
	engine := NewEngine(store, images, client, DefaultConfig(), zerolog.Nop())

	out, err := engine.Submit(context.Background(), submission(primitive.NewObjectID(), "", baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	require.Equal(t, ActionCreated, out.Action)
	assert.Equal(t, models.Other, out.Issue.Category)
	require.NotNil(t, out.Issue.MLConfidence)
	assert.Equal(t, 0.0, *out.Issue.MLConfidence)
	assert.Equal(t, "Medium", out.Issue.MLPredictions.Priority)
	assert.True(t, out.Issue.MLPredictions.Authentic)
	assert.False(t, out.Prediction.Available)
}

func TestSubmit_PredictedCategoryUsedWhenNoneGiven(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.predictor.prediction = classifier.Prediction{
		Category:   models.MLGarbageIssue,
		Confidence: 0.91,
		Priority:   "High",
		Authentic:  true,
		Available:  true,
	}

	out, err := h.engine.Submit(context.Background(), submission(primitive.NewObjectID(), "", baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	assert.Equal(t, models.MLGarbageIssue, out.Issue.Category)
	assert.Equal(t, 0.91, *out.Issue.MLConfidence)
	assert.Equal(t, "High", out.Issue.MLPredictions.Priority)
}

func TestSubmit_ClassifierDuplicateSupportsReferencedIssue(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	// far away from the submission, so only the classifier can link them
	existing := h.store.put(models.Issue{
		ReporterID: primitive.NewObjectID(),
		Category:   models.Streetlight,
		Location:   models.NewGeoPoint(baseLng+1, baseLat+1),
	})
	h.predictor.prediction = classifier.Prediction{
		Category:         models.MLStreetLightFailure,
		IsDuplicate:      true,
		DuplicateIssueID: existing.ID.Hex(),
		Priority:         "Low",
		Authentic:        true,
		Available:        true,
	}
	s := primitive.NewObjectID()

	out, err := h.engine.Submit(context.Background(), submission(s, models.Pothole, baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	assert.Equal(t, ActionSupportAdded, out.Action)
	assert.True(t, out.ViaClassifier)
	assert.True(t, out.Prediction.Available)
	assert.Equal(t, existing.ID, out.IssueID)
	assert.Equal(t, 2, out.SupportCount)
	assert.Equal(t, 0, h.store.nearCalls, "proximity search must be skipped")

	again, err := h.engine.Submit(context.Background(), submission(s, models.Pothole, baseLat, baseLng, photo(t, true)))
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadySupported, again.Action)
	assert.True(t, again.ViaClassifier)
	assert.Equal(t, 2, again.SupportCount)
	assert.Equal(t, 1, h.store.count())
}

func TestSubmit_ClassifierDuplicateFallsThrough(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{name: "unknown issue", id: primitive.NewObjectID().Hex()},
		{name: "not an object id", id: "issue-42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultConfig())
			h.predictor.prediction = classifier.DefaultPrediction()
			h.predictor.prediction.IsDuplicate = true
			h.predictor.prediction.DuplicateIssueID = tt.id

			out, err := h.engine.Submit(context.Background(), submission(primitive.NewObjectID(), models.Pothole, baseLat, baseLng, photo(t, true)))
			require.NoError(t, err)
			assert.Equal(t, ActionCreated, out.Action)
			assert.False(t, out.ViaClassifier)
			assert.Equal(t, 1, h.store.nearCalls)
		})
	}
}

func TestSubmit_ClassifierDuplicateWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	existing := h.store.put(models.Issue{
		ReporterID: primitive.NewObjectID(),
		Category:   models.Pothole,
		Location:   models.NewGeoPoint(baseLng, baseLat),
	})
	h.store.addErr = errors.New("write concern timeout")
	h.predictor.prediction = classifier.DefaultPrediction()
	h.predictor.prediction.IsDuplicate = true
	h.predictor.prediction.DuplicateIssueID = existing.ID.Hex()

	out, err := h.engine.Submit(context.Background(), submission(primitive.NewObjectID(), models.Pothole, baseLat, baseLng, photo(t, false)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write concern timeout")
	assert.Nil(t, out)
	_, ok := IsValidation(err)
	assert.False(t, ok)
	assert.Equal(t, 1, h.store.count(), "no issue may be created")
	assert.Zero(t, h.store.nearCalls)
	assert.Equal(t, []string{"img-1"}, h.images.deleted)
}

func TestSubmit_ResolvedIssuesAreIgnored(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	r := primitive.NewObjectID()
	img := photo(t, true)
	h.store.put(models.Issue{
		ReporterID: r,
		Category:   models.Pothole,
		Status:     models.Resolved,
		ImageHash:  string(mustHash(t, img)),
		Location:   models.NewGeoPoint(baseLng, baseLat),
	})

	out, err := h.engine.Submit(context.Background(), submission(r, models.Pothole, baseLat, baseLng, img))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)
}

func TestSubmit_ProximityFailureCreates(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	r := primitive.NewObjectID()
	img := photo(t, true)
	h.store.put(models.Issue{
		ReporterID: r,
		Category:   models.Pothole,
		ImageHash:  string(mustHash(t, img)),
		Location:   models.NewGeoPoint(baseLng, baseLat),
	})
	h.store.nearErr = errors.New("no 2dsphere index")

	out, err := h.engine.Submit(context.Background(), submission(r, models.Pothole, baseLat, baseLng, img))
	require.NoError(t, err)
	assert.Equal(t, ActionCreated, out.Action)
	assert.Equal(t, 2, h.store.count())
}

func TestSubmit_LegacyIssueIsHashedAndBackfilled(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	r := primitive.NewObjectID()
	img := photo(t, true)
	h.images.data["legacy"] = img
	legacy := h.store.put(models.Issue{
		ReporterID:    r,
		Category:      models.Pothole,
		ImagePublicID: "legacy",
		Location:      models.NewGeoPoint(baseLng, baseLat),
	})

	out, err := h.engine.Submit(context.Background(), submission(r, models.Pothole, baseLat, baseLng, img))
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, out.Action)
	assert.Equal(t, legacy.ID, out.IssueID)
	assert.Equal(t, 1, h.store.hashSets)
	assert.Equal(t, string(mustHash(t, img)), h.store.get(legacy.ID).ImageHash)
}

func TestSubmit_UnreadableCandidateIsSkipped(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	r := primitive.NewObjectID()
	img := photo(t, true)
	h.images.downloadErr["broken"] = errors.New("gridfs: file not found")
	h.store.put(models.Issue{
		ReporterID:    r,
		Category:      models.Pothole,
		ImagePublicID: "broken",
		Location:      models.NewGeoPoint(baseLng, baseLat),
	})
	match := h.store.put(models.Issue{
		ReporterID: r,
		Category:   models.Pothole,
		ImageHash:  string(mustHash(t, img)),
		Location:   models.NewGeoPoint(baseLng, baseLat+0.0004),
	})

	out, err := h.engine.Submit(context.Background(), submission(r, models.Pothole, baseLat, baseLng, img))
	require.NoError(t, err)
	assert.Equal(t, ActionDuplicate, out.Action)
	assert.Equal(t, match.ID, out.IssueID)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	r := primitive.NewObjectID()

	tests := []struct {
		name    string
		mutate  func(*Submission)
		field   string
		message string
	}{
		{"missing reporter", func(s *Submission) { s.ReporterID = primitive.NilObjectID }, "reporterId", "Reporter is required"},
		{"missing description", func(s *Submission) { s.Description = "  " }, "description", "Description, latitude, and longitude are required"},
		{"missing latitude", func(s *Submission) { s.Latitude = nil }, "description", "Description, latitude, and longitude are required"},
		{"short description", func(s *Submission) { s.Description = "pothole" }, "description", "Description must be at least 10 characters"},
		{"long description", func(s *Submission) { s.Description = strings.Repeat("a", 1001) }, "description", "Description cannot exceed 1000 characters"},
		{"latitude range", func(s *Submission) { s.Latitude = ptr(91) }, "latitude", "Latitude must be between -90 and 90"},
		{"longitude range", func(s *Submission) { s.Longitude = ptr(-181) }, "longitude", "Longitude must be between -180 and 180"},
		{"latitude NaN", func(s *Submission) { s.Latitude = ptr(math.NaN()) }, "latitude", "Latitude must be between -90 and 90"},
		{"latitude infinite", func(s *Submission) { s.Latitude = ptr(math.Inf(1)) }, "latitude", "Latitude must be between -90 and 90"},
		{"longitude NaN", func(s *Submission) { s.Longitude = ptr(math.NaN()) }, "longitude", "Longitude must be between -180 and 180"},
		{"longitude infinite", func(s *Submission) { s.Longitude = ptr(math.Inf(-1)) }, "longitude", "Longitude must be between -180 and 180"},
		{"unknown category", func(s *Submission) { s.Category = "volcano" }, "category", "Invalid category"},
		{"missing image", func(s *Submission) { s.Image = nil }, "image", "Image is required"},
		{"undecodable image", func(s *Submission) { s.Image = []byte("not an image") }, "image", "Image could not be decoded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := submission(r, models.Pothole, baseLat, baseLng, photo(t, true))
			tt.mutate(&sub)

			out, err := h.engine.Submit(context.Background(), sub)
			require.Error(t, err)
			assert.Nil(t, out)
			v, ok := IsValidation(err)
			require.True(t, ok)
			assert.Equal(t, tt.field, v.Field)
			assert.Equal(t, tt.message, v.Message)
		})
	}
	assert.Zero(t, h.images.next, "nothing may be uploaded for an invalid submission")
	assert.Zero(t, h.store.count())
}

func TestSubmit_CreateFailureDiscardsImage(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.createErr = errors.New("write concern timeout")

	out, err := h.engine.Submit(context.Background(), submission(primitive.NewObjectID(), models.Pothole, baseLat, baseLng, photo(t, true)))
	require.Error(t, err)
	assert.Nil(t, out)
	_, ok := IsValidation(err)
	assert.False(t, ok)
	assert.Equal(t, []string{"img-1"}, h.images.deleted)
}

func TestSubmit_UploadFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.images.uploadErr = errors.New("bucket unavailable")

	_, err := h.engine.Submit(context.Background(), submission(primitive.NewObjectID(), models.Pothole, baseLat, baseLng, photo(t, true)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket unavailable")
	assert.Zero(t, h.predictor.calls)
}

func TestSubmit_CanceledRequestCreatesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Submit(ctx, submission(primitive.NewObjectID(), models.Pothole, baseLat, baseLng, photo(t, true)))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.store.count())
	assert.Equal(t, []string{"img-1"}, h.images.deleted)
}

func TestSupport(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	issue := h.store.put(models.Issue{ReporterID: primitive.NewObjectID(), Category: models.Graffiti, Location: models.NewGeoPoint(baseLng, baseLat)})
	s := primitive.NewObjectID()

	res, err := h.engine.Support(context.Background(), issue.ID, s)
	require.NoError(t, err)
	assert.True(t, res.Added)
	assert.Equal(t, 2, res.Count)

	res, err = h.engine.Support(context.Background(), issue.ID, s)
	require.NoError(t, err)
	assert.False(t, res.Added)
	assert.Equal(t, 2, res.Count)

	_, err = h.engine.Support(context.Background(), primitive.NewObjectID(), s)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestLedger_ConcurrentAddsAreIdempotent(t *testing.T) {
	store := newMemStore()
	issue := store.put(models.Issue{ReporterID: primitive.NewObjectID(), Location: models.NewGeoPoint(baseLng, baseLat)})
	ledger := NewLedger(store)
	same := primitive.NewObjectID()

	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := ledger.Add(context.Background(), issue.ID, same)
			if assert.NoError(t, err) && res.Added {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Add(context.Background(), issue.ID, primitive.NewObjectID())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, added)
	final := store.get(issue.ID)
	assert.Len(t, final.Supporters, 12)
	assert.Equal(t, len(final.Supporters), final.SupportCount)
}
