// Package resolver decides, when a citizen submits a report, whether it duplicates one
// of their own open reports, corroborates someone else's, or is a new issue.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civicsync/classifier"
	"civicsync/models"
	"civicsync/phash"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// IssueStore is the durable store the engine writes to.
type IssueStore interface {
	NearFinder
	SupporterStore
	HashStore
	CreateIssue(ctx context.Context, issue *models.Issue) error
}

// ImageStore keeps submitted photos.
type ImageStore interface {
	ImageReader
	Upload(ctx context.Context, data []byte, contentType string) (models.ImageRef, error)
	Delete(ctx context.Context, handle string) error
}

// Predictor is the advisory classifier. It must not fail; unavailable answers come
// back as classifier.DefaultPrediction.
type Predictor interface {
	Predict(ctx context.Context, imageURL, description string, point models.GeoPoint) classifier.Prediction
}

// Engine runs a submission end to end.
type Engine struct {
	store     IssueStore
	images    ImageStore
	predictor Predictor
	ledger    *Ledger
	policy    *Policy
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEngine wires the resolution components together.
func NewEngine(store IssueStore, images ImageStore, predictor Predictor, cfg Config, logger zerolog.Logger) *Engine {
	logger = logger.With().Str("component", "resolver").Logger()
	locator := NewLocator(store, cfg.MaxCandidates, logger)
	ledger := NewLedger(store)
	return &Engine{
		store:     store,
		images:    images,
		predictor: predictor,
		ledger:    ledger,
		policy:    NewPolicy(store, images, locator, ledger, cfg, logger),
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Submit validates, stores and resolves a submission. Validation problems come back as
// *ValidationError; any other error is a server-side failure. The uploaded image is
// kept only when a new issue is created.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	fp, err := phash.Hash(sub.Image)
	if err != nil {
		return nil, invalid("image", "Image could not be decoded")
	}

	img, err := e.images.Upload(ctx, sub.Image, sub.ContentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload image: %w", err)
	}

	outcome, err := e.resolve(ctx, sub, fp, img)
	if err != nil || outcome.Action != ActionCreated {
		e.discardImage(ctx, img)
	}
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("action", string(outcome.Action)).
		Str("issue_id", outcome.IssueID.Hex()).
		Str("reporter_id", sub.ReporterID.Hex()).
		Int("support_count", outcome.SupportCount).
		Bool("via_classifier", outcome.ViaClassifier).
		Bool("classifier_available", outcome.Prediction.Available).
		Msg("Submission resolved")
	return outcome, nil
}

func (e *Engine) resolve(ctx context.Context, sub Submission, fp phash.Fingerprint, img models.ImageRef) (*Outcome, error) {
	point := sub.Point()
	pred := e.predictor.Predict(ctx, img.URL, sub.Description, point)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	in := Input{
		ReporterID:  sub.ReporterID,
		Category:    sub.Category,
		Point:       point,
		Fingerprint: fp,
		Prediction:  pred,
	}
	outcome, err := e.policy.Resolve(ctx, in)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		return outcome, nil
	}

	// the create is all-or-nothing: do not start it for an abandoned request
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	issue := e.newIssue(sub, in, fp, img)
	if err := e.store.CreateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	return &Outcome{
		Action:       ActionCreated,
		IssueID:      issue.ID,
		Issue:        issue,
		SupportCount: len(issue.Supporters),
		Category:     issue.Category,
		Prediction:   pred,
	}, nil
}

func (e *Engine) newIssue(sub Submission, in Input, fp phash.Fingerprint, img models.ImageRef) *models.Issue {
	now := e.now().UTC()
	confidence := in.Prediction.Confidence
	return &models.Issue{
		ID:            primitive.NewObjectID(),
		Title:         Title(sub.Description),
		Description:   sub.Description,
		Category:      in.EffectiveCategory(),
		ImageURL:      img.URL,
		ImagePublicID: img.Handle,
		ImageHash:     string(fp),
		ReporterID:    sub.ReporterID,
		Location:      in.Point,
		Address:       sub.Address,
		Status:        models.Pending,
		SupportCount:  1,
		Supporters:    []models.Supporter{{UserID: sub.ReporterID, ReportedAt: now}},
		MLConfidence:  &confidence,
		MLPredictions: models.MLPredictions{
			Priority:  in.Prediction.Priority,
			Authentic: in.Prediction.Authentic,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// discardImage removes an upload that did not become an issue. It runs even when the
// request was canceled.
func (e *Engine) discardImage(ctx context.Context, img models.ImageRef) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := e.images.Delete(ctx, img.Handle); err != nil {
		e.logger.Warn().Err(err).Str("handle", img.Handle).Msg("Failed to delete unused image")
	}
}

// Support adds reporterID to an issue's supporters outside of a submission.
func (e *Engine) Support(ctx context.Context, issueID, reporterID primitive.ObjectID) (LedgerResult, error) {
	res, err := e.ledger.Add(ctx, issueID, reporterID)
	if err != nil {
		return LedgerResult{}, err
	}
	if res.Added {
		e.logger.Info().Str("issue_id", issueID.Hex()).Str("reporter_id", reporterID.Hex()).Int("support_count", res.Count).Msg("Support added")
	}
	return res, nil
}

// IsValidation reports whether err is a submission problem rather than a failure.
func IsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	if errors.As(err, &v) {
		return v, true
	}
	return nil, false
}
