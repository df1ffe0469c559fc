package resolver

import (
	"context"
	"errors"
	"fmt"

	"civicsync/classifier"
	"civicsync/models"
	"civicsync/phash"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Action tags the outcome of a submission.
type Action string

const (
	ActionDuplicate        Action = "duplicate"
	ActionAlreadySupported Action = "already_supported"
	ActionSupportAdded     Action = "support_added"
	ActionCreated          Action = "created"
)

// Outcome is the result of resolving one submission.
type Outcome struct {
	Action Action
	// IssueID is the matched issue, or the new one when Action is ActionCreated.
	IssueID primitive.ObjectID
	// Issue is set when Action is ActionCreated.
	Issue         *models.Issue
	SupportCount  int
	Similarity    float64
	Distance      float64
	Reason        string
	ViaClassifier bool
	Category      models.IssueCategory
	Prediction    classifier.Prediction
}

// HashStore persists fingerprints computed after the fact.
type HashStore interface {
	SetImageHash(ctx context.Context, id primitive.ObjectID, hash phash.Fingerprint) error
}

// ImageReader reads back stored images.
type ImageReader interface {
	Download(ctx context.Context, handle string) ([]byte, error)
}

// Input is everything the policy decides over.
type Input struct {
	ReporterID  primitive.ObjectID
	Category    models.IssueCategory
	Point       models.GeoPoint
	Fingerprint phash.Fingerprint
	Prediction  classifier.Prediction
}

// EffectiveCategory is the submitted category, or the predicted one when none was given.
func (in Input) EffectiveCategory() models.IssueCategory {
	if in.Category != "" {
		return in.Category
	}
	return in.Prediction.Category
}

// Policy decides whether a submission duplicates, supports or is distinct from the
// open issues around it. A nil outcome from Resolve means "create a new issue".
type Policy struct {
	hashes  HashStore
	images  ImageReader
	locator *Locator
	ledger  *Ledger
	cfg     Config
	logger  zerolog.Logger
}

func NewPolicy(hashes HashStore, images ImageReader, locator *Locator, ledger *Ledger, cfg Config, logger zerolog.Logger) *Policy {
	return &Policy{
		hashes:  hashes,
		images:  images,
		locator: locator,
		ledger:  ledger,
		cfg:     cfg,
		logger:  logger,
	}
}

// Resolve applies the rules in order; the first that matches wins:
//
//  1. classifier says duplicate of an existing issue: support it
//  2. effective category = submitted ?: predicted
//  3. no nearby open issues (or the query failed): create
//  4. split candidates by reporter, keeping nearest-first order
//  5. same reporter with a near-identical photo: duplicate, no mutation
//  6. different reporter, same category: support the nearest
//  7. otherwise: create
//
// Errors are only returned for failed support writes and cancellation. A classifier
// duplicate that no longer exists falls through to the proximity rules.
func (p *Policy) Resolve(ctx context.Context, in Input) (*Outcome, error) {
	category := in.EffectiveCategory()

	outcome, err := p.classifierDuplicate(ctx, in)
	if err != nil || outcome != nil {
		return outcome, err
	}

	candidates, ok := p.locator.FindNear(ctx, in.Point, p.cfg.RadiusMeters, models.OpenStatuses)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok || len(candidates) == 0 {
		return nil, nil
	}

	var sameReporter, otherReporters []Candidate
	for _, c := range candidates {
		if c.Issue.ReporterID == in.ReporterID {
			sameReporter = append(sameReporter, c)
		} else {
			otherReporters = append(otherReporters, c)
		}
	}

	for _, c := range sameReporter {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		existing, err := p.fingerprintOf(ctx, &c.Issue)
		if err != nil {
			p.logger.Warn().Err(err).Str("issue_id", c.Issue.ID.Hex()).Msg("Skipping candidate, could not fingerprint")
			continue
		}
		similarity, err := phash.Similarity(in.Fingerprint, existing)
		if err != nil {
			p.logger.Warn().Err(err).Str("issue_id", c.Issue.ID.Hex()).Msg("Skipping candidate")
			continue
		}
		if similarity >= p.cfg.SimilarityThreshold {
			return &Outcome{
				Action:       ActionDuplicate,
				IssueID:      c.Issue.ID,
				SupportCount: len(c.Issue.Supporters),
				Similarity:   similarity,
				Distance:     c.DistanceMeters,
				Reason:       "Same user, same location, same photo",
				Category:     category,
				Prediction:   in.Prediction,
			}, nil
		}
	}

	for _, c := range otherReporters {
		if !models.SameCategory(c.Issue.Category, category, p.cfg.UnifyCategories) {
			continue
		}
		outcome := &Outcome{
			IssueID:    c.Issue.ID,
			Distance:   c.DistanceMeters,
			Category:   category,
			Prediction: in.Prediction,
		}
		if c.Issue.HasSupporter(in.ReporterID) {
			outcome.Action = ActionAlreadySupported
			outcome.SupportCount = len(c.Issue.Supporters)
			outcome.Reason = "Already supported"
			return outcome, nil
		}
		res, err := p.ledger.Add(ctx, c.Issue.ID, in.ReporterID)
		if err != nil {
			return nil, err
		}
		outcome.SupportCount = res.Count
		outcome.Reason = "Different user, same location, same category"
		outcome.Action = ActionSupportAdded
		if !res.Added {
			// lost a race with a concurrent request from the same reporter
			outcome.Action = ActionAlreadySupported
		}
		return outcome, nil
	}

	return nil, nil
}

// classifierDuplicate implements rule 1. A nil outcome means fall through.
func (p *Policy) classifierDuplicate(ctx context.Context, in Input) (*Outcome, error) {
	pred := in.Prediction
	if !pred.IsDuplicate || pred.DuplicateIssueID == "" {
		return nil, nil
	}
	id, err := primitive.ObjectIDFromHex(pred.DuplicateIssueID)
	if err != nil {
		p.logger.Warn().Str("duplicate_issue_id", pred.DuplicateIssueID).Msg("Classifier referenced an unknown issue id")
		return nil, nil
	}

	res, err := p.ledger.Add(ctx, id, in.ReporterID)
	if errors.Is(err, models.ErrNotFound) {
		p.logger.Info().Str("duplicate_issue_id", id.Hex()).Msg("Classifier duplicate no longer exists, resolving by proximity")
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	action := ActionSupportAdded
	if !res.Added {
		action = ActionAlreadySupported
	}
	return &Outcome{
		Action:        action,
		IssueID:       id,
		SupportCount:  res.Count,
		Reason:        "Similar issue found by ML",
		ViaClassifier: true,
		Category:      res.Issue.Category,
		Prediction:    pred,
	}, nil
}

// fingerprintOf returns the stored fingerprint of an issue, hashing its image and
// backfilling the field for issues created before fingerprints were persisted.
func (p *Policy) fingerprintOf(ctx context.Context, issue *models.Issue) (phash.Fingerprint, error) {
	if issue.ImageHash != "" {
		if fp, err := phash.ParseFingerprint(issue.ImageHash); err == nil {
			return fp, nil
		}
	}
	if issue.ImagePublicID == "" {
		return "", fmt.Errorf("issue %s has no stored image", issue.ID.Hex())
	}

	data, err := p.images.Download(ctx, issue.ImagePublicID)
	if err != nil {
		return "", fmt.Errorf("failed to download image: %w", err)
	}
	fp, err := phash.Hash(data)
	if err != nil {
		return "", err
	}
	if err := p.hashes.SetImageHash(ctx, issue.ID, fp); err != nil {
		p.logger.Warn().Err(err).Str("issue_id", issue.ID.Hex()).Msg("Failed to backfill image hash")
	}
	return fp, nil
}
