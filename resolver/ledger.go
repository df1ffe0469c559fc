package resolver

import (
	"context"
	"fmt"
	"time"

	"civicsync/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SupporterStore appends supporters atomically.
type SupporterStore interface {
	// AddSupporter appends userID to the issue's supporter set unless it is already
	// there, as one atomic operation. It returns whether the entry was appended and the
	// issue as it stands afterwards. Unknown issues yield models.ErrNotFound.
	AddSupporter(ctx context.Context, issueID, userID primitive.ObjectID, at time.Time) (bool, *models.Issue, error)
}

// LedgerResult reports the effect of a support request.
type LedgerResult struct {
	Added bool
	Count int
	Issue *models.Issue
}

// Ledger maintains the unique supporter set of issues.
type Ledger struct {
	store SupporterStore
	now   func() time.Time
}

func NewLedger(store SupporterStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Add records reporterID as a supporter of issueID. Adding a reporter twice is a no-op
// reported as Added=false. Count is always the size of the supporter set.
func (l *Ledger) Add(ctx context.Context, issueID, reporterID primitive.ObjectID) (LedgerResult, error) {
	added, issue, err := l.store.AddSupporter(ctx, issueID, reporterID, l.now().UTC())
	if err != nil {
		return LedgerResult{}, fmt.Errorf("failed to add supporter to %s: %w", issueID.Hex(), err)
	}
	return LedgerResult{
		Added: added,
		Count: len(issue.Supporters),
		Issue: issue,
	}, nil
}
