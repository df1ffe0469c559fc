package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"
	"testing"
	"time"

	"civicsync/classifier"
	"civicsync/models"
	"civicsync/phash"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// memStore is an in-memory IssueStore. AddSupporter holds the lock across the
// check and the append, standing in for the store's atomic update.
type memStore struct {
	mu        sync.Mutex
	issues    map[primitive.ObjectID]*models.Issue
	nearErr   error
	createErr error
	addErr    error
	nearCalls int
	hashSets  int
}

func newMemStore() *memStore {
	return &memStore{issues: make(map[primitive.ObjectID]*models.Issue)}
}

func (s *memStore) put(issue models.Issue) *models.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if issue.ID.IsZero() {
		issue.ID = primitive.NewObjectID()
	}
	if issue.Status == "" {
		issue.Status = models.Pending
	}
	if len(issue.Supporters) == 0 {
		issue.Supporters = []models.Supporter{{UserID: issue.ReporterID, ReportedAt: time.Now()}}
	}
	issue.SupportCount = len(issue.Supporters)
	cp := issue
	s.issues[cp.ID] = &cp
	return &cp
}

func (s *memStore) get(id primitive.ObjectID) models.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneIssue(s.issues[id])
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.issues)
}

func cloneIssue(i *models.Issue) models.Issue {
	cp := *i
	cp.Supporters = append([]models.Supporter(nil), i.Supporters...)
	return cp
}

func (s *memStore) FindNear(ctx context.Context, point models.GeoPoint, radiusMeters float64, statuses []models.IssueStatus, limit int) ([]models.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nearCalls++
	if s.nearErr != nil {
		return nil, s.nearErr
	}
	type hit struct {
		issue models.Issue
		d     float64
	}
	var hits []hit
	for _, issue := range s.issues {
		open := false
		for _, st := range statuses {
			if issue.Status == st {
				open = true
			}
		}
		d := DistanceMeters(point, issue.Location)
		if open && d <= radiusMeters {
			hits = append(hits, hit{issue: cloneIssue(issue), d: d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	var out []models.Issue
	for i, h := range hits {
		if i == limit {
			break
		}
		out = append(out, h.issue)
	}
	return out, nil
}

func (s *memStore) AddSupporter(ctx context.Context, issueID, userID primitive.ObjectID, at time.Time) (bool, *models.Issue, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return false, nil, s.addErr
	}
	issue, ok := s.issues[issueID]
	if !ok {
		return false, nil, models.ErrNotFound
	}
	if issue.HasSupporter(userID) {
		cp := cloneIssue(issue)
		return false, &cp, nil
	}
	issue.Supporters = append(issue.Supporters, models.Supporter{UserID: userID, ReportedAt: at})
	issue.SupportCount = len(issue.Supporters)
	cp := cloneIssue(issue)
	return true, &cp, nil
}

func (s *memStore) SetImageHash(ctx context.Context, id primitive.ObjectID, hash phash.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.issues[id]
	if !ok {
		return models.ErrNotFound
	}
	issue.ImageHash = string(hash)
	s.hashSets++
	return nil
}

func (s *memStore) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.put(*issue)
	return nil
}

// memImages is an in-memory ImageStore.
type memImages struct {
	mu          sync.Mutex
	next        int
	data        map[string][]byte
	deleted     []string
	uploadErr   error
	downloadErr map[string]error
}

func newMemImages() *memImages {
	return &memImages{data: make(map[string][]byte), downloadErr: make(map[string]error)}
}

func (m *memImages) Upload(ctx context.Context, data []byte, contentType string) (models.ImageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return models.ImageRef{}, m.uploadErr
	}
	m.next++
	handle := fmt.Sprintf("img-%d", m.next)
	m.data[handle] = data
	return models.ImageRef{URL: "http://images.test/" + handle, Handle: handle}, nil
}

func (m *memImages) Download(ctx context.Context, handle string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.downloadErr[handle]; err != nil {
		return nil, err
	}
	data, ok := m.data[handle]
	if !ok {
		return nil, errors.New("no such image")
	}
	return data, nil
}

func (m *memImages) Delete(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, handle)
	m.deleted = append(m.deleted, handle)
	return nil
}

func (m *memImages) stored() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// cannedPredictor returns the same prediction every time.
type cannedPredictor struct {
	prediction classifier.Prediction
	calls      int
}

func (p *cannedPredictor) Predict(ctx context.Context, imageURL, description string, point models.GeoPoint) classifier.Prediction {
	p.calls++
	return p.prediction
}

// photo renders a 64x64 two-tone image; horizontal splits top/bottom, otherwise
// left/right. The two variants hash 32 bits apart.
func photo(t *testing.T, horizontal bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			white := x < 32
			if horizontal {
				white = y < 32
			}
			c := color.Black
			if white {
				c = color.White
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func mustHash(t *testing.T, data []byte) phash.Fingerprint {
	t.Helper()
	fp, err := phash.Hash(data)
	require.NoError(t, err)
	return fp
}

func ptr(f float64) *float64 { return &f }
