// Package classifier talks to the ML service that predicts an issue's category,
// priority, authenticity and whether it duplicates a known issue. Its answers are
// advisory: every failure collapses into DefaultPrediction.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"civicsync/models"

	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single prediction call.
const DefaultTimeout = 15 * time.Second

// Prediction is the classifier's opinion about a submission. Available is false when
// the values are the safe defaults rather than a real answer.
type Prediction struct {
	Category         models.IssueCategory `json:"category"`
	Confidence       float64              `json:"confidence"`
	IsDuplicate      bool                 `json:"isDuplicate"`
	DuplicateIssueID string               `json:"duplicateIssueId,omitempty"`
	Priority         string               `json:"priority"`
	Authentic        bool                 `json:"authentic"`
	Available        bool                 `json:"-"`
}

// DefaultPrediction is what callers see when the service is absent or failing.
func DefaultPrediction() Prediction {
	return Prediction{
		Category:   models.Other,
		Confidence: 0,
		Priority:   "Medium",
		Authentic:  true,
	}
}

// Config configures the HTTP client.
type Config struct {
	URL     string
	Timeout time.Duration
}

// Client calls the ML prediction endpoint over HTTP.
type Client struct {
	httpClient *http.Client
	url        string
	timeout    time.Duration
	logger     zerolog.Logger
}

// New creates a client. An empty URL yields a disabled client that always returns the
// default prediction.
func New(cfg Config, logger zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url:     strings.TrimSpace(cfg.URL),
		timeout: timeout,
		logger:  logger.With().Str("component", "classifier").Logger(),
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Enabled reports whether a service URL is configured.
func (c *Client) Enabled() bool {
	return c.url != ""
}

// Predict asks the service about a submission. It never fails: errors are logged and
// replaced by DefaultPrediction.
func (c *Client) Predict(ctx context.Context, imageURL, description string, point models.GeoPoint) Prediction {
	if !c.Enabled() {
		return DefaultPrediction()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	p, err := c.predict(ctx, imageURL, description, point)
	if err != nil {
		c.logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("ML prediction unavailable, using defaults")
		return DefaultPrediction()
	}
	c.logger.Debug().
		Str("category", string(p.Category)).
		Float64("confidence", p.Confidence).
		Bool("is_duplicate", p.IsDuplicate).
		Dur("elapsed", time.Since(start)).
		Msg("ML prediction received")
	return p
}

type predictRequest struct {
	ImageURL    string  `json:"imageURL"`
	Description string  `json:"description"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
}

type predictResponse struct {
	Category         *string         `json:"category"`
	Confidence       *float64        `json:"confidence"`
	IsDuplicate      *bool           `json:"isDuplicate"`
	DuplicateIssueID json.RawMessage `json:"duplicateIssueId"`
	Priority         *string         `json:"priority"`
	Authentic        *bool           `json:"authentic"`
}

func (c *Client) predict(ctx context.Context, imageURL, description string, point models.GeoPoint) (Prediction, error) {
	body, err := json.Marshal(predictRequest{
		ImageURL:    imageURL,
		Description: description,
		Latitude:    point.Latitude(),
		Longitude:   point.Longitude(),
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Prediction{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Prediction{}, fmt.Errorf("ML API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded predictResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Prediction{}, fmt.Errorf("failed to parse response: %w", err)
	}
	return decoded.toPrediction()
}

// toPrediction fills missing fields with defaults.
func (r predictResponse) toPrediction() (Prediction, error) {
	p := DefaultPrediction()
	p.Available = true

	if r.Category != nil && *r.Category != "" {
		p.Category = models.IssueCategory(*r.Category)
		if !p.Category.Valid() {
			p.Category = models.Other
		}
	}
	if r.Confidence != nil {
		if *r.Confidence < 0 || *r.Confidence > 1 {
			return Prediction{}, fmt.Errorf("confidence out of range: %v", *r.Confidence)
		}
		p.Confidence = *r.Confidence
	}
	if r.IsDuplicate != nil {
		p.IsDuplicate = *r.IsDuplicate
	}
	id, err := parseIssueID(r.DuplicateIssueID)
	if err != nil {
		return Prediction{}, err
	}
	p.DuplicateIssueID = id
	if r.Priority != nil && *r.Priority != "" {
		p.Priority = *r.Priority
	}
	if r.Authentic != nil {
		p.Authentic = *r.Authentic
	}
	return p, nil
}

// parseIssueID accepts a JSON string, number or null.
func parseIssueID(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		return n.String(), nil
	}
	return "", fmt.Errorf("unexpected duplicateIssueId: %s", string(trimmed))
}
