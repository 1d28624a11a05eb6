package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/types"
)

// DefaultScoreThreshold is the minimum score requested from the analyzer
// when the caller does not raise it.
const DefaultScoreThreshold = 0.5

// Detection is one analyzer hit. Offsets are byte offsets [Start, End) into
// the analyzed text; overlapping detections are preserved.
type Detection struct {
	EntityType  string  `json:"entity_type"`
	Start       int     `json:"start"`
	End         int     `json:"end"`
	Score       float64 `json:"score"`
	Explanation string  `json:"analysis_explanation,omitempty"`
}

// Request describes one analysis call.
type Request struct {
	Text     string
	Language string
	// Entities restricts detection to the listed types; empty means all.
	Entities []string
	// ScoreThreshold is the caller's minimum; the effective threshold is
	// max(ScoreThreshold, policy threshold) and is applied client-side too
	// so analyzer configuration drift cannot leak low-score hits.
	ScoreThreshold float64
	CorrelationID  string
}

// Client calls the PII analyzer service.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewClient creates a detector client. timeout 0 uses 30s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "detector",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
		logger: log.WithComponent("detect"),
	}
}

type analyzeRequest struct {
	Text           string   `json:"text"`
	Language       string   `json:"language"`
	Entities       []string `json:"entities,omitempty"`
	ScoreThreshold float64  `json:"score_threshold"`
	CorrelationID  string   `json:"correlation_id,omitempty"`
}

// Analyze runs detection and returns hits at or above the effective
// threshold, ordered by (start, end). Transport and server failures carry
// kind detector_unavailable so the stage retries with backoff.
func (c *Client) Analyze(ctx context.Context, req Request) ([]Detection, error) {
	threshold := req.ScoreThreshold
	if threshold < DefaultScoreThreshold {
		threshold = DefaultScoreThreshold
	}
	language := req.Language
	if language == "" {
		language = "en"
	}

	payload, err := json.Marshal(analyzeRequest{
		Text:           req.Text,
		Language:       language,
		Entities:       req.Entities,
		ScoreThreshold: threshold,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		return nil, types.E(types.KindInternal, "detect.analyze", err)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if req.CorrelationID != "" {
			httpReq.Header.Set("X-Correlation-ID", req.CorrelationID)
		}

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("analyzer returned HTTP %d", resp.StatusCode)
		}

		var detections []Detection
		if err := json.NewDecoder(resp.Body).Decode(&detections); err != nil {
			return nil, fmt.Errorf("failed to decode analyzer response: %w", err)
		}
		return detections, nil
	})
	if err != nil {
		return nil, types.E(types.KindDetectorUnavailable, "detect.analyze", err)
	}

	detections := out.([]Detection)

	filtered := detections[:0]
	for _, d := range detections {
		if d.Score < threshold {
			continue
		}
		if d.Start < 0 || d.End <= d.Start || d.End > len(req.Text) {
			// Non-fatal recognizer defect: log and drop.
			c.logger.Warn().
				Str("entity_type", d.EntityType).
				Int("start", d.Start).
				Int("end", d.End).
				Msg("Dropping detection with invalid offsets")
			continue
		}
		filtered = append(filtered, d)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Start != filtered[j].Start {
			return filtered[i].Start < filtered[j].Start
		}
		return filtered[i].End < filtered[j].End
	})
	return filtered, nil
}
