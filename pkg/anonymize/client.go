package anonymize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/veilworks/veil/pkg/detect"
	"github.com/veilworks/veil/pkg/policy"
	"github.com/veilworks/veil/pkg/types"
)

// Client calls the external anonymizer service. Overlap resolution still
// happens client-side so the service sees disjoint ranges regardless of its
// own conflict handling.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates an anonymizer client. timeout 0 uses 30s.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "anonymizer",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

type wireOperator struct {
	Type        string `json:"type"`
	NewValue    string `json:"new_value,omitempty"`
	MaskingChar string `json:"masking_char,omitempty"`
	CharsToMask int    `json:"chars_to_mask,omitempty"`
	FromEnd     bool   `json:"from_end,omitempty"`
	HashType    string `json:"hash_type,omitempty"`
}

type wireDetection struct {
	EntityType string  `json:"entity_type"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Score      float64 `json:"score"`
}

type anonymizeRequest struct {
	Text               string                  `json:"text"`
	Anonymizers        map[string]wireOperator `json:"anonymizers"`
	AnalyzerResults    []wireDetection         `json:"analyzer_results"`
	ConflictResolution string                  `json:"conflict_resolution"`
}

func toWireOperator(op policy.Operator) wireOperator {
	switch op.Action {
	case types.ActionReplace:
		v := op.Replacement
		if v == "" {
			v = RedactedPlaceholder
		}
		return wireOperator{Type: "replace", NewValue: v}
	case types.ActionMask:
		mc := op.MaskChar
		if mc == "" {
			mc = "*"
		}
		return wireOperator{Type: "mask", MaskingChar: mc, CharsToMask: op.MaskCount, FromEnd: op.FromEnd}
	case types.ActionHash:
		return wireOperator{Type: "hash", HashType: "sha256"}
	case types.ActionEncrypt:
		return wireOperator{Type: "encrypt"}
	default:
		return wireOperator{Type: "replace", NewValue: RedactedPlaceholder}
	}
}

// Anonymize posts the text and resolved detections to the service.
// Failures carry kind anonymizer_unavailable for queue-level retry.
func (c *Client) Anonymize(ctx context.Context, text string, detections []detect.Detection, operators map[string]policy.Operator) (*Result, error) {
	resolved := ResolveOverlaps(detections)

	anonymizers := make(map[string]wireOperator, len(operators)+1)
	anonymizers["DEFAULT"] = wireOperator{Type: "replace", NewValue: RedactedPlaceholder}
	for t, op := range operators {
		anonymizers[t] = toWireOperator(op)
	}

	results := make([]wireDetection, 0, len(resolved))
	for _, d := range resolved {
		results = append(results, wireDetection{
			EntityType: d.EntityType,
			Start:      d.Start,
			End:        d.End,
			Score:      d.Score,
		})
	}

	payload, err := json.Marshal(anonymizeRequest{
		Text:               text,
		Anonymizers:        anonymizers,
		AnalyzerResults:    results,
		ConflictResolution: "merge_similar_or_contained",
	})
	if err != nil {
		return nil, types.E(types.KindInternal, "anonymize.request", err)
	}

	out, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/anonymize", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("anonymizer returned HTTP %d", resp.StatusCode)
		}

		var result Result
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode anonymizer response: %w", err)
		}
		return &result, nil
	})
	if err != nil {
		return nil, types.E(types.KindAnonymizerUnavailable, "anonymize", err)
	}
	return out.(*Result), nil
}
