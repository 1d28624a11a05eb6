package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/veilworks/veil/pkg/types"
)

// TikaClient talks to a Tika-style document extraction service: raw bytes
// PUT to /extract with the source MIME type, text/plain back. Metadata is a
// separate optional call.
type TikaClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewTikaClient creates a document extractor client. timeout 0 uses 60s.
func NewTikaClient(baseURL string, timeout time.Duration) *TikaClient {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &TikaClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "document-extractor",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
		}),
	}
}

// Extract forwards the raw bytes and returns the plain-text body.
func (c *TikaClient) Extract(ctx context.Context, data []byte, mimeType string) (string, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/extract", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		if mimeType != "" {
			req.Header.Set("Content-Type", mimeType)
		} else {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
		req.Header.Set("Accept", "text/plain")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("document extractor returned HTTP %d", resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return string(body), nil
	})
	if err != nil {
		return "", types.E(types.KindExtractionUnavailable, "document.extract", err)
	}
	return out.(string), nil
}

// Metadata fetches document metadata from the /meta endpoint. Failures are
// non-fatal to extraction; callers treat an error as "no metadata".
func (c *TikaClient) Metadata(ctx context.Context, data []byte, mimeType string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/meta", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata endpoint returned HTTP %d", resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(raw))
	for k, v := range raw {
		meta[k] = fmt.Sprintf("%v", v)
	}
	return meta, nil
}

// extractDocument runs the external document extractor and wraps the result.
func (r *Router) extractDocument(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	if r.document == nil {
		return nil, types.Errorf(types.KindExtractionUnavailable, "document.extract",
			"no document extractor configured")
	}

	text, err := r.document.Extract(ctx, data, mimeType)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Text:       text,
		Confidence: 0.9,
		Method:     MethodDocument,
	}

	if meta, err := r.document.Metadata(ctx, data, mimeType); err == nil {
		for k, v := range meta {
			res.setMeta(k, v)
		}
	}
	return res, nil
}
