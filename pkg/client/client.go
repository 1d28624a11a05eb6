package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/veilworks/veil/pkg/types"
)

// Client wraps the Veil HTTP API for programmatic and CLI usage.
type Client struct {
	baseURL string
	userID  string
	role    string
	http    *http.Client
}

// NewClient creates an API client acting as userID.
func NewClient(baseURL, userID string) *Client {
	return &Client{
		baseURL: baseURL,
		userID:  userID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithRole sets the role header forwarded to the authorization guard.
func (c *Client) WithRole(role string) *Client {
	c.role = role
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", c.userID)
	if c.role != "" {
		req.Header.Set("X-User-Role", c.role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("api error (HTTP %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("api error: HTTP %d", resp.StatusCode)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Submit enqueues a file for processing.
func (c *Client) Submit(ctx context.Context, req types.EnqueueRequest) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+id, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel requests cancellation of a job.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", nil, nil)
}

// Retry clones a failed job and returns the new one.
func (c *Client) Retry(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id+"/retry", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetDataset fetches one dataset.
func (c *Client) GetDataset(ctx context.Context, id string) (*types.Dataset, error) {
	var ds types.Dataset
	if err := c.do(ctx, http.MethodGet, "/api/v1/datasets/"+id, nil, &ds); err != nil {
		return nil, err
	}
	return &ds, nil
}

// FindingsPage is the findings read response.
type FindingsPage struct {
	Findings []*types.Finding       `json:"findings"`
	Summary  *types.FindingsSummary `json:"summary"`
}

// ListFindings fetches a dataset's findings with their summary.
func (c *Client) ListFindings(ctx context.Context, datasetID string) (*FindingsPage, error) {
	var page FindingsPage
	if err := c.do(ctx, http.MethodGet, "/api/v1/datasets/"+datasetID+"/findings", nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListNotifications fetches the caller's notifications, newest first.
func (c *Client) ListNotifications(ctx context.Context) ([]*types.Notification, error) {
	var out []*types.Notification
	if err := c.do(ctx, http.MethodGet, "/api/v1/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
