package detect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilworks/veil/pkg/types"
)

func TestAnalyzeFiltersAndOrders(t *testing.T) {
	text := "Alice a@x.com 555-111-2222"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyze", r.URL.Path)

		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "en", req.Language, "language defaults to English")
		assert.Equal(t, 0.5, req.ScoreThreshold)

		// Out of order, one below threshold, one with bad offsets.
		out := []Detection{
			{EntityType: "PHONE_NUMBER", Start: 14, End: 26, Score: 0.85},
			{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.99},
			{EntityType: "PERSON", Start: 0, End: 5, Score: 0.3},
			{EntityType: "URL", Start: 20, End: 500, Score: 0.9},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0)
	detections, err := client.Analyze(context.Background(), Request{Text: text})
	require.NoError(t, err)

	require.Len(t, detections, 2)
	assert.Equal(t, "EMAIL_ADDRESS", detections[0].EntityType)
	assert.Equal(t, 6, detections[0].Start)
	assert.Equal(t, 13, detections[0].End)
	assert.Equal(t, "PHONE_NUMBER", detections[1].EntityType)
}

func TestAnalyzeRaisedThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req analyzeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 0.9, req.ScoreThreshold, "policy threshold above default is forwarded")

		json.NewEncoder(w).Encode([]Detection{
			{EntityType: "EMAIL_ADDRESS", Start: 0, End: 7, Score: 0.95},
			{EntityType: "PERSON", Start: 8, End: 13, Score: 0.85},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0)
	detections, err := client.Analyze(context.Background(), Request{
		Text:           "a@x.com Alice",
		ScoreThreshold: 0.9,
	})
	require.NoError(t, err)

	// The 0.85 hit is dropped client-side even though the server sent it.
	require.Len(t, detections, 1)
	assert.Equal(t, "EMAIL_ADDRESS", detections[0].EntityType)
}

func TestAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0)
	_, err := client.Analyze(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, types.KindDetectorUnavailable, types.KindOf(err))
}

func TestAnalyzeTransportError(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 0)
	_, err := client.Analyze(context.Background(), Request{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, types.KindDetectorUnavailable, types.KindOf(err))
}

func TestAnalyzeCorrelationHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "job-42", r.Header.Get("X-Correlation-ID"))
		json.NewEncoder(w).Encode([]Detection{})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 0)
	_, err := client.Analyze(context.Background(), Request{Text: "x", CorrelationID: "job-42"})
	require.NoError(t, err)
}
