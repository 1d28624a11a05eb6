package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilworks/veil/pkg/anonymize"
	"github.com/veilworks/veil/pkg/audit"
	"github.com/veilworks/veil/pkg/detect"
	"github.com/veilworks/veil/pkg/events"
	"github.com/veilworks/veil/pkg/extract"
	"github.com/veilworks/veil/pkg/notify"
	"github.com/veilworks/veil/pkg/pipeline"
	"github.com/veilworks/veil/pkg/policy"
	"github.com/veilworks/veil/pkg/queue"
	"github.com/veilworks/veil/pkg/storage"
	"github.com/veilworks/veil/pkg/types"
)

// frameSink records every event pushed to one user.
type frameSink struct {
	mu     sync.Mutex
	frames []*events.Event
}

func (s *frameSink) Send(e *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, e)
	return nil
}

func (s *frameSink) Close() error { return nil }

func (s *frameSink) jobFrames(jobID string) []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.Event
	for _, e := range s.frames {
		if e.Type == events.EventJobStatus && e.JobStatus.JobID == jobID {
			out = append(out, e)
		}
	}
	return out
}

// harness is a full in-process deployment: store, memory queues, broker,
// pipeline, runtime, and stubbed collaborators.
type harness struct {
	t        *testing.T
	dir      string
	store    storage.Store
	broker   *events.Broker
	pipeline *pipeline.Pipeline
	sink     *frameSink

	detectorSrv *httptest.Server
	documentSrv *httptest.Server
	ocrSrv      *httptest.Server

	detectorHits  []detect.Detection
	detectorFails atomic.Int32 // respond 503 while > 0
	documentText  string
	documentCalls atomic.Int32
	documentDelay time.Duration
	ocrStdout     string
	ocrStderr     string

	cancelRun context.CancelFunc
	runDone   chan struct{}
}

const testPolicyDoc = `
name: s1-policy
detection:
  entities:
    - type: EMAIL_ADDRESS
      threshold: 0.5
      action: redact
    - type: PHONE_NUMBER
      threshold: 0.5
      action: mask
      mask_char: "*"
      chars_to_mask: 12
anonymization:
  default_action: redact
  audit_trail: true
`

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), runDone: make(chan struct{})}

	store, err := storage.NewBoltStore(h.dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	h.store = store

	require.NoError(t, store.PutPolicy(&storage.PolicyRecord{
		ID:       "pol-1",
		Name:     "s1-policy",
		Version:  1,
		Document: []byte(testPolicyDoc),
	}))

	h.detectorSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.detectorFails.Load() > 0 {
			h.detectorFails.Add(-1)
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h.detectorHits)
	}))
	t.Cleanup(h.detectorSrv.Close)

	h.documentSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/meta" {
			json.NewEncoder(w).Encode(map[string]any{"Content-Type": "application/pdf"})
			return
		}
		h.documentCalls.Add(1)
		if h.documentDelay > 0 {
			select {
			case <-time.After(h.documentDelay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(h.documentText))
	}))
	t.Cleanup(h.documentSrv.Close)

	h.ocrSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"exit":   map[string]any{"code": 0, "signal": ""},
				"stdout": h.ocrStdout,
				"stderr": h.ocrStderr,
			},
		})
	}))
	t.Cleanup(h.ocrSrv.Close)

	queues := make(map[types.JobType]queue.Queue, len(types.StageOrder))
	for _, stage := range types.StageOrder {
		queues[stage] = queue.NewMemory(string(stage), 100, queue.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   20 * time.Millisecond,
		})
	}

	h.broker = events.NewBroker(time.Hour)
	h.sink = &frameSink{}
	h.broker.Subscribe("user-1", h.sink)

	router := extract.NewRouter(
		extract.NewTikaClient(h.documentSrv.URL, 5*time.Second),
		extract.NewOCRClient(h.ocrSrv.URL, 5*time.Second),
		[]string{"eng"},
		0,
	)

	h.pipeline = pipeline.New(
		store, queues, policy.NewEngine(store),
		router,
		detect.NewClient(h.detectorSrv.URL, 5*time.Second),
		anonymize.NewEngine(nil),
		h.broker, audit.NewRecorder(store), notify.NewService(store, h.broker),
		pipeline.Config{
			OutputDir:   filepath.Join(h.dir, "outputs"),
			MaxFileSize: 1 << 20,
			Actor:       "integration",
		},
	)

	runtime := pipeline.NewRuntime(h.pipeline, pipeline.RuntimeConfig{
		Concurrency:  2,
		Visibility:   5 * time.Second,
		JobTimeout:   time.Minute,
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancelRun = cancel
	go func() {
		defer close(h.runDone)
		_ = runtime.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.runDone
	})

	return h
}

func (h *harness) submit(fileName, content string) (*types.Job, *types.Dataset) {
	h.t.Helper()
	path := filepath.Join(h.dir, fileName)
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0644))

	ds := &types.Dataset{
		ID:         "ds-" + fileName,
		FileName:   fileName,
		FileType:   filepath.Ext(fileName)[1:],
		SizeBytes:  int64(len(content)),
		Status:     types.DatasetStatusPending,
		SourcePath: path,
		UserID:     "user-1",
		PolicyID:   "pol-1",
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(h.t, h.store.CreateDataset(ds))

	job, err := h.pipeline.EnqueueFileProcessing(context.Background(), types.EnqueueRequest{
		UserID:    "user-1",
		DatasetID: ds.ID,
		FilePath:  path,
		FileName:  fileName,
		FileSize:  ds.SizeBytes,
		PolicyID:  "pol-1",
	})
	require.NoError(h.t, err)
	return job, ds
}

func (h *harness) waitDataset(id string, status types.DatasetStatus) *types.Dataset {
	h.t.Helper()
	var ds *types.Dataset
	require.Eventually(h.t, func() bool {
		got, err := h.store.GetDataset(id)
		if err != nil {
			return false
		}
		ds = got
		return got.Status == status
	}, 15*time.Second, 20*time.Millisecond, "dataset %s never reached %s", id, status)
	return ds
}

// completedStages returns the completed jobs of a dataset ordered by
// StartedAt.
func (h *harness) completedStages(datasetID string) []types.JobType {
	h.t.Helper()
	jobs, err := h.store.ListJobsByDataset(datasetID)
	require.NoError(h.t, err)

	var completed []*types.Job
	for _, j := range jobs {
		if j.Status == types.JobStatusCompleted {
			completed = append(completed, j)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].StartedAt.Before(completed[j].StartedAt)
	})

	out := make([]types.JobType, len(completed))
	for i, j := range completed {
		out[i] = j.Type
	}
	return out
}

// S1: plain text, two entities, redact + mask.
func TestScenarioPlainTextTwoEntities(t *testing.T) {
	h := newHarness(t)
	h.detectorHits = []detect.Detection{
		{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.99},
		{EntityType: "PHONE_NUMBER", Start: 14, End: 26, Score: 0.85},
	}

	_, ds := h.submit("contacts.txt", "Alice a@x.com 555-111-2222")
	final := h.waitDataset(ds.ID, types.DatasetStatusCompleted)

	// Findings in ascending offset order, above thresholds.
	findings, err := h.store.ListFindings(ds.ID)
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "EMAIL_ADDRESS", findings[0].EntityType)
	assert.Equal(t, 6, findings[0].Start)
	assert.Equal(t, 13, findings[0].End)
	assert.GreaterOrEqual(t, findings[0].Confidence, 0.8)
	assert.Equal(t, "PHONE_NUMBER", findings[1].EntityType)
	assert.Equal(t, 14, findings[1].Start)
	assert.Equal(t, 26, findings[1].End)

	// Anonymized artifact.
	content, err := os.ReadFile(final.OutputPaths["anonymized"])
	require.NoError(t, err)
	assert.Equal(t, "Alice [REDACTED] ************", string(content))

	// Stage ordering: completed jobs by StartedAt match the pipeline.
	assert.Equal(t, []types.JobType{
		types.JobTypeFileProcessing,
		types.JobTypeTextExtraction,
		types.JobTypePIIAnalysis,
		types.JobTypeAnonymization,
	}, h.completedStages(ds.ID))

	assert.Equal(t, 2, final.FindingsCount)
}

// S2: PDF without coordinate data degrades to a text surrogate.
func TestScenarioPDFMissingCoordinates(t *testing.T) {
	h := newHarness(t)
	h.documentText = "Alice a@x.com 555-111-2222"
	h.detectorHits = []detect.Detection{
		{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.99},
		{EntityType: "PHONE_NUMBER", Start: 14, End: 26, Score: 0.85},
	}

	// Not a parseable PDF: the router falls through to the document
	// extractor, which yields text but no coordinate map.
	_, ds := h.submit("scan.pdf", "%PDF-1.4 not really a pdf")
	final := h.waitDataset(ds.ID, types.DatasetStatusCompleted)

	findings, err := h.store.ListFindings(ds.ID)
	require.NoError(t, err)
	require.Len(t, findings, 2)

	assert.Equal(t, "true", final.Metadata["pdfCoordinatesUnavailable"])

	content, err := os.ReadFile(final.OutputPaths["anonymized"])
	require.NoError(t, err)
	assert.Equal(t, "Alice [REDACTED] ************", string(content))
}

// S3: low-confidence OCR still produces findings but flags the dataset.
func TestScenarioOCRLowConfidence(t *testing.T) {
	h := newHarness(t)
	h.ocrStdout = "a@x ~~ ## !!"
	h.ocrStderr = "Warning: Invalid resolution 0 dpi. Warning: empty page. Warning: deskew failed"
	h.detectorHits = []detect.Detection{
		{EntityType: "EMAIL_ADDRESS", Start: 0, End: 3, Score: 0.9},
	}

	_, ds := h.submit("blurry.png", "not-a-real-png")
	final := h.waitDataset(ds.ID, types.DatasetStatusCompleted)

	assert.Equal(t, "true", final.Metadata["hasLowConfidenceWords"])
	assert.Equal(t, "ocr", final.Metadata["extractionMethod"])

	findings, err := h.store.ListFindings(ds.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, findings, "low confidence still yields findings")
}

// S4: detector outage exhausts retries and fails the dataset.
func TestScenarioDetectorOutage(t *testing.T) {
	h := newHarness(t)
	h.detectorFails.Store(100) // fail every call

	_, ds := h.submit("contacts.txt", "Alice a@x.com")
	h.waitDataset(ds.ID, types.DatasetStatusFailed)

	// The analysis job failed with the right kind after three attempts.
	jobs, err := h.store.ListJobsByDataset(ds.ID)
	require.NoError(t, err)
	var analysis *types.Job
	for _, j := range jobs {
		if j.Type == types.JobTypePIIAnalysis {
			analysis = j
		}
	}
	require.NotNil(t, analysis)
	assert.Equal(t, types.JobStatusFailed, analysis.Status)
	assert.Equal(t, types.KindDetectorUnavailable, analysis.ErrorKind)
	assert.Equal(t, 3, analysis.Attempt)

	// No findings persisted.
	findings, err := h.store.ListFindings(ds.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)

	// job_status frames: repeated Running then a Failed terminal frame.
	require.Eventually(t, func() bool {
		var failed int
		for _, f := range h.sink.jobFrames(analysis.ID) {
			if f.JobStatus.Status == types.JobStatusFailed {
				failed++
			}
		}
		return failed == 1
	}, 5*time.Second, 20*time.Millisecond)

	var running int
	for _, f := range h.sink.jobFrames(analysis.ID) {
		if f.JobStatus.Status == types.JobStatusRunning {
			running++
		}
	}
	assert.GreaterOrEqual(t, running, 3, "at least one Running frame per attempt")
}

// S5: cancel mid-extraction reaches Cancelled and enqueues no successor.
func TestScenarioCancelMidFlight(t *testing.T) {
	h := newHarness(t)
	h.documentDelay = 10 * time.Second // extraction blocks until cancelled

	_, ds := h.submit("report.docx", "binary-ish")

	// Wait for the extraction job to exist and start running.
	var extraction *types.Job
	require.Eventually(t, func() bool {
		jobs, err := h.store.ListJobsByDataset(ds.ID)
		if err != nil {
			return false
		}
		for _, j := range jobs {
			if j.Type == types.JobTypeTextExtraction && j.Status == types.JobStatusRunning {
				extraction = j
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, h.pipeline.Cancel(context.Background(), extraction.ID))

	h.waitDataset(ds.ID, types.DatasetStatusCancelled)

	final, err := h.store.GetJob(extraction.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, final.Status)

	// No successor was enqueued and no findings exist.
	jobs, err := h.store.ListJobsByDataset(ds.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.NotEqual(t, types.JobTypePIIAnalysis, j.Type)
	}
	findings, err := h.store.ListFindings(ds.ID)
	require.NoError(t, err)
	assert.Empty(t, findings)

	// A Cancelled frame was pushed.
	require.Eventually(t, func() bool {
		frames := h.sink.jobFrames(extraction.ID)
		return len(frames) > 0 &&
			frames[len(frames)-1].JobStatus.Status == types.JobStatusCancelled
	}, 5*time.Second, 20*time.Millisecond)
}

// S6: oversized input fails file-processing before any extraction.
func TestScenarioOversizedInput(t *testing.T) {
	h := newHarness(t)
	h.pipelineMaxFileSize(8)

	_, ds := h.submit("big.txt", "definitely more than eight bytes")
	h.waitDataset(ds.ID, types.DatasetStatusFailed)

	jobs, err := h.store.ListJobsByDataset(ds.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.JobTypeFileProcessing, jobs[0].Type)
	assert.Equal(t, types.JobStatusFailed, jobs[0].Status)
	assert.Equal(t, types.KindFileTooLarge, jobs[0].ErrorKind)

	assert.Equal(t, int32(0), h.documentCalls.Load(), "no extraction attempted")
}

// Retry produces the contractual metadata and reruns the pipeline.
func TestRetryAfterOutageRecovers(t *testing.T) {
	h := newHarness(t)
	h.detectorFails.Store(100)
	h.detectorHits = []detect.Detection{
		{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.99},
	}

	_, ds := h.submit("contacts.txt", "Alice a@x.com")
	h.waitDataset(ds.ID, types.DatasetStatusFailed)

	jobs, err := h.store.ListJobsByDataset(ds.ID)
	require.NoError(t, err)
	var failed *types.Job
	for _, j := range jobs {
		if j.Status == types.JobStatusFailed {
			failed = j
		}
	}
	require.NotNil(t, failed)

	// Service recovers; retry the failed job.
	h.detectorFails.Store(0)
	retry, err := h.pipeline.Retry(context.Background(), failed.ID)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, retry.Metadata[types.MetaOriginalJobID])
	assert.Equal(t, "1", retry.Metadata[types.MetaRetryAttempt])

	// Dataset was reset to Pending and now completes.
	h.waitDataset(ds.ID, types.DatasetStatusCompleted)

	findings, err := h.store.ListFindings(ds.ID)
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

// pipelineMaxFileSize lowers the accept ceiling for one test.
func (h *harness) pipelineMaxFileSize(n int64) {
	h.pipeline.SetMaxFileSize(n)
}
