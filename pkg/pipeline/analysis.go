package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veilworks/veil/pkg/detect"
	"github.com/veilworks/veil/pkg/metrics"
	"github.com/veilworks/veil/pkg/policy"
	"github.com/veilworks/veil/pkg/types"
)

// contextSlice is how many characters of surrounding text each finding
// carries for display.
const contextSlice = 20

// processPIIAnalysis runs detection over the extracted text, filters by
// policy, and persists findings in ascending offset order.
func (p *Pipeline) processPIIAnalysis(t *Task) (*StageResult, error) {
	job := t.Job()

	et, err := p.store.GetExtractedText(job.DatasetID)
	if err != nil {
		return nil, types.E(types.KindInternal, "piianalysis", err)
	}

	t.Progress(10, "loading policy")
	pol, err := p.policies.Load(job.PolicyID)
	if err != nil {
		return nil, err
	}

	t.Progress(25, "running detection")
	if err := t.CheckCancel(); err != nil {
		return nil, err
	}

	threshold := detect.DefaultScoreThreshold
	if pol.ConfidenceThreshold > threshold {
		threshold = pol.ConfidenceThreshold
	}
	detections, err := p.detector.Analyze(t.Context(), detect.Request{
		Text:           et.Text,
		Entities:       pol.EntityTypes(),
		ScoreThreshold: threshold,
		CorrelationID:  job.ID,
	})
	if err != nil {
		if cerr := t.CheckCancel(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	t.Progress(60, "persisting findings")
	if err := t.CheckCancel(); err != nil {
		return nil, err
	}

	findings := buildFindings(job, et.Text, detections, pol)
	if err := p.store.ReplaceFindings(job.DatasetID, findings); err != nil {
		return nil, types.E(types.KindInternal, "piianalysis", err)
	}
	for _, f := range findings {
		metrics.FindingsPersisted.WithLabelValues(f.EntityType).Inc()
	}

	t.Progress(90, "building summary")

	count := len(findings)
	result := &StageResult{
		DatasetMutate: func(d *types.Dataset) {
			d.FindingsCount = count
		},
		Message: "analysis complete",
	}
	if pol.RequiresAnonymization {
		result.DatasetStatus = types.DatasetStatusAnonymizing
		result.Next = successor(job, types.JobTypeAnonymization, stageJobID(job.DatasetID, types.JobTypeAnonymization))
	} else {
		result.DatasetStatus = types.DatasetStatusCompleted
	}

	t.Progress(100, result.Message)
	return result, nil
}

// buildFindings converts policy-passing detections into ordered finding
// records with line/column and context slices attached.
func buildFindings(job *types.Job, text string, detections []detect.Detection, pol *policy.Config) []*types.Finding {
	now := time.Now()
	findings := make([]*types.Finding, 0, len(detections))
	for _, d := range detections {
		if !pol.ShouldProcessEntity(d.EntityType, d.Score) {
			continue
		}
		if d.Start < 0 || d.End <= d.Start || d.End > len(text) {
			continue
		}

		line, column := positionOf(text, d.Start)
		op := pol.OperatorFor(d.EntityType)

		findings = append(findings, &types.Finding{
			ID:            uuid.New().String(),
			DatasetID:     job.DatasetID,
			AttemptID:     job.AttemptID(),
			EntityType:    d.EntityType,
			Start:         d.Start,
			End:           d.End,
			Confidence:    d.Score,
			Line:          line,
			Column:        column,
			ContextBefore: sliceBefore(text, d.Start),
			ContextAfter:  sliceAfter(text, d.End),
			Action:        op.Action,
			CreatedAt:     now,
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Start != findings[j].Start {
			return findings[i].Start < findings[j].Start
		}
		return findings[i].End < findings[j].End
	})
	return findings
}

// positionOf converts a byte offset to 1-based line and column.
func positionOf(text string, offset int) (line, column int) {
	if offset > len(text) {
		offset = len(text)
	}
	prefix := text[:offset]
	line = strings.Count(prefix, "\n") + 1
	if idx := strings.LastIndexByte(prefix, '\n'); idx >= 0 {
		column = offset - idx
	} else {
		column = offset + 1
	}
	return line, column
}

func sliceBefore(text string, start int) string {
	from := start - contextSlice
	if from < 0 {
		from = 0
	}
	return text[from:start]
}

func sliceAfter(text string, end int) string {
	to := end + contextSlice
	if to > len(text) {
		to = len(text)
	}
	return text[end:to]
}
