package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/veilworks/veil/pkg/detect"
	"github.com/veilworks/veil/pkg/types"
)

// processAnonymization reads the persisted findings and the extracted text,
// applies the policy's operators, and writes the output artifact. The
// output path embeds the job id and attempt so a re-executed attempt
// overwrites its own file.
func (p *Pipeline) processAnonymization(t *Task) (*StageResult, error) {
	job := t.Job()

	ds, err := p.store.GetDataset(job.DatasetID)
	if err != nil {
		return nil, types.E(types.KindInternal, "anonymization", err)
	}
	et, err := p.store.GetExtractedText(job.DatasetID)
	if err != nil {
		return nil, types.E(types.KindInternal, "anonymization", err)
	}
	findings, err := p.store.ListFindings(job.DatasetID)
	if err != nil {
		return nil, types.E(types.KindInternal, "anonymization", err)
	}

	t.Progress(20, "applying operators")
	if err := t.CheckCancel(); err != nil {
		return nil, err
	}

	pol, err := p.policies.Load(job.PolicyID)
	if err != nil {
		return nil, err
	}

	detections := make([]detect.Detection, 0, len(findings))
	for _, f := range findings {
		detections = append(detections, detect.Detection{
			EntityType: f.EntityType,
			Start:      f.Start,
			End:        f.End,
			Score:      f.Confidence,
		})
	}

	res, err := p.anonymizer.Anonymize(t.Context(), et.Text, detections, pol.Operators())
	if err != nil {
		if cerr := t.CheckCancel(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	t.Progress(70, "writing output artifact")
	if err := t.CheckCancel(); err != nil {
		return nil, err
	}

	// PDFs without coordinate data degrade to a text surrogate; the flag
	// was set at extraction time.
	surrogate := ds.FileType == "pdf" && ds.Metadata["pdfCoordinatesUnavailable"] == "true"

	outPath := filepath.Join(p.cfg.OutputDir,
		fmt.Sprintf("%s-%s-%d.txt", ds.ID, job.ID, job.Attempt))
	if err := os.MkdirAll(p.cfg.OutputDir, 0755); err != nil {
		return nil, types.E(types.KindInternal, "anonymization", err)
	}
	if err := os.WriteFile(outPath, []byte(res.Text), 0644); err != nil {
		return nil, types.E(types.KindInternal, "anonymization", err)
	}

	// The text artifact's lifetime ends once the pipeline is done with it.
	if err := p.store.DeleteExtractedText(job.DatasetID); err != nil {
		p.logger.Warn().Err(err).Str("dataset_id", job.DatasetID).Msg("Failed to delete text artifact")
	}

	applied := len(res.Items)
	message := fmt.Sprintf("anonymized %d ranges", applied)
	if surrogate {
		message += " (text surrogate, pdf coordinates unavailable)"
	}

	t.Progress(100, message)
	return &StageResult{
		DatasetStatus: types.DatasetStatusCompleted,
		DatasetMutate: func(d *types.Dataset) {
			d.SetOutput("anonymized", outPath)
		},
		Message: message,
	}, nil
}
