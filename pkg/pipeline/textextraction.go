package pipeline

import (
	"github.com/veilworks/veil/pkg/extract"
	"github.com/veilworks/veil/pkg/metrics"
	"github.com/veilworks/veil/pkg/types"
)

// processTextExtraction routes the file through the extraction strategies
// and stores the transient text artifact for analysis.
func (p *Pipeline) processTextExtraction(t *Task) (*StageResult, error) {
	job := t.Job()

	ds, err := p.store.GetDataset(job.DatasetID)
	if err != nil {
		return nil, types.E(types.KindInternal, "textextraction", err)
	}

	t.Progress(10, "extracting text")
	if err := t.CheckCancel(); err != nil {
		return nil, err
	}

	res, err := p.router.Extract(t.Context(), extract.Request{
		Path:     ds.SourcePath,
		FileType: ds.FileType,
		MimeType: ds.MimeType,
	})
	if err != nil {
		if cerr := t.CheckCancel(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	metrics.ExtractionsTotal.WithLabelValues(res.Method).Inc()

	t.Progress(70, "storing text artifact")
	if err := t.CheckCancel(); err != nil {
		return nil, err
	}

	et := &types.ExtractedText{
		DatasetID:  ds.ID,
		Text:       res.Text,
		Encoding:   res.Metadata["encoding"],
		Method:     res.Method,
		Confidence: res.Confidence,
		Metadata:   res.Metadata,
	}
	if err := p.store.PutExtractedText(et); err != nil {
		return nil, types.E(types.KindInternal, "textextraction", err)
	}

	lowConfidence := res.Metadata["hasLowConfidenceWords"] == "true"
	message := "text extracted via " + res.Method
	if warn := res.Metadata["qualityWarnings"]; warn != "" {
		message = warn
	}

	t.Progress(100, message)
	return &StageResult{
		DatasetStatus: types.DatasetStatusAnalyzing,
		DatasetMutate: func(d *types.Dataset) {
			d.SetMeta("extractionMethod", res.Method)
			if res.Metadata["truncated"] == "true" {
				d.SetMeta("truncated", "true")
			}
			if lowConfidence {
				d.SetMeta("hasLowConfidenceWords", "true")
			}
			if ds.FileType == "pdf" && res.Metadata["hasCoordinates"] != "true" {
				d.SetMeta("pdfCoordinatesUnavailable", "true")
			}
		},
		Next:    successor(job, types.JobTypePIIAnalysis, stageJobID(job.DatasetID, types.JobTypePIIAnalysis)),
		Message: message,
	}, nil
}
