package pipeline

import (
	"os"

	"github.com/google/uuid"

	"github.com/veilworks/veil/pkg/types"
)

// processFileProcessing validates the uploaded file against the policy
// scope before any extraction work is spent on it. All of its failure
// kinds are non-recoverable.
func (p *Pipeline) processFileProcessing(t *Task) (*StageResult, error) {
	job := t.Job()

	ds, err := p.store.GetDataset(job.DatasetID)
	if err != nil {
		return nil, types.E(types.KindFileNotFound, "fileprocessing", err)
	}

	t.Progress(10, "validating file")
	if err := t.CheckCancel(); err != nil {
		return nil, err
	}

	info, err := os.Stat(ds.SourcePath)
	if err != nil {
		return nil, types.E(types.KindFileNotFound, "fileprocessing", err)
	}
	if !info.Mode().IsRegular() {
		return nil, types.Errorf(types.KindFileUnsupportedType, "fileprocessing",
			"%s is not a regular file", ds.SourcePath)
	}

	t.Progress(30, "checking policy scope")
	pol, err := p.policies.Load(job.PolicyID)
	if err != nil {
		return nil, err
	}

	if !pol.AllowsFileType(ds.FileType) {
		return nil, types.Errorf(types.KindFileUnsupportedType, "fileprocessing",
			"file type %q is outside the policy scope", ds.FileType)
	}

	limit := p.cfg.MaxFileSize
	if pol.MaxFileSize > 0 && pol.MaxFileSize < limit {
		limit = pol.MaxFileSize
	}
	if limit > 0 && info.Size() > limit {
		return nil, types.Errorf(types.KindFileTooLarge, "fileprocessing",
			"file is %d bytes, limit is %d", info.Size(), limit)
	}

	t.Progress(60, "checking readability")
	if err := t.CheckCancel(); err != nil {
		return nil, err
	}
	f, err := os.Open(ds.SourcePath)
	if err != nil {
		return nil, types.E(types.KindFileNotFound, "fileprocessing", err)
	}
	f.Close()

	t.Progress(100, "file accepted")
	return &StageResult{
		DatasetStatus: types.DatasetStatusExtracting,
		Next:          successor(job, types.JobTypeTextExtraction, stageJobID(job.DatasetID, types.JobTypeTextExtraction)),
		Message:       "file validated",
	}, nil
}

// stageJobID derives a deterministic successor id so a re-executed attempt
// enqueues the same job instead of a duplicate.
func stageJobID(datasetID string, stage types.JobType) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(datasetID+"/"+string(stage))).String()
}
