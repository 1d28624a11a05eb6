package anonymize

import (
	"context"

	"github.com/veilworks/veil/pkg/detect"
	"github.com/veilworks/veil/pkg/policy"
	"github.com/veilworks/veil/pkg/types"
)

// Applied records one operator application in the output.
type Applied struct {
	EntityType string                `json:"entity_type"`
	Start      int                   `json:"start"`
	End        int                   `json:"end"`
	Action     types.AnonymizeAction `json:"operator"`
	NewValue   string                `json:"text,omitempty"`
}

// Result is an anonymized text plus the operations that produced it.
// Offsets in Items refer to the original text.
type Result struct {
	Text  string    `json:"text"`
	Items []Applied `json:"items"`
}

// Anonymizer rewrites detected ranges of a text under a type-to-operator
// mapping. Implementations: Engine (in-process) and Client (external
// service).
type Anonymizer interface {
	Anonymize(ctx context.Context, text string, detections []detect.Detection, operators map[string]policy.Operator) (*Result, error)
}

// Engine applies operators in-process. It is the implementation used when
// no anonymizer service URL is configured.
type Engine struct {
	// encryptionKey feeds the encrypt operator; 32 bytes.
	encryptionKey []byte
}

// NewEngine creates an embedded operator engine.
func NewEngine(encryptionKey []byte) *Engine {
	return &Engine{encryptionKey: encryptionKey}
}

// Anonymize resolves overlaps, then rewrites the remaining ranges in
// decreasing start order so offsets into the untouched prefix stay stable.
func (e *Engine) Anonymize(ctx context.Context, text string, detections []detect.Detection, operators map[string]policy.Operator) (*Result, error) {
	resolved := ResolveOverlaps(detections)

	res := &Result{Text: text}
	// Items are recorded in ascending order even though application runs
	// backwards.
	items := make([]Applied, 0, len(resolved))

	for i := len(resolved) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, types.E(types.KindCancelled, "anonymize", err)
		}

		d := resolved[i]
		if d.Start < 0 || d.End > len(text) {
			continue
		}

		op := operators[d.EntityType]
		original := text[d.Start:d.End]
		replacement, err := applyOperator(original, op, e.encryptionKey)
		if err != nil {
			return nil, types.E(types.KindAnonymizerUnavailable, "anonymize", err)
		}

		res.Text = res.Text[:d.Start] + replacement + res.Text[d.End:]
		items = append(items, Applied{
			EntityType: d.EntityType,
			Start:      d.Start,
			End:        d.End,
			Action:     actionOf(op),
			NewValue:   replacement,
		})
	}

	// Reverse into ascending start order.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	res.Items = items
	return res, nil
}

func actionOf(op policy.Operator) types.AnonymizeAction {
	if op.Action == "" {
		return types.ActionRedact
	}
	return op.Action
}
