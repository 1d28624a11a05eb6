package anonymize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilworks/veil/pkg/detect"
	"github.com/veilworks/veil/pkg/policy"
	"github.com/veilworks/veil/pkg/types"
)

func TestResolveOverlaps(t *testing.T) {
	tests := []struct {
		name string
		in   []detect.Detection
		want []detect.Detection
	}{
		{
			name: "disjoint untouched",
			in: []detect.Detection{
				{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.9},
				{EntityType: "PHONE_NUMBER", Start: 14, End: 26, Score: 0.8},
			},
			want: []detect.Detection{
				{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.9},
				{EntityType: "PHONE_NUMBER", Start: 14, End: 26, Score: 0.8},
			},
		},
		{
			name: "contained collapses into container",
			in: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 20, Score: 0.7},
				{EntityType: "EMAIL_ADDRESS", Start: 5, End: 12, Score: 0.95},
			},
			want: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 20, Score: 0.95},
			},
		},
		{
			name: "touching same type merges",
			in: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 5, Score: 0.8},
				{EntityType: "PERSON", Start: 5, End: 10, Score: 0.9},
			},
			want: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 10, Score: 0.9},
			},
		},
		{
			name: "touching different types stay apart",
			in: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 5, Score: 0.8},
				{EntityType: "EMAIL_ADDRESS", Start: 5, End: 10, Score: 0.9},
			},
			want: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 5, Score: 0.8},
				{EntityType: "EMAIL_ADDRESS", Start: 5, End: 10, Score: 0.9},
			},
		},
		{
			name: "crossing different types keeps longer",
			in: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 8, Score: 0.8},
				{EntityType: "LOCATION", Start: 4, End: 20, Score: 0.7},
			},
			want: []detect.Detection{
				{EntityType: "LOCATION", Start: 4, End: 20, Score: 0.7},
			},
		},
		{
			name: "crossing equal length keeps earliest start",
			in: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 10, Score: 0.8},
				{EntityType: "LOCATION", Start: 5, End: 15, Score: 0.9},
			},
			want: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 10, Score: 0.8},
			},
		},
		{
			name: "crossing same type merges",
			in: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 8, Score: 0.8},
				{EntityType: "PERSON", Start: 4, End: 12, Score: 0.6},
			},
			want: []detect.Detection{
				{EntityType: "PERSON", Start: 0, End: 12, Score: 0.8},
			},
		},
		{
			name: "empty input",
			in:   nil,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveOverlaps(tt.in)
			assert.Equal(t, tt.want, got)

			// Property: output is pairwise disjoint and sorted.
			for i := 1; i < len(got); i++ {
				assert.GreaterOrEqual(t, got[i].Start, got[i-1].End)
			}
		})
	}
}

func TestEngineScenarioS1(t *testing.T) {
	text := "Alice a@x.com 555-111-2222"
	detections := []detect.Detection{
		{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.99},
		{EntityType: "PHONE_NUMBER", Start: 14, End: 26, Score: 0.85},
	}
	operators := map[string]policy.Operator{
		"EMAIL_ADDRESS": {Action: types.ActionRedact},
		"PHONE_NUMBER":  {Action: types.ActionMask, MaskChar: "*", MaskCount: 12},
	}

	engine := NewEngine(nil)
	res, err := engine.Anonymize(context.Background(), text, detections, operators)
	require.NoError(t, err)

	assert.Equal(t, "Alice [REDACTED] ************", res.Text)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "EMAIL_ADDRESS", res.Items[0].EntityType)
	assert.Equal(t, types.ActionRedact, res.Items[0].Action)
	assert.Equal(t, "PHONE_NUMBER", res.Items[1].EntityType)
	assert.Equal(t, "************", res.Items[1].NewValue)
}

func TestEngineReplaceOperator(t *testing.T) {
	engine := NewEngine(nil)
	res, err := engine.Anonymize(context.Background(), "Alice was here",
		[]detect.Detection{{EntityType: "PERSON", Start: 0, End: 5, Score: 0.9}},
		map[string]policy.Operator{"PERSON": {Action: types.ActionReplace, Replacement: "<NAME>"}})
	require.NoError(t, err)
	assert.Equal(t, "<NAME> was here", res.Text)
}

func TestEngineHashOperatorStable(t *testing.T) {
	engine := NewEngine(nil)
	ops := map[string]policy.Operator{"EMAIL_ADDRESS": {Action: types.ActionHash}}
	dets := []detect.Detection{{EntityType: "EMAIL_ADDRESS", Start: 0, End: 7, Score: 0.9}}

	first, err := engine.Anonymize(context.Background(), "a@x.com", dets, ops)
	require.NoError(t, err)
	second, err := engine.Anonymize(context.Background(), "a@x.com", dets, ops)
	require.NoError(t, err)

	assert.Equal(t, first.Text, second.Text, "hash replacement is a stable digest")
	assert.Len(t, first.Text, 64)
}

func TestEngineEncryptRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	engine := NewEngine(key)

	res, err := engine.Anonymize(context.Background(), "secret@x.com",
		[]detect.Detection{{EntityType: "EMAIL_ADDRESS", Start: 0, End: 12, Score: 0.9}},
		map[string]policy.Operator{"EMAIL_ADDRESS": {Action: types.ActionEncrypt}})
	require.NoError(t, err)
	assert.NotEqual(t, "secret@x.com", res.Text)

	plain, err := DecryptValue(res.Text, key)
	require.NoError(t, err)
	assert.Equal(t, "secret@x.com", plain)
}

func TestEngineEncryptWithoutKeyFails(t *testing.T) {
	engine := NewEngine(nil)
	_, err := engine.Anonymize(context.Background(), "x@y.z",
		[]detect.Detection{{EntityType: "EMAIL_ADDRESS", Start: 0, End: 5, Score: 0.9}},
		map[string]policy.Operator{"EMAIL_ADDRESS": {Action: types.ActionEncrypt}})
	require.Error(t, err)
	assert.Equal(t, types.KindAnonymizerUnavailable, types.KindOf(err))
}

func TestMaskValue(t *testing.T) {
	tests := []struct {
		name string
		in   string
		op   policy.Operator
		want string
	}{
		{"full mask default char", "555-111-2222", policy.Operator{Action: types.ActionMask}, "************"},
		{"count from front", "555-111-2222", policy.Operator{Action: types.ActionMask, MaskChar: "#", MaskCount: 4}, "####111-2222"},
		{"count from end", "555-111-2222", policy.Operator{Action: types.ActionMask, MaskChar: "#", MaskCount: 4, FromEnd: true}, "555-111-####"},
		{"count beyond length", "abc", policy.Operator{Action: types.ActionMask, MaskCount: 10}, "***"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, maskValue(tt.in, tt.op))
		})
	}
}

// Idempotence: applying the same operator mapping to the same text and
// detections twice yields byte-identical output (the encrypt operator is
// the deliberate exception and is excluded).
func TestEngineDeterministic(t *testing.T) {
	engine := NewEngine(nil)
	text := "Alice a@x.com 555-111-2222 Bob b@y.org"
	dets := []detect.Detection{
		{EntityType: "PERSON", Start: 0, End: 5, Score: 0.9},
		{EntityType: "EMAIL_ADDRESS", Start: 6, End: 13, Score: 0.95},
		{EntityType: "PHONE_NUMBER", Start: 14, End: 26, Score: 0.85},
		{EntityType: "PERSON", Start: 27, End: 30, Score: 0.9},
		{EntityType: "EMAIL_ADDRESS", Start: 31, End: 38, Score: 0.95},
	}
	ops := map[string]policy.Operator{
		"PERSON":        {Action: types.ActionReplace, Replacement: "<NAME>"},
		"EMAIL_ADDRESS": {Action: types.ActionHash},
		"PHONE_NUMBER":  {Action: types.ActionMask},
	}

	a, err := engine.Anonymize(context.Background(), text, dets, ops)
	require.NoError(t, err)
	b, err := engine.Anonymize(context.Background(), text, dets, ops)
	require.NoError(t, err)

	assert.Equal(t, a.Text, b.Text)
	assert.Equal(t, a.Items, b.Items)
}
