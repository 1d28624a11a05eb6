package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilworks/veil/pkg/storage"
	"github.com/veilworks/veil/pkg/types"
)

const structuredPolicy = `
name: customer-data
version: "2"
description: Customer upload scanning
detection:
  entities:
    - type: EMAIL_ADDRESS
      threshold: 0.5
      action: redact
    - type: PHONE_NUMBER
      threshold: 0.7
      action: mask
    - type: PERSON
      threshold: 0.9
      action: replace
      replacement: "<NAME>"
anonymization:
  default_action: redact
  preserve_format: true
  audit_trail: true
scope:
  file_types: [txt, csv, pdf]
  max_file_size: 52428800
`

const legacyPolicy = `
entities: [EMAIL_ADDRESS, CREDIT_CARD]
confidence_threshold: 0.6
anonymization:
  default_anonymizer: mask
`

func TestParseStructured(t *testing.T) {
	cfg, err := Parse("pol-1", 2, []byte(structuredPolicy))
	require.NoError(t, err)

	assert.Equal(t, "customer-data", cfg.Name)
	assert.Len(t, cfg.Entities, 3)
	assert.InDelta(t, 0.5, cfg.ConfidenceThreshold, 0.001, "global threshold is the per-entity minimum")
	assert.True(t, cfg.PreserveFormat)
	assert.True(t, cfg.AuditTrail)
	assert.Equal(t, []string{"txt", "csv", "pdf"}, cfg.FileTypes)
	assert.Equal(t, int64(52428800), cfg.MaxFileSize)

	op := cfg.OperatorFor("PERSON")
	assert.Equal(t, types.ActionReplace, op.Action)
	assert.Equal(t, "<NAME>", op.Replacement)

	// Unconfigured entity falls back to the default action.
	op = cfg.OperatorFor("IBAN_CODE")
	assert.Equal(t, types.ActionRedact, op.Action)
}

func TestParseLegacy(t *testing.T) {
	cfg, err := Parse("pol-2", 1, []byte(legacyPolicy))
	require.NoError(t, err)

	assert.Len(t, cfg.Entities, 2)
	assert.InDelta(t, 0.6, cfg.ConfidenceThreshold, 0.001)
	assert.Equal(t, types.ActionMask, cfg.DefaultAction)
	assert.Equal(t, types.ActionMask, cfg.OperatorFor("EMAIL_ADDRESS").Action)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no entities", `name: empty`},
		{"threshold above one", `
detection:
  entities:
    - type: EMAIL_ADDRESS
      threshold: 1.5
`},
		{"unknown action", `
detection:
  entities:
    - type: EMAIL_ADDRESS
      threshold: 0.5
      action: obliterate
`},
		{"not yaml", "\t{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("p", 1, []byte(tt.doc))
			require.Error(t, err)
			assert.Equal(t, types.KindPolicyInvalid, types.KindOf(err))
		})
	}
}

func TestShouldProcessEntity(t *testing.T) {
	cfg, err := Parse("pol-1", 1, []byte(structuredPolicy))
	require.NoError(t, err)

	tests := []struct {
		entity     string
		confidence float64
		want       bool
	}{
		{"EMAIL_ADDRESS", 0.5, true},
		{"EMAIL_ADDRESS", 0.49, false},
		{"PHONE_NUMBER", 0.7, true},
		{"PHONE_NUMBER", 0.65, false},
		{"PERSON", 0.95, true},
		{"PERSON", 0.85, false},
		{"IBAN_CODE", 0.99, false}, // not enabled
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cfg.ShouldProcessEntity(tt.entity, tt.confidence),
			"%s @ %v", tt.entity, tt.confidence)
	}
}

func TestDefaultPolicy(t *testing.T) {
	cfg := Default()

	assert.InDelta(t, 0.8, cfg.ConfidenceThreshold, 0.001)
	assert.Equal(t, types.ActionRedact, cfg.DefaultAction)
	assert.True(t, cfg.ShouldProcessEntity("EMAIL_ADDRESS", 0.85))
	assert.False(t, cfg.ShouldProcessEntity("EMAIL_ADDRESS", 0.75))
}

func TestAllowsFileType(t *testing.T) {
	cfg, err := Parse("pol-1", 1, []byte(structuredPolicy))
	require.NoError(t, err)

	assert.True(t, cfg.AllowsFileType("txt"))
	assert.False(t, cfg.AllowsFileType("exe"))

	// Empty scope allows everything.
	assert.True(t, Default().AllowsFileType("exe"))
}

func newEngineWithStore(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewEngine(s), s
}

func TestEngineCachesAndInvalidates(t *testing.T) {
	engine, store := newEngineWithStore(t)

	require.NoError(t, store.PutPolicy(&storage.PolicyRecord{
		ID:        "pol-1",
		Name:      "v1",
		Version:   1,
		Document:  []byte(legacyPolicy),
		UpdatedAt: time.Now(),
	}))

	cfg, err := engine.Load("pol-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)

	// Update the stored policy; the cached parse is still served.
	require.NoError(t, store.PutPolicy(&storage.PolicyRecord{
		ID:       "pol-1",
		Version:  2,
		Document: []byte(structuredPolicy),
	}))
	cfg, err = engine.Load("pol-1")
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Version)

	// Invalidation picks up the new version.
	engine.Invalidate("pol-1")
	cfg, err = engine.Load("pol-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Version)
}

func TestEngineUnknownPolicyYieldsDefault(t *testing.T) {
	engine, _ := newEngineWithStore(t)

	cfg, err := engine.Load("no-such-policy")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.ID)

	cfg, err = engine.Load("")
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.ID)
}
