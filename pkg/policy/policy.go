package policy

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/veilworks/veil/pkg/types"
)

// Operator is the anonymization operator configured for one entity type.
// MaskChar/MaskCount/FromEnd parameterize the mask action; MaskCount 0
// masks the whole range.
type Operator struct {
	Action      types.AnonymizeAction `json:"action"`
	Replacement string                `json:"replacement,omitempty"`
	MaskChar    string                `json:"maskChar,omitempty"`
	MaskCount   int                   `json:"maskCount,omitempty"`
	FromEnd     bool                  `json:"fromEnd,omitempty"`
}

// EntityConfig is the normalized per-entity rule.
type EntityConfig struct {
	Threshold   float64               `json:"threshold"`
	Action      types.AnonymizeAction `json:"action"`
	Replacement string                `json:"replacement,omitempty"`
	MaskChar    string                `json:"maskChar,omitempty"`
	MaskCount   int                   `json:"maskCount,omitempty"`
	FromEnd     bool                  `json:"fromEnd,omitempty"`
}

// Config is a parsed, normalized policy.
type Config struct {
	ID          string
	Name        string
	Version     int
	Description string

	// Entities is the set of enabled entity types with their rules.
	Entities map[string]EntityConfig

	// ConfidenceThreshold is the global minimum, computed as the minimum of
	// the per-entity thresholds.
	ConfidenceThreshold float64

	DefaultAction  types.AnonymizeAction
	PreserveFormat bool
	AuditTrail     bool

	// Scope
	FileTypes   []string
	MaxFileSize int64

	// RequiresAnonymization reports whether the pipeline should run the
	// anonymization stage after analysis.
	RequiresAnonymization bool
}

// ShouldProcessEntity reports whether a detection of entityType at the given
// confidence passes this policy. Unknown entity types are disabled.
func (c *Config) ShouldProcessEntity(entityType string, confidence float64) bool {
	ec, ok := c.Entities[entityType]
	if !ok {
		return false
	}
	threshold := ec.Threshold
	if threshold == 0 {
		threshold = c.ConfidenceThreshold
	}
	return confidence >= threshold
}

// ThresholdFor returns the effective confidence threshold for entityType.
func (c *Config) ThresholdFor(entityType string) float64 {
	if ec, ok := c.Entities[entityType]; ok && ec.Threshold > 0 {
		return ec.Threshold
	}
	return c.ConfidenceThreshold
}

// OperatorFor returns the configured operator for entityType, falling back
// to the policy default action.
func (c *Config) OperatorFor(entityType string) Operator {
	if ec, ok := c.Entities[entityType]; ok && ec.Action != "" {
		return Operator{
			Action:      ec.Action,
			Replacement: ec.Replacement,
			MaskChar:    ec.MaskChar,
			MaskCount:   ec.MaskCount,
			FromEnd:     ec.FromEnd,
		}
	}
	return Operator{Action: c.DefaultAction}
}

// Operators returns the full type-to-operator mapping for the enabled
// entities, the shape the anonymizer consumes.
func (c *Config) Operators() map[string]Operator {
	out := make(map[string]Operator, len(c.Entities))
	for t := range c.Entities {
		out[t] = c.OperatorFor(t)
	}
	return out
}

// EntityTypes returns the enabled entity types.
func (c *Config) EntityTypes() []string {
	out := make([]string, 0, len(c.Entities))
	for t := range c.Entities {
		out = append(out, t)
	}
	return out
}

// AllowsFileType reports whether ft is within the policy scope. An empty
// scope allows every type.
func (c *Config) AllowsFileType(ft string) bool {
	if len(c.FileTypes) == 0 {
		return true
	}
	for _, allowed := range c.FileTypes {
		if allowed == ft {
			return true
		}
	}
	return false
}

// Document shapes. The structured form is current; the flat form is the
// legacy layout still present in older stored policies.

type structuredDoc struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description" json:"description"`
	Detection   struct {
		Entities []structuredEntity `yaml:"entities" json:"entities"`
	} `yaml:"detection" json:"detection"`
	Anonymization struct {
		DefaultAction  string `yaml:"default_action" json:"default_action" validate:"omitempty,oneof=redact mask replace hash encrypt"`
		PreserveFormat bool   `yaml:"preserve_format" json:"preserve_format"`
		AuditTrail     bool   `yaml:"audit_trail" json:"audit_trail"`
	} `yaml:"anonymization" json:"anonymization"`
	Scope struct {
		FileTypes   []string `yaml:"file_types" json:"file_types"`
		MaxFileSize int64    `yaml:"max_file_size" json:"max_file_size"`
	} `yaml:"scope" json:"scope"`
}

type structuredEntity struct {
	Type        string  `yaml:"type" json:"type" validate:"required"`
	Threshold   float64 `yaml:"threshold" json:"threshold" validate:"gte=0,lte=1"`
	Action      string  `yaml:"action" json:"action" validate:"omitempty,oneof=redact mask replace hash encrypt"`
	Replacement string  `yaml:"replacement" json:"replacement"`
	MaskChar    string  `yaml:"mask_char" json:"mask_char" validate:"omitempty,len=1"`
	MaskCount   int     `yaml:"chars_to_mask" json:"chars_to_mask" validate:"gte=0"`
	FromEnd     bool    `yaml:"from_end" json:"from_end"`
}

type legacyDoc struct {
	Entities            []string `yaml:"entities" json:"entities"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" json:"confidence_threshold" validate:"gte=0,lte=1"`
	Anonymization       struct {
		DefaultAnonymizer string `yaml:"default_anonymizer" json:"default_anonymizer" validate:"omitempty,oneof=redact mask replace hash encrypt"`
	} `yaml:"anonymization" json:"anonymization"`
}

var validate = validator.New()

// Parse parses a policy document (YAML or JSON; YAML is a superset) in
// either the structured or the legacy flat shape and returns the normalized
// configuration. Malformed documents surface kind policy_invalid.
func Parse(id string, version int, doc []byte) (*Config, error) {
	var sd structuredDoc
	if err := yaml.Unmarshal(doc, &sd); err != nil {
		return nil, types.E(types.KindPolicyInvalid, "policy.parse", err)
	}

	if len(sd.Detection.Entities) > 0 {
		return parseStructured(id, version, &sd)
	}

	var ld legacyDoc
	if err := yaml.Unmarshal(doc, &ld); err != nil {
		return nil, types.E(types.KindPolicyInvalid, "policy.parse", err)
	}
	if len(ld.Entities) == 0 {
		return nil, types.Errorf(types.KindPolicyInvalid, "policy.parse",
			"document declares no entities in either shape")
	}
	return parseLegacy(id, version, &ld)
}

func parseStructured(id string, version int, sd *structuredDoc) (*Config, error) {
	if err := validate.Struct(sd); err != nil {
		return nil, types.E(types.KindPolicyInvalid, "policy.parse", err)
	}

	cfg := &Config{
		ID:             id,
		Name:           sd.Name,
		Version:        version,
		Description:    sd.Description,
		Entities:       make(map[string]EntityConfig, len(sd.Detection.Entities)),
		DefaultAction:  types.AnonymizeAction(sd.Anonymization.DefaultAction),
		PreserveFormat: sd.Anonymization.PreserveFormat,
		AuditTrail:     sd.Anonymization.AuditTrail,
		FileTypes:      sd.Scope.FileTypes,
		MaxFileSize:    sd.Scope.MaxFileSize,
	}
	if cfg.DefaultAction == "" {
		cfg.DefaultAction = types.ActionRedact
	}

	min := 1.0
	for _, e := range sd.Detection.Entities {
		if err := validate.Struct(e); err != nil {
			return nil, types.E(types.KindPolicyInvalid, "policy.parse", err)
		}
		ec := EntityConfig{
			Threshold:   e.Threshold,
			Action:      types.AnonymizeAction(e.Action),
			Replacement: e.Replacement,
			MaskChar:    e.MaskChar,
			MaskCount:   e.MaskCount,
			FromEnd:     e.FromEnd,
		}
		if ec.Action == "" {
			ec.Action = cfg.DefaultAction
		}
		cfg.Entities[e.Type] = ec
		if e.Threshold < min {
			min = e.Threshold
		}
	}
	cfg.ConfidenceThreshold = min
	cfg.RequiresAnonymization = true
	return cfg, nil
}

func parseLegacy(id string, version int, ld *legacyDoc) (*Config, error) {
	if err := validate.Struct(ld); err != nil {
		return nil, types.E(types.KindPolicyInvalid, "policy.parse", err)
	}

	threshold := ld.ConfidenceThreshold
	if threshold == 0 {
		threshold = 0.8
	}
	action := types.AnonymizeAction(ld.Anonymization.DefaultAnonymizer)
	if action == "" {
		action = types.ActionRedact
	}

	cfg := &Config{
		ID:                    id,
		Version:               version,
		Entities:              make(map[string]EntityConfig, len(ld.Entities)),
		ConfidenceThreshold:   threshold,
		DefaultAction:         action,
		RequiresAnonymization: true,
	}
	for _, t := range ld.Entities {
		cfg.Entities[t] = EntityConfig{Threshold: threshold, Action: action}
	}
	return cfg, nil
}

// defaultEntities are the common entity types enabled when no policy is
// configured for a dataset.
var defaultEntities = []string{
	"EMAIL_ADDRESS",
	"PHONE_NUMBER",
	"PERSON",
	"CREDIT_CARD",
	"US_SSN",
	"IP_ADDRESS",
}

// Default returns the built-in fallback policy: common entities, threshold
// 0.8, action redact.
func Default() *Config {
	cfg := &Config{
		ID:                    "default",
		Name:                  "Default",
		ConfidenceThreshold:   0.8,
		DefaultAction:         types.ActionRedact,
		Entities:              make(map[string]EntityConfig, len(defaultEntities)),
		RequiresAnonymization: true,
	}
	for _, t := range defaultEntities {
		cfg.Entities[t] = EntityConfig{Threshold: 0.8, Action: types.ActionRedact}
	}
	return cfg
}

// Validate parses doc and reports the first problem found, for the CLI
// policy validator.
func Validate(doc []byte) error {
	if _, err := Parse("validate", 0, doc); err != nil {
		return fmt.Errorf("policy document invalid: %w", err)
	}
	return nil
}
