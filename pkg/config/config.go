package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "5m" (plain integers are read as seconds).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full process configuration for both the server and the
// worker. Values load from a YAML file, then environment overrides, then
// validate.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	API        APIConfig        `yaml:"api"`
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Redis      RedisConfig      `yaml:"redis"`
	Detector   ServiceConfig    `yaml:"detector"`
	Anonymizer AnonymizerConfig `yaml:"anonymizer"`
	DocExtract ServiceConfig    `yaml:"documentExtractor"`
	OCR        OCRConfig        `yaml:"ocr"`
	SSE        SSEConfig        `yaml:"sse"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Listen string `yaml:"listen"`
	// Roles maps role names to the actions they may perform. Authorization
	// is an explicit guard predicate over this table, not metadata on
	// handler types.
	Roles map[string][]string `yaml:"roles"`
}

// WorkerConfig controls the pipeline worker pools.
type WorkerConfig struct {
	Concurrency   int      `yaml:"concurrency" validate:"min=1,max=64"`
	RetryAttempts int      `yaml:"retryAttempts" validate:"min=1,max=10"`
	RetryDelay    Duration `yaml:"retryDelay"`
	JobTimeout    Duration `yaml:"jobTimeout"`
	StallWindow   Duration `yaml:"stallWindow"`
}

// StorageConfig controls the durable store and upload limits.
type StorageConfig struct {
	DataDir     string `yaml:"dataDir"`
	OutputDir   string `yaml:"outputDir"`
	MaxFileSize int64  `yaml:"maxFileSize" validate:"min=1"`
}

// ExtractionConfig controls text extraction.
type ExtractionConfig struct {
	MaxTextLength int `yaml:"maxTextLength" validate:"min=1"`
}

// RedisConfig is the queue transport. An empty Addr selects the in-process
// queue (embedded mode).
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	MaxDepth int    `yaml:"maxDepth" validate:"min=1"`
}

// ServiceConfig points at an external HTTP collaborator.
type ServiceConfig struct {
	URL     string   `yaml:"url" validate:"omitempty,url"`
	Timeout Duration `yaml:"timeout"`
}

// AnonymizerConfig points at the anonymizer service. An empty URL selects
// the embedded operator engine. EncryptionKey feeds the encrypt operator.
type AnonymizerConfig struct {
	URL           string   `yaml:"url" validate:"omitempty,url"`
	Timeout       Duration `yaml:"timeout"`
	EncryptionKey string   `yaml:"encryptionKey"`
}

// OCRConfig points at the OCR service.
type OCRConfig struct {
	URL       string   `yaml:"url" validate:"omitempty,url"`
	Timeout   Duration `yaml:"timeout"`
	Languages []string `yaml:"languages"`
}

// SSEConfig controls the event stream endpoint.
type SSEConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		API: APIConfig{Listen: ":8080"},
		Worker: WorkerConfig{
			Concurrency:   5,
			RetryAttempts: 3,
			RetryDelay:    Duration(5 * time.Second),
			JobTimeout:    Duration(30 * time.Minute),
			StallWindow:   Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			DataDir:     "/var/lib/veil",
			OutputDir:   "/var/lib/veil/outputs",
			MaxFileSize: 100 << 20, // 100 MiB
		},
		Extraction: ExtractionConfig{
			MaxTextLength: 10 << 20, // 10 MiB
		},
		Redis: RedisConfig{
			MaxDepth: 1000,
		},
		Detector:   ServiceConfig{Timeout: Duration(30 * time.Second)},
		Anonymizer: AnonymizerConfig{Timeout: Duration(30 * time.Second)},
		DocExtract: ServiceConfig{Timeout: Duration(60 * time.Second)},
		OCR:        OCRConfig{Timeout: Duration(60 * time.Second), Languages: []string{"eng"}},
		SSE:        SSEConfig{Enabled: true},
	}
}

// Load reads the config file at path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnv overlays VEIL_* environment variables onto cfg. Only the knobs
// that differ per deployment are exposed this way.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("VEIL_LOG_LEVEL", &cfg.Log.Level)
	setStr("VEIL_LOG_FORMAT", &cfg.Log.Format)
	setStr("VEIL_API_LISTEN", &cfg.API.Listen)
	setStr("VEIL_DATA_DIR", &cfg.Storage.DataDir)
	setStr("VEIL_REDIS_ADDR", &cfg.Redis.Addr)
	setStr("VEIL_REDIS_PASSWORD", &cfg.Redis.Password)
	setInt("VEIL_REDIS_DB", &cfg.Redis.DB)
	setStr("VEIL_DETECTOR_URL", &cfg.Detector.URL)
	setStr("VEIL_ANONYMIZER_URL", &cfg.Anonymizer.URL)
	setStr("VEIL_DOCUMENT_EXTRACTOR_URL", &cfg.DocExtract.URL)
	setStr("VEIL_OCR_URL", &cfg.OCR.URL)
	setInt("VEIL_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
}
