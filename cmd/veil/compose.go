package main

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/veilworks/veil/pkg/anonymize"
	"github.com/veilworks/veil/pkg/audit"
	"github.com/veilworks/veil/pkg/config"
	"github.com/veilworks/veil/pkg/detect"
	"github.com/veilworks/veil/pkg/events"
	"github.com/veilworks/veil/pkg/extract"
	"github.com/veilworks/veil/pkg/health"
	"github.com/veilworks/veil/pkg/notify"
	"github.com/veilworks/veil/pkg/pipeline"
	"github.com/veilworks/veil/pkg/policy"
	"github.com/veilworks/veil/pkg/queue"
	"github.com/veilworks/veil/pkg/storage"
	"github.com/veilworks/veil/pkg/types"
)

// app is the composed process: every dependency wired in one place.
type app struct {
	cfg      *config.Config
	store    *storage.BoltStore
	queues   map[types.JobType]queue.Queue
	broker   *events.Broker
	pipeline *pipeline.Pipeline
	checks   *health.Registry
	redis    *redis.Client
}

// loadConfig reads the config honoring the shared CLI flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	initLogging(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// compose builds the shared object graph for the server and worker
// commands.
func compose(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.Storage.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, err
	}

	retry := queue.RetryPolicy{
		MaxAttempts: cfg.Worker.RetryAttempts,
		BaseDelay:   cfg.Worker.RetryDelay.Std(),
		JitterFrac:  0.2,
	}

	var redisClient *redis.Client
	queues := make(map[types.JobType]queue.Queue, len(types.StageOrder))
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		for _, stage := range types.StageOrder {
			queues[stage] = queue.NewRedis(redisClient, string(stage), cfg.Redis.MaxDepth, retry)
		}
	} else {
		for _, stage := range types.StageOrder {
			queues[stage] = queue.NewMemory(string(stage), cfg.Redis.MaxDepth, retry)
		}
	}

	broker := events.NewBroker(0)
	broker.Start()

	var document extract.DocumentExtractor
	if cfg.DocExtract.URL != "" {
		document = extract.NewTikaClient(cfg.DocExtract.URL, cfg.DocExtract.Timeout.Std())
	}
	var ocr extract.OCRExtractor
	if cfg.OCR.URL != "" {
		ocr = extract.NewOCRClient(cfg.OCR.URL, cfg.OCR.Timeout.Std())
	}
	router := extract.NewRouter(document, ocr, cfg.OCR.Languages, cfg.Extraction.MaxTextLength)

	var detector pipeline.Detector
	if cfg.Detector.URL != "" {
		detector = detect.NewClient(cfg.Detector.URL, cfg.Detector.Timeout.Std())
	}

	var anonymizer anonymize.Anonymizer
	if cfg.Anonymizer.URL != "" {
		anonymizer = anonymize.NewClient(cfg.Anonymizer.URL, cfg.Anonymizer.Timeout.Std())
	} else {
		anonymizer = anonymize.NewEngine([]byte(cfg.Anonymizer.EncryptionKey))
	}

	auditRec := audit.NewRecorder(store)
	notifySvc := notify.NewService(store, broker)

	p := pipeline.New(
		store, queues, policy.NewEngine(store),
		router, detector, anonymizer,
		broker, auditRec, notifySvc,
		pipeline.Config{
			OutputDir:   cfg.Storage.OutputDir,
			MaxFileSize: cfg.Storage.MaxFileSize,
			Actor:       "veil",
		},
	)

	checks := health.NewRegistry()
	if cfg.Detector.URL != "" {
		checks.Register("detector", health.NewHTTPChecker(cfg.Detector.URL+"/health"))
	}
	if cfg.Anonymizer.URL != "" {
		checks.Register("anonymizer", health.NewHTTPChecker(cfg.Anonymizer.URL+"/health"))
	}
	if cfg.DocExtract.URL != "" {
		checks.Register("documentExtractor", health.NewHTTPChecker(cfg.DocExtract.URL+"/health"))
	}
	if cfg.OCR.URL != "" {
		checks.Register("ocr", health.NewHTTPChecker(cfg.OCR.URL+"/health"))
	}
	if cfg.Redis.Addr != "" {
		checks.Register("redis", health.NewTCPChecker(cfg.Redis.Addr))
	}

	return &app{
		cfg:      cfg,
		store:    store,
		queues:   queues,
		broker:   broker,
		pipeline: p,
		checks:   checks,
		redis:    redisClient,
	}, nil
}

// close releases the app's resources.
func (a *app) close() {
	a.broker.Stop()
	if a.redis != nil {
		a.redis.Close()
	}
	a.store.Close()
}
