package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/pipeline"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the Veil pipeline workers",
	Long: `Run the asynchronous processing pipeline: one worker pool per stage
queue, plus the stall reaper and retention sweeps. Workers share state with
the API through the durable store and the Redis queues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		a, err := compose(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runtime := pipeline.NewRuntime(a.pipeline, pipeline.RuntimeConfig{
			Concurrency: cfg.Worker.Concurrency,
			Visibility:  cfg.Worker.StallWindow.Std(),
			JobTimeout:  cfg.Worker.JobTimeout.Std(),
		})

		log.Info("Pipeline workers started")
		err = runtime.Run(ctx)
		log.Info("Pipeline workers stopped")
		return err
	},
}
