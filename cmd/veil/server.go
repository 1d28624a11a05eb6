package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veilworks/veil/pkg/api"
	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/pipeline"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Veil API server",
	Long: `Run the HTTP API: upload intake, job control, findings reads, and
the live event stream. With --embedded-worker the pipeline workers run in
the same process, which needs no Redis and suits single-node deployments.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		embedded, _ := cmd.Flags().GetBool("embedded-worker")
		if embedded && cfg.Redis.Addr != "" {
			return fmt.Errorf("--embedded-worker uses the in-process queue; unset redis.addr or run a separate worker")
		}

		a, err := compose(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		guard := api.AllowAll
		if len(cfg.API.Roles) > 0 {
			guard = api.RoleGuard(cfg.API.Roles)
		}
		srv := api.NewServer(a.pipeline, a.store, a.broker, a.checks, guard, cfg.SSE.Enabled)

		errCh := make(chan error, 2)
		go func() {
			if err := srv.Start(cfg.API.Listen); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		if embedded {
			runtime := pipeline.NewRuntime(a.pipeline, pipeline.RuntimeConfig{
				Concurrency: cfg.Worker.Concurrency,
				Visibility:  cfg.Worker.StallWindow.Std(),
				JobTimeout:  cfg.Worker.JobTimeout.Std(),
			})
			go func() {
				if err := runtime.Run(ctx); err != nil {
					errCh <- err
				}
			}()
			log.Info("Embedded pipeline workers started")
		}

		select {
		case <-ctx.Done():
			log.Info("Shutting down")
		case err := <-errCh:
			return err
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Stop(shutdownCtx)
	},
}

func init() {
	serverCmd.Flags().Bool("embedded-worker", false, "Run pipeline workers in this process")
}
