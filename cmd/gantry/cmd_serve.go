package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gantry/internal/metrics"
	"gantry/internal/scheduler"
)

// serveCmd runs the broker as a line-delimited JSON server over stdio, for
// collaborators that keep a long-lived session instead of shelling out per
// call. The lease sweeper runs alongside so crashed workers are reaped even
// with no pick traffic.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the broker over stdio",
	Long: `Reads one JSON request per line from stdin and writes one JSON
response per line to stdout. Runs the lease sweeper in the background and,
when metrics are enabled in config, a prometheus endpoint.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	b, err := openBroker()
	if err != nil {
		return err
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := scheduler.NewSweeper(b.Scheduler(), cfg.GetSweepInterval())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
		defer srv.Shutdown(context.Background())
		logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
	}

	logger.Info("serving over stdio", zap.String("workspace", workspace))
	return newStdioServer(b, os.Stdin, os.Stdout).run(ctx)
}
