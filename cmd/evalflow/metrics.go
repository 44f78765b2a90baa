package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/evalflow/internal/metrics"
)

func newMetricsCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve queue depth metrics for Prometheus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = a.cfg.Metrics.Addr
			}
			b, err := a.openBackends(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				metrics.NewQueueCollector(b.Queue, 5*time.Second),
			)
			return serveMetrics(cmd.Context(), addr, a.cfg.Metrics.Path, reg, a.logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: metrics.addr)")
	return cmd
}

// serveMetrics serves reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr, path string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics_server_started", slog.String("addr", addr), slog.String("path", path))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		logger.Info("metrics_server_stopped")
		return err
	})
	return g.Wait()
}
