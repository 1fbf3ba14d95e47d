package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rendis/enact/internal/dispatch"
	"github.com/rendis/enact/internal/monitor"
	"github.com/rendis/enact/internal/provenance"
	"github.com/rendis/enact/internal/scheduler"
	"github.com/rendis/enact/internal/store"
	enactmcp "github.com/rendis/enact/pkg/mcp"
	"github.com/rendis/enact/pkg/schema"
)

const provenanceBuffer = 1024

// NewServeCommand creates the serve command.
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var (
		stackPath   string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run control and provenance over MCP (stdio)",
		Long: `Serve opens the provenance store, restores the cancel and pause state of
every run from the control event log and serves the MCP tools over stdio.

With --stack the workflow's processors are built and run.submit starts runs
in-process; their provenance is recorded in the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				opts.Config.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, stackPath)
		},
	}

	cmd.Flags().StringVar(&stackPath, "stack", "", "stack definition to load")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled when empty)")
	return cmd
}

func runServe(ctx context.Context, opts *RootOptions, stackPath string) error {
	cfg := opts.Config
	logger := opts.Logger

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	runs := dispatch.NewRunRegistry()
	restored, err := restoreRuns(ctx, store.NewEventLog(st), runs)
	if err != nil {
		return err
	}
	logger.Info("restored run control state", slog.Int("runs", restored))

	sched, err := scheduler.NewScheduler(st, cfg.maintenance(), logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := dispatch.NewMetrics(reg)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	deps := enactmcp.ServerDeps{Runs: runs, Store: st, Logger: logger}
	if stackPath != "" {
		prov := provenance.NewAsyncSink(store.NewProvenanceSink(st), provenanceBuffer, logger)
		defer prov.Close()

		wf, err := loadWorkflow(ctx, cfg, stackPath, logSink{logger: logger},
			dispatch.WithRunRegistry(runs),
			dispatch.WithWorkerPool(dispatch.NewWorkerPool(cfg.PoolSize)),
			dispatch.WithProvenance(prov),
			dispatch.WithMonitor(monitor.NewTree()),
			dispatch.WithMetrics(metrics),
			dispatch.WithLogger(logger),
		)
		if err != nil {
			return err
		}
		defer wf.Runtime.Close()
		deps.Workflow = wf
		logger.Info("loaded stack definition",
			slog.String("path", stackPath),
			slog.Int("processors", len(wf.Processors())),
		)
	}

	srv := enactmcp.NewServer(deps)
	logger.Info("serving MCP over stdio", slog.String("db_path", cfg.DBPath))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStore opens the store at path and applies pending migrations. A bare
// filesystem path is opened as a local file, creating its directory.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	url := storeURL(path)
	if local, ok := strings.CutPrefix(url, "file:"); ok && local != "" {
		if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(url)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// storeURL returns the libSQL URL for path, prefixing "file:" when path
// carries no scheme the driver understands.
func storeURL(path string) string {
	for _, scheme := range []string{"file:", "libsql://", "http://", "https://"} {
		if strings.HasPrefix(path, scheme) {
			return path
		}
	}
	return "file:" + path
}

// restoreRuns replays the control event log into runs and returns how many
// runs were left cancelled or paused.
func restoreRuns(ctx context.Context, log *store.EventLog, runs *dispatch.RunRegistry) (int, error) {
	snaps, err := log.ReplayAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for runID, snap := range snaps {
		switch snap.State {
		case schema.RunStateCancelled:
			runs.Cancel(runID)
			n++
		case schema.RunStatePaused:
			runs.Pause(runID)
			n++
		}
	}
	return n, nil
}

// serveMetrics starts the Prometheus endpoint in the background.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", slog.String("error", err.Error()))
		}
	}()
	return srv
}
