package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"muster/internal/appversion"
	"muster/pkg/bus"
	"muster/pkg/config"
	"muster/pkg/dispatcher"
	"muster/pkg/escalation"
	"muster/pkg/eventlog"
	"muster/pkg/metrics"
	"muster/pkg/queue"
	"muster/pkg/recovery"
	"muster/pkg/registry"
	"muster/pkg/runner"
	"muster/pkg/store"
	"muster/pkg/verify"
)

// newServeCmd creates the "muster serve" subcommand.
func newServeCmd(opts *globalOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher",
		Long: "Opens the store, listens for agents on the Unix socket, serves /metrics and\n" +
			"/healthz, and runs the coordination loop until SIGINT or SIGTERM.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := cfg.Log.Logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// serve wires the store, bus, verification, recovery and dispatcher and
// runs them until ctx is cancelled or a signal arrives.
func serve(parent context.Context, cfg config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(filepath.Dir(cfg.SocketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	pidFile := pidPath(cfg)
	if state, pid, _ := Daemon(pidFile); state == StateRunning && pid != os.Getpid() {
		return fmt.Errorf("muster already running (pid %d)", pid)
	}
	if err := WritePIDFile(pidFile, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := shutdownContext(parent, pidFile)
	defer cleanup()

	retry := store.NewPolicy(store.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		InitialDelay:  cfg.Retry.InitialDelay.Duration,
		MaxDelay:      cfg.Retry.MaxDelay.Duration,
		BackoffFactor: store.DefaultConfig.BackoffFactor,
		Jitter:        true,
	}, store.Transient)
	st, err := openStore(ctx, cfg, store.WithRetry(retry))
	if err != nil {
		return err
	}
	defer st.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.NewPrometheusRecorder(promReg)
	events := eventlog.NewRecorder(st, "dispatcher", logger)

	sink, err := escalation.FromConfig(cfg.Escalation, runner.Exec{}, logger.With("component", "escalation"))
	if err != nil {
		return fmt.Errorf("escalation sinks: %w", err)
	}
	strategies, err := verify.FromConfig(cfg.Verification, runner.Exec{})
	if err != nil {
		return fmt.Errorf("verification strategies: %w", err)
	}

	var d *dispatcher.Dispatcher
	wake := func() {
		if d != nil {
			d.Notify()
		}
	}

	recoverer := recovery.New(st,
		recovery.WithMaxAttempts(cfg.Dispatch.MaxAttempts),
		recovery.WithSink(sink),
		recovery.WithDeliveryTimeout(cfg.Escalation.Timeout.Duration),
		recovery.WithLogger(logger.With("component", "recovery")),
		recovery.WithEvents(events.With("recovery")),
		recovery.WithMetrics(rec),
		recovery.WithNotify(wake),
	)
	engine := verify.New(st, recoverer,
		verify.WithStrategies(strategies...),
		verify.WithCheckTimeout(cfg.Verification.CheckTimeout.Duration),
		verify.WithLogger(logger.With("component", "verify")),
		verify.WithEvents(events.With("verify")),
		verify.WithMetrics(rec),
		verify.WithNotify(wake),
	)
	q := queue.New(st,
		queue.WithLogger(logger.With("component", "queue")),
		queue.WithEvents(events.With("queue")),
		queue.WithMetrics(rec),
		queue.WithNotify(wake),
	)
	reg := registry.New(st,
		registry.WithLogger(logger.With("component", "registry")),
		registry.WithEvents(events.With("registry")),
		registry.WithMetrics(rec),
	)

	srv := bus.NewServer(cfg.SocketPath, logger.With("component", "bus"))
	if err := srv.Listen(); err != nil {
		return err
	}

	dcfg := dispatcher.Config{
		Interval:      cfg.Dispatch.Interval.Duration,
		IdleTimeout:   cfg.Dispatch.IdleTimeout.Duration,
		TaskTimeout:   cfg.Dispatch.TaskTimeout.Duration,
		StopGrace:     cfg.Dispatch.StopGrace.Duration,
		MaxConcurrent: cfg.Dispatch.MaxConcurrent,
	}
	if cfg.Dispatch.WatchStore && cfg.Store.Driver == store.DriverSQLite {
		dcfg.WatchDir = filepath.Dir(sqlitePath(cfg.Store.DSN))
	}
	d = dispatcher.New(dcfg, st, q, reg, engine, recoverer, srv,
		dispatcher.WithLogger(logger.With("component", "dispatcher")),
		dispatcher.WithEvents(events),
		dispatcher.WithMetrics(rec),
	)

	httpSrv := newHTTPServer(cfg.MetricsAddr, promReg, d.HealthHandler())
	httpErr := make(chan error, 1)
	if httpSrv != nil {
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErr <- err
			}
		}()
	}

	logger.Info("muster serving", "version", appversion.String(), "socket", cfg.SocketPath,
		"store", cfg.Store.Driver, "metrics_addr", cfg.MetricsAddr, "pid", os.Getpid())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case err := <-httpErr:
			logger.Error("http server failed", "error", err)
			cancel()
		case <-runCtx.Done():
		}
	}()

	runErr := d.Run(runCtx)

	if httpSrv != nil {
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer done()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	logger.Info("muster stopped")
	return runErr
}

// newHTTPServer serves /metrics and /healthz on addr; nil when addr is empty.
func newHTTPServer(addr string, g prometheus.Gatherer, health http.Handler) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.Handle("/healthz", health)
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "muster "+appversion.String()+"\n")
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}
