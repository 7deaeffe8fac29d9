// Command maxqd is the MaxQ engine process: it wires together the store,
// supervisor, scheduler, run controller, stage-scheduling endpoint and HTTP
// transport, and exposes them as cobra subcommands the way the teacher's
// go.mod declares (but never exercises) spf13/cobra for.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maxq-dev/maxq/internal/api"
	"github.com/maxq-dev/maxq/internal/cache"
	"github.com/maxq-dev/maxq/internal/config"
	"github.com/maxq-dev/maxq/internal/events"
	"github.com/maxq-dev/maxq/internal/flowexec"
	"github.com/maxq-dev/maxq/internal/logging"
	"github.com/maxq-dev/maxq/internal/observability"
	"github.com/maxq-dev/maxq/internal/reconcile"
	"github.com/maxq-dev/maxq/internal/runs"
	"github.com/maxq-dev/maxq/internal/scheduler"
	"github.com/maxq-dev/maxq/internal/stages"
	"github.com/maxq-dev/maxq/internal/store"
	"github.com/maxq-dev/maxq/internal/supervisor"
)

const (
	serviceName    = "maxq"
	serviceVersion = "0.1.0"
)

// deployment bundles every long-lived collaborator main wires together, so
// both `serve` and `reconcile-once` build the same graph instead of
// diverging.
type deployment struct {
	cfg    *config.Config
	logger *zap.Logger
	st     store.Store
	sup    *supervisor.Supervisor
	pub    *events.Publisher
	cch    *cache.Cache
}

func buildDeployment() (*deployment, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	st, err := store.NewPostgres(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, logger)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	pub, err := events.New(cfg.Events.URL, cfg.Events.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("connect events: %w", err)
	}

	cch := cache.New(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, logger)

	return &deployment{
		cfg:    cfg,
		logger: logger,
		st:     st,
		sup:    supervisor.New(),
		pub:    pub,
		cch:    cch,
	}, nil
}

func (d *deployment) close() {
	_ = d.pub.Close()
	_ = d.cch.Close()
	_ = d.st.Close()
	_ = d.logger.Sync()
}

func (d *deployment) apiBaseURL() string {
	return fmt.Sprintf("http://localhost:%d/api/v1", d.cfg.Port)
}

func main() {
	root := &cobra.Command{
		Use:   "maxqd",
		Short: "MaxQ workflow orchestration engine",
	}
	root.AddCommand(serveCmd(), reconcileOnceCmd())

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler loop and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func reconcileOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-once",
		Short: "Run the startup reconciler and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcileOnce()
		},
	}
}

func runReconcileOnce() error {
	d, err := buildDeployment()
	if err != nil {
		return err
	}
	defer d.close()

	r := reconcile.New(d.st, d.logger, d.cfg.Process.AbortGraceMs)
	return r.Run(context.Background())
}

func runServe() error {
	d, err := buildDeployment()
	if err != nil {
		return err
	}
	defer d.close()

	d.logger.Info("starting maxqd", zap.String("service", serviceName), zap.String("version", serviceVersion))

	shutdownTracing, err := observability.InitTracing(serviceName, serviceVersion, d.cfg.Observability.OTLPEndpoint)
	if err != nil {
		d.logger.Warn("tracing init failed, continuing without it", zap.Error(err))
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	metrics := observability.NewMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler := reconcile.New(d.st, d.logger, d.cfg.Process.AbortGraceMs)
	if err := reconciler.Run(ctx); err != nil {
		return fmt.Errorf("startup reconcile: %w", err)
	}

	flowExec := flowexec.New(d.sup, d.apiBaseURL())

	runsCfg := runs.Config{
		FlowsRoot:           d.cfg.FlowsRoot,
		APIBaseURL:          d.apiBaseURL(),
		AbortGraceMs:        d.cfg.Process.AbortGraceMs,
		PauseGraceMs:        d.cfg.Process.PauseGraceMs,
		MaxFlowCaptureBytes: d.cfg.Process.MaxLogCaptureBytes,
	}
	runController := runs.New(d.st, d.sup, flowExec, d.logger, runsCfg)
	stageScheduler := stages.New(d.st)

	sched := scheduler.New(d.st, d.sup, flowExec, metrics, d.pub, d.logger, scheduler.Config{
		IntervalMs:         d.cfg.Scheduler.IntervalMs,
		BatchSize:          d.cfg.Scheduler.BatchSize,
		MaxConcurrentSteps: d.cfg.Scheduler.MaxConcurrentSteps,
		MaxLogCaptureBytes: d.cfg.Process.MaxLogCaptureBytes,
		AbortGraceMs:       d.cfg.Process.AbortGraceMs,
		FlowsRoot:          d.cfg.FlowsRoot,
		APIBaseURL:         d.apiBaseURL(),
	})
	sched.Start(ctx)
	defer sched.Stop()

	httpServer := api.New(fmt.Sprintf(":%d", d.cfg.Port), api.Deps{
		Store:     d.st,
		Runs:      runController,
		Stages:    stageScheduler,
		Cache:     d.cch,
		Events:    d.pub,
		Metrics:   metrics,
		Logger:    d.logger,
		RateLimit: d.cfg.RateLimit,
	})

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("http server exited: %w", err)
		}
	case sig := <-sigCh:
		d.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("http server shutdown failed", zap.Error(err))
	}

	return nil
}
