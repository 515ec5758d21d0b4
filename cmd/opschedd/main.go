package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"opsched/internal/api"
	"opsched/internal/config"
	"opsched/internal/inbox"
	"opsched/internal/kinds"
	"opsched/internal/logging"
	opschedmcp "opsched/internal/mcp"
	"opsched/internal/metrics"
	"opsched/internal/notify"
	"opsched/internal/sched"
	"opsched/internal/store"
	"opsched/internal/trigger"
)

// daemon bundles the long-lived components shared by every run mode.
type daemon struct {
	cfg       *config.Config
	logger    *slog.Logger
	location  *time.Location
	store     *store.Store
	scheduler *sched.Scheduler
	factory   *kinds.Factory
	spawner   *trigger.Spawner
	metrics   http.Handler
	cancel    context.CancelFunc

	stopRecording func()
	recorderDone  chan struct{}
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatalf("failed to parse config: %v", err)
	}

	// The stdio MCP transport owns stdout.
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	if cfg.Mode != "http" {
		logger = logging.NewWithWriter(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.Log.HistoryKeep)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	scheduler, err := sched.New(&sched.Settings{
		MaxCores:           cfg.Scheduler.MaxCores,
		MaxConcurrentTasks: cfg.Scheduler.MaxConcurrent,
	}, sched.WithLogger(logger))
	if err != nil {
		logger.Error("create scheduler", "err", err)
		os.Exit(1)
	}
	factory := kinds.NewFactory(kinds.NewRegistry(), scheduler, kinds.Defaults{
		Priority:       cfg.Tasks.Priority,
		DeadlineAfter:  cfg.Tasks.DeadlineAfter,
		MaxRunDuration: cfg.Tasks.MaxRunDuration,
		MaxCores:       cfg.Tasks.MaxCores,
	}, logger)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		location:  location,
		store:     storeInst,
		scheduler: scheduler,
		factory:   factory,
		cancel:    cancel,
	}
	if err := d.startBackground(ctx); err != nil {
		logger.Error("start components", "err", err)
		os.Exit(1)
	}
	logger.Info("scheduler ready",
		"mode", cfg.Mode,
		"workers", scheduler.Settings().MaxCores,
		"max_concurrent", scheduler.Settings().MaxConcurrentTasks,
		"state_dir", cfg.StateDir,
	)

	switch cfg.Mode {
	case "http":
		d.runHTTPMode()
	case "mcp":
		d.runMCPMode()
	case "both":
		d.runBothMode()
	}
	d.shutdown()
}

// startBackground wires the event consumers, restores persisted tasks and starts
// the cron spawner. Consumers subscribe before any task is restored.
func (d *daemon) startBackground(ctx context.Context) error {
	events, unsubscribe := d.scheduler.SubscribeAll()
	d.stopRecording = unsubscribe
	d.recorderDone = make(chan struct{})
	recorder := store.NewRecorder(d.store, d.scheduler, d.logger, time.Second)
	go func() {
		defer close(d.recorderDone)
		recorder.Run(ctx, events)
	}()

	if d.cfg.Server.Metrics {
		exporter, err := metrics.NewExporter("opsched", prom.DefaultRegisterer)
		if err != nil {
			return err
		}
		metricEvents, _ := d.scheduler.Subscribe(256)
		go exporter.Run(ctx, metricEvents, d.scheduler, 5*time.Second)
		d.metrics = metrics.Handler(prom.DefaultGatherer)
	}

	if bark := d.cfg.Notification.Bark; bark.Enabled {
		notifier, err := notify.NewBarkNotifier(bark.URL)
		if err != nil {
			return err
		}
		notifyEvents, _ := d.scheduler.Subscribe(64)
		watcher := notify.NewWatcher(notify.NewMultiNotifier(notifier), bark.PerMinute, d.logger)
		go watcher.Run(ctx, notifyEvents)
	}

	restored, err := store.Restore(ctx, d.store, d.factory, d.logger)
	if err != nil {
		d.logger.Error("restore tasks", "err", err)
	} else if restored > 0 {
		d.logger.Info("restored tasks", "count", restored)
	}

	d.spawner = trigger.NewSpawner(d.store, d.factory, d.logger, d.location)
	d.spawner.Start(ctx)
	if err := d.spawner.Sync(ctx); err != nil {
		d.logger.Error("initial sync", "err", err)
	}

	if d.cfg.Inbox.Dir != "" {
		w, err := inbox.New(d.cfg.Inbox.Dir, d.factory, kinds.Request{Start: true}, d.cfg.Inbox.Settle, d.logger)
		if err != nil {
			return err
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				d.logger.Error("inbox watcher", "dir", w.Dir(), "err", err)
			}
		}()
		d.logger.Info("watching inbox", "dir", w.Dir())
	}
	return nil
}

func (d *daemon) newHTTPServer(mcpHandler http.Handler) (*api.Server, error) {
	return api.NewServer(d.cfg.Server.Addr, d.cfg.Server.AuthToken, api.Deps{
		Store:   d.store,
		Factory: d.factory,
		Spawner: d.spawner,
		Metrics: d.metrics,
		MCP:     mcpHandler,
	}, d.logger, d.location)
}

// runHTTPMode serves the HTTP API, including MCP over streamable HTTP.
func (d *daemon) runHTTPMode() {
	mcpServer := opschedmcp.NewMCPServer(d.factory, d.logger, d.location)
	server, err := d.newHTTPServer(mcpServer)
	if err != nil {
		d.logger.Error("create server", "err", err)
		return
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	d.logger.Info("http server listening", "addr", d.cfg.Server.Addr)

	select {
	case sig := <-notifySignals():
		d.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		d.logger.Error("server error", "err", err)
	}
	d.shutdownHTTP(server)
}

// runMCPMode serves MCP over stdio until stdin closes or a signal arrives.
func (d *daemon) runMCPMode() {
	mcpServer := opschedmcp.NewMCPServer(d.factory, d.logger, d.location)

	mcpErr := make(chan error, 1)
	go func() { mcpErr <- mcpServer.Run() }()

	select {
	case sig := <-notifySignals():
		d.logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-mcpErr:
		if err != nil {
			d.logger.Error("mcp server error", "err", err)
		}
	}
}

// runBothMode serves MCP over stdio and the HTTP API side by side.
func (d *daemon) runBothMode() {
	mcpServer := opschedmcp.NewMCPServer(d.factory, d.logger, d.location)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server, err := d.newHTTPServer(mcpServer)
	if err != nil {
		d.logger.Error("create server", "err", err)
		return
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	d.logger.Info("http server listening", "addr", d.cfg.Server.Addr)

	select {
	case sig := <-notifySignals():
		d.logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		d.logger.Error("server error", "err", err)
	case err := <-mcpErr:
		d.logger.Error("mcp server error", "err", err)
	}
	d.shutdownHTTP(server)
}

func (d *daemon) shutdownHTTP(server *api.Server) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		d.logger.Error("server shutdown", "err", err)
	}
}

// shutdown stops spawning, cancels running tasks and waits for workers to drain.
func (d *daemon) shutdown() {
	stopCtx := d.spawner.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("spawner stop timed out")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace)
	defer closeCancel()
	if err := d.scheduler.Close(closeCtx); err != nil {
		d.logger.Warn("scheduler close", "err", err)
	}
	// Every terminal transition is published by now; let the recorder drain them.
	d.stopRecording()
	select {
	case <-d.recorderDone:
	case <-time.After(d.cfg.ShutdownGrace):
		d.logger.Warn("recorder drain timed out")
	}
	d.cancel()
	d.logger.Info("shutdown complete")
}

func notifySignals() <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	return sigs
}
