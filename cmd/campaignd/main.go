package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"campaignd/internal/api"
	"campaignd/internal/config"
	"campaignd/internal/core"
	"campaignd/internal/logging"
	campaignmcp "campaignd/internal/mcp"
	"campaignd/internal/metrics"
	"campaignd/internal/notify"
	"campaignd/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in mcp and both modes.
	var console io.Writer = os.Stdout
	if cfg.Server.Mode != "http" {
		console = os.Stderr
	}
	logger, logCloser := logging.New(cfg.Log.Level, console, logging.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	var sealer core.Sealer = core.PlainSealer{}
	if cfg.CredentialKey != "" {
		sb, err := core.NewSecretboxSealer(cfg.CredentialKey)
		if err != nil {
			logger.Error("credential key", "err", err)
			os.Exit(1)
		}
		sealer = sb
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(registry, logger)

	runner := core.NewProcessRunner(core.RunnerConfig{
		Executable:    cfg.Runner.Executable,
		Script:        cfg.Runner.Script,
		WorkDir:       cfg.Runner.WorkDir,
		RunsDir:       storeInst.RunsDir(),
		CredentialEnv: cfg.Runner.CredentialEnv,
		BatchSize:     cfg.Runner.BatchSize,
		Workers:       cfg.Runner.Workers,
		BatchDelay:    cfg.Runner.BatchDelay,
		MaxDuration:   cfg.Runner.MaxDuration,
	}, logger)
	orchestrator := core.NewOrchestrator(storeInst, runner, sink, logger, cfg.Runner.DefaultTestNumber)
	schedules := core.NewSchedules(storeInst, sealer)
	poller := core.NewPoller(storeInst, orchestrator, sealer, buildNotifier(cfg, logger), sink, logger, core.PollerConfig{
		Interval:   cfg.Poller.Interval,
		StaleAfter: cfg.Poller.StaleAfter,
	})

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	poller.Start(ctx)

	mcpServer := campaignmcp.NewMCPServer(schedules, storeInst, logger)
	newHTTPServer := func() *api.Server {
		return api.NewServer(api.Options{
			Addr:         cfg.Server.Addr,
			AuthToken:    cfg.Server.AuthToken,
			UploadsDir:   cfg.UploadsDir(),
			Store:        storeInst,
			Orchestrator: orchestrator,
			Schedules:    schedules,
			MCP:          mcpServer.HTTPHandler(),
			Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
			Logger:       logger,
		})
	}

	// Run based on mode
	switch cfg.Server.Mode {
	case "http":
		runHTTPMode(cfg, newHTTPServer(), nil, logger)
	case "mcp":
		runMCPMode(mcpServer, logger, cancel)
	case "both":
		mcpErr := make(chan error, 1)
		go func() {
			if err := mcpServer.Run(); err != nil {
				mcpErr <- err
			}
		}()
		runHTTPMode(cfg, newHTTPServer(), mcpErr, logger)
	}

	stopPoller(poller, cfg.ShutdownGrace, logger)
	logger.Info("shutdown complete")
}

// runHTTPMode serves HTTP until a signal arrives or a server fails.
func runHTTPMode(cfg *config.Config, server *api.Server, mcpErr <-chan error, logger *slog.Logger) {
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
}

// runMCPMode serves MCP on stdio until stdin closes or a signal arrives.
func runMCPMode(mcpServer *campaignmcp.MCPServer, logger *slog.Logger, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- mcpServer.Run() }()

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-done:
		if err != nil {
			logger.Error("mcp server error", "err", err)
		}
	}
	cancel()
}

func stopPoller(poller *core.Poller, grace time.Duration, logger *slog.Logger) {
	stopCtx := poller.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(grace):
		logger.Warn("poller stop timed out")
	}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	if !cfg.Notification.Bark.Enabled {
		return notify.NoOpNotifier{}
	}
	bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
	if err != nil {
		logger.Warn("bark notifier disabled", "err", err)
		return notify.NoOpNotifier{}
	}
	return notify.NewMultiNotifier(bark)
}
