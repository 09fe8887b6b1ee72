package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ampctl/ampctl/internal/alerter"
	"github.com/ampctl/ampctl/internal/amplifier"
	"github.com/ampctl/ampctl/internal/api"
	"github.com/ampctl/ampctl/internal/config"
	"github.com/ampctl/ampctl/internal/evaluator"
	"github.com/ampctl/ampctl/internal/gnmiexport"
	"github.com/ampctl/ampctl/internal/logging"
	"github.com/ampctl/ampctl/internal/metrics"
	"github.com/ampctl/ampctl/internal/notifier"
	"github.com/ampctl/ampctl/internal/telemetry"
	"github.com/ampctl/ampctl/internal/version"
	"github.com/ampctl/ampctl/internal/webui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (built-in defaults when empty)")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	build := version.Get()
	bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLogger.Fatal().
			Err(err).
			Str("config_path", *configPath).
			Msg("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Create log buffer for web UI (captures last 1000 log entries)
	logBuffer := webui.NewLogBuffer(1000)

	base, closeLogs, err := logging.Setup(cfg.Logging, os.Stdout, logBuffer)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to set up logging")
	}
	defer closeLogs()
	logger := base.With().
		Str("version", build.Version).
		Str("commit", build.Commit).
		Logger()

	logger.Info().Msg("Starting ampctl")
	logger.Info().
		Int("amplifier_count", len(cfg.Amplifiers)).
		Strs("amplifiers", cfg.AmplifierNames()).
		Msg("Configuration loaded")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewPrometheusCollector(reg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := telemetry.NewHub(logger, collector)

	// Alerts are driven by the same stream the dashboards see
	alertEngine := alerter.NewEngine(cfg, notifier.NewNotifier(cfg.Alerts.Channels, logger), logger)
	go alertEngine.Run(ctx)
	eval := evaluator.NewEvaluator(cfg, logger)
	reports, unsubscribe := hub.Subscribe(256)
	go alertEngine.Watch(ctx, reports, eval)

	manager := amplifier.NewManager(cfg, hub, collector, logger)
	manager.OnDisconnect = func(index int) {
		eval.Forget(index)
		alertEngine.ResolveAmplifier(index, "connection lost")
	}
	manager.Start()

	if cfg.Server.GNMIListen != "" {
		gnmiServer := gnmiexport.NewServer(hub, logger)
		go func() {
			if err := gnmiServer.ListenAndServe(ctx, cfg.Server.GNMIListen); err != nil {
				logger.Error().Err(err).Msg("gNMI export error")
			}
		}()
	}

	listen := cfg.Server.Listen
	if v := os.Getenv("AMPCTL_LISTEN"); v != "" {
		listen = v
	} else if port := os.Getenv("API_PORT"); port != "" {
		listen = ":" + port
	}

	apiServer := api.NewServer(cfg, hub, manager, alertEngine, logger)
	apiServer.SetLogBuffer(logBuffer)
	apiServer.SetConfigPath(*configPath)
	apiServer.SetVersion(build)
	apiServer.SetMetrics(collector, reg)

	go func() {
		if err := apiServer.Start(listen); err != nil {
			logger.Error().
				Err(err).
				Msg("API server error")
			cancel()
		}
	}()

	logger.Info().
		Str("address", listen).
		Msg("Web UI available")

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info().Msg("ampctl running, press Ctrl+C to stop")

	select {
	case <-sigChan:
	case <-ctx.Done():
	}
	logger.Info().Msg("Shutting down...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}
	manager.Close()
	unsubscribe()
	cancel()
	alertEngine.Stop()

	logger.Info().Msg("ampctl stopped")
}
