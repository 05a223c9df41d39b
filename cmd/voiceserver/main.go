package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/camtang26/creative-ai-voice-platform/internal/ai"
	"github.com/camtang26/creative-ai-voice-platform/internal/api"
	"github.com/camtang26/creative-ai-voice-platform/internal/api/middleware"
	"github.com/camtang26/creative-ai-voice-platform/internal/bridge"
	"github.com/camtang26/creative-ai-voice-platform/internal/config"
	"github.com/camtang26/creative-ai-voice-platform/internal/database"
	"github.com/camtang26/creative-ai-voice-platform/internal/database/models"
	"github.com/camtang26/creative-ai-voice-platform/internal/engine"
	"github.com/camtang26/creative-ai-voice-platform/internal/events"
	"github.com/camtang26/creative-ai-voice-platform/internal/metrics"
	"github.com/camtang26/creative-ai-voice-platform/internal/telephony"
	"github.com/camtang26/creative-ai-voice-platform/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()
	slog.Info("starting voiceserver",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"public_url", cfg.PublicURL,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	campaigns := database.NewCampaignRepository(db)
	contacts := database.NewContactRepository(db)
	calls := database.NewCallRepository(db)
	timeline := database.NewCallEventRepository(db)

	bus := events.New()

	// Provider clients.
	var telOpts []telephony.Option
	if cfg.TelephonyAPIBase != "" {
		telOpts = append(telOpts, telephony.WithBaseURL(cfg.TelephonyAPIBase))
	}
	telClient := telephony.NewClient(cfg.TelephonyAccountSID, cfg.TelephonyAuthToken, logger, telOpts...)

	var aiOpts []ai.Option
	if cfg.AIAPIBase != "" {
		aiOpts = append(aiOpts, ai.WithBaseURL(cfg.AIAPIBase))
	}
	aiClient := ai.NewClient(cfg.AIAgentID, cfg.AIAPIKey, logger, aiOpts...)

	// Media bridge: one per live call, tracked in the registry.
	registry := bridge.NewRegistry()
	bridgeHandler := bridge.NewHandler(
		bridge.Config{InactivityTimeout: cfg.InactivityTimeout},
		bridge.Deps{
			Calls:    calls,
			Hangup:   telClient,
			AI:       aiClient,
			Bus:      bus,
			Logger:   logger,
			Registry: registry,
		},
	)

	// Campaign execution engine.
	engineSvc := engine.NewService(engine.Config{
		PhoneNumber:          cfg.TelephonyNumber,
		MediaStreamURL:       cfg.MediaStreamURL(),
		StatusCallbackURL:    strings.TrimSuffix(cfg.PublicURL, "/") + "/api/v1/webhooks/telephony",
		DefaultMaxConcurrent: cfg.DefaultMaxConcurrent,
		DefaultCallDelay:     cfg.DefaultCallDelay,
	}, campaigns, contacts, calls, telClient, bus, logger)

	// Provider webhook handlers.
	telephonyWebhook := webhook.NewTelephonyHandler(cfg.TelephonyAuthToken, cfg.PublicURL, engineSvc, timeline, logger)
	aiWebhook := webhook.NewAIHandler(cfg.AIWebhookSecret, registry, telClient, calls, timeline, logger)

	// Prometheus metrics.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(engineSvc, registry, calls, bus, startTime),
	)

	handler := api.NewServer(api.Options{
		Engine:           engineSvc,
		Campaigns:        campaigns,
		Contacts:         contacts,
		Calls:            calls,
		CallEvents:       timeline,
		Bus:              bus,
		Bridges:          registry,
		Hangup:           telClient,
		TelephonyWebhook: telephonyWebhook,
		AIWebhook:        aiWebhook,
		MediaStream:      bridgeHandler,
		Metrics:          promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
		CORSOrigins:      middleware.ParseCORSOrigins(cfg.CORSOrigins),
		TLSEnabled:       strings.HasPrefix(cfg.PublicURL, "https://"),
		StartTime:        startTime,
	})

	// No global read/write timeouts: the media stream and event stream
	// WebSockets stay open for the lifetime of a call.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	slog.Info("shutting down")

	// Stop placing new calls first, then tear down live bridges (which
	// hangs up their provider legs), then drain the HTTP server.
	engineSvc.Shutdown()
	registry.ShutdownAll("server shutting down", models.TerminatedBySystem)
	handler.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("voiceserver stopped")
}
