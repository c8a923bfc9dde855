package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/config"
	"chatrelay/internal/engine"
	"chatrelay/internal/gate"
	"chatrelay/internal/httpapi"
	"chatrelay/internal/ingest"
	"chatrelay/internal/llm/openai_assistants"
	"chatrelay/internal/metrics"
	"chatrelay/internal/persona"
	"chatrelay/internal/recordstore"
	"chatrelay/internal/replyfmt"
	"chatrelay/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("kintone_domain", cfg.Kintone.BaseURL).
		Str("listen_addr", cfg.Server.ListenAddr).
		Msg("starting chatrelay")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	personas, err := persona.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize persona store")
	}
	defer personas.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	records := recordstore.New(recordstore.Config{
		BaseURL:     cfg.Kintone.BaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.HTTP.ClientTimeout},
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
	})
	chatApp := recordstore.App{ID: cfg.Kintone.ChatAppID, Token: cfg.Kintone.ChatToken}
	docApp := recordstore.App{ID: cfg.Kintone.DocumentAppID, Token: cfg.Kintone.DocumentToken}

	assistants := openai_assistants.New(openai_assistants.Config{
		BaseURL:     cfg.OpenAI.BaseURL,
		APIKey:      cfg.OpenAI.APIKey,
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
	})

	m := metrics.Global()
	registry := session.NewRegistry(session.RegistryConfig{
		Records: records,
		ChatApp: chatApp,
		LLM:     assistants,
		Logger:  log.Logger,
	})
	pipeline := ingest.New(ingest.Config{
		Records:  records,
		DocApp:   docApp,
		LLM:      assistants,
		Registry: registry,
		Logger:   log.Logger,
		Metrics:  m,
	})
	eng := engine.New(engine.Config{
		Registry:     registry,
		Personas:     personas,
		Ingest:       pipeline,
		LLM:          assistants,
		Formatter:    replyfmt.New(cfg.Reply.Closing),
		Logger:       log.Logger,
		Metrics:      m,
		PollInterval: cfg.Run.PollInterval,
		RunDeadline:  cfg.Run.PollTimeout,
	})

	api := httpapi.New(httpapi.Config{
		Engine:   eng,
		Personas: personas,
		Lease: gate.NewSessionLease(rdb, gate.LeaseConfig{
			TTL:     cfg.Lease.TTL,
			MaxWait: cfg.Lease.MaxWait,
		}),
		Limiter: gate.NewRateLimiter(rdb, cfg.Rate.PerHour),
		Logger:  log.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.Server.MetricsPath, promhttp.Handler())
	api.Register(mux)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
