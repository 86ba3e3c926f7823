// Package main is the entry point for the chat relay server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/config"
	"github.com/capitalize-ai/chatweb/internal/handler"
	"github.com/capitalize-ai/chatweb/internal/kv"
	"github.com/capitalize-ai/chatweb/internal/llm"
	natsclient "github.com/capitalize-ai/chatweb/internal/nats"
	"github.com/capitalize-ai/chatweb/internal/service"
	"github.com/capitalize-ai/chatweb/pkg/logger"
	"github.com/capitalize-ai/chatweb/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting relay server", zap.String("mode", cfg.RelayMode), zap.String("provider", cfg.LLMProvider))

	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatweb-relay", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Conversation memory for parentMessageId chains
	backend, err := kv.Open(ctx, kv.OpenOptions{
		Backend: cfg.KVBackend,
		Path:    cfg.RelayCachePath(),
		Bucket:  "relay",
		Redis: kv.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open relay cache: %w", err)
	}
	turns := kv.NewCache(backend, kv.WithLogger(log))
	defer turns.Close()

	// Optional exchange journal
	var (
		journal    service.Journal
		pinger     handler.Pinger
		exchangeRd handler.ExchangeReader
	)
	if cfg.NATSURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		cancel()
		if err != nil {
			return err
		}
		defer natsClient.Close()

		streams := natsclient.NewStreamManager(natsClient, cfg.NATSJournalAge)
		if err := streams.EnsureStream(ctx); err != nil {
			return err
		}
		journal, pinger, exchangeRd = streams, natsClient, streams
	}

	var upstream llm.Client
	if key := cfg.UpstreamAPIKey(); key != "" {
		upstream, err = llm.NewClient(llm.Config{
			Provider: llm.Provider(cfg.LLMProvider),
			APIKey:   key,
			BaseURL:  cfg.LLMBaseURL,
			Model:    cfg.LLMModel,
		})
		if err != nil {
			return err
		}
	} else {
		log.Warn("no upstream API key configured, chat endpoints will fail")
	}

	settings := config.DefaultSettings()
	relay := service.NewRelayService(upstream, turns, journal, service.RelayConfig{
		Mode:               cfg.RelayMode,
		SystemMessage:      settings.SystemMessage,
		Temperature:        settings.Temperature,
		TopP:               settings.TopP,
		MaxTokens:          cfg.LLMMaxTokens,
		MaxContextMessages: cfg.RelayMaxContextMessages,
		Timeout:            cfg.LLMTimeout,
	}, log)

	routes := handler.Routes{
		Health: handler.NewHealthHandler(pinger),
		Aux: handler.NewAuxHandler(handler.AuxConfig{
			Mode:         cfg.RelayMode,
			AuthSecret:   cfg.AuthSecret,
			ReverseProxy: cfg.LLMBaseURL,
			TimeoutMs:    cfg.LLMTimeout.Milliseconds(),
			HTTPSProxy:   os.Getenv("HTTPS_PROXY"),
		}),
		Chat: handler.NewChatHandler(relay, log),
	}
	if exchangeRd != nil {
		routes.Exchanges = handler.NewExchangeHandler(exchangeRd, log)
	}

	router := handler.NewRouter(handler.RouterConfig{
		AuthSecret:        cfg.AuthSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	}, routes)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
