// Package main is the interactive terminal chat client.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatweb/internal/api"
	"github.com/capitalize-ai/chatweb/internal/config"
	"github.com/capitalize-ai/chatweb/internal/kv"
	"github.com/capitalize-ai/chatweb/internal/model"
	"github.com/capitalize-ai/chatweb/internal/service"
	"github.com/capitalize-ai/chatweb/pkg/logger"
	"github.com/capitalize-ai/chatweb/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// The terminal belongs to the conversation; logs go to a file.
	log, err := logger.New(cfg.LogLevel, filepath.Join(cfg.DataDir, "chat.log"))
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chatweb-chat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
					log.Warn("failed to flush traces", zap.Error(err))
				}
			}()
		}
	}

	backend, err := kv.Open(ctx, kv.OpenOptions{
		Backend: cfg.KVBackend,
		Path:    cfg.StatePath(),
		Redis: kv.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
	})
	if err != nil {
		return err
	}
	durable := kv.NewDurable(backend, kv.WithLogger(log))
	defer durable.Close()

	store, err := service.NewConversationStore(durable, service.WithStoreLogger(log))
	if err != nil {
		return err
	}

	settings, err := config.LoadSettings(cfg.SettingsFile)
	if err != nil {
		log.Warn("ignoring unreadable settings", zap.String("path", cfg.SettingsFile), zap.Error(err))
	}

	client, err := connect(ctx, cfg, settings, log)
	if err != nil {
		return err
	}

	r := newREPL(store, client, os.Stdout)
	r.settings = settings
	r.settingsPath = cfg.SettingsFile
	r.log = log
	r.chat = service.NewChatService(store, client,
		service.WithObserver(r.render),
		service.WithChatLogger(log),
	)

	// Ctrl+C while a response streams stops it; at the prompt liner handles it.
	// SIGTERM ends the session.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	done := make(chan error, 1)
	go func() { done <- r.loop(ctx, filepath.Join(cfg.DataDir, "history")) }()
	return r.supervise(sigChan, done, cancel, time.Second)
}

// connect discovers the backend mode and builds a client for it.
func connect(ctx context.Context, cfg *config.Config, settings config.Settings, log *logger.Logger) (*api.Client, error) {
	sessionClient := api.NewClient(cfg.ChatAPIURL, nil, api.WithToken(cfg.ChatToken), api.WithLogger(log))

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mode := model.ModeProxyAPI
	session, err := sessionClient.FetchSession(callCtx)
	switch {
	case err != nil:
		fmt.Fprintf(os.Stderr, "warning: %s (assuming %s)\n", api.Describe(err), mode)
	default:
		mode = session.Model
		if session.Auth {
			if cfg.ChatToken == "" {
				return nil, errors.New("backend requires a secret key; set CHAT_TOKEN")
			}
			if err := sessionClient.FetchVerify(callCtx, cfg.ChatToken); err != nil {
				return nil, fmt.Errorf("secret key rejected: %s", api.Describe(err))
			}
		}
	}

	backend := api.NewBackend(mode, api.Settings{
		SystemMessage: settings.SystemMessage,
		Temperature:   settings.Temperature,
		TopP:          settings.TopP,
	})
	return api.NewClient(cfg.ChatAPIURL, backend, api.WithToken(cfg.ChatToken), api.WithLogger(log)), nil
}
