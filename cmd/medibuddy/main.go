package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bowerhall/medibuddy/internal/bot"
	"github.com/bowerhall/medibuddy/internal/capture"
	"github.com/bowerhall/medibuddy/internal/config"
	"github.com/bowerhall/medibuddy/internal/conversation"
	"github.com/bowerhall/medibuddy/internal/gateway"
	"github.com/bowerhall/medibuddy/internal/llm"
	"github.com/bowerhall/medibuddy/internal/logger"
	"github.com/bowerhall/medibuddy/internal/storage"
	"github.com/bowerhall/medibuddy/internal/variant"
	"github.com/joho/godotenv"
)

func init() {
	godotenv.Load()
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (conversation.Store, func(), error) {
	if cfg.Driver == "postgres" {
		store, err := conversation.NewPostgresStore(ctx, conversation.PostgresConfig{URL: cfg.URL})
		if err != nil {
			return nil, nil, err
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		return store, store.Close, nil
	}

	store, db, err := conversation.OpenSQLite(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { db.Close() }, nil
}

func newGateway(cfg *config.Config) (gateway.Gateway, error) {
	if cfg.Gateway.Backend == config.BackendLLM {
		model, err := llm.New(llm.Config{
			Provider: cfg.LLM.Provider,
			APIKey:   cfg.LLM.APIKey,
			Model:    cfg.LLM.Model,
			BaseURL:  cfg.LLM.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		return gateway.NewAssistant(model, cfg.Inference.Timeout), nil
	}

	return gateway.NewInference(gateway.InferenceConfig{
		BaseURL: cfg.Inference.URL,
		Timeout: cfg.Inference.Timeout,
		Lang:    cfg.Inference.Lang,
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	if cfg.LogFile != "" {
		closeLog, err := logger.SetFile(cfg.LogFile)
		if err != nil {
			logger.Fatal("failed to open log file", "error", err, "path", cfg.LogFile)
		}
		defer closeLog()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("failed to open store", "error", err, "driver", cfg.Database.Driver)
	}
	defer closeStore()

	blobs, err := storage.NewClient(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		logger.Fatal("failed to create storage client", "error", err)
	}
	if err := blobs.Init(ctx); err != nil {
		logger.Fatal("failed to init storage", "error", err)
	}

	catalog, err := variant.LoadCatalog(cfg.Variants.File)
	if err != nil {
		logger.Fatal("failed to load variants", "error", err)
	}
	defaultVariant, err := variant.Parse(cfg.Variants.Default)
	if err != nil {
		logger.Fatal("invalid DEFAULT_VARIANT", "error", err)
	}

	gw, err := newGateway(cfg)
	if err != nil {
		logger.Fatal("failed to create gateway", "error", err, "backend", cfg.Gateway.Backend)
	}

	sweeper := capture.NewSweeper(cfg.Spool.Dir, cfg.Spool.TTL)
	if err := sweeper.Start(cfg.Spool.Sweep); err != nil {
		logger.Fatal("failed to schedule spool sweep", "error", err, "schedule", cfg.Spool.Sweep)
	}

	b, err := bot.New(bot.Config{
		Provider: cfg.Bot.Provider,
		Token:    cfg.Bot.Token,
	}, bot.Stack{
		Store:    store,
		Gateway:  gw,
		Uploader: storage.NewUploader(blobs),
		Catalog:  catalog,
		Variant:  defaultVariant,
		Lang:     cfg.Inference.Lang,
		SpoolDir: cfg.Spool.Dir,
		Resume:   cfg.Resume,
	})
	if err != nil {
		logger.Fatal("failed to create bot", "error", err, "provider", cfg.Bot.Provider)
	}

	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()

	logger.Info("medibuddy started",
		"bot", cfg.Bot.Provider,
		"gateway", cfg.Gateway.Backend,
		"database", cfg.Database.Driver,
		"bucket", blobs.Bucket(),
		"variant", defaultVariant,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
		cancel()
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("bot stopped with error", "error", err)
		}
	case err := <-done:
		logger.Error("bot stopped", "error", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	sweeper.Stop(stopCtx)
}
