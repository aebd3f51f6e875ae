package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/idlemarket/fishbot/internal/creds"
	"github.com/idlemarket/fishbot/internal/dispatch"
	"github.com/idlemarket/fishbot/internal/history"
	"github.com/idlemarket/fishbot/internal/httpapi"
	"github.com/idlemarket/fishbot/internal/marketapi"
	"github.com/idlemarket/fishbot/internal/replygen"
	"github.com/idlemarket/fishbot/internal/session"
	"github.com/idlemarket/fishbot/internal/wire"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fishbot: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("fishbot exited")
	}
	logger.Info().Msg("fishbot stopped")
}

func run(cfg config, logger zerolog.Logger) error {
	cache := &creds.FileCache{
		Path:             cfg.CookiesFile,
		BrowserStatePath: cfg.BrowserStateFile,
	}
	watcher, err := creds.NewWatcher(cache, logger.With().Str("component", "creds").Logger())
	if err != nil {
		return fmt.Errorf("watching credential cache: %w", err)
	}

	api := marketapi.NewClient(marketapi.ClientOptions{BaseURL: cfg.APIBaseURL})

	store, err := history.BuildStoreFromDSN(cfg.HistoryDSN)
	if err != nil {
		return fmt.Errorf("building history store: %w", err)
	}
	defer store.Close()

	records, err := dispatch.BuildRecordStoreFromDSN(cfg.RecordsDSN)
	if err != nil {
		return fmt.Errorf("building record store: %w", err)
	}
	defer records.Close()

	generator, err := replygen.NewChatAPIGenerator(replygen.ChatAPIOptions{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		SystemPrompt: cfg.SystemPrompt,
	})
	if err != nil {
		return fmt.Errorf("building reply generator: %w", err)
	}

	codec := wire.NewCodec(wire.CodecOptions{})

	engine, err := dispatch.NewEngine(dispatch.EngineOptions{
		Codec:         codec,
		Records:       records,
		History:       store,
		Generator:     generator,
		Items:         &itemCatalog{api: api, cache: cache},
		Logger:        logger.With().Str("component", "dispatch").Logger(),
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
		ContextTurns:  cfg.ContextTurns,
	})
	if err != nil {
		return fmt.Errorf("building dispatch engine: %w", err)
	}

	supervisor, err := session.NewSupervisor(session.SupervisorOptions{
		Session: session.Options{
			URL:               cfg.WebsocketURL,
			Dialer:            &session.WebsocketDialer{},
			Codec:             codec,
			Tokens:            api,
			Handler:           engine,
			Logger:            logger.With().Str("component", "session").Logger(),
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
		},
		Provider:    cache,
		Invalidator: cache,
		Updates:     watcher.Updates(),
		Logger:      logger.With().Str("component", "supervisor").Logger(),
	})
	if err != nil {
		return fmt.Errorf("building session supervisor: %w", err)
	}

	statusServer := httpapi.NewServer(supervisor, engine, httpapi.ServerConfig{Addr: cfg.StatusAddr},
		logger.With().Str("component", "httpapi").Logger())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine.Start()
	go watcher.Run(ctx)
	go func() {
		if err := statusServer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("status server failed")
		}
	}()

	logger.Info().
		Str("ws", cfg.WebsocketURL).
		Str("status", cfg.StatusAddr).
		Msg("fishbot starting")

	runErr := supervisor.Run(ctx)

	// The supervisor has returned, so no new work arrives; let in-flight
	// replies drain before the stores close.
	engine.Close()
	return runErr
}

func newLogger(cfg config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr)
	if cfg.LogPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// itemCatalog adapts the marketplace detail API to the dispatch engine's
// lookup interface, reading cookies from the credential cache on each call
// so lookups survive credential refreshes.
type itemCatalog struct {
	api   *marketapi.Client
	cache *creds.FileCache
}

func (c *itemCatalog) Describe(ctx context.Context, itemID string) (string, error) {
	bundle, err := c.cache.Load()
	if err != nil {
		return "", err
	}
	item, err := c.api.ItemInfo(ctx, bundle.Cookies, itemID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, 3)
	if item.Title != "" {
		parts = append(parts, item.Title)
	}
	if item.PriceText != "" {
		parts = append(parts, "价格"+item.PriceText+"元")
	}
	if item.Description != "" {
		parts = append(parts, item.Description)
	}
	if len(parts) == 0 {
		return "", errors.New("item detail carried no describable fields")
	}
	return strings.Join(parts, "；"), nil
}
