package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/verabot/internal/bot"
	cmdpkg "github.com/stupiduntilnot/verabot/internal/commander"
	"github.com/stupiduntilnot/verabot/internal/config"
	ctxpkg "github.com/stupiduntilnot/verabot/internal/context"
	"github.com/stupiduntilnot/verabot/internal/db"
	"github.com/stupiduntilnot/verabot/internal/dummy"
	"github.com/stupiduntilnot/verabot/internal/generation"
	"github.com/stupiduntilnot/verabot/internal/history"
	"github.com/stupiduntilnot/verabot/internal/kv"
	"github.com/stupiduntilnot/verabot/internal/kv/rediskv"
	"github.com/stupiduntilnot/verabot/internal/kv/sqlitekv"
	"github.com/stupiduntilnot/verabot/internal/logging"
	"github.com/stupiduntilnot/verabot/internal/metrics"
	modelpkg "github.com/stupiduntilnot/verabot/internal/model"
	"github.com/stupiduntilnot/verabot/internal/notes"
	"github.com/stupiduntilnot/verabot/internal/openai"
	"github.com/stupiduntilnot/verabot/internal/persona"
	"github.com/stupiduntilnot/verabot/internal/pipeline"
	"github.com/stupiduntilnot/verabot/internal/prefs"
	"github.com/stupiduntilnot/verabot/internal/search"
	"github.com/stupiduntilnot/verabot/internal/telegram"
	"github.com/stupiduntilnot/verabot/internal/voice"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start polling Telegram and answering messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd, v)
		},
	}
}

func runBot(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("bot exited with error", zap.Error(err))
		return err
	}
	return nil
}

// run wires every component from cfg and blocks until ctx is done or a
// component fails.
func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.InitSchema(database); err != nil {
		return fmt.Errorf("failed to init schema: %w", err)
	}

	events := &db.EventLog{DB: database}
	rootID, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"role":     "bot",
		"pid":      os.Getpid(),
		"provider": cfg.ModelProvider,
		"source":   cfg.Commander,
		"storage":  cfg.StorageBackend,
	})
	if err != nil {
		logger.Warn("failed to log process.started", zap.Error(err))
	} else {
		events.Root = &rootID
	}

	store, err := newStore(ctx, &cfg, database)
	if err != nil {
		return fmt.Errorf("failed to init storage: %w", err)
	}
	defer store.Close()

	commander, err := newCommander(&cfg)
	if err != nil {
		return fmt.Errorf("failed to init commander: %w", err)
	}
	provider, err := newModelProvider(&cfg)
	if err != nil {
		return fmt.Errorf("failed to init model provider: %w", err)
	}
	transcriber, err := newTranscriber(&cfg)
	if err != nil {
		return fmt.Errorf("failed to init transcriber: %w", err)
	}

	profile, err := persona.Load(cfg.PersonaPromptPath, cfg.PersonaVariantsPath, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	gen := generation.New(provider, profile, generation.Options{
		Models:  modelSlots(&cfg),
		Timeout: cfg.LLMTimeout,
	}, logger)
	hist := history.New(store, cfg.HistoryCap, cfg.HistoryTTL, logger)
	userPrefs := prefs.New(store, map[string]string{prefs.Mode: persona.Cute}, logger)

	deps := pipeline.Deps{
		History:   hist,
		Generator: gen,
		Prefs:     userPrefs,
		Events:    events,
		Metrics:   m,
	}
	if transcriber != nil {
		deps.Voice = voice.New(transcriber, cfg.FFmpegPath, cfg.VoiceTimeout, logger)
	} else {
		logger.Warn("voice transcription disabled: GROQ_API_KEY is not set")
	}
	if cfg.SearchEnabled {
		deps.Search = search.New(search.Options{
			Endpoint:   cfg.SearchEndpoint,
			MaxResults: cfg.SearchMaxResults,
			Timeout:    cfg.SearchTimeout,
		}, logger)
	}
	injection, _ := ctxpkg.ParseInjectionMode(cfg.SearchInjection)
	pipe := pipeline.New(deps, pipeline.Options{
		Window:    cfg.HistoryWindow,
		Injection: injection,
		Timeout:   cfg.TurnTimeout,
	}, logger)

	b := bot.New(bot.Deps{
		Commander: commander,
		Pipeline:  pipe,
		History:   hist,
		Notes:     notes.New(store, logger),
		Prefs:     userPrefs,
		Assistant: gen,
		Personas:  profile,
		State:     store,
		Events:    events,
		Metrics:   m,
	}, bot.Options{
		AllowedIDs:    cfg.AdminIDs,
		PollTimeout:   cfg.Timeout,
		Sleep:         time.Duration(cfg.SleepSeconds) * time.Second,
		DropPending:   cfg.DropPending,
		PendingWindow: time.Duration(cfg.PendingWindowSeconds) * time.Second,
		PendingMax:    cfg.PendingMaxMessages,
		MaxConcurrent: int64(cfg.MaxConcurrentTurns),
		JobTimeout:    cfg.TurnTimeout + 30*time.Second,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	if cfg.MetricsListen != "" {
		srv := metrics.NewServer(cfg.MetricsListen, reg, logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	runErr := g.Wait()

	reason := "shutdown"
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		reason = runErr.Error()
	}
	if _, err := events.Log(nil, db.EventProcessStopped, map[string]any{"reason": reason}); err != nil {
		logger.Warn("failed to log process.stopped", zap.Error(err))
	}
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func modelSlots(cfg *config.Config) map[generation.Slot]string {
	return map[generation.Slot]string{
		generation.SlotDefault:   cfg.LLMModel,
		generation.SlotDeep:      cfg.LLMThinkerModel,
		generation.SlotVision:    cfg.LLMVisionModel,
		generation.SlotImage:     cfg.LLMImageModel,
		generation.SlotTranslate: cfg.LLMTranslateModel,
	}
}

func newStore(ctx context.Context, cfg *config.Config, database *sql.DB) (kv.Store, error) {
	switch cfg.StorageBackend {
	case "sqlite":
		return sqlitekv.New(database), nil
	case "redis":
		return rediskv.Open(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.StorageBackend)
	}
}

func newCommander(cfg *config.Config) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.Timeout+20)*time.Second), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newModelProvider(cfg *config.Config) (modelpkg.Provider, error) {
	switch cfg.ModelProvider {
	case "openai":
		return openai.NewClient(cfg.OpenRouterAPIKey, cfg.LLMBaseURL, cfg.LLMModel, cfg.LLMTimeout,
			openai.WithHeader("HTTP-Referer", cfg.LLMReferer),
			openai.WithHeader("X-Title", cfg.LLMTitle),
		), nil
	case "dummy":
		return dummy.NewProvider(cfg.LLMModel, cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}

// newTranscriber returns nil when no speech backend is configured.
func newTranscriber(cfg *config.Config) (modelpkg.Transcriber, error) {
	switch cfg.ModelProvider {
	case "dummy":
		return dummy.NewTranscriber(cfg.DummyTranscriberScript)
	default:
		if cfg.GroqAPIKey == "" {
			return nil, nil
		}
		return openai.NewClient(cfg.GroqAPIKey, cfg.VoiceBaseURL, cfg.VoiceModel, cfg.VoiceTimeout), nil
	}
}
