package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ent0n29/voicebridge/internal/auth"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/httpapi"
	"github.com/ent0n29/voicebridge/internal/observability"
	"github.com/ent0n29/voicebridge/internal/session"
	"github.com/ent0n29/voicebridge/internal/store"
	"github.com/ent0n29/voicebridge/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics
	StoreMode    string

	// Cleanup flushes pending turns and releases the store. Call it after the
	// HTTP server has stopped.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, mode, err := store.NewStore(ctx, store.Options{
		DatabaseURL:            cfg.DatabaseURL,
		SupabaseURL:            cfg.SupabaseURL,
		SupabaseServiceRoleKey: cfg.SupabaseServiceRoleKey,
		FixturesPath:           cfg.StoreFixturesPath,
	})
	if err != nil {
		return nil, fmt.Errorf("store init failed (%s): %w", mode, err)
	}
	logger.Info("store ready", "mode", mode)

	writer := store.NewWriter(st, store.WriterOptions{
		QueueSize: cfg.PersistQueueSize,
		Logger:    logger.With("component", "writer"),
		Metrics:   metrics,
	})

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	orch := voice.NewOrchestrator(voice.OrchestratorOptions{
		Directory:    st,
		Recorder:     writer,
		Sessions:     sessions,
		Metrics:      metrics,
		Logger:       logger.With("component", "voice"),
		Settings:     providerSettings(cfg),
		ContextTurns: cfg.ContextHistory,
		CaptureDir:   captureDir(cfg),

		RedactTranscripts: cfg.RedactTranscripts,
	})

	verifier := auth.NewVerifier(cfg.JWTSecret)
	if !verifier.Enabled() && !cfg.AllowQueryUser {
		logger.Warn("no device authentication configured; set JWT_SECRET or APP_ALLOW_QUERY_USER")
	}

	api := httpapi.New(httpapi.Options{
		Config:       cfg,
		Sessions:     sessions,
		Orchestrator: orch,
		Verifier:     verifier,
		Metrics:      metrics,
		Logger:       logger.With("component", "http"),
		StoreMode:    mode,
	})

	cleanup := func(ctx context.Context) error {
		var errs []string
		if err := writer.Close(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("writer close: %v", err))
		}
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("store close: %v", err))
		}
		if len(errs) == 0 {
			return nil
		}
		return errors.New(strings.Join(errs, "; "))
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orch,
		Metrics:      metrics,
		StoreMode:    mode,
		Cleanup:      cleanup,
	}, nil
}

// captureDir returns where raw device audio is written, or "" when capture is off.
func captureDir(cfg config.Config) string {
	if cfg.IsProduction() {
		return ""
	}
	return strings.TrimSpace(cfg.DebugAudioDir)
}
