package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/pario-ai/arena/pkg/alert"
	"github.com/pario-ai/arena/pkg/config"
	"github.com/pario-ai/arena/pkg/guard"
	"github.com/pario-ai/arena/pkg/ledger"
	"github.com/pario-ai/arena/pkg/mux"
	"github.com/pario-ai/arena/pkg/orchestrator"
	"github.com/pario-ai/arena/pkg/provider"
	"github.com/pario-ai/arena/pkg/store"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	ledger *ledger.SQLiteLedger
	store  *store.SQLiteStore
	alerts *alert.Log
	orch   *orchestrator.Orchestrator
}

// openApp loads the config and opens every component. The ledger, store and
// fault log share cfg.DBPath.
func openApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger}

	if a.ledger, err = ledger.New(cfg.DBPath, logger); err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}
	if a.store, err = store.New(cfg.DBPath); err != nil {
		a.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}
	if a.alerts, err = alert.New(cfg.DBPath, cfg.Alerts.RetentionDays, logger); err != nil {
		a.Close()
		return nil, fmt.Errorf("init alerts: %w", err)
	}

	registry, err := provider.NewRegistry(cfg, &http.Client{})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init providers: %w", err)
	}

	a.orch = orchestrator.New(cfg, registry, a.ledger, a.store,
		guard.FromConfig(cfg, logger),
		mux.New(cfg.Multiplexer, mux.WithLogger(logger)),
		a.alerts,
		orchestrator.WithLogger(logger),
	)
	return a, nil
}

// Close releases every opened component.
func (a *app) Close() {
	if a.alerts != nil {
		_ = a.alerts.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.ledger != nil {
		_ = a.ledger.Close()
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(h)
}
