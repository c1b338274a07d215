package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MegaGrindStone/stream-chat/internal/config"
	"github.com/MegaGrindStone/stream-chat/internal/conversation"
	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	"github.com/MegaGrindStone/stream-chat/internal/services"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/MegaGrindStone/stream-chat/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
)

const errLoggerKey = "err"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath, err := config.Path()
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	// The terminal belongs to the UI, so logs go next to the config file.
	logDir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(logDir, "tui.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer logFile.Close()

	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	backend, err := cfg.LLM.Backend(context.Background(), cfg.SystemPrompt, logger)
	if err != nil {
		return fmt.Errorf("error creating llm backend: %w", err)
	}
	adapter := provider.NewAdapter(backend, cfg.LLM.Models(), logger)

	var persister conversation.Persister
	if cfg.HistoryPath != "" {
		boltDB, err := services.NewBoltDB(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer boltDB.Close()
		persister = boltDB
	}

	store := conversation.NewStore(persister, logger)
	if err := store.Load(context.Background()); err != nil {
		return err
	}

	ctrl := session.NewController(adapter, store, schedule.NewTimer(schedule.DefaultFrameInterval), session.Config{
		MaxInputLength: cfg.MaxInputLength,
		FlushInterval:  cfg.FlushInterval,
	}, logger)
	defer ctrl.Close()

	model := tui.New(ctrl, tui.Config{
		ScrollThreshold: tui.DefaultScrollThreshold,
		ScrollDebounce:  cfg.ScrollDebounce,
	}, logger)
	defer model.Close()

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		logger.Error("Program exited with error", slog.String(errLoggerKey, err.Error()))
		return err
	}
	return nil
}
