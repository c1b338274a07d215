package main

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	streamchat "github.com/MegaGrindStone/stream-chat"
	"github.com/MegaGrindStone/stream-chat/internal/config"
	"github.com/MegaGrindStone/stream-chat/internal/conversation"
	"github.com/MegaGrindStone/stream-chat/internal/handlers"
	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	"github.com/MegaGrindStone/stream-chat/internal/services"
	"github.com/MegaGrindStone/stream-chat/internal/session"
)

const errLoggerKey = "err"

func main() {
	cfgPath, err := config.Path()
	if err != nil {
		fatal(slog.Default(), "Failed to resolve config path", err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal(slog.Default(), "Failed to load config", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	logger.Info("Loaded config", slog.String("path", cfgPath), slog.Any("models", cfg.LLM.Models()))

	backend, err := cfg.LLM.Backend(context.Background(), cfg.SystemPrompt, logger)
	if err != nil {
		fatal(logger, "Failed to create llm backend", err)
	}
	if backend == nil {
		logger.Warn("No API key configured, the assistant is disabled")
	}
	adapter := provider.NewAdapter(backend, cfg.LLM.Models(), logger)

	var persister conversation.Persister
	if cfg.HistoryPath != "" {
		boltDB, err := services.NewBoltDB(cfg.HistoryPath)
		if err != nil {
			fatal(logger, "Failed to open history", err)
		}
		defer boltDB.Close()
		persister = boltDB
	}

	store := conversation.NewStore(persister, logger)
	if err := store.Load(context.Background()); err != nil {
		fatal(logger, "Failed to load history", err)
	}

	ctrl := session.NewController(adapter, store, schedule.NewTimer(schedule.DefaultFrameInterval), session.Config{
		MaxInputLength: cfg.MaxInputLength,
		FlushInterval:  cfg.FlushInterval,
	}, logger)
	defer ctrl.Close()

	m, err := handlers.NewMain(ctrl, adapter, handlers.Config{
		TitlePrompt:     cfg.TitlePrompt,
		MaxInputLength:  cfg.MaxInputLength,
		ScrollThreshold: cfg.ScrollThreshold,
		ScrollDebounce:  cfg.ScrollDebounce,
	}, logger)
	if err != nil {
		fatal(logger, "Failed to create handlers", err)
	}

	// Serve static files
	staticFS, err := fs.Sub(streamchat.StaticFS, "static")
	if err != nil {
		fatal(logger, "Failed to open static files", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("GET /{$}", m.HandleHome)
	mux.HandleFunc("GET /state", m.HandleState)
	mux.HandleFunc("GET /sse", m.HandleSSE)
	mux.HandleFunc("POST /messages", m.HandleSend)
	mux.HandleFunc("DELETE /messages/{id}", m.HandleDelete)
	mux.HandleFunc("POST /cancel", m.HandleCancel)
	mux.HandleFunc("POST /retry", m.HandleRetry)
	mux.HandleFunc("POST /dismiss", m.HandleDismiss)
	mux.HandleFunc("POST /clear", m.HandleClear)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String(errLoggerKey, err.Error()))

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String(errLoggerKey, err.Error()))
	os.Exit(1)
}
