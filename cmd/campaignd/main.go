package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/piehands/campaignd/internal/engine"
	"github.com/piehands/campaignd/internal/expressions"
	"github.com/piehands/campaignd/internal/ingest"
	"github.com/piehands/campaignd/internal/logging"
	"github.com/piehands/campaignd/internal/mail"
	"github.com/piehands/campaignd/internal/scheduler"
	"github.com/piehands/campaignd/internal/store"
	"github.com/piehands/campaignd/internal/validation"
)

func main() {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("campaignd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	engines, err := expressions.NewRegistry()
	if err != nil {
		return err
	}
	validator, err := validation.NewCanvasValidator()
	if err != nil {
		return err
	}

	templates, err := loadTemplates(cfg.TemplatesPath)
	if err != nil {
		return err
	}
	var sender mail.Sender = mail.NewCircuitSender(mail.NewSendGridClient(mail.SendGridConfig{
		BaseURL:   cfg.SendGridBaseURL,
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.FromEmail,
		FromName:  cfg.FromName,
	}), mail.DefaultBreakerConfig())

	executor := engine.NewExecutor(st, engines,
		mail.NewTemplateRenderer(templates, engines), sender,
		engine.DefaultSendPolicy, logger)

	pool := engine.NewWorkerPool(cfg.PoolSize)
	defer pool.Shutdown()

	sched := scheduler.NewScheduler(st, executor, pool, scheduler.Config{
		PollInterval: cfg.PollInterval,
	}, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	pipeline := ingest.NewPipeline(st, logger)
	webhook := ingest.NewWebhookHandler(
		ingest.NewVerifier(cfg.WebhookSecret, 0), pipeline, pool, logger)

	api := &apiServer{
		store:     st,
		executor:  executor,
		validator: validator,
		webhook:   webhook,
		logger:    logger,
	}
	server := newHTTPServer(cfg.ListenAddr, api.routes())

	errCh := make(chan error, 1)
	go func() {
		logger.Info("campaignd listening", "addr", cfg.ListenAddr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// loadTemplates reads the email template catalog from a JSON file mapping
// template ID to subject/body. An empty path yields an empty catalog,
// which fails sends with NOT_FOUND rather than at startup.
func loadTemplates(path string) (mail.StaticTemplates, error) {
	if path == "" {
		return mail.StaticTemplates{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var templates mail.StaticTemplates
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, err
	}
	for id, tpl := range templates {
		if tpl.ID == "" {
			tpl.ID = id
			templates[id] = tpl
		}
	}
	return templates, nil
}
