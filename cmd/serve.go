package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/shepherd/internal/agent"
	"github.com/nextlevelbuilder/shepherd/internal/channels/telegram"
	"github.com/nextlevelbuilder/shepherd/internal/config"
	"github.com/nextlevelbuilder/shepherd/internal/orchestrator"
	"github.com/nextlevelbuilder/shepherd/internal/store"
)

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token == "" {
		slog.Error("no channel configured; set SHEPHERD_TELEGRAM_TOKEN or enable one in config")
		os.Exit(1)
	}

	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	runner := agent.NewRunner(cfg.Agent, cfg.Assistant.Name, verbose)
	orch := orchestrator.New(cfg, st, runner)

	tg, err := telegram.New(cfg.Channels.Telegram, orch.OnMessage)
	if err != nil {
		slog.Error("failed to create telegram channel", "error", err)
		os.Exit(1)
	}
	orch.AddChannel(tg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("shepherd starting",
		"version", Version,
		"assistant", cfg.Assistant.Name,
		"data_dir", cfg.StoreDir(),
		"max_concurrent", cfg.Agent.MaxConcurrent)

	if err := orch.Run(ctx); err != nil {
		slog.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
	slog.Info("shepherd stopped")
}
