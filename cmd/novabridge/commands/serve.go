package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/novabridge/pkg/novabridge/approval"
	"github.com/jholhewres/novabridge/pkg/novabridge/bridge"
	"github.com/jholhewres/novabridge/pkg/novabridge/channels"
	"github.com/jholhewres/novabridge/pkg/novabridge/channels/discord"
	"github.com/jholhewres/novabridge/pkg/novabridge/channels/telegram"
	"github.com/jholhewres/novabridge/pkg/novabridge/config"
	"github.com/jholhewres/novabridge/pkg/novabridge/fetch"
	"github.com/jholhewres/novabridge/pkg/novabridge/history"
	"github.com/jholhewres/novabridge/pkg/novabridge/runner"
	"github.com/jholhewres/novabridge/pkg/novabridge/scheduler"
	"github.com/jholhewres/novabridge/pkg/novabridge/secrets"
	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

// newServeCmd creates the `novabridge serve` command that starts the bridge.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge",
		Long: `Start NovaBridge: connect the configured channels, relay messages from
the authorized principal to the assistant and run the maintenance jobs.

Examples:
  novabridge serve
  novabridge serve --config ./novabridge.yaml --verbose`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	// ── Resolve secrets ──
	// vault → keyring → env → config.
	resolver := &secrets.Resolver{
		Vault:   secrets.OpenVault(cfg.Vault.Path, logger),
		Keyring: secrets.NewKeyring(secrets.KeyringService),
		Logger:  logger,
	}
	tgToken, tgSource := resolver.Resolve(secrets.TelegramToken, cfg.Telegram.Token)
	dcToken, dcSource := resolver.Resolve(secrets.DiscordToken, cfg.Discord.Token)
	if tgToken == "" && dcToken == "" {
		return fmt.Errorf("no bot token configured: set %s (env, vault or keyring) or telegram.token", secrets.TelegramToken)
	}
	cfg.Telegram.Token = tgToken
	cfg.Discord.Token = dcToken

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── History ──
	if added, err := ensureGitIgnored(cfg.History.Path); err != nil {
		logger.Warn("could not check .gitignore for the history database", "error", err)
	} else if added != "" {
		logger.Info("history database added to .gitignore", "entry", added)
	}
	store, err := history.Open(cfg.History, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── Security layer ──
	deps, approvals, err := buildDeps(cfg, store, logger)
	if err != nil {
		return err
	}

	// ── Channels ──
	manager := channels.NewManager(logger)
	deps.Transport = manager
	deps.Gates = make(map[string]*security.AccessGate)
	deps.Secrets = map[string]string{
		secrets.TelegramToken: tgToken,
		secrets.DiscordToken:  dcToken,
	}
	if tgToken != "" {
		tg := telegram.New(cfg.Telegram, logger)
		if err := manager.Register(tg); err != nil {
			return err
		}
		deps.Gates[tg.Name()] = security.NewAccessGate(cfg.Principal, logger)
		logger.Info("telegram enabled", "token_source", tgSource)
	}
	if dcToken != "" {
		dc := discord.New(cfg.Discord, logger)
		if err := manager.Register(dc); err != nil {
			return err
		}
		deps.Gates[dc.Name()] = security.NewAccessGate(security.AccessConfig{
			Principal: security.Principal(cfg.Discord.Principal),
		}, logger)
		logger.Info("discord enabled", "token_source", dcSource)
	}

	b, err := bridge.New(cfg.Bridge(), deps, logger)
	if err != nil {
		return err
	}

	// ── Maintenance ──
	sched := scheduler.New(cfg.Maintenance.JobTimeout, logger)
	if err := sched.AddMaintenance(cfg.Maintenance, store, approvals, logger); err != nil {
		return err
	}

	// ── Start ──
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	sched.Start(ctx)

	logger.Info("NovaBridge running. Press Ctrl+C to stop.",
		"name", cfg.Assistant.Name,
		"history", store.Path(),
		"file_access", deps.Resources != nil,
		"fetch", deps.Fetcher != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.Run(gctx, manager.Messages())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, stopping...")
		sched.Stop()
		return nil
	})

	// Graceful shutdown with timeout.
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(30 * time.Second):
			logger.Warn("shutdown timed out after 30s, forcing exit")
		}
	}
	manager.Stop()

	st := b.Stats()
	logger.Info("shutdown complete",
		"turns", st.Turns, "delivered", st.Delivered, "failed", st.Failed, "abandoned", st.Abandoned)
	return err
}

// buildDeps creates the policy layer, the generator and the optional
// /file and /fetch collaborators.
func buildDeps(cfg *config.Config, store *history.Store, logger *slog.Logger) (bridge.Deps, *approval.Manager, error) {
	resources, err := security.NewResourceGuard(cfg.Security.Resources, logger)
	if err != nil {
		return bridge.Deps{}, nil, err
	}
	scanner, err := security.NewInjectionScanner(cfg.Security.Scanner, logger)
	if err != nil {
		return bridge.Deps{}, nil, err
	}
	sanitizer, err := security.NewOutputSanitizer(cfg.Security.Sanitizer, resources, logger)
	if err != nil {
		return bridge.Deps{}, nil, err
	}
	invoker, err := runner.NewInvoker(cfg.Generator, logger)
	if err != nil {
		return bridge.Deps{}, nil, err
	}
	approvals := approval.NewManager(cfg.Security.ConfirmationWindow, logger)

	deps := bridge.Deps{
		Scanner:   scanner,
		Sanitizer: sanitizer,
		Approvals: approvals,
		Generator: invoker,
		History:   store,
	}
	if cfg.Assistant.FilesRoot != "" {
		deps.Resources = resources
	}
	if cfg.Fetch.Enabled {
		egress, err := security.NewEgressGuard(cfg.Security.Egress, logger)
		if err != nil {
			return bridge.Deps{}, nil, err
		}
		deps.Egress = egress
		deps.Fetcher = fetch.New(cfg.Fetch.Config, egress, approvals, logger)
	}
	return deps, approvals, nil
}
