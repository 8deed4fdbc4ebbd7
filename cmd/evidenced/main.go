// Evidenced is an AI-assisted evidence-collection daemon for compliance
// audits. It plans a collection strategy per compliance check, executes
// collection steps against configured evidence sources, validates what
// it finds, and exposes an HTTP API for session control and review.
//
// Configuration is loaded from ~/.config/evidenced/config.yaml with
// environment-variable overrides. Provider credentials resolve from
// their conventional variables (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
//
// Usage:
//
//	evidenced serve
//	evidenced serve --config /path/to/config.yaml
//	evidenced version
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/evidenced/internal/agent"
	"github.com/fyrsmithlabs/evidenced/internal/config"
	"github.com/fyrsmithlabs/evidenced/internal/connectors"
	"github.com/fyrsmithlabs/evidenced/internal/executor"
	"github.com/fyrsmithlabs/evidenced/internal/llm"
	"github.com/fyrsmithlabs/evidenced/internal/logging"
	"github.com/fyrsmithlabs/evidenced/internal/memory"
	"github.com/fyrsmithlabs/evidenced/internal/planner"
	"github.com/fyrsmithlabs/evidenced/internal/server"
	"github.com/fyrsmithlabs/evidenced/internal/store"
	"github.com/fyrsmithlabs/evidenced/internal/validator"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "evidenced",
		Short:         "AI-assisted evidence collection for compliance audits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "evidenced\nVersion:    %s\nCommit:     %s\nBuild Date: %s\n",
				version, gitCommit, buildDate)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the evidenced daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/evidenced/config.yaml)")
	return cmd
}

// run wires the daemon and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "starting evidenced",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port))

	router, err := llm.NewRouter(cfg.LLM, logger)
	if err != nil {
		return fmt.Errorf("configuring llm router: %w", err)
	}

	memories, err := memory.NewChromemStore(cfg.Memory, logger)
	if err != nil {
		return fmt.Errorf("opening memory store: %w", err)
	}

	checks := store.NewMemoryCheckStore()
	sessions := store.NewMemorySessionStore()
	evidence := store.NewMemoryEvidenceStore()

	sources, approvals, ticketing, err := buildConnectors(cfg, logger)
	if err != nil {
		return fmt.Errorf("configuring connectors: %w", err)
	}

	exec, err := executor.New(executor.Options{
		Checks:      checks,
		Sessions:    sessions,
		Evidence:    evidence,
		Planner:     planner.New(router, memories, logger),
		Validator:   validator.New(logger),
		Memories:    memories,
		Embedder:    router,
		Sources:     sources,
		Approvals:   approvals,
		DownloadDir: cfg.DownloadDir,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("configuring executor: %w", err)
	}

	srv, err := server.New(server.Options{
		Registry:     router,
		Runner:       exec,
		Conversation: agent.New(router, checks, sessions, logger),
		Checks:       checks,
		Sessions:     sessions,
		Evidence:     evidence,
		Approvals:    approvals,
		Ticketing:    ticketing,
		Logger:       logger,
		Config:       &server.Config{Host: "0.0.0.0", Port: cfg.Server.Port},
	})
	if err != nil {
		return fmt.Errorf("configuring server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}

	logger.Info(context.Background(), "shutdown complete")
	return nil
}

// buildConnectors activates each integration that has a credential.
func buildConnectors(cfg *config.Config, logger *logging.Logger) ([]connectors.SourceConnector, connectors.ApprovalChannel, connectors.TicketingSystem, error) {
	var sources []connectors.SourceConnector
	if cfg.Connectors.GoogleDrive.CredentialsJSON != "" || cfg.Connectors.GoogleDrive.AccessToken != "" {
		drive, err := connectors.NewGoogleDriveConnector(cfg.Connectors.GoogleDrive, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		sources = append(sources, drive)
	}
	if cfg.Connectors.OneDrive.ClientSecret != "" || cfg.Connectors.OneDrive.AccessToken != "" {
		onedrive, err := connectors.NewOneDriveConnector(cfg.Connectors.OneDrive, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		sources = append(sources, onedrive)
	}

	var approvals connectors.ApprovalChannel
	if cfg.Connectors.Slack.BotToken != "" {
		slack, err := connectors.NewSlackApprovalChannel(cfg.Connectors.Slack, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		approvals = slack
	}

	var ticketing connectors.TicketingSystem
	if cfg.Connectors.Sprinto.APIKey != "" {
		sprinto, err := connectors.NewSprintoClient(cfg.Connectors.Sprinto, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		ticketing = sprinto
	}

	return sources, approvals, ticketing, nil
}
