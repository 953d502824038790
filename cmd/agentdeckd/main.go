// Package main provides the agentdeck daemon entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bazelment/agentdeck/config"
	"github.com/bazelment/agentdeck/server"
	"github.com/bazelment/agentdeck/session"
	"github.com/bazelment/agentdeck/store"
	"github.com/bazelment/agentdeck/supervisor"
)

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "agentdeckd",
	Short: "Daemon that runs and streams AI CLI agent sessions",
	Long: `agentdeckd spawns claude/codex/gemini CLI processes, reconstructs their
streaming output into persistent transcripts, and serves them to observers
over websockets. Sessions survive process death and resume with their
provider conversation intact.

Environment:
  AGENTDECK_LISTEN_ADDR       Override the listen address
  AGENTDECK_DB_PATH           Override the SQLite database path
  AGENTDECK_LOG_LEVEL         Override the log level
  AGENTDECK_APPROVAL_TIMEOUT  Override the approval timeout (e.g. 30s)`,
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&configFlag, "config", "agentdeck.yaml", "Path to the config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	rules, err := cfg.DangerRules()
	if err != nil {
		return err
	}

	approvals := session.NewInMemoryApprovals(logger)
	approvals.AutoApprove = cfg.AutoApprove

	sup := supervisor.NewCLISupervisor(logger)
	diffs := store.NewDiffs(st)

	coord := session.NewCoordinator(session.CoordinatorConfig{
		Supervisor:  sup,
		Sessions:    store.NewSessions(st),
		Messages:    store.NewMessages(st),
		Tasks:       store.NewTasks(st),
		Diffs:       diffs,
		Interceptor: session.NewInterceptor(rules, approvals, cfg.ApprovalTimeout, logger),
		Extractor:   session.NewToolDiffExtractor(),
		Defaults:    buildDefaults(cfg),
		Logger:      logger,
	})
	approvals.SetNotify(coord.BroadcastApprovalRequired)

	srv := server.New(cfg.ListenAddr, coord, approvals, diffs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	sup.Shutdown(shutdownCtx)
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).
		Level(lvl).
		With().Timestamp().Logger()
}

func buildDefaults(cfg *config.Config) session.Defaults {
	d := session.Defaults{
		Model:          make(map[supervisor.Provider]string, len(cfg.DefaultModel)),
		PermissionMode: cfg.DefaultPermissionMode,
	}
	for name, model := range cfg.DefaultModel {
		p := supervisor.Provider(name)
		if p.Valid() {
			d.Model[p] = model
		}
	}
	return d
}
