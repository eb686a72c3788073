// Command clackbot runs the Slack assistant and inspects its state.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/clackbot/clackbot/internal/config"
	"github.com/clackbot/clackbot/internal/logging"
	"github.com/clackbot/clackbot/internal/registry"
	"github.com/clackbot/clackbot/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "clackbot",
		Short:         "Personal Slack assistant backed by a coding agent",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("CLACKBOT_CONFIG", configPath)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "TOML config file (default "+config.DefaultConfigFile+")")

	root.AddCommand(
		startCmd(),
		sessionsCmd(),
		conversationsCmd(),
		activitiesCmd(),
		projectsCmd(),
		doctorCmd(),
	)
	return root
}

// env is what the read-only inspection commands share.
type env struct {
	cfg      *config.Config
	repo     *store.SQLiteStore
	registry *registry.Registry
	out      io.Writer
}

// openEnv loads config and opens the database. Inspection commands log
// only warnings so their output stays readable.
func openEnv(cmd *cobra.Command) (*env, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, closer := logging.Init(logging.Config{Level: "warn", Format: "text"}, cmd.ErrOrStderr())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		_ = closer.Close()
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	cleanup := func() {
		_ = repo.Close()
		_ = closer.Close()
	}
	return &env{
		cfg:      cfg,
		repo:     repo,
		registry: registry.New(repo, registry.WithLogger(logging.ForComponent(logger, logging.CompRegistry))),
		out:      cmd.OutOrStdout(),
	}, cleanup, nil
}

func runWithEnv(fn func(ctx context.Context, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, cleanup, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer cleanup()
		return fn(cmd.Context(), e, args)
	}
}
