package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/clackbot/clackbot/internal/agent"
	"github.com/clackbot/clackbot/internal/api"
	"github.com/clackbot/clackbot/internal/config"
	"github.com/clackbot/clackbot/internal/conversation"
	"github.com/clackbot/clackbot/internal/logging"
	"github.com/clackbot/clackbot/internal/registry"
	"github.com/clackbot/clackbot/internal/session"
	"github.com/clackbot/clackbot/internal/slackbot"
	"github.com/clackbot/clackbot/internal/store"
	"github.com/clackbot/clackbot/internal/sweeper"
	"github.com/clackbot/clackbot/web"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	activityReplaySize = 200
	shutdownTimeout    = 10 * time.Second
)

func startCmd() *cobra.Command {
	var noWeb bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to Slack and serve the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), noWeb)
		},
	}
	cmd.Flags().BoolVar(&noWeb, "no-web", false, "Don't serve the dashboard API")
	return cmd
}

//nolint:funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runStart(parent context.Context, noWeb bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateSlack(); err != nil {
		return err
	}

	logger, closer := logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Dir:    cfg.Log.Dir,
	}, os.Stdout)
	defer func() { _ = closer.Close() }()

	logger.Info("Starting clackbot", "port", cfg.Web.Port, "db_path", cfg.DBPath, "config_file", cfg.File)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected")

	watcher := config.NewWatcher(config.Path(), cfg, logging.ForComponent(logger, logging.CompConfig))
	sessions := session.NewManager(repo, watcher.Policy,
		session.WithLogger(logging.ForComponent(logger, logging.CompSession)))
	reg := registry.New(repo, registry.WithLogger(logging.ForComponent(logger, logging.CompRegistry)))

	hub := api.NewHub(activityReplaySize, cfg.Web.CORSOrigins, logging.ForComponent(logger, logging.CompAPI))
	reg.OnActivity(hub.Publish)

	agentLog := logging.ForComponent(logger, logging.CompAgent)
	if err := agent.InitBrainMemory(cfg.WorkDir); err != nil {
		logger.Warn("Brain memory unavailable, primary agent calls will fall back", "error", err)
	}
	cli := agent.NewClaudeCLI(cfg.Agent.ClaudeBin, cfg.Agent.MaxTurns, agent.WithCLILogger(agentLog))
	if err := cli.Health(ctx); err != nil {
		logger.Warn("Agent CLI health check failed", "error", err, "bin", cfg.Agent.ClaudeBin)
	}
	brain := agent.NewBrain(cli, reg, cfg.WorkDir, agentLog)
	agents := agent.NewService(cli, brain, cfg.WorkDir)

	slackLog := logging.ForComponent(logger, logging.CompSlack)
	client := slack.New(cfg.Slack.BotToken, slack.OptionAppLevelToken(cfg.Slack.AppToken))
	poster := slackbot.NewPoster(client, cfg.Slack.UpdateRate, cfg.Slack.UpdateBurst, slackLog)
	botUserID, err := poster.BotUserID(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	logger.Info("Slack authenticated", "bot_user_id", botUserID, "owner_user_id", cfg.Slack.OwnerUserID)

	handler := conversation.NewHandler(poster, sessions, reg, agents, repo, conversation.Config{
		ThinkingMessage:  cfg.Personality.ThinkingMessage,
		ShowProgress:     cfg.Personality.ShowProgress,
		ProgressInterval: cfg.Personality.ProgressInterval.Duration,
		MaxMessageLength: cfg.Personality.MaxMessageLength,
	}, conversation.WithLogger(logging.ForComponent(logger, logging.CompRouter)),
		conversation.WithLocks(sessions.Locks()),
		conversation.WithProjects(agent.NewProjectResolver(cfg.ProjectPaths(), "")))

	listener := slackbot.NewListener(socketmode.New(client), poster, handler, botUserID, cfg.Slack.OwnerUserID, slackLog)

	ttl := sweeper.New(reg, sessions, cfg.Agent.SessionTTL.Duration, watcher.Policy,
		sweeper.WithLogger(logging.ForComponent(logger, logging.CompSweeper)))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return ttl.Run(gctx) })

	if dir := filepath.Dir(config.Path()); dirExists(dir) {
		g.Go(func() error { return watcher.Run(gctx) })
	} else {
		logger.Info("Config directory missing, hot reload disabled", "dir", dir)
	}

	if !noWeb {
		dashboard := api.NewHandler(reg, repo, sessions, hub, logging.ForComponent(logger, logging.CompAPI))
		srv := &http.Server{
			Addr:        ":" + cfg.Web.Port,
			Handler:     api.NewRouter(dashboard, cfg.Web.CORSOrigins, web.SPAHandler()),
			ReadTimeout: 30 * time.Second,
			// No WriteTimeout: the activity stream is long-lived.
			IdleTimeout: 120 * time.Second,
		}

		g.Go(func() error {
			logger.Info("Dashboard listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("dashboard server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("Shutting down gracefully...")
	stats := agents.GetStats()
	logger.Info("clackbot stopped",
		"agent_invocations", stats.Invocations,
		"agent_failures", stats.Failures,
		"primary_fallbacks", stats.Fallbacks,
	)
	return err
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
