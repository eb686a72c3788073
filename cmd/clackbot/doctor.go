package main

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/clackbot/clackbot/internal/agent"
	"github.com/clackbot/clackbot/internal/config"
	"github.com/clackbot/clackbot/internal/slackbot"
	"github.com/clackbot/clackbot/internal/store"
	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
)

const doctorTimeout = 10 * time.Second

func doctorCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, database, agent CLI and Slack credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), doctorTimeout)
			defer cancel()
			if problems := runDoctor(ctx, cmd.OutOrStdout(), offline); problems > 0 {
				return fmt.Errorf("%d problem(s) found", problems)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip checks that call Slack")
	return cmd
}

func runDoctor(ctx context.Context, out io.Writer, offline bool) int {
	problems := 0
	check := func(name string, err error, ok string) {
		if err != nil {
			problems++
			fmt.Fprintf(out, "  %-14s FAIL  %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "  %-14s ok    %s\n", name, ok)
	}

	fmt.Fprintln(out, "clackbot doctor")
	fmt.Fprintln(out)

	cfg, err := config.Load()
	if err != nil {
		check("config", err, "")
		return problems
	}
	file := cfg.File
	if file == "" {
		file = "(no file, defaults + environment)"
	}
	check("config", nil, file)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Storage:")
	repo, err := store.NewSQLite(cfg.DBPath)
	if err == nil {
		err = repo.Ping(ctx)
		_ = repo.Close()
	}
	check("database", err, cfg.DBPath)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Agent:")
	path, err := exec.LookPath(cfg.Agent.ClaudeBin)
	check("claude", err, path)
	if err == nil {
		check("claude health", agent.NewClaudeCLI(cfg.Agent.ClaudeBin, cfg.Agent.MaxTurns).Health(ctx), "responds to --version")
	}
	_, err = agent.LoadCoreMemory(cfg.WorkDir)
	check("brain memory", err, agent.BrainDir(cfg.WorkDir))

	if len(cfg.Projects) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Projects:")
		resolver := agent.NewProjectResolver(cfg.ProjectPaths(), "")
		for _, name := range resolver.Names() {
			path, _ := resolver.Path(name)
			var err error
			if !resolver.Status(path).PathExists {
				err = fmt.Errorf("%w: %s", agent.ErrProjectPathMissing, path)
			}
			check("["+name+"]", err, path)
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Slack:")
	if err := cfg.ValidateSlack(); err != nil {
		check("tokens", err, "")
	} else {
		check("tokens", nil, "bot and app-level tokens set")
		if !offline {
			poster := slackbot.NewPoster(slack.New(cfg.Slack.BotToken), cfg.Slack.UpdateRate, cfg.Slack.UpdateBurst, nil)
			botID, err := poster.BotUserID(ctx)
			check("auth", err, "bot user "+botID)
		}
	}
	owner := cfg.Slack.OwnerUserID
	if owner == "" {
		owner = "(unset: every user is treated as owner)"
	}
	fmt.Fprintf(out, "  %-14s       %s\n", "owner", owner)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Session policy:")
	p := cfg.SessionPolicy()
	fmt.Fprintf(out, "  max messages   %d\n", p.MaxMessages)
	fmt.Fprintf(out, "  timeout        %s\n", p.Timeout())
	fmt.Fprintf(out, "  agent TTL      %s\n", cfg.Agent.SessionTTL.Duration)
	return problems
}
