package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/clackbot/clackbot/internal/domain"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

func sessionsCmd() *cobra.Command {
	sessions := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage agent sessions",
	}

	var status string
	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List agent sessions, most recently active first",
		Args:  cobra.NoArgs,
		RunE: runWithEnv(func(ctx context.Context, e *env, _ []string) error {
			page, err := e.registry.ListSessions(ctx, domain.AgentSessionStatus(status), domain.Pagination{Limit: limit, Offset: offset}.Normalize(50))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tTHREAD\tMESSAGES\tLAST ACTIVE\tTASK")
			for _, s := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					s.ID, s.AgentType, s.Status, s.ThreadID, s.MessageCount,
					s.LastActiveAt.Local().Format(timeLayout), oneLine(s.TaskDescription, 60))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "%d of %d sessions\n", len(page.Items), page.Total)
			return nil
		}),
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (active, completed, failed, expired)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum sessions to show")
	list.Flags().IntVar(&offset, "offset", 0, "Sessions to skip")

	kill := &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Expire an active agent session",
		Args:  cobra.ExactArgs(1),
		RunE: runWithEnv(func(ctx context.Context, e *env, args []string) error {
			s, err := e.registry.Kill(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "session %s is now %s\n", s.ID, s.Status)
			return nil
		}),
	}

	sessions.AddCommand(list, kill)
	return sessions
}

func conversationsCmd() *cobra.Command {
	var search string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "conversations [thread-id]",
		Short: "List conversation threads, or print one thread",
		Args:  cobra.MaximumNArgs(1),
		RunE: runWithEnv(func(ctx context.Context, e *env, args []string) error {
			if len(args) == 1 {
				turns, err := e.repo.ListConversationTurns(ctx, args[0])
				if err != nil {
					return err
				}
				if len(turns) == 0 {
					return fmt.Errorf("no conversation for thread %s", args[0])
				}
				for _, t := range turns {
					fmt.Fprintf(e.out, "[%s] %s: %s\n", t.CreatedAt.Local().Format(timeLayout), t.UserID, t.InputText)
					if t.OutputText != nil {
						fmt.Fprintf(e.out, "  -> %s\n", *t.OutputText)
					} else {
						fmt.Fprintln(e.out, "  -> (failed)")
					}
					if len(t.ToolsUsed) > 0 {
						fmt.Fprintf(e.out, "  tools: %s\n", strings.Join(t.ToolsUsed, ", "))
					}
				}
				return nil
			}

			page, err := e.repo.ListConversationThreads(ctx, domain.Pagination{Limit: limit, Offset: offset}.Normalize(20), search)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "THREAD\tCHANNEL\tUSER\tMESSAGES\tLAST\tFIRST MESSAGE")
			for _, s := range page.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					s.ThreadID, s.ChannelID, s.UserID, s.MessageCount,
					s.LastAt.Local().Format(timeLayout), oneLine(s.FirstMessage, 60))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(e.out, "%d of %d threads\n", len(page.Items), page.Total)
			return nil
		}),
	}
	cmd.Flags().StringVar(&search, "search", "", "Only threads with a matching message")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum threads to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Threads to skip")
	return cmd
}

func activitiesCmd() *cobra.Command {
	var sessionID string
	var limit int

	cmd := &cobra.Command{
		Use:   "activities",
		Short: "Show recent agent activity",
		Args:  cobra.NoArgs,
		RunE: runWithEnv(func(ctx context.Context, e *env, _ []string) error {
			var activities []domain.AgentActivity
			if sessionID != "" {
				list, err := e.registry.ListActivitiesForSession(ctx, sessionID)
				if err != nil {
					return err
				}
				activities = list
			} else {
				page, err := e.registry.ListRecentActivities(ctx, domain.Pagination{Limit: limit}.Normalize(50))
				if err != nil {
					return err
				}
				activities = page.Items
			}

			tw := tabwriter.NewWriter(e.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tSESSION\tAGENT\tTYPE\tTOOL\tDETAIL")
			for _, a := range activities {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					a.CreatedAt.Local().Format(timeLayout), shortID(a.SessionID), a.AgentType,
					a.ActivityType, a.ToolName, oneLine(string(a.Detail), 60))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Only this session, oldest first")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum activities to show")
	return cmd
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

