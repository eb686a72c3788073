package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/clackbot/clackbot/internal/agent"
	"github.com/clackbot/clackbot/internal/config"
	"github.com/spf13/cobra"
)

func projectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List the projects messages can address with [name]",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			resolver := agent.NewProjectResolver(cfg.ProjectPaths(), "")
			names := resolver.Names()
			if len(names) == 0 {
				fmt.Fprintln(out, "no projects configured; add [projects.<name>] with a path to the config file")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TAG\tPATH\tEXISTS\tCLAUDE.MD\tMEMORY")
			for _, name := range names {
				path, _ := resolver.Path(name)
				st := resolver.Status(path)
				fmt.Fprintf(tw, "[%s]\t%s\t%s\t%s\t%s\n", name, path, yesNo(st.PathExists), yesNo(st.HasInstructions), yesNo(st.HasMemory))
			}
			return tw.Flush()
		},
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
