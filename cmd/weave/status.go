package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weave/internal/state"
	"github.com/ShayCichocki/weave/pkg/models"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	var (
		limit   int
		agentID string
	)
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show recent runs from the history database",
		Long: `Without arguments, list the most recent runs. With a run id, show the
agents and failures of that run. With --agent, list the recent failures of
one agent across runs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			path := cfg.StatePath()
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintln(out, "No runs recorded yet. Run 'weave run <pipeline.yaml>' to start.")
				return nil
			}
			db, err := state.Open(path)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migrate history: %w", err)
			}

			ctx := cmd.Context()
			switch {
			case agentID != "":
				fails, err := db.AgentFailures(ctx, agentID, limit)
				if err != nil {
					return err
				}
				displayFailures(out, agentID, fails)
			case len(args) == 1:
				run, err := db.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				displayRun(out, *run)
			default:
				runs, err := db.ListRuns(ctx, limit)
				if err != nil {
					return err
				}
				displayRuns(out, runs)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs or failures to show")
	cmd.Flags().StringVar(&agentID, "agent", "", "Show recent failures of this agent")
	return cmd
}

func displayRuns(w io.Writer, runs []state.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded yet.")
		return
	}
	headColor.Fprintln(w, "Recent runs:")
	for _, r := range runs {
		result := okColor.Sprint("ok  ")
		if !r.Success {
			result = failColor.Sprint("fail")
		}
		fmt.Fprintf(w, "  %s %s  %-16s %3d stages %3d recoveries  %8s  %s\n",
			result, r.ID, r.Strategy, r.Stages, r.Recoveries,
			r.Duration().Round(time.Millisecond), formatAge(r.StartedAt))
	}
}

func displayRun(w io.Writer, r state.Run) {
	headColor.Fprintf(w, "Run %s\n", r.ID)
	if r.Query != "" {
		fmt.Fprintf(w, "  Query:    %s\n", r.Query)
	}
	fmt.Fprintf(w, "  Strategy: %s, %d stages\n", r.Strategy, r.Stages)
	fmt.Fprintf(w, "  Started:  %s (%s)\n", r.StartedAt.Local().Format(time.DateTime), formatAge(r.StartedAt))
	fmt.Fprintf(w, "  Duration: %s\n", r.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Tokens:   %d in, %d out\n", r.InputTokens, r.OutputTokens)
	if r.Success {
		fmt.Fprintf(w, "  Result:   %s\n", okColor.Sprint("success"))
	} else {
		fmt.Fprintf(w, "  Result:   %s %s\n", failColor.Sprint("failed"), r.Error)
	}

	if len(r.Agents) > 0 {
		fmt.Fprintln(w, "\n  Agents:")
		for _, a := range r.Agents {
			status := statusColor(models.AgentStatus(a.Status)).Sprintf("%-9s", a.Status)
			line := fmt.Sprintf("    %s %-20s attempts %d  %s", status, a.AgentID, a.Attempts, a.Duration.Round(time.Millisecond))
			if a.Action != "" {
				line += "  " + a.Action
			}
			if a.Error != "" {
				line += "  " + dimColor.Sprint(a.Error)
			}
			fmt.Fprintln(w, line)
		}
	}
	if len(r.Failures) > 0 {
		fmt.Fprintln(w, "\n  Failures:")
		for _, f := range r.Failures {
			fmt.Fprintf(w, "    %s %-20s %-20s attempt %d impact %.2f  %s\n",
				f.OccurredAt.Local().Format(time.TimeOnly), f.AgentID, f.Kind, f.Attempt, f.Impact, dimColor.Sprint(f.Message))
		}
	}
}

func displayFailures(w io.Writer, agentID string, fails []state.Failure) {
	if len(fails) == 0 {
		fmt.Fprintf(w, "No failures recorded for %s.\n", agentID)
		return
	}
	headColor.Fprintf(w, "Recent failures of %s:\n", agentID)
	for _, f := range fails {
		fmt.Fprintf(w, "  %s run %s  %-20s %-10s %s\n",
			formatAge(f.OccurredAt), f.RunID, f.Kind, f.Action, dimColor.Sprint(f.Message))
	}
}

// formatAge renders how long ago t was.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
