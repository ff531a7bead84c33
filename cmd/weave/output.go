package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/weave/internal/orchestrator"
	"github.com/ShayCichocki/weave/pkg/models"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	failColor = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
	headColor = color.New(color.Bold)
)

func printStatus(w io.Writer, symbol, message string, c *color.Color) {
	fmt.Fprintf(w, "%s %s\n", c.Sprint(symbol), message)
}

// printEvent prints the events worth a line in headless mode.
func printEvent(w io.Writer, ev orchestrator.Event) {
	ts := dimColor.Sprint(ev.Timestamp.Format("15:04:05"))
	detail := ev.Message
	if ev.Error != nil {
		if detail != "" {
			detail += ": "
		}
		detail += ev.Error.Error()
	}

	var line string
	switch ev.Type {
	case orchestrator.EventRunStarted:
		line = headColor.Sprintf("run %s", ev.RunID)
	case orchestrator.EventPlanReady:
		line = "plan " + ev.Message
	case orchestrator.EventStageStarted:
		line = headColor.Sprintf("stage %d", ev.Stage) + " " + ev.Message
	case orchestrator.EventStageFailed:
		line = failColor.Sprintf("stage %d failed", ev.Stage) + " " + detail
	case orchestrator.EventAgentCompleted:
		line = okColor.Sprint("✓ ") + ev.AgentID
		if ev.Duration > 0 {
			line += dimColor.Sprintf(" %s", ev.Duration.Round(time.Millisecond))
		}
		if ev.Message != "" {
			line += dimColor.Sprint(" " + ev.Message)
		}
	case orchestrator.EventAgentRetrying:
		line = warnColor.Sprint("↻ ") + fmt.Sprintf("%s attempt %d: %s", ev.AgentID, ev.Attempt, detail)
	case orchestrator.EventAgentDegraded:
		line = warnColor.Sprint("⚠ ") + ev.AgentID + " degraded: " + detail
	case orchestrator.EventAgentSkipped:
		line = dimColor.Sprint("- ") + ev.AgentID + " skipped: " + detail
	case orchestrator.EventAgentFailed:
		line = failColor.Sprint("✗ ") + ev.AgentID + ": " + detail
	case orchestrator.EventAgentSwapped:
		line = warnColor.Sprint("⇄ ") + "hot swap " + ev.Message
	case orchestrator.EventRecovery:
		line = warnColor.Sprint("recovery ") + ev.Message
	default:
		return
	}
	fmt.Fprintf(w, "%s %s\n", ts, line)
}

// printResults prints the run summary.
func printResults(w io.Writer, res *orchestrator.Results) {
	fmt.Fprintln(w)
	headColor.Fprintf(w, "Run %s\n", res.RunID)
	fmt.Fprintf(w, "  Plan:      %s, %d stages (parallelism %.2f)\n", res.Plan.Strategy, res.Plan.Stages, res.Plan.ParallelismFactor)
	fmt.Fprintf(w, "  Duration:  %s\n", res.Duration().Round(time.Millisecond))
	fmt.Fprintf(w, "  Tokens:    %d in, %d out\n", res.Tokens.Input, res.Tokens.Output)
	fmt.Fprintf(w, "  Succeeded: %s\n", joinOrNone(res.Successful))
	fmt.Fprintf(w, "  Failed:    %s\n", joinOrNone(res.Failed))
	fmt.Fprintf(w, "  Success:   %.0f%%\n", res.SuccessRate()*100)

	if len(res.RecoveryActions) > 0 {
		fmt.Fprintln(w, "  Recovery:")
		for _, a := range res.RecoveryActions {
			target := a.Agent
			if target == "" {
				target = fmt.Sprintf("stage %d", a.Stage)
			}
			fmt.Fprintf(w, "    %s %s %s\n", warnColor.Sprint(a.Action), target, dimColor.Sprint(a.Detail))
		}
	}
	for _, s := range res.Swaps {
		fmt.Fprintf(w, "  Swap:      %s -> %s (%s)\n", s.OldID, s.NewID, s.Reason)
	}

	if res.Error != "" {
		printStatus(w, "✗", res.Error, failColor)
	} else if res.Success {
		printStatus(w, "✓", "pipeline succeeded", okColor)
	} else {
		printStatus(w, "✗", "pipeline finished with failed agents", failColor)
	}
}

func statusColor(s models.AgentStatus) *color.Color {
	switch s {
	case models.AgentStatusDone:
		return okColor
	case models.AgentStatusDegraded, models.AgentStatusRetrying:
		return warnColor
	case models.AgentStatusFailed:
		return failColor
	}
	return dimColor
}

func joinOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ", ")
}
