package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/shared"
)

func newPlanCmd(g *globalFlags) *cobra.Command {
	var (
		strategy string
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "plan <pipeline.yaml>",
		Short: "Show the execution plan without running it",
		Long: `Build the dependency graph and execution plan of a pipeline and print
the stages, the parallelism and the estimated duration. No agent runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			def, _, dg, err := loadDefinition(cfg, args[0])
			if err != nil {
				return err
			}
			report, err := dg.Validate()
			if err != nil {
				printIssues(cmd.ErrOrStderr(), report)
				return err
			}

			s := cfg.Execution.Strategy
			if def.Strategy != "" {
				s = def.Strategy
			}
			if strategy != "" {
				s = planner.Strategy(strategy)
			}
			plan, err := planner.New(cfg.Planner()).Plan(dg, shared.New("", ""), s)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(planView(plan))
			}
			printIssues(out, report)
			printPlan(out, def.Name, plan)
			return nil
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "Planning strategy, overriding config and pipeline")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the plan as JSON")
	return cmd
}

type stageView struct {
	Index     int               `json:"index"`
	Kind      planner.StageKind `json:"kind"`
	Agents    []string          `json:"agents"`
	Estimated time.Duration     `json:"estimated"`
}

type planJSON struct {
	planner.Summary
	Stages   []stageView `json:"stage_list"`
	Fallback []stageView `json:"fallback_stages,omitempty"`
}

func stageViews(p *planner.Plan) []stageView {
	out := make([]stageView, len(p.Stages))
	for i, s := range p.Stages {
		out[i] = stageView{Index: s.Index, Kind: s.Kind, Agents: s.Agents, Estimated: s.Estimated}
	}
	return out
}

func planView(p *planner.Plan) planJSON {
	v := planJSON{Summary: p.Summary(), Stages: stageViews(p)}
	if p.Fallback != nil {
		v.Fallback = stageViews(p.Fallback)
	}
	return v
}

func printPlan(w io.Writer, name string, p *planner.Plan) {
	title := "Plan"
	if name != "" {
		title += " for " + name
	}
	headColor.Fprintln(w, title)
	strategy := string(p.Strategy)
	if p.Requested != "" && p.Requested != p.Strategy {
		strategy = fmt.Sprintf("%s (chosen by %s)", p.Strategy, p.Requested)
	}
	fmt.Fprintf(w, "  Strategy:    %s\n", strategy)
	fmt.Fprintf(w, "  Stages:      %d\n", len(p.Stages))
	fmt.Fprintf(w, "  Parallelism: %.2f agents per stage\n", p.ParallelismFactor)
	fmt.Fprintf(w, "  Estimated:   %s\n", p.EstimatedTotal)
	for _, s := range p.Stages {
		fmt.Fprintf(w, "  %s %-10s %s %s\n",
			headColor.Sprintf("%2d", s.Index), s.Kind, strings.Join(s.Agents, ", "), dimColor.Sprint(s.Estimated))
	}
	if p.Fallback != nil {
		fmt.Fprintf(w, "  Fallback plan: %s, %d stages\n", p.Fallback.Strategy, len(p.Fallback.Stages))
	}
}

func printIssues(w io.Writer, r graph.Report) {
	for _, i := range r.Errors() {
		printStatus(w, "✗", i.String(), failColor)
	}
	for _, i := range r.Warnings() {
		printStatus(w, "⚠", i.String(), warnColor)
	}
}
