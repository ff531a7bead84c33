package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/config"
	"github.com/ShayCichocki/weave/internal/pipeline"
)

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pipeline.yaml>",
		Short: "Check a pipeline definition",
		Long: `Parse and validate a pipeline definition: agent ids, kinds, dependency
references and conditions, fallback chains, and the dependency graph
(cycles, dangling edges, unreachable agents).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}

			def, err := pipeline.Load(args[0])
			if err != nil {
				printStatus(out, "✗", "cannot read pipeline", failColor)
				return err
			}
			if err := def.Validate(); err != nil {
				for _, e := range unjoin(err) {
					printStatus(out, "✗", e.Error(), failColor)
				}
				return fmt.Errorf("%s: %w", args[0], pipeline.ErrInvalid)
			}
			printStatus(out, "✓", fmt.Sprintf("definition ok: %d agents, %d standby", len(def.Agents), len(def.Standby)), okColor)
			if usesKind(def, agent.KindClaude) {
				// Missing credentials only fail at run time.
				if desc, err := config.CheckClaudeCredentials(cfg); err != nil {
					printStatus(out, "!", fmt.Sprintf("claude credentials: %s: %v", desc, err), warnColor)
				} else {
					printStatus(out, "✓", "claude credentials: "+desc, okColor)
				}
			}

			reg, err := newRegistry(cfg)
			if err != nil {
				return err
			}
			dg, err := def.Build(reg)
			if err != nil {
				printStatus(out, "✗", err.Error(), failColor)
				return err
			}
			report, err := dg.Validate()
			printIssues(out, report)
			if err != nil {
				return err
			}
			printStatus(out, "✓", fmt.Sprintf("graph ok: %d nodes, %d edges", dg.Len(), len(dg.Edges())), okColor)
			return nil
		},
	}
}

func usesKind(def *pipeline.Definition, kind string) bool {
	for _, specs := range [][]pipeline.AgentSpec{def.Agents, def.Standby} {
		for _, a := range specs {
			if a.Kind == kind {
				return true
			}
		}
	}
	return false
}

// unjoin splits an errors.Join result into its members.
func unjoin(err error) []error {
	var j interface{ Unwrap() []error }
	if errors.As(err, &j) {
		return j.Unwrap()
	}
	return []error{err}
}
