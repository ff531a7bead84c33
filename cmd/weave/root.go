package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weave/internal/config"
	"github.com/ShayCichocki/weave/internal/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string
	noColor    bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "weave",
		Short: "Agent dependency orchestration engine",
		Long: `weave runs pipelines of cooperating agents described in YAML.

It builds the dependency graph of the agents, plans stages that may run in
parallel, allocates shared resources, and recovers from agent failures with
retries, circuit breakers, fallbacks, hot swaps and checkpoint rollback.

Configuration is read from ~/.config/weave/config.yaml, then weave.yaml in
the working directory or a parent, then WEAVE_* environment variables.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.noColor {
				color.NoColor = true
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Config file (default: weave.yaml or ~/.config/weave/config.yaml)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&g.logFile, "log-file", "", "Write logs to this file instead of stderr")
	pf.BoolVar(&g.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newRunCmd(g),
		newPlanCmd(g),
		newValidateCmd(g),
		newStatusCmd(g),
		newVersionCmd(),
	)
	return root
}

// loadConfig loads configuration and applies the logging flags.
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	if g.logFile != "" {
		cfg.Log.File = g.logFile
	}
	return cfg, nil
}

// newLogger builds the process logger. Log output goes to stderr unless a
// file is configured, so command output on stdout stays parseable.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	opts := cfg.Logging()
	opts.Writer = os.Stderr
	return logging.New(opts)
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
