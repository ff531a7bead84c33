package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weave/internal/config"
	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/internal/orchestrator"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/internal/state"
	"github.com/ShayCichocki/weave/internal/telemetry"
	"github.com/ShayCichocki/weave/internal/tui"
	"github.com/ShayCichocki/weave/internal/version"
)

// errRunFailed is returned when the run finished with failed agents.
var errRunFailed = errors.New("pipeline run failed")

type runFlags struct {
	query       string
	strategy    string
	metricsAddr string
	timeout     time.Duration
	tui         bool
	jsonOut     bool
	noHistory   bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run a pipeline",
		Long: `Run the agents of a pipeline definition.

The run goes through discovery, planning, allocation, execution and
cleanup. Agents in the same stage run in parallel when the strategy allows
it. Failed agents are retried, degraded, replaced by fallbacks or hot
swapped according to the failure strategy.

Strategies (--strategy): sequential, parallel_batched, priority_first,
adaptive (default).

The exit status is non-zero when any agent failed permanently.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, f, args[0])
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.query, "query", "q", "", "Query passed to every agent (default: the pipeline description)")
	fl.StringVarP(&f.strategy, "strategy", "s", "", "Planning strategy, overriding config and pipeline")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	fl.DurationVar(&f.timeout, "timeout", 0, "Pipeline timeout, overriding config")
	fl.BoolVar(&f.tui, "tui", false, "Show the live terminal view")
	fl.BoolVar(&f.jsonOut, "json", false, "Print the results as JSON")
	fl.BoolVar(&f.noHistory, "no-history", false, "Do not record the run in the history database")
	return cmd
}

func runPipeline(cmd *cobra.Command, g *globalFlags, f *runFlags, path string) error {
	cfg, err := g.loadConfig()
	if err != nil {
		return err
	}
	if err := f.apply(cfg); err != nil {
		return err
	}

	lg, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer lg.Close()
	logger := lg.Logger
	if f.tui && cfg.Log.File == "" {
		// stderr output would corrupt the alt screen.
		logger = logging.Nop()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, version.Get())
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	var opts []orchestrator.Option
	if !f.noHistory {
		db, err := openHistory(cfg, logger)
		if err != nil {
			logger.Warn("run history disabled", "error", err)
		} else {
			defer db.Close()
			opts = append(opts, orchestrator.WithStore(db))
		}
	}

	eng, err := newEngine(cfg, path, logger, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	var counters *telemetry.RunCounters
	if addr := cfg.Telemetry.MetricsAddr; addr != "" {
		reg, c := telemetry.NewRegistry(eng.orch)
		counters = c
		go func() {
			if err := telemetry.Serve(ctx, addr, reg, logger); err != nil {
				logger.Error("metrics endpoint", "addr", addr, "error", err)
			}
		}()
	}
	if cfg.Composer.Watch && cfg.Composer.ManifestDir != "" {
		go func() {
			if err := eng.composer.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("manifest watch stopped", "dir", cfg.Composer.ManifestDir, "error", err)
			}
		}()
	}

	query := f.query
	if query == "" {
		query = eng.def.Description
	}
	sc := eng.orch.NewContext(query)

	out := cmd.OutOrStdout()
	var res *orchestrator.Results
	if f.tui {
		res, err = runWithTUI(ctx, eng, sc)
	} else {
		var w io.Writer = out
		if f.jsonOut {
			w = io.Discard
		}
		res, err = runHeadless(ctx, w, eng, sc)
	}
	if res == nil {
		return err
	}
	if counters != nil {
		counters.ObserveRun(res.Success, recoveryCounts(res))
	}

	if f.jsonOut {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if jerr := enc.Encode(res); jerr != nil {
			return jerr
		}
	} else {
		printResults(out, res)
	}

	if err != nil {
		return err
	}
	if !res.Success {
		return errRunFailed
	}
	return nil
}

func (f *runFlags) apply(cfg *config.Config) error {
	if f.strategy != "" {
		s := planner.Strategy(f.strategy)
		if !s.Valid() {
			return fmt.Errorf("unknown strategy %q", f.strategy)
		}
		cfg.Execution.Strategy = s
	}
	if f.timeout > 0 {
		cfg.Execution.PipelineTimeout = f.timeout
	}
	if f.metricsAddr != "" {
		cfg.Telemetry.MetricsAddr = f.metricsAddr
	}
	return nil
}

// openHistory opens the run history and purges expired runs.
func openHistory(cfg *config.Config, logger *slog.Logger) (*state.DB, error) {
	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.State.Retention > 0 {
		n, err := db.PurgeOldRuns(cfg.State.Retention)
		if err != nil {
			logger.Warn("purge old runs", "error", err)
		} else if n > 0 {
			logger.Debug("purged old runs", "count", n)
		}
	}
	return db, nil
}

// runHeadless runs the pipeline and prints events as they arrive.
func runHeadless(ctx context.Context, w io.Writer, eng *engine, sc *shared.Context) (*orchestrator.Results, error) {
	events := eng.orch.Events()
	done := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				printEvent(w, ev)
			case <-done:
				for {
					select {
					case ev, ok := <-events:
						if !ok {
							return
						}
						printEvent(w, ev)
					default:
						return
					}
				}
			}
		}
	}()

	res, err := eng.orch.ExecutePipeline(ctx, sc)
	close(done)
	<-printed
	return res, err
}

// runWithTUI runs the pipeline behind the live terminal view. Quitting the
// view stops the run after its current stage.
func runWithTUI(ctx context.Context, eng *engine, sc *shared.Context) (*orchestrator.Results, error) {
	program, _ := tui.NewRunProgram(eng.orch.Events(), eng.orch, eng.graph.IDs()...)

	type outcome struct {
		res *orchestrator.Results
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := eng.orch.ExecutePipeline(ctx, sc)
		done <- outcome{res, err}
		program.Send(tui.DoneMsg{Results: res, Err: err})
	}()

	if _, err := program.Run(); err != nil {
		eng.orch.Stop()
		<-done
		return nil, fmt.Errorf("tui: %w", err)
	}
	o := <-done
	return o.res, o.err
}

func recoveryCounts(res *orchestrator.Results) map[string]int {
	out := make(map[string]int)
	for _, a := range res.RecoveryActions {
		out[a.Action]++
	}
	return out
}
