package main

import (
	"fmt"
	"log/slog"

	"github.com/ShayCichocki/weave/internal/agent"
	"github.com/ShayCichocki/weave/internal/composer"
	"github.com/ShayCichocki/weave/internal/config"
	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/graph"
	"github.com/ShayCichocki/weave/internal/orchestrator"
	"github.com/ShayCichocki/weave/internal/pipeline"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/resource"
)

// engine is every component of one pipeline run, wired from config and a
// pipeline definition.
type engine struct {
	def      *pipeline.Definition
	registry *agent.Registry
	graph    *graph.DependencyGraph
	planner  *planner.Planner
	failures *failure.Manager
	sched    *resource.Scheduler
	composer *composer.Composer
	orch     *orchestrator.Orchestrator
}

// newRegistry returns a registry with the built-in kinds and claude.
func newRegistry(cfg *config.Config) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	if err := agent.RegisterBuiltins(reg); err != nil {
		return nil, err
	}
	if err := agent.RegisterClaude(reg, cfg.Claude()); err != nil {
		return nil, err
	}
	return reg, nil
}

// loadDefinition reads a pipeline file and builds its graph.
func loadDefinition(cfg *config.Config, path string) (*pipeline.Definition, *agent.Registry, *graph.DependencyGraph, error) {
	def, err := pipeline.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	g, err := def.Build(reg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build %s: %w", path, err)
	}
	return def, reg, g, nil
}

// newEngine wires the orchestrator and its components. opts are appended
// to the orchestrator options.
func newEngine(cfg *config.Config, path string, logger *slog.Logger, opts ...orchestrator.Option) (*engine, error) {
	def, reg, g, err := loadDefinition(cfg, path)
	if err != nil {
		return nil, err
	}
	g.SetLogger(logger)

	oc := cfg.Orchestrator()
	if def.Strategy != "" {
		oc.Strategy = def.Strategy
	}

	fm := failure.New(cfg.FailureManager(), g, failure.WithLogger(logger))
	def.Apply(fm)

	sched, err := resource.New(cfg.Scheduler(), resource.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("resource scheduler: %w", err)
	}

	discoverers := []composer.Discoverer{composer.NewRegistryDiscoverer(reg)}
	if dir := cfg.Composer.ManifestDir; dir != "" {
		discoverers = append(discoverers, composer.NewManifestDiscoverer(dir, logger))
	}
	comp := composer.New(reg, g, discoverers,
		composer.WithLogger(logger),
		composer.WithFailureHistory(fm),
		composer.WithRules(cfg.Rules()...),
	)

	pl := planner.New(cfg.Planner(), planner.WithLogger(logger))

	all := append([]orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithPlanner(pl),
		orchestrator.WithFailureManager(fm),
		orchestrator.WithScheduler(sched),
		orchestrator.WithComposer(comp),
	}, opts...)
	orch, err := orchestrator.New(reg, g, oc, all...)
	if err != nil {
		sched.Close()
		return nil, err
	}

	return &engine{
		def:      def,
		registry: reg,
		graph:    g,
		planner:  pl,
		failures: fm,
		sched:    sched,
		composer: comp,
		orch:     orch,
	}, nil
}

// Close releases the orchestrator, which closes the scheduler.
func (e *engine) Close() {
	e.orch.Close()
}
