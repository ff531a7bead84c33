package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ShayCichocki/weave/internal/composer"
	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/logging"
	"github.com/ShayCichocki/weave/internal/planner"
	"github.com/ShayCichocki/weave/internal/resource"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/internal/state"
)

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, run state.Run) error
}

var _ RunStore = (*state.DB)(nil)

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

// orchestratorOptions holds all optional configuration. Components left nil
// are built from Config by New.
type orchestratorOptions struct {
	logger     *slog.Logger
	now        func() time.Time
	planner    *planner.Planner
	failures   *failure.Manager
	scheduler  *resource.Scheduler
	composer   *composer.Composer
	store      RunStore
	sharedOpts []shared.Option
}

// WithLogger sets the logger used by the orchestrator and the components
// it builds.
func WithLogger(l *slog.Logger) Option {
	return func(o *orchestratorOptions) { o.logger = logging.OrNop(l) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) { o.now = now }
}

// WithPlanner sets the execution planner.
func WithPlanner(p *planner.Planner) Option {
	return func(o *orchestratorOptions) { o.planner = p }
}

// WithFailureManager sets the failure manager. It must be built over the
// same graph as the orchestrator.
func WithFailureManager(m *failure.Manager) Option {
	return func(o *orchestratorOptions) { o.failures = m }
}

// WithScheduler sets the resource scheduler.
func WithScheduler(s *resource.Scheduler) Option {
	return func(o *orchestratorOptions) { o.scheduler = s }
}

// WithComposer sets the dynamic composer. It must be built over the same
// registry and graph as the orchestrator.
func WithComposer(c *composer.Composer) Option {
	return func(o *orchestratorOptions) { o.composer = c }
}

// WithStore persists every finished run.
func WithStore(s RunStore) Option {
	return func(o *orchestratorOptions) { o.store = s }
}

// WithSharedOptions adds options for the shared context Run creates.
func WithSharedOptions(opts ...shared.Option) Option {
	return func(o *orchestratorOptions) { o.sharedOpts = append(o.sharedOpts, opts...) }
}
