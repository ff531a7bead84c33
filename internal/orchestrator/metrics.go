package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	tracer = otel.Tracer("weave.orchestrator")
	meter  = otel.Meter("weave.orchestrator")
)

// instruments holds the orchestrator's OTEL instruments. Any of them may be
// nil when creation failed; every recorder checks.
type instruments struct {
	once            sync.Once
	agentLatency    metric.Float64Histogram
	agentSuccesses  metric.Int64Counter
	agentFailures   metric.Int64Counter
	agentRetries    metric.Int64Counter
	activeAgents    metric.Int64UpDownCounter
	recoveries      metric.Int64Counter
	pipelineLatency metric.Float64Histogram
}

// init lazily creates the instruments. Failures are logged once and the
// orchestrator keeps running without the affected instruments.
func (m *instruments) init(logger *slog.Logger) {
	m.once.Do(func() {
		var initErrors []string
		var err error

		m.agentLatency, err = meter.Float64Histogram("weave_agent_duration_seconds",
			metric.WithDescription("Time spent executing each agent attempt"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "agent_latency: "+err.Error())
		}

		m.agentSuccesses, err = meter.Int64Counter("weave_agent_success_total",
			metric.WithDescription("Number of successful agent executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "agent_successes: "+err.Error())
		}

		m.agentFailures, err = meter.Int64Counter("weave_agent_failure_total",
			metric.WithDescription("Number of failed agent attempts"),
		)
		if err != nil {
			initErrors = append(initErrors, "agent_failures: "+err.Error())
		}

		m.agentRetries, err = meter.Int64Counter("weave_agent_retry_total",
			metric.WithDescription("Number of agent retries"),
		)
		if err != nil {
			initErrors = append(initErrors, "agent_retries: "+err.Error())
		}

		m.activeAgents, err = meter.Int64UpDownCounter("weave_active_agents",
			metric.WithDescription("Number of currently executing agents"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_agents: "+err.Error())
		}

		m.recoveries, err = meter.Int64Counter("weave_recovery_total",
			metric.WithDescription("Number of recovery actions taken"),
		)
		if err != nil {
			initErrors = append(initErrors, "recoveries: "+err.Error())
		}

		m.pipelineLatency, err = meter.Float64Histogram("weave_pipeline_duration_seconds",
			metric.WithDescription("Total pipeline execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "pipeline_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("failed to initialize some orchestrator metrics",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

func (m *instruments) agentDone(ctx context.Context, agentID string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("agent", agentID))
	if m.agentLatency != nil {
		m.agentLatency.Record(ctx, d.Seconds(), attrs)
	}
	if err == nil {
		if m.agentSuccesses != nil {
			m.agentSuccesses.Add(ctx, 1, attrs)
		}
		return
	}
	if m.agentFailures != nil {
		m.agentFailures.Add(ctx, 1, attrs)
	}
}

func (m *instruments) active(ctx context.Context, delta int64) {
	if m.activeAgents != nil {
		m.activeAgents.Add(ctx, delta)
	}
}

func (m *instruments) retry(ctx context.Context, agentID string) {
	if m.agentRetries != nil {
		m.agentRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentID)))
	}
}

func (m *instruments) recovery(ctx context.Context, action string) {
	if m.recoveries != nil {
		m.recoveries.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

func (m *instruments) pipeline(ctx context.Context, d time.Duration, success bool) {
	if m.pipelineLatency != nil {
		m.pipelineLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", success)))
	}
}
