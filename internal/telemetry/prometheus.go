package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/weave/internal/logging"
)

const namespace = "weave"

// PoolGauge is the scrape-time state of one resource pool.
type PoolGauge struct {
	Type      string
	Allocated float64
	Reserved  float64
	Limit     float64
	Queued    int
}

// Snapshot is the scrape-time state of an orchestrator.
type Snapshot struct {
	// AgentStatus maps agent id to its status in the current run.
	AgentStatus   map[string]string
	Pools         []PoolGauge
	OpenCircuits  int
	FailureRate   float64
	DroppedEvents uint64
	Stages        int
	StageCursor   int
}

// StatusSource produces snapshots. The orchestrator implements it.
type StatusSource interface {
	TelemetrySnapshot() Snapshot
}

// StatusCollector is a prometheus.Collector that reads a StatusSource on
// every scrape.
type StatusCollector struct {
	src StatusSource

	agents       *prometheus.Desc
	allocated    *prometheus.Desc
	reserved     *prometheus.Desc
	limit        *prometheus.Desc
	queued       *prometheus.Desc
	openCircuits *prometheus.Desc
	failureRate  *prometheus.Desc
	dropped      *prometheus.Desc
	progress     *prometheus.Desc
}

// NewStatusCollector returns a collector over src.
func NewStatusCollector(src StatusSource) *StatusCollector {
	return &StatusCollector{
		src: src,
		agents: prometheus.NewDesc(prometheus.BuildFQName(namespace, "agents", "by_status"),
			"Agents of the current run by status.", []string{"status"}, nil),
		allocated: prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "allocated"),
			"Capacity currently allocated.", []string{"pool"}, nil),
		reserved: prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "reserved"),
			"Capacity currently reserved.", []string{"pool"}, nil),
		limit: prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "limit"),
			"Capacity limit including oversubscription.", []string{"pool"}, nil),
		queued: prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", "queued_requests"),
			"Requests waiting for the pool.", []string{"pool"}, nil),
		openCircuits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "failure", "open_circuits"),
			"Agents whose circuit breaker is open.", nil, nil),
		failureRate: prometheus.NewDesc(prometheus.BuildFQName(namespace, "failure", "rate"),
			"Failure rate over the sliding window.", nil, nil),
		dropped: prometheus.NewDesc(prometheus.BuildFQName(namespace, "events", "dropped_total"),
			"Events dropped because no subscriber kept up.", nil, nil),
		progress: prometheus.NewDesc(prometheus.BuildFQName(namespace, "plan", "stage"),
			"Stage cursor and stage count of the current plan.", []string{"field"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.agents, c.allocated, c.reserved, c.limit, c.queued,
		c.openCircuits, c.failureRate, c.dropped, c.progress} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.TelemetrySnapshot()

	counts := make(map[string]int)
	for _, status := range s.AgentStatus {
		counts[status]++
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st)
	}
	sort.Strings(statuses)
	for _, st := range statuses {
		ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(counts[st]), st)
	}

	for _, p := range s.Pools {
		ch <- prometheus.MustNewConstMetric(c.allocated, prometheus.GaugeValue, p.Allocated, p.Type)
		ch <- prometheus.MustNewConstMetric(c.reserved, prometheus.GaugeValue, p.Reserved, p.Type)
		ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, p.Limit, p.Type)
		ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(p.Queued), p.Type)
	}
	ch <- prometheus.MustNewConstMetric(c.openCircuits, prometheus.GaugeValue, float64(s.OpenCircuits))
	ch <- prometheus.MustNewConstMetric(c.failureRate, prometheus.GaugeValue, s.FailureRate)
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(s.DroppedEvents))
	ch <- prometheus.MustNewConstMetric(c.progress, prometheus.GaugeValue, float64(s.StageCursor), "cursor")
	ch <- prometheus.MustNewConstMetric(c.progress, prometheus.GaugeValue, float64(s.Stages), "stages")
}

// RunCounters count finished runs and recovery actions.
type RunCounters struct {
	Runs     *prometheus.CounterVec
	Recovery *prometheus.CounterVec
}

// ObserveRun counts one finished run.
func (r *RunCounters) ObserveRun(success bool, recoveries map[string]int) {
	result := "failure"
	if success {
		result = "success"
	}
	r.Runs.WithLabelValues(result).Inc()
	for action, n := range recoveries {
		r.Recovery.WithLabelValues(action).Add(float64(n))
	}
}

// NewRegistry builds a registry with the Go and process collectors, a
// StatusCollector over src and the run counters.
func NewRegistry(src StatusSource) (*prometheus.Registry, *RunCounters) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewStatusCollector(src),
	)
	f := promauto.With(reg)
	counters := &RunCounters{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Finished pipeline runs by result.",
		}, []string{"result"}),
		Recovery: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "actions_total",
			Help:      "Recovery actions taken by action.",
		}, []string{"action"}),
	}
	return reg, counters
}

// Serve exposes reg on addr at /metrics until ctx is done.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	logger = logging.OrNop(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("telemetry: listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.Info("metrics endpoint listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("telemetry: serve: %w", err)
	}
}
