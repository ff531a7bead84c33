package failure

import (
	"math"
	"time"
)

// Impact describes how far a failure reaches into the graph.
type Impact struct {
	Agent string `json:"agent"`
	// Direct are the one-hop dependents over ordering edges.
	Direct     []string `json:"direct"`
	Transitive []string `json:"transitive"`
	// Critical is set when more than two agents depend on the failed one.
	Critical bool `json:"critical"`
	// EstimatedDelay sums the timeouts of every affected agent.
	EstimatedDelay time.Duration `json:"estimated_delay"`
	AffectedRatio  float64       `json:"affected_ratio"`
	// FailingDependencies are upstream agents that failed inside the
	// configured window.
	FailingDependencies []string `json:"failing_dependencies,omitempty"`
	Severity            float64  `json:"severity"`
}

// criticalDependents is the dependent count above which an agent is
// critical.
const criticalDependents = 2

func (m *Manager) analyze(agentID string, now time.Time) Impact {
	imp := Impact{Agent: agentID}
	if m.graph == nil {
		return imp
	}
	imp.Direct = m.graph.Dependents(agentID)
	imp.Transitive = m.graph.TransitiveDependents(agentID)
	imp.Critical = len(imp.Transitive) > criticalDependents

	for _, id := range imp.Transitive {
		if n, ok := m.graph.Node(id); ok {
			imp.EstimatedDelay += n.Timeout
		}
	}
	if others := m.graph.Len() - 1; others > 0 {
		imp.AffectedRatio = float64(len(imp.Transitive)) / float64(others)
	}

	cutoff := now.Add(-m.cfg.FailingWindow)
	m.mu.Lock()
	for _, dep := range m.graph.Dependencies(agentID) {
		recs := m.byAgent[dep]
		if len(recs) > 0 && !recs[len(recs)-1].Time.Before(cutoff) {
			imp.FailingDependencies = append(imp.FailingDependencies, dep)
		}
	}
	m.mu.Unlock()

	imp.Severity = severity(imp, m.cfg.DelayNorm)
	return imp
}

// severity blends the affected ratio, criticality and delay into [0,1],
// plus a fixed bump when an upstream agent is failing too.
func severity(imp Impact, delayNorm time.Duration) float64 {
	s := 0.5 * imp.AffectedRatio
	if imp.Critical {
		s += 0.3
	}
	if delayNorm > 0 {
		s += 0.2 * math.Min(float64(imp.EstimatedDelay)/float64(delayNorm), 1)
	}
	if len(imp.FailingDependencies) > 0 {
		s += 0.1
	}
	return math.Min(s, 1)
}
