package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Severity of a validation issue.
type Severity string

const (
	// SeverityError issues make the graph unusable.
	SeverityError Severity = "error"
	// SeverityWarning issues are reported but do not block planning.
	SeverityWarning Severity = "warning"
)

// IssueKind names a class of validation issue.
type IssueKind string

const (
	// IssueDanglingEdge is an edge whose endpoint is not a node.
	IssueDanglingEdge IssueKind = "dangling_edge"
	// IssueCycle is a cycle among ordering edges.
	IssueCycle IssueKind = "cycle"
	// IssueExclusiveConflict is two nodes of one level claiming the same
	// exclusive resource.
	IssueExclusiveConflict IssueKind = "exclusive_conflict"
	// IssueIsolatedNode is a node with no edges in a multi-node graph.
	IssueIsolatedNode IssueKind = "isolated_node"
)

// Issue is one finding of Validate.
type Issue struct {
	Severity Severity
	Kind     IssueKind
	Message  string
	Nodes    []string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s [%s] %s", i.Severity, i.Kind, i.Message)
}

// Report collects validation issues.
type Report struct {
	Issues []Issue
}

// Valid returns true if the report has no error-severity issues.
func (r Report) Valid() bool {
	return len(r.Errors()) == 0
}

// Errors returns the error-severity issues.
func (r Report) Errors() []Issue {
	return r.filter(SeverityError)
}

// Warnings returns the warning-severity issues.
func (r Report) Warnings() []Issue {
	return r.filter(SeverityWarning)
}

func (r Report) filter(s Severity) []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if i.Severity == s {
			out = append(out, i)
		}
	}
	return out
}

// Validate checks the static graph (conditional edges inactive). The
// returned error is non-nil when any error-severity issue exists; for a
// cycle it is the *CycleError.
func (g *DependencyGraph) Validate() (Report, error) {
	var report Report

	g.mu.RLock()
	for _, e := range g.edges {
		var missing []string
		if _, ok := g.nodes[e.From]; !ok {
			missing = append(missing, e.From)
		}
		if _, ok := g.nodes[e.To]; !ok {
			missing = append(missing, e.To)
		}
		if len(missing) > 0 {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityError,
				Kind:     IssueDanglingEdge,
				Message:  fmt.Sprintf("edge %s references unknown node(s) %s", e, strings.Join(missing, ", ")),
				Nodes:    missing,
			})
		}
	}

	if len(g.nodes) > 1 {
		connected := make(map[string]bool, len(g.nodes))
		for _, e := range g.edges {
			connected[e.From] = true
			connected[e.To] = true
		}
		for _, id := range g.sortedIDsLocked() {
			if !connected[id] {
				report.Issues = append(report.Issues, Issue{
					Severity: SeverityWarning,
					Kind:     IssueIsolatedNode,
					Message:  fmt.Sprintf("agent %s has no dependencies and no dependents", id),
					Nodes:    []string{id},
				})
			}
		}
	}
	g.mu.RUnlock()

	levels, err := g.levels(nil)
	if err != nil {
		var cycleErr *CycleError
		if errors.As(err, &cycleErr) {
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityError,
				Kind:     IssueCycle,
				Message:  cycleErr.Error(),
				Nodes:    cycleErr.Cycle,
			})
		}
		return report, err
	}

	g.mu.RLock()
	for _, level := range levels {
		claims := make(map[string][]string)
		for _, id := range level {
			for _, res := range g.nodes[id].ExclusiveResources {
				claims[res] = append(claims[res], id)
			}
		}
		resources := make([]string, 0, len(claims))
		for res := range claims {
			resources = append(resources, res)
		}
		sort.Strings(resources)
		for _, res := range resources {
			holders := claims[res]
			if len(holders) < 2 {
				continue
			}
			report.Issues = append(report.Issues, Issue{
				Severity: SeverityWarning,
				Kind:     IssueExclusiveConflict,
				Message:  fmt.Sprintf("agents %s all claim exclusive resource %q and will be serialized", strings.Join(holders, ", "), res),
				Nodes:    holders,
			})
		}
	}
	g.mu.RUnlock()

	if !report.Valid() {
		return report, fmt.Errorf("graph validation failed: %s", report.Errors()[0].Message)
	}
	return report, nil
}
