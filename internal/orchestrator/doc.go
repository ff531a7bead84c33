// Package orchestrator runs an agent pipeline end to end.
//
// A run moves through five phases:
//   - Discovery: the composer refreshes known agents and applies
//     composition rules (optional)
//   - Planning: the graph is validated and the planner builds a staged plan
//   - Allocation: resource feasibility is checked and the scheduler loop
//     is started
//   - Execution: stages run in order, members of a parallel stage run
//     concurrently, every agent goes through the execution wrapper
//   - Cleanup: resources are released and the run summary is persisted
//
// The execution wrapper gates each agent on its dependencies, enforces a
// single in-flight execution per node, consults the failure manager's
// circuit breaker, waits for resources, applies the per-agent timeout and
// then retries, degrades, substitutes, hot swaps or isolates the agent
// according to the failure manager's decision.
//
// Example usage:
//
//	orch, err := orchestrator.New(reg, g, orchestrator.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	sc, err := orch.Run(ctx, "summarize the quarterly report")
package orchestrator
