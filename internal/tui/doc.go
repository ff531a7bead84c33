// Package tui provides the live terminal view of a weave run.
//
// The view is fed by the orchestrator event stream and shows the current
// phase and stage, a progress bar over settled agents, one row per agent
// and a short activity log. Keys: p pauses or resumes before the next stage,
// s stops after the running stage, q quits.
//
// Usage:
//
//	program, _ := tui.NewRunProgram(orch.Events(), orch, graph.IDs()...)
//	go func() {
//		res, err := orch.ExecutePipeline(ctx, sc)
//		program.Send(tui.DoneMsg{Results: res, Err: err})
//	}()
//	if _, err := program.Run(); err != nil {
//		return err
//	}
package tui
