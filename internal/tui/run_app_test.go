package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/weave/internal/orchestrator"
)

type fakeController struct {
	pauses, resumes, stops int
}

func (f *fakeController) Pause()  { f.pauses++ }
func (f *fakeController) Resume() { f.resumes++ }
func (f *fakeController) Stop()   { f.stops++ }

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestRunAppConsumesEvents(t *testing.T) {
	ch := make(chan orchestrator.Event, 4)
	app := NewRunApp(ch, nil, "A")

	ch <- orchestrator.Event{Type: orchestrator.EventAgentStarted, AgentID: "A", Attempt: 1}
	msg := waitForEvent(ch)()
	ev, ok := msg.(EventMsg)
	if !ok {
		t.Fatalf("expected EventMsg, got %T", msg)
	}
	_, cmd := app.Update(ev)
	if cmd == nil {
		t.Fatal("expected a command waiting for the next event")
	}
	if r, _ := app.State().Row("A"); r.Status != AgentRunning {
		t.Errorf("A status = %q, want running", r.Status)
	}

	close(ch)
	if _, ok := cmd().(eventsClosedMsg); !ok {
		t.Error("closed channel should produce eventsClosedMsg")
	}
}

func TestRunAppPauseResumeStop(t *testing.T) {
	ctrl := &fakeController{}
	app := NewRunApp(nil, ctrl, "A")

	app.Update(runes("p"))
	if !app.State().Paused || ctrl.pauses != 1 {
		t.Fatalf("after p: paused = %v, pauses = %d", app.State().Paused, ctrl.pauses)
	}
	if !strings.Contains(app.View(), "PAUSED") {
		t.Error("view should show the paused badge")
	}

	app.Update(runes("p"))
	if app.State().Paused || ctrl.resumes != 1 {
		t.Fatalf("after second p: paused = %v, resumes = %d", app.State().Paused, ctrl.resumes)
	}

	app.Update(runes("s"))
	if ctrl.stops != 1 {
		t.Errorf("stops = %d, want 1", ctrl.stops)
	}
}

func TestRunAppQuit(t *testing.T) {
	tests := []struct {
		name      string
		msg       tea.KeyMsg
		finished  bool
		wantStops int
	}{
		{"q while running stops the run", runes("q"), false, 1},
		{"ctrl+c while running stops the run", tea.KeyMsg{Type: tea.KeyCtrlC}, false, 1},
		{"q after done", runes("q"), true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			app := NewRunApp(nil, ctrl)
			if tt.finished {
				app.Update(DoneMsg{})
			}
			_, cmd := app.Update(tt.msg)
			if cmd == nil {
				t.Fatal("expected quit command")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Error("expected tea.QuitMsg")
			}
			if ctrl.stops != tt.wantStops {
				t.Errorf("stops = %d, want %d", ctrl.stops, tt.wantStops)
			}
			if app.View() != "Run view closed.\n" {
				t.Errorf("unexpected view after quit: %q", app.View())
			}
		})
	}
}

func TestRunAppView(t *testing.T) {
	app := NewRunApp(nil, nil, "A", "B", "C", "D")
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	for _, ev := range diamondEvents() {
		app.Update(EventMsg{Event: ev})
	}

	view := app.View()
	for _, want := range []string{"weave run r1", "summarize", "parallel_batched: 3 stages", "3 of 3", "degraded", "Agents", "Activity", "pause/resume"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}

	res := &orchestrator.Results{
		Success:    true,
		Successful: []string{"A", "C", "D"},
		Failed:     []string{"B"},
		StartedAt:  at(0),
		FinishedAt: at(7),
	}
	app.Update(DoneMsg{Results: res})
	view = app.View()
	if !strings.Contains(view, "3 succeeded, 1 failed (75%) in 7s") {
		t.Errorf("view missing summary:\n%s", view)
	}
	got, err := app.Results()
	if got != res || err != nil {
		t.Errorf("Results() = %v, %v", got, err)
	}
}

func TestRunAppDoneWithError(t *testing.T) {
	app := NewRunApp(nil, nil)
	app.Update(DoneMsg{Err: errors.New("pipeline timed out")})
	if !strings.Contains(app.View(), "Run failed: pipeline timed out") {
		t.Errorf("view should show the run error:\n%s", app.View())
	}
	// Spinner ticks stop once the run is done.
	if _, cmd := app.Update(app.spinner.Tick()); cmd != nil {
		t.Error("spinner should stop ticking after done")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"much-too-long-agent-id", 10, "much-to..."},
		{"abc", 2, "ab"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
