package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/weave/internal/orchestrator"
)

// Controller is the part of the orchestrator the view drives.
type Controller interface {
	Pause()
	Resume()
	Stop()
}

var _ Controller = (*orchestrator.Orchestrator)(nil)

// EventMsg delivers one orchestrator event.
type EventMsg struct {
	Event orchestrator.Event
}

// DoneMsg is sent when ExecutePipeline returns.
type DoneMsg struct {
	Results *orchestrator.Results
	Err     error
}

// eventsClosedMsg signals the event channel was closed.
type eventsClosedMsg struct{}

type keyMap struct {
	Pause key.Binding
	Stop  key.Binding
	Quit  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Pause, k.Stop, k.Quit} }

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

func defaultKeys() keyMap {
	return keyMap{
		Pause: key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause/resume")),
		Stop:  key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "stop after stage")),
		Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// RunApp is the bubbletea model of the live run view. It is read-only
// apart from pause, stop and quit.
type RunApp struct {
	state  *RunState
	events <-chan orchestrator.Event
	ctrl   Controller

	keys     keyMap
	help     help.Model
	spinner  spinner.Model
	progress progress.Model

	width    int
	height   int
	quitting bool
	results  *orchestrator.Results
	err      error
	finished bool
}

// NewRunApp creates the run view. ids seeds the agent table; agents that
// only appear later, such as hot swap replacements, are appended.
func NewRunApp(events <-chan orchestrator.Event, ctrl Controller, ids ...string) *RunApp {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &RunApp{
		state:    NewRunState(ids...),
		events:   events,
		ctrl:     ctrl,
		keys:     defaultKeys(),
		help:     help.New(),
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
		width:    80,
	}
}

// NewRunProgram creates a bubbletea program for the run view.
func NewRunProgram(events <-chan orchestrator.Event, ctrl Controller, ids ...string) (*tea.Program, *RunApp) {
	app := NewRunApp(events, ctrl, ids...)
	return tea.NewProgram(app, tea.WithAltScreen()), app
}

// State returns the accumulated run state.
func (a *RunApp) State() *RunState { return a.state }

// Results returns the final results once DoneMsg arrived.
func (a *RunApp) Results() (*orchestrator.Results, error) { return a.results, a.err }

func waitForEvent(ch <-chan orchestrator.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// Init implements tea.Model.
func (a *RunApp) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, waitForEvent(a.events))
}

// Update implements tea.Model.
func (a *RunApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, a.keys.Quit):
			if !a.finished && a.ctrl != nil {
				a.ctrl.Stop()
			}
			a.quitting = true
			return a, tea.Quit
		case key.Matches(msg, a.keys.Pause):
			if a.finished || a.ctrl == nil {
				return a, nil
			}
			if a.state.Paused {
				a.ctrl.Resume()
			} else {
				a.ctrl.Pause()
			}
			a.state.Paused = !a.state.Paused
		case key.Matches(msg, a.keys.Stop):
			if !a.finished && a.ctrl != nil {
				a.ctrl.Stop()
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.help.Width = msg.Width
		if w := msg.Width - 20; w > 10 {
			a.progress.Width = min(w, 60)
		}

	case EventMsg:
		a.state.Apply(msg.Event)
		return a, waitForEvent(a.events)

	case eventsClosedMsg:
		a.events = nil

	case DoneMsg:
		a.finished = true
		a.results = msg.Results
		a.err = msg.Err
		a.state.Done = true

	case spinner.TickMsg:
		if a.finished {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}
	return a, nil
}

// View implements tea.Model.
func (a *RunApp) View() string {
	if a.quitting {
		return "Run view closed.\n"
	}
	s := a.state

	var b strings.Builder
	title := "weave run"
	if s.RunID != "" {
		title += " " + s.RunID
	}
	b.WriteString(titleStyle.Render(title))
	if s.Paused {
		b.WriteString("  ")
		b.WriteString(pausedStyle.Render("PAUSED"))
	}
	b.WriteString("\n\n")

	a.field(&b, "Query:", s.Query)
	phase := string(s.Phase)
	if phase == "" {
		phase = string(orchestrator.PhaseIdle)
	}
	if !a.finished {
		phase = a.spinner.View() + " " + phase
	}
	a.field(&b, "Phase:", phase)
	if s.Plan != "" {
		a.field(&b, "Plan:", s.Plan)
	}
	if s.Stage >= 0 {
		a.field(&b, "Stage:", fmt.Sprintf("%d of %d", s.Stage+1, max(s.Stages, s.Stage+1)))
	}
	a.field(&b, "Tokens:", fmt.Sprintf("%d", s.Tokens))
	a.field(&b, "Recovery:", fmt.Sprintf("%d actions, %d checkpoints", s.Recoveries, s.Checkpoints))
	if !s.StartedAt.IsZero() && !s.LastEvent.IsZero() {
		a.field(&b, "Elapsed:", s.LastEvent.Sub(s.StartedAt).Round(time.Millisecond).String())
	}

	b.WriteString("\n")
	b.WriteString(a.progress.ViewAs(s.Progress()))
	b.WriteString(fmt.Sprintf(" %.0f%%\n\n", s.Progress()*100))

	b.WriteString(a.renderAgents())
	b.WriteString("\n")
	b.WriteString(a.renderLogs())
	b.WriteString("\n")
	b.WriteString(a.renderFooter())
	b.WriteString("\n")
	return b.String()
}

func (a *RunApp) field(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label))
	b.WriteString(valueStyle.Render(value))
	b.WriteString("\n")
}

func (a *RunApp) renderAgents() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Agents"))
	b.WriteString("\n")
	for _, r := range a.state.Rows() {
		stage := "-"
		if r.Stage >= 0 {
			stage = fmt.Sprintf("%d", r.Stage)
		}
		line := fmt.Sprintf("  %s %-20s stage %-3s attempts %-2d", statusStyle(r.Status).Render(string(r.Status)), truncate(r.ID, 20), stage, r.Attempts)
		if r.Duration > 0 {
			line += " " + r.Duration.Round(time.Millisecond).String()
		}
		if r.Detail != "" {
			line += "  " + dimStyle.Render(truncate(r.Detail, max(a.width-70, 20)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (a *RunApp) renderLogs() string {
	lines := a.state.Logs(8)
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("Activity"))
	b.WriteString("\n")
	for _, l := range lines {
		msg := l.Message
		if l.Error {
			msg = errorStyle.Render(msg)
		}
		b.WriteString(fmt.Sprintf("  %s %s\n", dimStyle.Render(l.Time.Format("15:04:05")), msg))
	}
	return b.String()
}

func (a *RunApp) renderFooter() string {
	if !a.finished {
		return a.help.View(a.keys)
	}
	if a.err != nil {
		return errorStyle.Render(fmt.Sprintf("Run failed: %v", a.err)) + dimStyle.Render("  press q to exit")
	}
	if a.results != nil {
		summary := fmt.Sprintf("Run complete: %d succeeded, %d failed (%.0f%%) in %s",
			len(a.results.Successful), len(a.results.Failed), a.results.SuccessRate()*100,
			a.results.Duration().Round(time.Millisecond))
		if !a.results.Success {
			return errorStyle.Render(summary) + dimStyle.Render("  press q to exit")
		}
		return doneStyle.Render(summary) + dimStyle.Render("  press q to exit")
	}
	return doneStyle.Render("Run complete.") + dimStyle.Render("  press q to exit")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
