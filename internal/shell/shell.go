// Package shell implements the coordinator's interactive status
// dashboard, shown when stdout is a terminal: a bubbletea TUI that polls the Public API Port (C8) for
// agent/workflow counts and renders a live-refreshing summary. Grounded
// on the teacher's internal/tui (tui.go's poll-provider/tickMsg model,
// activity.go's lipgloss styling), generalized from task-queue/approval
// counters to fleet agent/workflow counters.
package shell

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/fleetward/coordinator/internal/registry"
	"github.com/fleetward/coordinator/internal/schema"
)

// Snapshot is one poll's worth of fleet status, assembled from the API
// port's read-only query methods.
type Snapshot struct {
	AliveAgents  int
	DeadAgents   int
	RunningWFs   int
	CompletedWFs int
	FailedWFs    int
	LastError    string
	Uptime       time.Duration
}

// Port is the narrow query surface the shell needs from the API (C8).
type Port interface {
	ListAgents(filter registry.Filter) []schema.Agent
	ListWorkflows(status string, limit int) []schema.Workflow
}

// Snapshotter builds one Snapshot from the live API port.
func Snapshotter(port Port, start time.Time) func() Snapshot {
	return func() Snapshot {
		return Snapshot{
			AliveAgents:  len(port.ListAgents(registry.FilterAlive)),
			DeadAgents:   len(port.ListAgents(registry.FilterDead)),
			RunningWFs:   len(port.ListWorkflows(schema.WorkflowRunning, 1000)),
			CompletedWFs: len(port.ListWorkflows(schema.WorkflowCompleted, 1000)),
			FailedWFs:    len(port.ListWorkflows(schema.WorkflowFailed, 1000)),
			Uptime:       time.Since(start),
		}
	}
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

type model struct {
	provider func() Snapshot
	snap     Snapshot
}

func (m model) Init() tea.Cmd { return tickCmd() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	ok := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	warn := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}

	return fmt.Sprintf(
		"Fleet Status\n\n%s %d   %s %d\n\n%s %d   %s %d   %s %d\n\nUptime: %s\nLast error: %s\n\n%s\n",
		ok.Render("Agents alive:"), m.snap.AliveAgents,
		warn.Render("Agents dead:"), m.snap.DeadAgents,
		ok.Render("Running:"), m.snap.RunningWFs,
		ok.Render("Completed:"), m.snap.CompletedWFs,
		warn.Render("Failed:"), m.snap.FailedWFs,
		m.snap.Uptime.Truncate(time.Second),
		lastErr,
		dim.Render("Press q to quit."),
	)
}

// Run blocks, rendering a live dashboard until ctx is cancelled or the
// user quits.
func Run(ctx context.Context, provider func() Snapshot) error {
	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Interactive reports whether stdout is a terminal and noTUIEnv is
// empty, i.e. whether the TUI should run at all. When it returns false
// the coordinator logs a status line every 30 seconds instead.
func Interactive(noTUIEnv string) bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && noTUIEnv == ""
}
