package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/superfly/storeforge/scheduler"
)

// Color palette grounded on tui/styles.go's; kept local rather than
// importing the teacher's tui package, whose model types (FSMRun,
// SystemStatus, ...) belong to a different domain than this dashboard.
var (
	colorPrimary = lipgloss.Color("#7D56F4")
	colorSuccess = lipgloss.Color("#28A745")
	colorError   = lipgloss.Color("#DC3545")
	colorMuted   = lipgloss.Color("#6C757D")
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	errorStyle = lipgloss.NewStyle().Foreground(colorError)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
)

// monitorModel is the bubbletea model for `storeforge monitor`: a live
// table of goals plus a status header, refreshed from the admin socket on
// a tick. Grounded on tui/dashboard.go's DashboardModel shape (fetcher +
// tick + FetchDataMsg), scaled down to this engine's single goals/status
// admin surface.
type monitorModel struct {
	client *scheduler.AdminClient
	table  table.Model

	status  *scheduler.StatusResponse
	err     error
	width   int
	height  int
	refresh time.Duration
}

type monitorTickMsg time.Time

type monitorDataMsg struct {
	goals  []scheduler.GoalRecord
	status *scheduler.StatusResponse
	err    error
}

func newMonitorModel(stateDir string) *monitorModel {
	columns := []table.Column{
		{Title: "Kind", Width: 12},
		{Title: "State", Width: 18},
		{Title: "Done", Width: 6},
		{Title: "OK", Width: 4},
		{Title: "Path", Width: 50},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.Bold(true).Foreground(colorPrimary)
	st.Selected = st.Selected.Foreground(lipgloss.Color("#FFFFFF")).Background(colorPrimary)
	t.SetStyles(st)

	return &monitorModel{
		client:  scheduler.NewAdminClient(stateDir),
		table:   t,
		refresh: time.Second,
	}
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickEvery(m.refresh))
}

func (m *monitorModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		goals, err := m.client.Goals(ctx, "")
		if err != nil {
			return monitorDataMsg{err: err}
		}
		status, err := m.client.Status(ctx)
		if err != nil {
			return monitorDataMsg{err: err}
		}
		return monitorDataMsg{goals: goals, status: status}
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return monitorTickMsg(t) })
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetHeight(msg.Height - 6)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case monitorTickMsg:
		return m, tea.Batch(m.fetch(), tickEvery(m.refresh))

	case monitorDataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
			m.table.SetRows(goalRecordsToRows(msg.goals))
		}
		return m, nil
	}
	return m, nil
}

func (m *monitorModel) View() string {
	header := titleStyle.Render("storeforge monitor")
	if m.err != nil {
		return fmt.Sprintf("%s\n\n%s\n", header, errorStyle.Render(m.err.Error()))
	}

	status := "connecting..."
	if m.status != nil {
		status = fmt.Sprintf(
			"derivation=%d substitution=%d build-slots=%d/%d",
			m.status.ActiveDerivationGoals, m.status.ActiveSubstitutionGoals,
			m.status.BuildSlotsInUse, m.status.BuildSlotsMax,
		)
	}

	return fmt.Sprintf(
		"%s\n%s\n\n%s\n\n%s",
		header, mutedStyle.Render(status), m.table.View(), mutedStyle.Render("q to quit"),
	)
}

func goalRecordsToRows(recs []scheduler.GoalRecord) []table.Row {
	rows := make([]table.Row, 0, len(recs))
	for _, r := range recs {
		done := "no"
		if r.Done {
			done = "yes"
		}
		ok := "-"
		if r.Done {
			if r.Succeeded {
				ok = "yes"
			} else {
				ok = "no"
			}
		}
		rows = append(rows, table.Row{r.Kind, r.State, done, ok, r.Key})
	}
	return rows
}

func runMonitor(stateDir string, inline bool) error {
	m := newMonitorModel(stateDir)
	opts := []tea.ProgramOption{}
	if !inline {
		opts = append(opts, tea.WithAltScreen())
	}
	p := tea.NewProgram(m, opts...)
	_, err := p.Run()
	return err
}
