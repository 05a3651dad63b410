// Package tui implements the warden watch TUI: a live view of worker state
// fed by the supervisor's lifecycle event hub and the workers' ready
// endpoints.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/warden/internal/events"
	"github.com/mattjoyce/warden/internal/supervisor"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusReady      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusNotReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusRestarting = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#61AFEF"))

	dimStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

const maxEventLines = 8

type tickMsg time.Time

type eventMsg events.Event

type workerRow struct {
	ID     string
	URL    string
	PID    int
	Status string
}

// Model is the bubbletea model for warden watch.
type Model struct {
	sup    *supervisor.Supervisor
	client *http.Client

	width  int
	height int

	rows     []workerRow
	eventLog []events.Event

	hubCh     <-chan events.Event
	hubCancel func()
}

// NewModel creates a watch model over sup.
func NewModel(sup *supervisor.Supervisor) *Model {
	ch, cancel := sup.Hub().Subscribe()
	return &Model{
		sup:       sup,
		client:    &http.Client{Timeout: 2 * time.Second},
		hubCh:     ch,
		hubCancel: cancel,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.pollWorkers(),
		m.nextEvent(),
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.hubCancel()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(
			m.pollWorkers(),
			tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		)

	case []workerRow:
		m.rows = msg

	case eventMsg:
		m.eventLog = append(m.eventLog, events.Event(msg))
		if len(m.eventLog) > maxEventLines {
			m.eventLog = m.eventLog[len(m.eventLog)-maxEventLines:]
		}
		return m, m.nextEvent()
	}

	return m, nil
}

// pollWorkers snapshots the registry and probes each worker's ready endpoint.
func (m *Model) pollWorkers() tea.Cmd {
	return func() tea.Msg {
		workers := m.sup.ListWorkers()
		rows := make([]workerRow, 0, len(workers))
		for _, w := range workers {
			row := workerRow{ID: w.ID, URL: w.URL, PID: w.PID()}
			switch {
			case m.sup.IsRestarting(w.ID):
				row.Status = "restarting"
			case m.probeReady(w.URL):
				row.Status = "ready"
			default:
				row.Status = "not-ready"
			}
			rows = append(rows, row)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		return rows
	}
}

func (m *Model) probeReady(baseURL string) bool {
	resp, err := m.client.Get(baseURL + "/ready")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	// The endpoint answers 200 in both states; only a {"status":"ready"}
	// document means ready, the bare "not-ready" string fails to decode here.
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ready"
}

func (m *Model) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.hubCh
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("warden watch"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("%-20s %-10s %-8s %s", "WORKER", "STATUS", "PID", "URL")))
	b.WriteString("\n")
	if len(m.rows) == 0 {
		b.WriteString(dimStyle.Render("no workers"))
		b.WriteString("\n")
	}
	for _, row := range m.rows {
		status := row.Status
		switch status {
		case "ready":
			status = statusReady.Render(status)
		case "restarting":
			status = statusRestarting.Render(status)
		default:
			status = statusNotReady.Render(status)
		}
		b.WriteString(fmt.Sprintf("%-20s %-10s %-8d %s\n", row.ID, status, row.PID, row.URL))
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render("EVENTS"))
	b.WriteString("\n")
	for _, ev := range m.eventLog {
		line := fmt.Sprintf("%s  %-18s %s", ev.At.Local().Format("15:04:05"), ev.Type, ev.WorkerID)
		if ev.Detail != "" {
			line += "  " + dimStyle.Render(ev.Detail)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q to quit"))

	return docStyle.Render(borderStyle.Render(b.String()))
}
