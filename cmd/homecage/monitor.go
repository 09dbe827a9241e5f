package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gwillem/homecage/pkg/session"
)

const (
	headerHeight = 4 // title, status, device line, blank
	legendHeight = 2
	footerHeight = 7 // log box height
	maxLogs      = 5
	borderSize   = 2

	trialsSeries = "trials"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	openStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	closedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
)

// monitorModel shows the controller's phase and device state, the trial
// count of each session as a stream chart, and recent operator messages.
type monitorModel struct {
	mgr    *session.Manager
	cage   int
	sim    *simControl
	chart  *streamlinechart.Model
	status session.Status
	width  int
	height int
	logs   []string

	quitting bool
}

type statusMsg session.Status
type logMsg string

func waitForStatus(mgr *session.Manager) tea.Cmd {
	return func() tea.Msg {
		return statusMsg(<-mgr.States())
	}
}

func waitForLog(mgr *session.Manager) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-mgr.Logs())
	}
}

func newMonitorModel(mgr *session.Manager, cage int, sim *simControl) monitorModel {
	chart := streamlinechart.New(80, 12, streamlinechart.WithYRange(0, 20))
	chart.SetDataSetStyles(trialsSeries, runes.ThinLineStyle, lipgloss.NewStyle().Foreground(lipgloss.Color("46")))
	return monitorModel{
		mgr:   mgr,
		cage:  cage,
		sim:   sim,
		chart: &chart,
	}
}

func (m *monitorModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

func (m *monitorModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 12
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 6)
	return width, height
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(waitForStatus(m.mgr), waitForLog(m.mgr))
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		w, h := m.chartSize()
		m.chart.Resize(w, h)
		return m, nil

	case tea.KeyMsg:
		key := msg.String()
		switch key {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		if m.sim != nil {
			m.simulateKey(key)
		}
		return m, nil

	case statusMsg:
		prev := m.status
		m.status = session.Status(msg)
		// One chart point per finished session.
		if m.status.Completed > prev.Completed && prev.Session != nil {
			m.chart.PushDataSet(trialsSeries, float64(prev.Session.Trials))
			m.chart.DrawAll()
		}
		return m, waitForStatus(m.mgr)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.mgr)
	}

	return m, nil
}

func (m *monitorModel) simulateKey(key string) {
	switch key {
	case "e":
		m.sim.sim.Enter()
		m.addLog("[sim] beam broken")
	case "x":
		m.sim.sim.Exit()
		m.addLog("[sim] animal left the tube")
	default:
		if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
			if tag, ok := m.sim.tag(int(key[0] - '1')); ok {
				m.addLog("[sim] tag " + tag)
			}
		}
	}
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder
	st := m.status

	sb.WriteString(titleStyle.Render("homecage"))
	sb.WriteString(fmt.Sprintf(" - cage %d", m.cage))
	if m.sim != nil {
		sb.WriteString(statusStyle.Render("  [simulated]"))
	}
	sb.WriteString("\n")

	gate := openStyle.Render("open")
	if !st.GateOpen {
		gate = closedStyle.Render("closed")
	}
	sb.WriteString(fmt.Sprintf("phase %s  gate %s  sessions %d",
		activeStyle.Render(st.Phase.String()), gate, st.Completed))
	if s := st.Session; s != nil {
		sb.WriteString(fmt.Sprintf("  %s (%s) %s arm level %d, %d trials, %s",
			s.Name, s.Tag, s.Side, s.Level, s.Trials, time.Since(s.Started).Round(time.Second)))
	}
	sb.WriteString("\n")
	sb.WriteString(statusStyle.Render("device " + st.Device.String()))
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(renderLegend(m.sim != nil))
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20))

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to quit")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func renderLegend(simulated bool) string {
	item := lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true).Render("━━") + " trials per session"
	if simulated {
		item += statusStyle.Render("    1-9 tag  e enter  x exit  q quit")
	}
	return item
}
