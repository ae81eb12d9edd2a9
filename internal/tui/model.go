// Package tui is the full-screen live view of a monitored run.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/3leaps/learnlab/pkg/monitor"
)

const pollInterval = 150 * time.Millisecond

// Source is the monitor the view renders.
type Source interface {
	View() monitor.View
	Retry(ctx context.Context) error
}

type pane int

const (
	paneLog pane = iota
	paneResults
)

type pollTickMsg struct{ at time.Time }

// TerminalMsg tells the view the current attempt reached a terminal status.
type TerminalMsg struct {
	Notification monitor.Notification
}

type retryDoneMsg struct{ err error }

// Model is the bubbletea model.
type Model struct {
	src Source
	ctx context.Context

	view     monitor.View
	terminal *monitor.Notification

	width  int
	height int
	ready  bool

	focus    pane
	log      viewport.Model
	results  viewport.Model
	spinner  spinner.Model
	bar      progress.Model
	showHelp bool

	retrying   bool
	statusText string
	errorText  string
	quitting   bool

	// followLog keeps the log scrolled to the newest line until the user
	// scrolls up.
	followLog bool
	logLines  int
}

// New returns a model polling src. ctx bounds retry calls.
func New(ctx context.Context, src Source) Model {
	if ctx == nil {
		ctx = context.Background()
	}
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = statusStyle

	return Model{
		src:       src,
		ctx:       ctx,
		view:      src.View(),
		log:       viewport.New(60, 12),
		results:   viewport.New(40, 12),
		spinner:   spin,
		bar:       progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		showHelp:  true,
		followLog: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, pollTickCmd())
}

func pollTickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(at time.Time) tea.Msg {
		return pollTickMsg{at: at}
	})
}

func retryCmd(ctx context.Context, src Source) tea.Cmd {
	return func() tea.Msg {
		return retryDoneMsg{err: src.Retry(ctx)}
	}
}

// Quitting reports whether the user asked to leave.
func (m Model) Quitting() bool {
	return m.quitting
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resizePanels()
		m.refreshPanels()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case pollTickMsg:
		m.view = m.src.View()
		m.refreshPanels()
		return m, pollTickCmd()

	case TerminalMsg:
		note := msg.Notification
		m.terminal = &note
		m.view = m.src.View()
		m.refreshPanels()
		if note.Success {
			m.statusText = "Finished: " + string(note.Status)
		} else {
			m.statusText = "Stopped: " + string(note.Status)
		}
		return m, nil

	case retryDoneMsg:
		m.retrying = false
		if msg.err != nil {
			m.errorText = "Retry failed: " + msg.err.Error()
			return m, nil
		}
		m.terminal = nil
		m.errorText = ""
		m.statusText = "Retry started"
		m.followLog = true
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q", "esc":
		m.quitting = true
		return m, tea.Quit
	case "tab", "shift+tab":
		if m.focus == paneLog {
			m.focus = paneResults
		} else {
			m.focus = paneLog
		}
		return m, nil
	case "?":
		m.showHelp = !m.showHelp
		m.resizePanels()
		return m, nil
	case "r":
		if m.retrying || !m.view.CanRetry {
			return m, nil
		}
		m.retrying = true
		m.errorText = ""
		m.statusText = "Retrying..."
		return m, retryCmd(m.ctx, m.src)
	case "G", "end":
		if m.focus == paneLog {
			m.followLog = true
			m.log.GotoBottom()
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.focus == paneLog {
		m.log, cmd = m.log.Update(msg)
		m.followLog = m.log.AtBottom()
	} else {
		m.results, cmd = m.results.Update(msg)
	}
	return m, cmd
}

func (m *Model) resizePanels() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	usableW := maxInt(40, m.width-4)

	// header, status, progress, chart panel, help
	overhead := 4 + chartHeight + 2
	if m.showHelp {
		overhead++
	}
	panelH := maxInt(4, m.height-overhead-2)

	logW := usableW * 3 / 5
	resW := usableW - logW
	m.log.Width = maxInt(20, logW-4)
	m.log.Height = panelH
	m.results.Width = maxInt(16, resW-4)
	m.results.Height = panelH
	m.bar.Width = maxInt(10, usableW-24)
}

func (m *Model) refreshPanels() {
	lines := renderLog(m.view.Log, m.log.Width)
	m.log.SetContent(strings.Join(lines, "\n"))
	if m.followLog || len(lines) < m.logLines {
		m.log.GotoBottom()
	}
	m.logLines = len(lines)

	m.results.SetContent(renderResults(m.view, m.results.Width))
}
