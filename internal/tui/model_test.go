package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/learnlab/pkg/accumulate"
	"github.com/3leaps/learnlab/pkg/monitor"
	"github.com/3leaps/learnlab/pkg/runevent"
	"github.com/3leaps/learnlab/pkg/runstatus"
)

type fakeSource struct {
	mu       sync.Mutex
	view     monitor.View
	retries  int
	retryErr error
}

func (f *fakeSource) View() monitor.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeSource) Retry(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries++
	return f.retryErr
}

func (f *fakeSource) set(fn func(*monitor.View)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.view)
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return next.(Model)
}

func TestModel_NotReadyBeforeSize(t *testing.T) {
	src := &fakeSource{view: monitor.View{RunID: "run-1"}}
	m := New(context.Background(), src)
	assert.Contains(t, m.View(), "run-1")
}

func TestModel_PollRendersStatusAndLog(t *testing.T) {
	src := &fakeSource{view: monitor.View{RunID: "run-1", Stage: monitor.StageAnalyze, Status: runstatus.Starting, Attempt: 1}}
	m := sized(t, New(context.Background(), src))

	src.set(func(v *monitor.View) {
		v.Status = runstatus.Analyzing
		v.Connected = true
		v.Log = []accumulate.LogEntry{
			{Timestamp: time.Now(), Level: runevent.LevelInfo, Kind: runevent.KindLog, Message: "Loading dataset"},
		}
	})

	next, cmd := m.Update(pollTickMsg{at: time.Now()})
	require.NotNil(t, cmd, "polling reschedules itself")
	m = next.(Model)

	out := m.View()
	assert.Contains(t, out, "ANALYZING")
	assert.Contains(t, out, "Loading dataset")
	assert.Contains(t, out, "attempt 1")
	assert.Contains(t, out, "live")
}

func TestModel_FailureShowsGuidanceAndRetry(t *testing.T) {
	src := &fakeSource{view: monitor.View{
		RunID:    "run-1",
		Stage:    monitor.StageClean,
		Status:   runstatus.CleaningFailed,
		Attempt:  1,
		Terminal: true,
		Failure:  true,
		CanRetry: true,
		Error:    "Unknown missing method",
		Guidance: monitor.Guidance(runstatus.CleaningFailed),
	}}
	m := sized(t, New(context.Background(), src))

	next, _ := m.Update(TerminalMsg{Notification: monitor.Notification{RunID: "run-1", Status: runstatus.CleaningFailed}})
	m = next.(Model)

	out := m.View()
	assert.Contains(t, out, "Unknown missing method")
	assert.Contains(t, out, "r retry")
	assert.Contains(t, out, "Stopped: CLEANING_FAILED")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	m = next.(Model)
	assert.True(t, m.retrying)

	// A second press while the retry is in flight is ignored.
	_, again := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	assert.Nil(t, again)

	msg := cmd()
	assert.Equal(t, 1, src.retries)

	next, _ = m.Update(msg)
	m = next.(Model)
	assert.False(t, m.retrying)
	assert.Nil(t, m.terminal)
	assert.Equal(t, "Retry started", m.statusText)
}

func TestModel_RetryError(t *testing.T) {
	src := &fakeSource{
		view:     monitor.View{RunID: "run-1", Status: runstatus.Failed, Failure: true, Terminal: true, CanRetry: true},
		retryErr: errors.New("conflict"),
	}
	m := sized(t, New(context.Background(), src))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	next, _ := m.Update(cmd())
	m = next.(Model)
	assert.Contains(t, m.View(), "Retry failed: conflict")
}

func TestModel_RetryIgnoredWhenNotAllowed(t *testing.T) {
	src := &fakeSource{view: monitor.View{RunID: "run-1", Status: runstatus.Success, Terminal: true}}
	m := sized(t, New(context.Background(), src))

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	assert.Nil(t, cmd)
	assert.Equal(t, 0, src.retries)
	assert.NotContains(t, m.View(), "r retry")
}

func TestModel_Quit(t *testing.T) {
	src := &fakeSource{view: monitor.View{RunID: "run-1"}}
	m := New(context.Background(), src)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, next.(Model).Quitting())
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestModel_TabSwitchesFocus(t *testing.T) {
	src := &fakeSource{view: monitor.View{RunID: "run-1"}}
	m := sized(t, New(context.Background(), src))
	require.Equal(t, paneLog, m.focus)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, paneResults, next.(Model).focus)
}

func TestRenderChart(t *testing.T) {
	assert.Contains(t, renderChart(accumulate.NewChart(accumulate.Classification), 80), "no metrics yet")

	chart := accumulate.NewChart(accumulate.Regression)
	for i, v := range []float64{0.1, 0.5, 0.9} {
		epoch := i + 1
		val := v
		chart = accumulate.FoldMetric(chart, runevent.Metric{Epoch: &epoch, Train: map[string]float64{"r2": val}})
	}
	out := renderChart(chart, 80)
	assert.Contains(t, out, "r2 train")
	assert.Contains(t, out, "0.9000")
	assert.Contains(t, out, "▁")
	assert.Contains(t, out, "█")
}

func TestSparkline(t *testing.T) {
	one, two := 1.0, 2.0
	assert.Equal(t, "▁ █", sparkline([]*float64{&one, nil, &two}))
	assert.Equal(t, "▅", sparkline([]*float64{&one}), "flat series renders mid height")
}

func TestRenderResults(t *testing.T) {
	assert.Contains(t, renderResults(monitor.View{}, 40), "no results yet")

	v := monitor.View{
		Analysis: accumulate.NewAnalysisView(map[string]any{
			"basic_info": map[string]any{"shape": []any{100.0, 4.0}},
			"issues":     []any{map[string]any{"severity": "high", "message": "Target has missing values"}},
		}),
	}
	out := renderResults(v, 60)
	assert.Contains(t, out, "100 × 4")
	assert.Contains(t, out, "Target has missing values")
}

func TestRenderLogTruncates(t *testing.T) {
	lines := renderLog([]accumulate.LogEntry{{Message: strings.Repeat("x", 50)}}, 10)
	require.Len(t, lines, 1)
	assert.Equal(t, 10, len([]rune(lines[0])))
}
