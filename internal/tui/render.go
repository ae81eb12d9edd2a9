package tui

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/3leaps/learnlab/pkg/accumulate"
	"github.com/3leaps/learnlab/pkg/monitor"
	"github.com/3leaps/learnlab/pkg/runevent"
	"github.com/3leaps/learnlab/pkg/runstatus"
)

var (
	panelBorder     = lipgloss.Color("#2D6A80")
	accentPrimary   = lipgloss.Color("#50E3C2")
	accentSecondary = lipgloss.Color("#F6AE2D")
	mutedText       = lipgloss.Color("#8CA1AE")
	warningText     = lipgloss.Color("#FF6B6B")
	successText     = lipgloss.Color("#44E7AE")
)

var (
	headerStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(accentPrimary)

	subHeaderStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	statusStyle = lipgloss.NewStyle().
			Foreground(accentSecondary).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(warningText).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(successText).
			Bold(true)

	panelTitleStyle = lipgloss.NewStyle().
			Foreground(accentPrimary).
			Bold(true)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(panelBorder).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedText)

	warnLineStyle  = lipgloss.NewStyle().Foreground(accentSecondary)
	errorLineStyle = lipgloss.NewStyle().Foreground(warningText)
	noteLineStyle  = lipgloss.NewStyle().Foreground(mutedText).Italic(true)
)

const chartHeight = 4

const sparkGlyphs = "▁▂▃▄▅▆▇█"

func (m Model) View() string {
	if !m.ready {
		return "Connecting to run " + m.view.RunID + "..."
	}
	v := m.view

	header := headerStyle.Render(fmt.Sprintf("LearnLab · %s · run %s", v.Stage, v.RunID))

	parts := []string{header, m.renderStatusLine()}
	if v.Progress.Seen {
		parts = append(parts, m.renderProgress())
	} else {
		parts = append(parts, subHeaderStyle.Render("waiting for progress..."))
	}

	chartW := maxInt(40, m.width-4)
	parts = append(parts, renderPanel("Metrics", renderChart(v.Chart, chartW-4), chartW, chartHeight+1, false))

	row := lipgloss.JoinHorizontal(lipgloss.Top,
		renderPanel("Log", m.log.View(), m.log.Width+2, m.log.Height+1, m.focus == paneLog),
		renderPanel(resultsTitle(v.Stage), m.results.View(), m.results.Width+2, m.results.Height+1, m.focus == paneResults),
	)
	parts = append(parts, row)

	if m.showHelp {
		help := "tab switch pane | up/down/pgup/pgdn scroll | G follow log | ? help | q quit"
		if v.CanRetry {
			help = "r retry | " + help
		}
		parts = append(parts, helpStyle.Render(help))
	}
	return strings.Join(parts, "\n")
}

func (m Model) renderStatusLine() string {
	v := m.view

	conn := successStyle.Render("● live")
	if !v.Connected {
		conn = errorStyle.Render("○ offline")
	}

	prefix := "*"
	if v.Status.IsRunning() || v.Status == runstatus.Connecting || m.retrying {
		prefix = m.spinner.View()
	}

	status := statusStyle.Render(fmt.Sprintf("%s %s", prefix, v.Status))
	switch {
	case v.Failure:
		status = errorStyle.Render("✗ " + string(v.Status))
	case v.Terminal:
		status = successStyle.Render("✓ " + string(v.Status))
	}

	line := fmt.Sprintf("%s  %s  %s", status, subHeaderStyle.Render(fmt.Sprintf("attempt %d", v.Attempt)), conn)
	if m.statusText != "" {
		line += "  " + subHeaderStyle.Render(m.statusText)
	}

	var extra []string
	if m.errorText != "" {
		extra = append(extra, errorStyle.Render(m.errorText))
	} else if v.Error != "" && v.Failure {
		extra = append(extra, errorStyle.Render(v.Error))
	}
	if v.Failure && v.Guidance != "" {
		extra = append(extra, warnLineStyle.Render(v.Guidance))
	}
	if len(extra) > 0 {
		line += "\n" + strings.Join(extra, "\n")
	}
	return line
}

func (m Model) renderProgress() string {
	p := m.view.Progress
	label := p.StepName
	if label == "" {
		label = "Step"
	}
	text := fmt.Sprintf("%s %d/%d", label, p.CurrentStep, p.TotalSteps)
	if p.TotalBatches > 0 {
		text += fmt.Sprintf(" · batch %d/%d", p.Batch, p.TotalBatches)
	}
	return m.bar.ViewAs(p.Percent()) + " " + subHeaderStyle.Render(text)
}

func resultsTitle(stage monitor.Stage) string {
	switch stage {
	case monitor.StageAnalyze:
		return "Analysis"
	case monitor.StageClean:
		return "Cleaning Report"
	default:
		return "Results"
	}
}

func renderPanel(title, body string, width, height int, focused bool) string {
	borderColor := panelBorder
	if focused {
		borderColor = accentSecondary
	}
	style := panelStyle.
		BorderForeground(borderColor).
		Width(width).
		Height(height)
	return style.Render(panelTitleStyle.Render(title) + "\n" + body)
}

func renderLog(entries []accumulate.LogEntry, width int) []string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		ts := ""
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.Local().Format("15:04:05") + " "
		}
		text := ts + e.Message
		if width > 0 && lipgloss.Width(text) > width {
			text = truncate(text, width)
		}
		switch {
		case e.Kind == runevent.KindClientNote:
			text = noteLineStyle.Render(text)
		case strings.EqualFold(e.Level, runevent.LevelError):
			text = errorLineStyle.Render(text)
		case strings.EqualFold(e.Level, runevent.LevelWarning):
			text = warnLineStyle.Render(text)
		}
		lines = append(lines, text)
	}
	return lines
}

func truncate(s string, width int) string {
	if width <= 1 {
		return "…"
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}

// renderChart draws the primary and secondary series as train/val
// sparklines over the most recent points that fit the width.
func renderChart(c accumulate.Chart, width int) string {
	if c.Primary.Len() == 0 && c.Secondary.Len() == 0 {
		return subHeaderStyle.Render("no metrics yet")
	}
	labelW := 18
	sparkW := maxInt(8, width-labelW-12)

	var rows []string
	for _, s := range []accumulate.Series{c.Primary, c.Secondary} {
		train, val := seriesValues(s.Points)
		rows = append(rows,
			sparkRow(s.Metric+" train", train, sparkW, labelW),
			sparkRow(s.Metric+" val", val, sparkW, labelW),
		)
	}
	return strings.Join(rows, "\n")
}

func seriesValues(points []accumulate.ChartPoint) (train, val []*float64) {
	for _, p := range points {
		train = append(train, p.Train)
		val = append(val, p.Val)
	}
	return train, val
}

func sparkRow(label string, values []*float64, width, labelW int) string {
	if len(values) > width {
		values = values[len(values)-width:]
	}
	last := "   -"
	for i := len(values) - 1; i >= 0; i-- {
		if values[i] != nil {
			last = fmt.Sprintf("%.4f", *values[i])
			break
		}
	}
	return fmt.Sprintf("%-*s %s %s", labelW, truncate(label, labelW), sparkline(values), last)
}

// sparkline scales present values between their min and max. Absent values
// render as spaces.
func sparkline(values []*float64) string {
	glyphs := []rune(sparkGlyphs)
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if v == nil {
			continue
		}
		lo = math.Min(lo, *v)
		hi = math.Max(hi, *v)
	}

	var b strings.Builder
	for _, v := range values {
		if v == nil {
			b.WriteRune(' ')
			continue
		}
		idx := len(glyphs) / 2
		if hi > lo {
			idx = int(math.Round((*v - lo) / (hi - lo) * float64(len(glyphs)-1)))
		}
		b.WriteRune(glyphs[clampInt(idx, 0, len(glyphs)-1)])
	}
	return b.String()
}

func renderResults(v monitor.View, width int) string {
	var b strings.Builder

	if v.Analysis.Available {
		writeAnalysis(&b, v.Analysis)
	}
	if v.Cleaning.Available {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		writeCleaning(&b, v.Cleaning)
	}
	if v.Snapshot != nil && len(v.Snapshot.FinalMetrics) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(panelTitleStyle.Render("Final metrics") + "\n")
		writeKV(&b, v.Snapshot.FinalMetrics)
	}

	if b.Len() == 0 {
		return subHeaderStyle.Render("no results yet")
	}
	out := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	for i, line := range out {
		if width > 0 && lipgloss.Width(line) > width {
			out[i] = truncate(line, width)
		}
	}
	return strings.Join(out, "\n")
}

func writeAnalysis(b *strings.Builder, a accumulate.AnalysisView) {
	if a.BasicInfo != nil {
		if len(a.BasicInfo.Shape) == 2 {
			fmt.Fprintf(b, "Rows × cols: %d × %d\n", a.BasicInfo.Shape[0], a.BasicInfo.Shape[1])
		}
		if a.BasicInfo.MemoryUsage != "" {
			fmt.Fprintf(b, "Memory: %s\n", a.BasicInfo.MemoryUsage)
		}
	}
	if a.DataQuality != nil {
		missing := 0
		for _, n := range a.DataQuality.MissingValues {
			missing += n
		}
		fmt.Fprintf(b, "Missing values: %d\n", missing)
		fmt.Fprintf(b, "Duplicate rows: %d\n", a.DataQuality.DuplicateRows)
	}
	if len(a.Issues) > 0 {
		b.WriteString(panelTitleStyle.Render("Issues") + "\n")
		for _, is := range a.Issues {
			line := fmt.Sprintf("[%s] %s", is.Severity, is.Message)
			if strings.EqualFold(is.Severity, "high") {
				line = errorLineStyle.Render(line)
			}
			b.WriteString(line + "\n")
		}
	}
	if len(a.FeatureImportance) > 0 {
		b.WriteString(panelTitleStyle.Render("Feature importance") + "\n")
		for _, k := range topKeys(a.FeatureImportance, 8) {
			fmt.Fprintf(b, "%-16s %.3f\n", truncate(k, 16), a.FeatureImportance[k])
		}
	}
}

func writeCleaning(b *strings.Builder, c accumulate.CleaningView) {
	s := c.Summary
	if s.Error != "" {
		b.WriteString(errorStyle.Render("Error: "+s.Error) + "\n")
	}
	if len(s.OriginalShape) == 2 && len(s.CleanedShape) == 2 {
		fmt.Fprintf(b, "Shape: %d×%d → %d×%d\n", s.OriginalShape[0], s.OriginalShape[1], s.CleanedShape[0], s.CleanedShape[1])
	}
	fmt.Fprintf(b, "Rows removed: %d\n", s.RowsRemoved)
	fmt.Fprintf(b, "Columns removed: %d\n", s.ColumnsRemoved)
	fmt.Fprintf(b, "Data loss: %.1f%%\n", s.DataLossPercentage)
	if len(c.Operations) > 0 {
		b.WriteString(panelTitleStyle.Render("Operations") + "\n")
		for _, op := range c.Operations {
			fmt.Fprintf(b, "• %s: %s\n", op.Name, op.Detail)
		}
	}
	if len(c.IssuesRemaining) > 0 {
		fmt.Fprintf(b, "Issues remaining: %d\n", len(c.IssuesRemaining))
	}
}

func writeKV(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch val := m[k].(type) {
		case float64:
			fmt.Fprintf(b, "%-16s %.4f\n", truncate(k, 16), val)
		case string, bool, int:
			fmt.Fprintf(b, "%-16s %v\n", truncate(k, 16), val)
		}
	}
}

func topKeys(m map[string]float64, n int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] == m[keys[j]] {
			return keys[i] < keys[j]
		}
		return m[keys[i]] > m[keys[j]]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
