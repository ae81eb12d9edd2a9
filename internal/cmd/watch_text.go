package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/learnlab/pkg/accumulate"
	"github.com/3leaps/learnlab/pkg/output"
	"github.com/3leaps/learnlab/pkg/runevent"
	"github.com/3leaps/learnlab/pkg/runstatus"
)

// textRenderer prints watch events as plain lines. Progress is printed in
// steps of progressStep percent to keep logs readable.
type textRenderer struct {
	mu       sync.Mutex
	w        io.Writer
	progress accumulate.Progress
	lastPct  int
}

const progressStep = 10

func newTextRenderer(w io.Writer) *textRenderer {
	return &textRenderer{w: w, lastPct: -1}
}

func (r *textRenderer) event(ev runevent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e := ev.(type) {
	case runevent.Metric:
		step, _ := accumulate.StepLabel(e)
		r.printf("%s METRIC %s %s\n", clock(e.Timestamp), step, formatMetrics(e))
		return
	case runevent.Progress:
		r.progress = accumulate.FoldProgress(r.progress, e)
		pct := int(r.progress.Percent())
		if pct/progressStep == r.lastPct/progressStep && r.lastPct >= 0 {
			return
		}
		r.lastPct = pct
		name := r.progress.StepName
		if name == "" {
			name = "step"
		}
		r.printf("%s PROGRESS %3d%% %s %d/%d\n", clock(e.Timestamp), pct, name, r.progress.CurrentStep, r.progress.TotalSteps)
		return
	case runevent.StatusUpdate:
		return
	}

	line, ok := accumulate.LogLine(ev)
	if !ok {
		return
	}
	r.printf("%s %-7s %s\n", clock(line.Timestamp), line.Level, line.Message)
}

func (r *textRenderer) transition(t runstatus.Transition) {
	if !t.Changed {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.Cause == runstatus.CauseRestart || t.Cause == runstatus.CauseTriggerStart {
		r.progress = accumulate.Progress{}
		r.lastPct = -1
	}
	r.printf("%s STATUS  %s -> %s (%s)\n", clock(time.Now()), t.From, t.To, t.Cause)
}

func (r *textRenderer) summary(rec *output.SummaryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()

	verdict := "Finished"
	if !rec.Success {
		verdict = "Stopped"
	}
	r.printf("\n%s: %s after %s (attempt %d)\n", verdict, rec.Status, rec.DurationHuman, rec.Attempt)
	if rec.Message != "" {
		r.printf("%s\n", rec.Message)
	}
	if rec.Guidance != "" {
		r.printf("%s\n", rec.Guidance)
	}
	if len(rec.FinalMetrics) > 0 {
		r.printf("\nFinal metrics\n")
		renderMapTable(r.w, "Metric", rec.FinalMetrics)
	}
}

func (r *textRenderer) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.w, format, args...)
}

func clock(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Local().Format("15:04:05")
}

func formatMetrics(m runevent.Metric) string {
	var parts []string
	for _, k := range sortedMetricKeys(m.Train) {
		parts = append(parts, fmt.Sprintf("train_%s=%.4f", k, m.Train[k]))
	}
	for _, k := range sortedMetricKeys(m.Val) {
		parts = append(parts, fmt.Sprintf("val_%s=%.4f", k, m.Val[k]))
	}
	return strings.Join(parts, " ")
}

func sortedMetricKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
