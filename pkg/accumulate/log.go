// Package accumulate folds realtime run events into display-ready state.
//
// Each accumulator is a pure function of (prior state, event) returning the
// next state. Folds never fail: events that do not concern an accumulator
// return the prior state unchanged, and malformed payloads degrade to "no
// data" rather than errors.
package accumulate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/learnlab/pkg/runevent"
)

// LogEntry is one line of the display log.
type LogEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Level     string        `json:"level"`
	Kind      runevent.Kind `json:"kind"`
	Message   string        `json:"message"`
}

// FoldLog appends log-worthy events to the display log. Log, ClientNote,
// AnalysisResult and CleaningReport events are appended (structured events
// as one-line summaries); every other event leaves the log unchanged.
//
// The returned slice may share backing storage with prior; callers must
// treat prior as consumed.
func FoldLog(prior []LogEntry, ev runevent.Event) []LogEntry {
	entry, ok := LogLine(ev)
	if !ok {
		return prior
	}
	return append(prior, entry)
}

// LogLine renders ev as a display line. The boolean is false for events the
// log does not show.
func LogLine(ev runevent.Event) (LogEntry, bool) {
	switch e := ev.(type) {
	case runevent.Log:
		return LogEntry{Timestamp: e.Timestamp, Level: e.Level, Kind: e.Kind(), Message: e.Message}, true
	case runevent.ClientNote:
		return LogEntry{Timestamp: e.Timestamp, Level: e.Level, Kind: e.Kind(), Message: e.Message}, true
	case runevent.AnalysisResult:
		return LogEntry{
			Timestamp: e.Timestamp,
			Level:     runevent.LevelInfo,
			Kind:      e.Kind(),
			Message:   summarizeAnalysis(e),
		}, true
	case runevent.CleaningReport:
		return LogEntry{
			Timestamp: e.Timestamp,
			Level:     runevent.LevelInfo,
			Kind:      e.Kind(),
			Message:   summarizeCleaning(e),
		}, true
	default:
		return LogEntry{}, false
	}
}

func summarizeAnalysis(e runevent.AnalysisResult) string {
	key := e.Key
	if key == "" {
		key = "results"
	}
	switch d := e.Data.(type) {
	case []any:
		return fmt.Sprintf("Analysis result received: %s (%d items)", key, len(d))
	case map[string]any:
		return fmt.Sprintf("Analysis result received: %s (%s)", key, fieldList(d, 4))
	case nil:
		return fmt.Sprintf("Analysis result received: %s (empty)", key)
	default:
		return fmt.Sprintf("Analysis result received: %s", key)
	}
}

func summarizeCleaning(e runevent.CleaningReport) string {
	if e.Data == nil {
		return "Cleaning report received (empty)"
	}
	ops, _ := e.Data["operations_performed"].(map[string]any)
	if summary, ok := e.Data["summary"].(string); ok {
		return "Cleaning report received: " + summary
	}
	return fmt.Sprintf("Cleaning report received: %d operations", len(ops))
}

func fieldList(m map[string]any, limit int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = append(keys[:limit], "...")
	}
	return strings.Join(keys, ", ")
}
