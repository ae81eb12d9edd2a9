package accumulate

import (
	"maps"

	"github.com/3leaps/learnlab/pkg/runevent"
)

// Results holds the structured analysis sections and the cleaning report of
// a run. Streamed values win over snapshot values: once a key has been
// streamed, a later snapshot seed does not overwrite it.
type Results struct {
	Analysis map[string]any `json:"analysis,omitempty"`
	Cleaning map[string]any `json:"cleaning_report,omitempty"`

	streamedKeys     map[string]struct{}
	cleaningStreamed bool
}

// FoldResults records AnalysisResult (replacing its key wholesale) and
// CleaningReport events. Other events leave the results unchanged.
func FoldResults(prior Results, ev runevent.Event) Results {
	switch e := ev.(type) {
	case runevent.AnalysisResult:
		next := prior.clone()
		key := e.Key
		if key == "" {
			key = "results"
		}
		next.Analysis[key] = e.Data
		next.streamedKeys[key] = struct{}{}
		return next
	case runevent.CleaningReport:
		next := prior.clone()
		next.Cleaning = e.Data
		next.cleaningStreamed = true
		return next
	default:
		return prior
	}
}

// Seed merges persisted snapshot values. Keys already received on the
// stream are kept.
func (r Results) Seed(analysis, cleaning map[string]any) Results {
	next := r.clone()
	for k, v := range analysis {
		if _, streamed := next.streamedKeys[k]; streamed {
			continue
		}
		next.Analysis[k] = v
	}
	if cleaning != nil && !next.cleaningStreamed {
		next.Cleaning = cleaning
	}
	return next
}

// ResetCleaning drops the cleaning report so a retried cleaning stage
// starts from an empty report.
func (r Results) ResetCleaning() Results {
	next := r.clone()
	next.Cleaning = nil
	next.cleaningStreamed = false
	return next
}

// HasAnalysis reports whether any analysis section is present.
func (r Results) HasAnalysis() bool {
	return len(r.Analysis) > 0
}

// HasCleaning reports whether a cleaning report is present.
func (r Results) HasCleaning() bool {
	return r.Cleaning != nil
}

func (r Results) clone() Results {
	next := Results{
		Analysis:         make(map[string]any, len(r.Analysis)+1),
		Cleaning:         r.Cleaning,
		streamedKeys:     make(map[string]struct{}, len(r.streamedKeys)+1),
		cleaningStreamed: r.cleaningStreamed,
	}
	maps.Copy(next.Analysis, r.Analysis)
	maps.Copy(next.streamedKeys, r.streamedKeys)
	return next
}
