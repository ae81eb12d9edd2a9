// Package runevent defines the typed events delivered on a run's realtime
// channel and decodes them from the backend's wire payloads.
//
// The backend multiplexes very different payloads over a handful of socket
// event names (training_log carries plain log lines, analysis results and
// cleaning reports, discriminated by a "type" field). Decode turns that
// dynamic shape into a closed set of variants; consumers switch on the
// concrete type.
package runevent

import "time"

// Socket event names used by the backend.
const (
	NameLog      = "training_log"
	NameMetric   = "training_metric"
	NameProgress = "training_progress"
	NameStatus   = "status_update"
)

// Kind identifies an event variant.
type Kind string

const (
	KindLog            Kind = "log"
	KindMetric         Kind = "metric"
	KindProgress       Kind = "progress"
	KindStatus         Kind = "status"
	KindAnalysisResult Kind = "analysis_result"
	KindCleaningReport Kind = "cleaning_report"
	KindClientNote     Kind = "client_note"
)

// Event is one realtime event. The variant set is closed: Log, Metric,
// Progress, StatusUpdate, AnalysisResult, CleaningReport and ClientNote.
type Event interface {
	Kind() Kind
	At() time.Time
	isEvent()
}

// Log levels carried in log events.
const (
	LevelDebug   = "DEBUG"
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// Log is a plain log line from the worker or its subprocess.
type Log struct {
	// Source is the wire "type" tag the line arrived with (e.g. "log",
	// "INFO", or an unrecognized tag mapped to an info line).
	Source    string
	Message   string
	Level     string
	Timestamp time.Time
}

// Metric is one evaluation tick. Exactly which index field is set depends on
// the model family: neural models report epochs, ensembles report estimators.
type Metric struct {
	Epoch      *int
	Estimator  *int
	Iteration  *int
	TotalSteps int
	StepName   string

	// Train and Val hold the numeric train_* and val_* fields with the
	// prefix stripped (e.g. "accuracy", "loss", "r2", "rmse").
	Train map[string]float64
	Val   map[string]float64

	Timestamp time.Time
}

// Progress is a partial progress tick. Nil fields were absent on the wire.
type Progress struct {
	StepName     *string
	CurrentStep  *int
	TotalSteps   *int
	Batch        *int
	TotalBatches *int
	Timestamp    time.Time
}

// StatusUpdate carries the backend's authoritative status string.
type StatusUpdate struct {
	Status    string
	Error     string
	Timestamp time.Time
}

// AnalysisResult is a structured analysis fragment, keyed by section
// (basic_info, data_quality, preview_data, issues, feature_importance, ...).
type AnalysisResult struct {
	Key       string
	Data      any
	Timestamp time.Time
}

// CleaningReport is the final structured report of a cleaning stage.
type CleaningReport struct {
	Data      map[string]any
	Timestamp time.Time
}

// ClientNote is synthesized locally (connection notices, trigger results).
// It never arrives from the wire.
type ClientNote struct {
	Message   string
	Level     string
	Timestamp time.Time
}

func (Log) Kind() Kind            { return KindLog }
func (Metric) Kind() Kind         { return KindMetric }
func (Progress) Kind() Kind       { return KindProgress }
func (StatusUpdate) Kind() Kind   { return KindStatus }
func (AnalysisResult) Kind() Kind { return KindAnalysisResult }
func (CleaningReport) Kind() Kind { return KindCleaningReport }
func (ClientNote) Kind() Kind     { return KindClientNote }

func (e Log) At() time.Time            { return e.Timestamp }
func (e Metric) At() time.Time         { return e.Timestamp }
func (e Progress) At() time.Time       { return e.Timestamp }
func (e StatusUpdate) At() time.Time   { return e.Timestamp }
func (e AnalysisResult) At() time.Time { return e.Timestamp }
func (e CleaningReport) At() time.Time { return e.Timestamp }
func (e ClientNote) At() time.Time     { return e.Timestamp }

func (Log) isEvent()            {}
func (Metric) isEvent()         {}
func (Progress) isEvent()       {}
func (StatusUpdate) isEvent()   {}
func (AnalysisResult) isEvent() {}
func (CleaningReport) isEvent() {}
func (ClientNote) isEvent()     {}

// NewClientNote builds a locally synthesized note stamped with now.
func NewClientNote(level, message string, now time.Time) ClientNote {
	if level == "" {
		level = LevelInfo
	}
	return ClientNote{Message: message, Level: level, Timestamp: now}
}
