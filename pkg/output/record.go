// Package output provides JSONL output for run monitoring sessions.
//
// Output is structured as typed record envelopes containing log lines,
// metrics, progress ticks, status transitions, structured results, errors
// and a final summary. Each line is a self-contained JSON object that can
// be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: learnlab.<type>.v<version>
const (
	// TypeLog identifies log line records, including client notes.
	TypeLog = "learnlab.log.v1"

	// TypeMetric identifies evaluation metric records.
	TypeMetric = "learnlab.metric.v1"

	// TypeProgress identifies progress tick records.
	TypeProgress = "learnlab.progress.v1"

	// TypeStatus identifies reconciled status transition records.
	TypeStatus = "learnlab.status.v1"

	// TypeResult identifies structured analysis and cleaning results.
	TypeResult = "learnlab.result.v1"

	// TypeError identifies error records.
	TypeError = "learnlab.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "learnlab.summary.v1"
)

// Record is the envelope for all JSONL output.
//
// Each line of JSONL output contains a Record with a type-specific
// payload in the Data field. The type field determines how to
// interpret the Data payload.
type Record struct {
	// Type identifies the record type (e.g., "learnlab.metric.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// SessionID correlates every record of one watch session.
	SessionID string `json:"session_id"`

	// RunID is the monitored model run.
	RunID string `json:"run_id"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// LogRecord is one line of the run log.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`

	// Kind is the event variant the line was rendered from
	// ("log", "client_note", "analysis_result", ...).
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// MetricRecord is one evaluation tick.
type MetricRecord struct {
	Timestamp  time.Time          `json:"timestamp"`
	Step       string             `json:"step,omitempty"`
	StepName   string             `json:"step_name,omitempty"`
	TotalSteps int                `json:"total_steps,omitempty"`
	Train      map[string]float64 `json:"train,omitempty"`
	Val        map[string]float64 `json:"val,omitempty"`
}

// ProgressRecord is the merged progress after a tick.
type ProgressRecord struct {
	StepName     string  `json:"step_name,omitempty"`
	CurrentStep  int     `json:"current_step"`
	TotalSteps   int     `json:"total_steps"`
	Batch        int     `json:"batch,omitempty"`
	TotalBatches int     `json:"total_batches,omitempty"`
	Percent      float64 `json:"percent"`
}

// StatusRecord is a reconciled status transition.
type StatusRecord struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause"`

	// Suppressed is set when a requested transition was rejected because
	// the run is already terminal.
	Suppressed bool `json:"suppressed,omitempty"`
}

// ResultRecord carries a structured analysis section or cleaning report.
type ResultRecord struct {
	Key  string `json:"key"`
	Data any    `json:"data"`
}

// CleaningReportKey is the ResultRecord key used for cleaning reports.
const CleaningReportKey = "cleaning_report"

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than ending the session, so a
// consumer sees connection problems interleaved with the run's events.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeNotFound indicates the run does not exist or is not owned by the caller.
	ErrCodeNotFound = "NOT_FOUND"

	// ErrCodeUnauthorized indicates a missing, expired or rejected token.
	ErrCodeUnauthorized = "UNAUTHORIZED"

	// ErrCodeConflict indicates the backend refused to start a stage.
	ErrCodeConflict = "CONFLICT"

	// ErrCodeUnavailable indicates the backend could not be reached.
	ErrCodeUnavailable = "UNAVAILABLE"

	// ErrCodeRealtime indicates a live-update channel failure.
	ErrCodeRealtime = "REALTIME"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is emitted once when a watch session ends.
type SummaryRecord struct {
	// Status is the final reconciled status.
	Status string `json:"status"`

	// Success is false for failure statuses and interrupted sessions.
	Success bool `json:"success"`

	// Attempt is the attempt number the session ended on.
	Attempt int `json:"attempt"`

	// Duration is the session duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	Message  string `json:"message,omitempty"`
	Guidance string `json:"guidance,omitempty"`

	// FinalMetrics are the persisted metrics of a finished training run.
	FinalMetrics map[string]any `json:"final_metrics,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
