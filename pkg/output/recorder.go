package output

import (
	"context"
	"errors"
	"sync"

	"github.com/3leaps/learnlab/pkg/accumulate"
	"github.com/3leaps/learnlab/pkg/labclient"
	"github.com/3leaps/learnlab/pkg/realtime"
	"github.com/3leaps/learnlab/pkg/runevent"
	"github.com/3leaps/learnlab/pkg/runstatus"
)

// Recorder turns monitor events and transitions into records.
//
// Progress ticks are partial on the wire; Recorder merges them so every
// progress record carries the full picture.
type Recorder struct {
	w Writer

	mu       sync.Mutex
	progress accumulate.Progress
}

// NewRecorder wraps w.
func NewRecorder(w Writer) *Recorder {
	return &Recorder{w: w}
}

// Event writes ev as its matching record. StatusUpdate events are not
// written; Transition records the reconciled outcome instead.
func (r *Recorder) Event(ctx context.Context, ev runevent.Event) error {
	switch e := ev.(type) {
	case runevent.Metric:
		step, _ := accumulate.StepLabel(e)
		return r.w.WriteMetric(ctx, &MetricRecord{
			Timestamp:  e.Timestamp,
			Step:       step,
			StepName:   e.StepName,
			TotalSteps: e.TotalSteps,
			Train:      e.Train,
			Val:        e.Val,
		})
	case runevent.Progress:
		r.mu.Lock()
		r.progress = accumulate.FoldProgress(r.progress, e)
		p := r.progress
		r.mu.Unlock()
		return r.w.WriteProgress(ctx, &ProgressRecord{
			StepName:     p.StepName,
			CurrentStep:  p.CurrentStep,
			TotalSteps:   p.TotalSteps,
			Batch:        p.Batch,
			TotalBatches: p.TotalBatches,
			Percent:      p.Percent(),
		})
	case runevent.AnalysisResult:
		key := e.Key
		if key == "" {
			key = "results"
		}
		return r.w.WriteResult(ctx, &ResultRecord{Key: key, Data: e.Data})
	case runevent.CleaningReport:
		return r.w.WriteResult(ctx, &ResultRecord{Key: CleaningReportKey, Data: e.Data})
	case runevent.StatusUpdate:
		return nil
	}

	line, ok := accumulate.LogLine(ev)
	if !ok {
		return nil
	}
	return r.w.WriteLog(ctx, &LogRecord{
		Timestamp: line.Timestamp,
		Level:     line.Level,
		Kind:      string(line.Kind),
		Message:   line.Message,
	})
}

// Transition writes a status record.
func (r *Recorder) Transition(ctx context.Context, t runstatus.Transition) error {
	if t.Cause == runstatus.CauseRestart || t.Cause == runstatus.CauseTriggerStart {
		r.mu.Lock()
		r.progress = accumulate.Progress{}
		r.mu.Unlock()
	}
	return r.w.WriteStatus(ctx, &StatusRecord{
		From:       string(t.From),
		To:         string(t.To),
		Cause:      string(t.Cause),
		Suppressed: t.Suppressed,
	})
}

// Error writes an error record classified by ErrorCode.
func (r *Recorder) Error(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	return r.w.WriteError(ctx, &ErrorRecord{Code: ErrorCode(err), Message: err.Error()})
}

// Summary writes the final summary record.
func (r *Recorder) Summary(ctx context.Context, rec *SummaryRecord) error {
	return r.w.WriteSummary(ctx, rec)
}

// ErrorCode maps client and channel errors to ErrorRecord codes.
func ErrorCode(err error) string {
	switch {
	case labclient.IsNotFound(err):
		return ErrCodeNotFound
	case labclient.IsUnauthorized(err), realtime.IsNoToken(err):
		return ErrCodeUnauthorized
	case labclient.IsConflict(err):
		return ErrCodeConflict
	case labclient.IsUnavailable(err):
		return ErrCodeUnavailable
	case realtime.IsRoomRejected(err),
		errors.Is(err, realtime.ErrJoinTimeout),
		errors.Is(err, realtime.ErrNotConnected):
		return ErrCodeRealtime
	default:
		return ErrCodeInternal
	}
}
