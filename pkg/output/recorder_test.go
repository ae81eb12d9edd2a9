package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/learnlab/pkg/labclient"
	"github.com/3leaps/learnlab/pkg/realtime"
	"github.com/3leaps/learnlab/pkg/runevent"
	"github.com/3leaps/learnlab/pkg/runstatus"
)

func records(t *testing.T, buf *bytes.Buffer) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var r Record
		require.NoError(t, json.Unmarshal([]byte(line), &r))
		out = append(out, r)
	}
	return out
}

func TestRecorder_Events(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(NewJSONLWriter(&buf, "s", "run-1"))
	ctx := context.Background()
	now := time.Now()

	epoch := 2
	step, total := 4, 8
	name := "Epoch"

	require.NoError(t, rec.Event(ctx, runevent.Log{Message: "hello", Level: runevent.LevelInfo, Timestamp: now}))
	require.NoError(t, rec.Event(ctx, runevent.Metric{Epoch: &epoch, Train: map[string]float64{"loss": 0.4}, Timestamp: now}))
	require.NoError(t, rec.Event(ctx, runevent.Progress{StepName: &name, TotalSteps: &total, Timestamp: now}))
	require.NoError(t, rec.Event(ctx, runevent.Progress{CurrentStep: &step, Timestamp: now}))
	require.NoError(t, rec.Event(ctx, runevent.AnalysisResult{Key: "issues", Data: []any{}, Timestamp: now}))
	require.NoError(t, rec.Event(ctx, runevent.CleaningReport{Data: map[string]any{"summary": map[string]any{}}, Timestamp: now}))
	require.NoError(t, rec.Event(ctx, runevent.StatusUpdate{Status: "ANALYZING", Timestamp: now}))
	require.NoError(t, rec.Event(ctx, runevent.NewClientNote(runevent.LevelWarning, "reconnecting", now)))

	got := records(t, &buf)
	require.Len(t, got, 7, "status updates are not written as events")

	types := make([]string, len(got))
	for i, r := range got {
		types[i] = r.Type
	}
	assert.Equal(t, []string{TypeLog, TypeMetric, TypeProgress, TypeProgress, TypeResult, TypeResult, TypeLog}, types)

	var metric MetricRecord
	require.NoError(t, json.Unmarshal(got[1].Data, &metric))
	assert.Equal(t, "2", metric.Step)

	var progress ProgressRecord
	require.NoError(t, json.Unmarshal(got[3].Data, &progress))
	assert.Equal(t, "Epoch", progress.StepName, "partial ticks are merged")
	assert.Equal(t, 4, progress.CurrentStep)
	assert.InDelta(t, 0.5, progress.Percent, 1e-9)

	var cleaning ResultRecord
	require.NoError(t, json.Unmarshal(got[5].Data, &cleaning))
	assert.Equal(t, CleaningReportKey, cleaning.Key)

	var note LogRecord
	require.NoError(t, json.Unmarshal(got[6].Data, &note))
	assert.Equal(t, string(runevent.KindClientNote), note.Kind)
	assert.Equal(t, runevent.LevelWarning, note.Level)
}

func TestRecorder_TransitionResetsProgress(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(NewJSONLWriter(&buf, "s", "run-1"))
	ctx := context.Background()

	step, total := 5, 5
	require.NoError(t, rec.Event(ctx, runevent.Progress{CurrentStep: &step, TotalSteps: &total}))
	require.NoError(t, rec.Transition(ctx, runstatus.Transition{
		From: runstatus.CleaningFailed, To: runstatus.Cleaning, Cause: runstatus.CauseRestart, Changed: true,
	}))
	one := 1
	require.NoError(t, rec.Event(ctx, runevent.Progress{CurrentStep: &one}))

	got := records(t, &buf)
	require.Len(t, got, 3)
	assert.Equal(t, TypeStatus, got[1].Type)

	var status StatusRecord
	require.NoError(t, json.Unmarshal(got[1].Data, &status))
	assert.Equal(t, "CLEANING", status.To)
	assert.Equal(t, "restart", status.Cause)

	var progress ProgressRecord
	require.NoError(t, json.Unmarshal(got[2].Data, &progress))
	assert.Equal(t, 0, progress.TotalSteps)
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&labclient.APIError{Op: "get_run", StatusCode: 403, Err: labclient.ErrNotFound}, ErrCodeNotFound},
		{&labclient.APIError{Op: "get_run", StatusCode: 401, Err: labclient.ErrUnauthorized}, ErrCodeUnauthorized},
		{fmt.Errorf("start: %w", &labclient.APIError{StatusCode: 409, Err: labclient.ErrConflict}), ErrCodeConflict},
		{&labclient.APIError{StatusCode: 503, Err: labclient.ErrUnavailable}, ErrCodeUnavailable},
		{&realtime.RoomError{RunID: "run-1", Message: "Unauthorized to join this room"}, ErrCodeRealtime},
		{realtime.ErrNoToken, ErrCodeUnauthorized},
		{errors.New("boom"), ErrCodeInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorCode(tt.err), tt.err.Error())
	}
}

func TestRecorder_ErrorNil(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(NewJSONLWriter(&buf, "s", "run-1"))
	require.NoError(t, rec.Error(context.Background(), nil))
	assert.Empty(t, buf.String())
}

func TestRecorder_Summary(t *testing.T) {
	var buf bytes.Buffer
	rec := NewRecorder(NewJSONLWriter(&buf, "s", "run-1"))

	require.NoError(t, rec.Summary(context.Background(), &SummaryRecord{Status: "SUCCESS", Success: true, Attempt: 1}))

	got := records(t, &buf)
	require.Len(t, got, 1)
	assert.Equal(t, TypeSummary, got[0].Type)

	var data SummaryRecord
	require.NoError(t, json.Unmarshal(got[0].Data, &data))
	assert.Equal(t, "SUCCESS", data.Status)
	assert.True(t, data.Success)
}
