package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSingle(t *testing.T, buf *bytes.Buffer, out any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	if out != nil {
		require.NoError(t, json.Unmarshal(record.Data, out))
	}
	return record
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	assert.NotNil(t, w)
	assert.Equal(t, "session-1", w.sessionID)
	assert.Equal(t, "run-1", w.runID)
}

func TestJSONLWriter_WriteLog(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	err := w.WriteLog(context.Background(), &LogRecord{
		Timestamp: ts,
		Level:     "WARNING",
		Kind:      "log",
		Message:   "Single column detected",
	})
	require.NoError(t, err)

	var data LogRecord
	record := decodeSingle(t, &buf, &data)

	assert.Equal(t, TypeLog, record.Type)
	assert.Equal(t, "session-1", record.SessionID)
	assert.Equal(t, "run-1", record.RunID)
	assert.False(t, record.TS.IsZero())
	assert.Equal(t, ts, data.Timestamp)
	assert.Equal(t, "WARNING", data.Level)
	assert.Equal(t, "Single column detected", data.Message)
}

func TestJSONLWriter_WriteMetric(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	err := w.WriteMetric(context.Background(), &MetricRecord{
		Step:       "3",
		StepName:   "Epoch",
		TotalSteps: 10,
		Train:      map[string]float64{"accuracy": 0.9},
		Val:        map[string]float64{"accuracy": 0.85},
	})
	require.NoError(t, err)

	var data MetricRecord
	record := decodeSingle(t, &buf, &data)

	assert.Equal(t, TypeMetric, record.Type)
	assert.Equal(t, "3", data.Step)
	assert.Equal(t, 10, data.TotalSteps)
	assert.InDelta(t, 0.85, data.Val["accuracy"], 1e-9)
}

func TestJSONLWriter_WriteStatus(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	require.NoError(t, w.WriteStatus(context.Background(), &StatusRecord{From: "STARTING", To: "ANALYZING", Cause: "status_update"}))

	var data StatusRecord
	record := decodeSingle(t, &buf, &data)
	assert.Equal(t, TypeStatus, record.Type)
	assert.Equal(t, "ANALYZING", data.To)
	assert.NotContains(t, buf.String(), "suppressed")
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	sum := &SummaryRecord{
		Status:        "SUCCESS",
		Success:       true,
		Attempt:       2,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
		FinalMetrics:  map[string]any{"accuracy": 0.93},
	}
	require.NoError(t, w.WriteSummary(context.Background(), sum))

	var data SummaryRecord
	record := decodeSingle(t, &buf, &data)

	assert.Equal(t, TypeSummary, record.Type)
	assert.Equal(t, "SUCCESS", data.Status)
	assert.True(t, data.Success)
	assert.Equal(t, 2, data.Attempt)
	assert.Equal(t, 30*time.Second, data.Duration)
	assert.Equal(t, "30s", data.DurationHuman)
	assert.InDelta(t, 0.93, data.FinalMetrics["accuracy"], 1e-9)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	require.NoError(t, w.WriteLog(context.Background(), &LogRecord{Message: "one"}))
	require.NoError(t, w.WriteLog(context.Background(), &LogRecord{Message: "two"}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)

	for _, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	require.NoError(t, w.Close())

	err := w.WriteLog(context.Background(), &LogRecord{Message: "late"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)

	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteProgress(context.Background(), &ProgressRecord{
					CurrentStep: writerID*writesPerWriter + j,
					TotalSteps:  numWriters * writesPerWriter,
				})
			}
		}(i)
	}

	wg.Wait()

	// Every line must be a complete JSON object (no interleaving).
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)

	for i, line := range lines {
		var record Record
		err := json.Unmarshal([]byte(line), &record)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteLog(ctx, &LogRecord{Message: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "session-1", "run-1")

	err := w.WriteLog(context.Background(), &LogRecord{Message: "x"})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_MarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "session-1", "run-1")

	err := w.WriteResult(context.Background(), &ResultRecord{Key: "bad", Data: make(chan int)})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "marshal_data", writeErr.Op)
	assert.Empty(t, buf.String())
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "session-1", "run-1")

	err := w.WriteResult(context.Background(), &ResultRecord{
		Key:  "basic_info",
		Data: map[string]any{"shape": []int{100, 4}},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	assert.Len(t, lines, 1)

	var record Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record), "output should be valid JSON despite short writes")
	assert.Equal(t, TypeResult, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "session-1", "run-1")

	err := w.WriteLog(context.Background(), &LogRecord{Message: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call, returning
// nil error.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ErrorRecord{Code: ErrCodeInternal, Message: "Something went wrong"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "details")
}

func BenchmarkJSONLWriter_WriteMetric(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "session-1", "run-1")
	rec := &MetricRecord{
		Step:  "12",
		Train: map[string]float64{"accuracy": 0.91, "loss": 0.2},
		Val:   map[string]float64{"accuracy": 0.88, "loss": 0.3},
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteMetric(ctx, rec)
	}
}
