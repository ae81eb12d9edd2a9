package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for a watch session.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	// WriteLog emits a log record.
	WriteLog(ctx context.Context, rec *LogRecord) error

	// WriteMetric emits a metric record.
	WriteMetric(ctx context.Context, rec *MetricRecord) error

	// WriteProgress emits a progress record.
	WriteProgress(ctx context.Context, rec *ProgressRecord) error

	// WriteStatus emits a status transition record.
	WriteStatus(ctx context.Context, rec *StatusRecord) error

	// WriteResult emits a structured result record.
	WriteResult(ctx context.Context, rec *ResultRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, rec *ErrorRecord) error

	// WriteSummary emits a summary record.
	WriteSummary(ctx context.Context, rec *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w         io.Writer
	sessionID string
	runID     string
	now       func() time.Time
	mu        sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - sessionID: Correlation ID for this watch session
//   - runID: The monitored model run
func NewJSONLWriter(w io.Writer, sessionID, runID string) *JSONLWriter {
	return &JSONLWriter{
		w:         w,
		sessionID: sessionID,
		runID:     runID,
		now:       time.Now,
	}
}

// WriteLog emits a log record.
func (jw *JSONLWriter) WriteLog(ctx context.Context, rec *LogRecord) error {
	return jw.writeRecord(ctx, TypeLog, rec)
}

// WriteMetric emits a metric record.
func (jw *JSONLWriter) WriteMetric(ctx context.Context, rec *MetricRecord) error {
	return jw.writeRecord(ctx, TypeMetric, rec)
}

// WriteProgress emits a progress record.
func (jw *JSONLWriter) WriteProgress(ctx context.Context, rec *ProgressRecord) error {
	return jw.writeRecord(ctx, TypeProgress, rec)
}

// WriteStatus emits a status transition record.
func (jw *JSONLWriter) WriteStatus(ctx context.Context, rec *StatusRecord) error {
	return jw.writeRecord(ctx, TypeStatus, rec)
}

func (jw *JSONLWriter) WriteResult(ctx context.Context, rec *ResultRecord) error {
	return jw.writeRecord(ctx, TypeResult, rec)
}

// WriteError emits an error record.
func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

// WriteSummary emits a summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
//
// This method holds the mutex for the entire operation to ensure
// atomic line writes.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the payload outside the lock.
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	record := Record{
		Type:      recordType,
		TS:        jw.now().UTC(),
		SessionID: jw.sessionID,
		RunID:     jw.runID,
		Data:      dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
