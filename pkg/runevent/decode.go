package runevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed indicates a payload that is not a JSON object.
var ErrMalformed = errors.New("malformed event payload")

// DecodeError wraps a payload decoding failure with the event name.
type DecodeError struct {
	Name string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Name, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode converts a socket event into a typed Event.
//
// receivedAt stamps events whose payload lacks a parseable timestamp.
// Unknown event names and unknown training_log tags become info-level Log
// events rather than being dropped. Numeric fields accept JSON numbers and
// numeric strings, since the workers serialize numpy scalars with str().
func Decode(name string, payload []byte, receivedAt time.Time) (Event, error) {
	fields, err := decodeObject(payload)
	if err != nil {
		return nil, &DecodeError{Name: name, Err: err}
	}
	ts := timestampOf(fields, receivedAt)

	switch name {
	case NameStatus:
		return StatusUpdate{
			Status:    stringField(fields, "status"),
			Error:     stringField(fields, "error"),
			Timestamp: ts,
		}, nil
	case NameMetric:
		return decodeMetric(fields, ts), nil
	case NameProgress:
		return decodeProgress(fields, ts), nil
	case NameLog:
		return decodeLog(fields, ts), nil
	default:
		return Log{
			Source:    name,
			Message:   fallbackMessage(name, fields),
			Level:     LevelInfo,
			Timestamp: ts,
		}, nil
	}
}

func decodeObject(payload []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch obj := v.(type) {
	case map[string]any:
		return obj, nil
	case nil:
		return map[string]any{}, nil
	case string:
		// Some emitters send a bare message string.
		return map[string]any{"message": obj}, nil
	default:
		return nil, fmt.Errorf("%w: expected object, got %T", ErrMalformed, v)
	}
}

func decodeLog(fields map[string]any, ts time.Time) Event {
	tag := stringField(fields, "type")

	switch strings.ToLower(tag) {
	case string(KindAnalysisResult):
		return AnalysisResult{
			Key:       stringField(fields, "key"),
			Data:      fields["data"],
			Timestamp: ts,
		}
	case string(KindCleaningReport):
		data, _ := fields["data"].(map[string]any)
		return CleaningReport{Data: data, Timestamp: ts}
	}

	level := normalizeLevel(stringField(fields, "log_type"))
	if level == "" {
		level = normalizeLevel(tag)
	}
	if level == "" {
		level = LevelInfo
	}

	source := tag
	if source == "" {
		source = string(KindLog)
	}

	msg := stringField(fields, "message")
	if msg == "" {
		msg = fallbackMessage(source, fields)
	}

	return Log{Source: source, Message: msg, Level: level, Timestamp: ts}
}

func normalizeLevel(v string) string {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case LevelDebug:
		return LevelDebug
	case LevelInfo:
		return LevelInfo
	case LevelWarning, "WARN":
		return LevelWarning
	case LevelError, "CRITICAL":
		return LevelError
	default:
		return ""
	}
}

func decodeMetric(fields map[string]any, ts time.Time) Metric {
	m := Metric{
		Epoch:     intField(fields, "epoch"),
		Estimator: intField(fields, "estimator"),
		Iteration: intField(fields, "iteration"),
		Train:     map[string]float64{},
		Val:       map[string]float64{},
		Timestamp: ts,
	}

	switch {
	case m.Epoch != nil:
		m.StepName = "Epoch"
		m.TotalSteps = firstInt(fields, "total_epochs", "total_steps")
	case m.Estimator != nil:
		m.StepName = "Estimator"
		m.TotalSteps = firstInt(fields, "total_estimators", "total_steps")
	case m.Iteration != nil:
		m.StepName = "Iteration"
		m.TotalSteps = firstInt(fields, "total_iterations", "total_steps")
	default:
		m.StepName = stringField(fields, "step_name")
		m.TotalSteps = firstInt(fields, "total_steps")
	}

	for k, v := range fields {
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		switch {
		case strings.HasPrefix(k, "train_"):
			m.Train[strings.TrimPrefix(k, "train_")] = f
		case strings.HasPrefix(k, "val_"):
			m.Val[strings.TrimPrefix(k, "val_")] = f
		}
	}
	return m
}

func decodeProgress(fields map[string]any, ts time.Time) Progress {
	p := Progress{
		CurrentStep:  intField(fields, "current_step"),
		TotalSteps:   intField(fields, "total_steps"),
		Batch:        intField(fields, "batch"),
		TotalBatches: intField(fields, "total_batches"),
		Timestamp:    ts,
	}
	if v, ok := fields["step_name"].(string); ok {
		p.StepName = &v
	}
	return p
}

func fallbackMessage(tag string, fields map[string]any) string {
	if msg := stringField(fields, "message"); msg != "" {
		return msg
	}
	if len(fields) == 0 {
		return fmt.Sprintf("[%s]", tag)
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("[%s]", tag)
	}
	return fmt.Sprintf("[%s] %s", tag, b)
}

func stringField(fields map[string]any, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func intField(fields map[string]any, key string) *int {
	f, ok := toFloat(fields[key])
	if !ok {
		return nil
	}
	i := int(math.Round(f))
	return &i
}

func firstInt(fields map[string]any, keys ...string) int {
	for _, k := range keys {
		if v := intField(fields, k); v != nil {
			return *v
		}
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func timestampOf(fields map[string]any, fallback time.Time) time.Time {
	raw, _ := fields["timestamp"].(string)
	if ts, ok := ParseTimestamp(raw); ok {
		return ts
	}
	return fallback
}

// ParseTimestamp parses the ISO-8601 variants the backend emits: RFC 3339,
// naive UTC (datetime.utcnow().isoformat()), and an offset followed by a
// redundant "Z" (aware timestamp with "Z" appended).
func ParseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if len(raw) > 10 && strings.HasSuffix(raw, "Z") && strings.Contains(raw[10:], "+") {
		raw = strings.TrimSuffix(raw, "Z")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
