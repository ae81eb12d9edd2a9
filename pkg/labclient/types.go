package labclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3leaps/learnlab/pkg/runevent"
)

// Time is a backend timestamp. The backend serializes naive UTC datetimes
// without an offset, which encoding/json cannot parse into time.Time.
type Time struct {
	time.Time
}

// UnmarshalJSON accepts null, RFC 3339 and naive ISO-8601 strings.
func (t *Time) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, ok := runevent.ParseTimestamp(raw)
	if !ok {
		return fmt.Errorf("timestamp: unrecognized format %q", raw)
	}
	t.Time = parsed
	return nil
}

// MarshalJSON writes RFC 3339, or null for the zero time.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// RunSnapshot is the backend's view of a run at fetch time. It is replaced
// wholesale on every re-fetch.
type RunSnapshot struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	ModelIdentifier    string         `json:"model_id_str"`
	TaskID             string         `json:"task_id,omitempty"`
	UserID             string         `json:"user_id,omitempty"`
	CeleryTaskID       string         `json:"celery_task_id,omitempty"`
	CreatedAt          Time           `json:"created_at"`
	StartedAt          Time           `json:"started_at"`
	CompletedAt        Time           `json:"completed_at"`
	AnalysisResults    map[string]any `json:"analysis_results,omitempty"`
	CleaningReport     map[string]any `json:"cleaning_report,omitempty"`
	FinalMetrics       map[string]any `json:"final_metrics,omitempty"`
	EducationalSummary map[string]any `json:"educational_summary,omitempty"`
}

// SummaryTask returns the educational summary's task field ("Classification"
// or "Regression"), or "" when absent.
func (s *RunSnapshot) SummaryTask() string {
	if s == nil {
		return ""
	}
	task, _ := s.EducationalSummary["task"].(string)
	return task
}

// RunResults is the response of the results endpoint.
type RunResults struct {
	Run     RunSnapshot    `json:"run"`
	Metrics map[string]any `json:"metrics"`
	Summary map[string]any `json:"summary"`
	Files   []string       `json:"files"`
}

type runResultsWire struct {
	Run     RunSnapshot `json:"run"`
	Results struct {
		Metrics map[string]any `json:"metrics"`
		Summary map[string]any `json:"summary"`
		Files   []string       `json:"files"`
	} `json:"results"`
}

// StartResponse is returned by the stage start endpoints (202 Accepted).
type StartResponse struct {
	Message      string      `json:"msg"`
	CeleryTaskID string      `json:"celery_task_id"`
	Run          RunSnapshot `json:"run"`
}

// User is an authenticated user's profile.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email"`
	Role      string `json:"role,omitempty"`
	IsActive  *bool  `json:"is_active,omitempty"`
	LastLogin Time   `json:"last_login"`
	CreatedAt Time   `json:"created_at"`
}

// LoginResult carries the issued access token and the user's profile.
type LoginResult struct {
	AccessToken string `json:"access_token"`
	User        User   `json:"user"`
}
