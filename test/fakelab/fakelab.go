// Package fakelab runs an in-process LearnLab backend for tests: the REST
// routes under /api and a Socket.IO v4 websocket endpoint at /socket.io/.
//
// Tests drive the worker side by emitting room events directly:
//
//	lab := fakelab.New(t)
//	lab.AddRun(fakelab.Run{ID: "run-1", Status: "PENDING_ANALYSIS"})
//	// ... mount a monitor against lab.APIURL() and lab.URL() ...
//	lab.EmitStatus("run-1", "ANALYZING")
package fakelab

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Email and Password are the only credentials Login accepts.
	Email    = "student@example.com"
	Password = "correct-horse"

	// UserID owns every run added without an explicit owner.
	UserID = "user-1"

	signingKey = "fakelab-signing-key"
)

// Run is the server-side state of a model run.
type Run struct {
	ID                 string
	Owner              string
	Status             string
	ModelID            string
	AnalysisResults    map[string]any
	CleaningReport     map[string]any
	FinalMetrics       map[string]any
	EducationalSummary map[string]any
	Files              map[string][]byte
}

// StartCall records a stage start request.
type StartCall struct {
	RunID string
	Stage string
	Body  map[string]any
}

// StartHook runs after a start request is accepted, outside the server lock.
type StartHook func(lab *Server, call StartCall)

// Server is a fake backend. All methods are safe for concurrent use.
type Server struct {
	t    testing.TB
	http *httptest.Server

	mu           sync.Mutex
	token        string
	runs         map[string]*Run
	starts       []StartCall
	startHook    StartHook
	getDelay     time.Duration
	getFailures  int
	rejectSocket bool
	pingInterval time.Duration

	sockets *socketHub
}

// New starts a fake backend and registers its shutdown with t.Cleanup.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		t:            t,
		runs:         make(map[string]*Run),
		pingInterval: 25 * time.Second,
	}
	s.token = s.IssueToken(time.Hour)
	s.sockets = newSocketHub(s)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Get("/auth/me", s.authed(s.handleMe))
		r.Route("/training/run/{runID}", func(r chi.Router) {
			r.Get("/", s.authed(s.handleGetRun))
			r.Get("/results", s.authed(s.handleResults))
			r.Post("/analyze", s.authed(s.handleStart("analyze")))
			r.Post("/clean", s.authed(s.handleStart("clean")))
			r.Post("/train", s.authed(s.handleStart("train")))
			r.Get("/file/*", s.authed(s.handleFile))
		})
	})
	r.Get("/socket.io/", s.sockets.serve)

	s.http = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

// Close disconnects every socket and stops the server.
func (s *Server) Close() {
	s.sockets.closeAll()
	s.http.Close()
}

// URL is the server root, used as the realtime URL.
func (s *Server) URL() string {
	return s.http.URL
}

// APIURL is the REST base URL including /api.
func (s *Server) APIURL() string {
	return s.http.URL + "/api"
}

// Token returns the currently valid access token.
func (s *Server) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// IssueToken signs a token for UserID expiring after ttl (negative ttl
// yields an expired token). It does not change the valid token.
func (s *Server) IssueToken(ttl time.Duration) string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   UserID,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}).SignedString([]byte(signingKey))
	if err != nil {
		s.t.Fatalf("fakelab: sign token: %v", err)
	}
	return tok
}

// AddRun stores a run, replacing any run with the same id.
func (s *Server) AddRun(run Run) {
	if run.Owner == "" {
		run.Owner = UserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := run
	s.runs[run.ID] = &cp
}

// SetStatus changes a run's persisted status without emitting an event.
func (s *Server) SetStatus(runID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.Status = status
	}
}

// UpdateRun applies fn to the stored run under the server lock.
func (s *Server) UpdateRun(runID string, fn func(*Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		fn(r)
	}
}

// RunStatus returns a run's persisted status.
func (s *Server) RunStatus(runID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		return r.Status
	}
	return ""
}

// SetStartHook installs a hook invoked after each accepted stage start.
func (s *Server) SetStartHook(h StartHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startHook = h
}

// SetGetRunDelay delays run detail responses, to order snapshot arrival
// after stream events.
func (s *Server) SetGetRunDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getDelay = d
}

// FailNextGetRuns makes the next n run detail requests answer 500.
func (s *Server) FailNextGetRuns(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getFailures = n
}

// SetRejectSockets makes new websocket upgrades fail with 503.
func (s *Server) SetRejectSockets(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectSocket = reject
}

// SetPingInterval changes the Engine.IO ping interval for new sockets.
func (s *Server) SetPingInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingInterval = d
}

// Starts returns the stage start requests received so far.
func (s *Server) Starts() []StartCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StartCall, len(s.starts))
	copy(out, s.starts)
	return out
}

// Emit sends a worker event to every socket in the run's room.
func (s *Server) Emit(runID, event string, payload any) {
	s.sockets.emitRoom(runID, event, payload)
}

// EmitStatus persists a status and emits status_update, like the worker.
func (s *Server) EmitStatus(runID, status string) {
	s.SetStatus(runID, status)
	s.Emit(runID, "status_update", map[string]any{"status": status})
}

// EmitLog emits a training_log line.
func (s *Server) EmitLog(runID, level, message string) {
	s.Emit(runID, "training_log", map[string]any{
		"type":      level,
		"message":   message,
		"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000000"),
	})
}

// DropSockets closes every websocket connection, simulating a network drop.
func (s *Server) DropSockets() {
	s.sockets.closeAll()
}

// RoomMembers returns the number of sockets joined to the run's room.
func (s *Server) RoomMembers(runID string) int {
	return s.sockets.members(runID)
}

// JoinCount returns how many join_room requests arrived for the run.
func (s *Server) JoinCount(runID string) int {
	return s.sockets.joinCount(runID)
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	return s.sockets.count()
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.Token() {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Missing or invalid token"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" || body.Password == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "Email and password are required"})
		return
	}
	if body.Email != Email || body.Password != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Invalid email or password"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"msg":          "Login successful",
		"access_token": s.Token(),
		"user":         userJSON(),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userJSON())
}

func userJSON() map[string]any {
	return map[string]any{
		"id":        UserID,
		"username":  "student",
		"email":     Email,
		"role":      "student",
		"is_active": true,
	}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (Run, bool) {
	id := chi.URLParam(r, "runID")
	s.mu.Lock()
	run, ok := s.runs[id]
	var cp Run
	if ok {
		cp = *run
	}
	s.mu.Unlock()
	if !ok || cp.Owner != UserID {
		writeJSON(w, http.StatusForbidden, map[string]string{"msg": "Model run not found or unauthorized"})
		return Run{}, false
	}
	return cp, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.getDelay
	fail := s.getFailures > 0
	if fail {
		s.getFailures--
	}
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": "Internal server error"})
		return
	}

	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, runJSON(run))
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	files := make([]string, 0, len(run.Files))
	for name := range run.Files {
		files = append(files, name)
	}
	sort.Strings(files)
	writeJSON(w, http.StatusOK, map[string]any{
		"run": runJSON(run),
		"results": map[string]any{
			"metrics": orEmpty(run.FinalMetrics),
			"summary": orEmpty(run.EducationalSummary),
			"files":   files,
		},
	})
}

var startGates = map[string][]string{
	"analyze": {"PENDING_ANALYSIS", "ANALYSIS_FAILED"},
	"clean":   {"SUCCESS", "CLEANING_FAILED"},
	"train":   {"SUCCESS", "CLEANING_SUCCESS", "FAILED"},
}

func (s *Server) handleStart(stage string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := s.lookup(w, r)
		if !ok {
			return
		}

		allowed := false
		for _, st := range startGates[stage] {
			if run.Status == st {
				allowed = true
			}
		}
		if !allowed {
			writeJSON(w, http.StatusConflict, map[string]string{"msg": "Stage cannot be started. Current status: " + run.Status})
			return
		}

		body := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if stage == "clean" && len(body) == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"msg": "Cleaning options are required in the request body"})
			return
		}

		call := StartCall{RunID: run.ID, Stage: stage, Body: body}
		s.mu.Lock()
		s.starts = append(s.starts, call)
		if stage == "train" {
			s.runs[run.ID].Status = "STARTING"
		}
		hook := s.startHook
		current := *s.runs[run.ID]
		s.mu.Unlock()

		writeJSON(w, http.StatusAccepted, map[string]any{
			"msg":            "Stage started",
			"celery_task_id": "celery-" + run.ID,
			"run":            runJSON(current),
		})
		if hook != nil {
			go hook(s, call)
		}
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookup(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "*")
	data, ok := run.Files[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"msg": "File not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

func runJSON(run Run) map[string]any {
	return map[string]any{
		"id":                  run.ID,
		"status":              run.Status,
		"model_id_str":        run.ModelID,
		"user_id":             run.Owner,
		"task_id":             "task-1",
		"created_at":          "2026-03-01T09:00:00.000000",
		"started_at":          nil,
		"completed_at":        nil,
		"analysis_results":    run.AnalysisResults,
		"cleaning_report":     run.CleaningReport,
		"final_metrics":       run.FinalMetrics,
		"educational_summary": run.EducationalSummary,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
