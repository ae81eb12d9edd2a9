// Package monitor follows one model run through a pipeline stage.
//
// A Monitor loads the run snapshot over REST, optionally starts the stage,
// joins the run's realtime room and folds every streamed event into a
// display state. Events are applied under the monitor's lock in arrival
// order; callers read the state through View and may observe changes
// through Hooks.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/learnlab/pkg/accumulate"
	"github.com/3leaps/learnlab/pkg/labclient"
	"github.com/3leaps/learnlab/pkg/realtime"
	"github.com/3leaps/learnlab/pkg/runevent"
	"github.com/3leaps/learnlab/pkg/runstatus"
)

var (
	// ErrMounted is returned by Mount on a monitor that was already mounted.
	ErrMounted = errors.New("monitor already mounted")

	// ErrNotMounted is returned by operations on an unmounted monitor.
	ErrNotMounted = errors.New("monitor not mounted")

	// ErrNoTrigger is returned by Retry when the profile only observes.
	ErrNoTrigger = errors.New("stage has no start action")
)

// LoadError reports that the run snapshot could not be fetched.
type LoadError struct {
	RunID string
	Err   error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load run %s: %v", e.RunID, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// API is the REST surface a monitor uses. *labclient.Client implements it.
type API interface {
	GetRun(ctx context.Context, runID string) (*labclient.RunSnapshot, error)
	StartAnalysis(ctx context.Context, runID string) (*labclient.StartResponse, error)
	StartCleaning(ctx context.Context, runID string, opts labclient.CleanOptions) (*labclient.StartResponse, error)
	StartTraining(ctx context.Context, runID string, params map[string]any) (*labclient.StartResponse, error)
}

// Pool hands out the process-wide realtime channel. *realtime.Shared
// implements it.
type Pool interface {
	Acquire() *realtime.Channel
	Release()
}

// Notification is delivered once per attempt when a streamed status update
// moves the run into a terminal status.
type Notification struct {
	RunID   string
	Stage   Stage
	Status  runstatus.Status
	Attempt int
	Success bool
	Message string
}

// Hooks observe a monitor. Every hook is optional and runs outside the
// monitor lock, so hooks may call View.
type Hooks struct {
	OnEvent      func(runevent.Event)
	OnTransition func(runstatus.Transition)
	OnTerminal   func(Notification)
}

// Config identifies the run and how to follow it.
type Config struct {
	RunID   string
	Profile Profile

	// TaskType overrides task type inference for the chart
	// ("classification" or "regression").
	TaskType string
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option {
	return func(m *Monitor) {
		m.hooks = h
	}
}

// WithClock replaces time.Now, used to stamp events without timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// maxEarlyMetrics bounds the metrics kept to rebuild the chart once the
// task type is known.
const maxEarlyMetrics = 4 * accumulate.MaxChartPoints

// Monitor follows one run. It is safe for concurrent use.
//
// A pool carries one mounted monitor at a time; runs followed concurrently
// need their own pool. See realtime.Shared.
type Monitor struct {
	cfg    Config
	api    API
	pool   Pool
	logger *zap.Logger
	hooks  Hooks
	now    func() time.Time

	// alive guards handlers that race with Unmount.
	alive atomic.Bool

	mu        sync.Mutex
	mounted   bool
	rec       *runstatus.Reconciler
	snapshot  *labclient.RunSnapshot
	loaded    bool
	log       []accumulate.LogEntry
	chart     accumulate.Chart
	early     []runevent.Metric
	progress  accumulate.Progress
	results   accumulate.Results
	lastErr   string
	triggered bool
	live      bool
	connected bool

	ch   *realtime.Channel
	subs []*realtime.Subscription
}

// New returns an unmounted monitor.
func New(cfg Config, api API, pool Pool, opts ...Option) (*Monitor, error) {
	if cfg.RunID == "" {
		return nil, errors.New("monitor: run id is required")
	}
	if api == nil {
		return nil, errors.New("monitor: api is required")
	}
	if pool == nil {
		return nil, errors.New("monitor: realtime pool is required")
	}
	if cfg.Profile.Stage == "" {
		return nil, errors.New("monitor: profile is required")
	}

	m := &Monitor{
		cfg:    cfg,
		api:    api,
		pool:   pool,
		logger: zap.NewNop(),
		now:    time.Now,
		rec:    runstatus.NewReconciler(cfg.Profile.reconcilerConfig()),
		chart:  accumulate.NewChart(accumulate.ResolveTaskType(cfg.TaskType, "", "")),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("run_id", cfg.RunID), zap.String("stage", string(cfg.Profile.Stage)))
	return m, nil
}

// RunID returns the monitored run id.
func (m *Monitor) RunID() string {
	return m.cfg.RunID
}

// Mount loads the run, joins its realtime room and, when the profile's
// ready set matches the loaded status, starts the stage once.
//
// A snapshot failure leaves the monitor in FETCH_FAILED without touching the
// realtime channel and returns a *LoadError. Join and start failures are
// returned as well; the monitor then keeps its snapshot and stays mounted,
// so callers must still Unmount.
func (m *Monitor) Mount(ctx context.Context) error {
	m.mu.Lock()
	if m.mounted {
		m.mu.Unlock()
		return ErrMounted
	}
	m.mounted = true
	m.mu.Unlock()
	m.alive.Store(true)

	snap, err := m.api.GetRun(ctx, m.cfg.RunID)
	if err != nil {
		m.loadFailed(err)
		return &LoadError{RunID: m.cfg.RunID, Err: err}
	}

	prior, start := m.loadSucceeded(snap)

	if err := m.attach(ctx); err != nil {
		if start {
			m.abandonTrigger(prior, err)
		}
		return err
	}
	if start {
		return m.runTrigger(ctx, runstatus.Starting, prior)
	}
	return nil
}

func (m *Monitor) loadFailed(err error) {
	var fx effects
	m.mu.Lock()
	m.lastErr = err.Error()
	m.transitionLocked(m.rec.LoaderFailed(), &fx)
	m.noteLocked(runevent.LevelError, "Could not load run details: "+err.Error(), &fx)
	m.mu.Unlock()

	m.logger.Warn("run snapshot fetch failed", zap.Error(err))
	fx.run()
}

// loadSucceeded applies a first snapshot and decides whether to start the
// stage. It returns the status to restore if the start request fails.
func (m *Monitor) loadSucceeded(snap *labclient.RunSnapshot) (runstatus.Status, bool) {
	var fx effects
	defer fx.run()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.applySnapshotLocked(snap, &fx)

	p := m.cfg.Profile
	st := m.rec.Current()
	if p.Trigger == nil || m.triggered || !p.Ready.Has(st) {
		return st, false
	}
	m.triggered = true

	attempt := m.rec.Attempt()
	t := m.rec.Triggered()
	if t.Suppressed {
		return st, false
	}
	if m.rec.Attempt() != attempt {
		m.beginAttemptLocked()
	}
	m.transitionLocked(t, &fx)
	return st, true
}

func (m *Monitor) applySnapshotLocked(snap *labclient.RunSnapshot, fx *effects) {
	m.snapshot = snap
	m.results = m.results.Seed(snap.AnalysisResults, snap.CleaningReport)

	tt := accumulate.ResolveTaskType(m.cfg.TaskType, snap.SummaryTask(), snap.ModelIdentifier)
	switch {
	case !m.loaded && tt != m.chart.TaskType:
		// Metrics that arrived before the first snapshot are replayed under
		// the resolved task type.
		chart := accumulate.NewChart(tt)
		for _, metric := range m.early {
			chart = accumulate.FoldMetric(chart, metric)
		}
		m.chart = chart
	case m.loaded:
		m.chart = m.chart.WithTaskType(tt)
	}
	m.early = nil
	m.loaded = true

	st, ok := runstatus.Normalize(snap.Status)
	if !ok {
		// Wait for the stream to report a status this client understands.
		m.noteLocked(runevent.LevelWarning, fmt.Sprintf("Unrecognized run status %q; waiting for live updates", snap.Status), fx)
		st = runstatus.Connecting
	}
	m.transitionLocked(m.rec.LoaderSucceeded(st), fx)
}

// attach acquires the shared channel, registers handlers and joins the
// run's room.
func (m *Monitor) attach(ctx context.Context) error {
	ch := m.pool.Acquire()

	subs := []*realtime.Subscription{
		ch.On(realtime.EventConnect, m.guard(func(json.RawMessage) { m.onConnect() })),
		ch.On(realtime.EventDisconnect, m.guard(func(p json.RawMessage) { m.onDisconnect(unquote(p)) })),
		ch.On(realtime.EventError, m.guard(func(p json.RawMessage) {
			m.Note(runevent.LevelWarning, "Live connection error: "+unquote(p))
		})),
		ch.On(realtime.EventReconnectFailed, m.guard(func(p json.RawMessage) {
			m.Note(runevent.LevelError, "Live connection lost for good: "+unquote(p))
		})),
		ch.On(realtime.EventRoomError, m.guard(m.onRoomError)),
	}
	for _, name := range []string{runevent.NameLog, runevent.NameMetric, runevent.NameProgress, runevent.NameStatus} {
		subs = append(subs, ch.On(name, m.guard(m.decoder(name))))
	}

	m.mu.Lock()
	m.ch = ch
	m.subs = subs
	m.live = true
	m.connected = ch.Connected()
	m.mu.Unlock()

	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connect live updates: %w", err)
	}
	if err := ch.JoinRoom(ctx, m.cfg.RunID); err != nil {
		m.Note(runevent.LevelError, "Could not join live updates: "+err.Error())
		return fmt.Errorf("join live updates for run %s: %w", m.cfg.RunID, err)
	}
	m.logger.Debug("joined run room")
	return nil
}

// guard drops events delivered after Unmount.
func (m *Monitor) guard(h realtime.Handler) realtime.Handler {
	return func(payload json.RawMessage) {
		if !m.alive.Load() {
			return
		}
		h(payload)
	}
}

func (m *Monitor) decoder(name string) realtime.Handler {
	return func(payload json.RawMessage) {
		if !m.forThisRun(payload) {
			return
		}
		ev, err := runevent.Decode(name, payload, m.now().UTC())
		if err != nil {
			m.logger.Debug("dropping malformed event", zap.String("event", name), zap.Error(err))
			m.Note(runevent.LevelWarning, fmt.Sprintf("Ignored a malformed %s event", name))
			return
		}
		m.HandleEvent(ev)
	}
}

// forThisRun reports whether a room payload belongs to this run. Worker
// payloads usually carry no run id; those are accepted.
func (m *Monitor) forThisRun(payload json.RawMessage) bool {
	var scoped struct {
		RunID any `json:"model_run_id"`
	}
	if json.Unmarshal(payload, &scoped) != nil || scoped.RunID == nil {
		return true
	}
	return fmt.Sprint(scoped.RunID) == m.cfg.RunID
}

func (m *Monitor) onConnect() {
	var fx effects
	m.mu.Lock()
	m.connected = true
	t := m.rec.Reconnected()
	if t.To == runstatus.Connecting {
		m.noteLocked(runevent.LevelInfo, "Reconnected; waiting for the next status update", &fx)
	}
	m.mu.Unlock()
	fx.run()
}

func (m *Monitor) onDisconnect(reason string) {
	var fx effects
	m.mu.Lock()
	m.connected = false
	m.transitionLocked(m.rec.Disconnected(), &fx)
	m.noteLocked(runevent.LevelWarning, "Live connection lost ("+reason+"); reconnecting", &fx)
	m.mu.Unlock()

	m.logger.Info("realtime disconnected", zap.String("reason", reason))
	fx.run()
}

func (m *Monitor) onRoomError(payload json.RawMessage) {
	var re struct {
		RunID   any    `json:"model_run_id"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &re)
	if re.RunID != nil && fmt.Sprint(re.RunID) != m.cfg.RunID {
		return
	}
	m.Note(runevent.LevelError, "Live updates rejected: "+re.Message)
}

// HandleEvent applies one event. Events may arrive before the snapshot has
// loaded; they are folded immediately.
func (m *Monitor) HandleEvent(ev runevent.Event) {
	if ev == nil || !m.alive.Load() {
		return
	}

	var fx effects
	m.mu.Lock()
	if su, ok := ev.(runevent.StatusUpdate); ok {
		m.applyStatusLocked(su, &fx)
	}
	m.appendLocked(ev, &fx)
	m.mu.Unlock()
	fx.run()
}

func (m *Monitor) applyStatusLocked(su runevent.StatusUpdate, fx *effects) {
	st, ok := runstatus.Normalize(su.Status)
	if !ok {
		m.noteLocked(runevent.LevelWarning, fmt.Sprintf("Ignored unknown status %q", su.Status), fx)
		return
	}
	attempt := m.rec.Attempt()
	t := m.rec.Apply(st)
	if m.rec.Attempt() != attempt {
		m.beginAttemptLocked()
	}
	m.transitionLocked(t, fx)
	if su.Error != "" {
		m.noteLocked(runevent.LevelError, su.Error, fx)
	}
}

// appendLocked folds ev into every accumulator and queues its hook.
func (m *Monitor) appendLocked(ev runevent.Event, fx *effects) {
	if metric, ok := ev.(runevent.Metric); ok && !m.loaded {
		m.early = append(m.early, metric)
		if over := len(m.early) - maxEarlyMetrics; over > 0 {
			m.early = m.early[over:]
		}
	}
	m.log = accumulate.FoldLog(m.log, ev)
	m.chart = accumulate.FoldMetric(m.chart, ev)
	m.progress = accumulate.FoldProgress(m.progress, ev)
	m.results = accumulate.FoldResults(m.results, ev)

	if h := m.hooks.OnEvent; h != nil {
		fx.add(func() { h(ev) })
	}
}

func (m *Monitor) noteLocked(level, msg string, fx *effects) {
	m.appendLocked(runevent.NewClientNote(level, msg, m.now().UTC()), fx)
}

// Note appends a client-side note to the run log.
func (m *Monitor) Note(level, msg string) {
	var fx effects
	m.mu.Lock()
	m.noteLocked(level, msg, &fx)
	m.mu.Unlock()
	fx.run()
}

func (m *Monitor) transitionLocked(t runstatus.Transition, fx *effects) {
	if t.Changed {
		m.logger.Debug("status transition",
			zap.String("from", string(t.From)),
			zap.String("to", string(t.To)),
			zap.String("cause", string(t.Cause)))
	} else if t.Suppressed {
		m.logger.Debug("status update suppressed",
			zap.String("status", string(t.From)),
			zap.String("cause", string(t.Cause)))
	}

	if h := m.hooks.OnTransition; h != nil && (t.Changed || t.Suppressed) {
		fx.add(func() { h(t) })
	}
	if !t.Notify {
		return
	}
	n := Notification{
		RunID:   m.cfg.RunID,
		Stage:   m.cfg.Profile.Stage,
		Status:  t.To,
		Attempt: m.rec.Attempt(),
		Success: !t.To.IsFailure(),
		Message: terminalMessage(m.cfg.Profile.Stage, t.To),
	}
	m.logger.Info("run reached terminal status", zap.String("status", string(t.To)), zap.Int("attempt", n.Attempt))
	if h := m.hooks.OnTerminal; h != nil {
		fx.add(func() { h(n) })
	}
}

func terminalMessage(stage Stage, st runstatus.Status) string {
	if st.IsFailure() {
		if g := Guidance(st); g != "" {
			return g
		}
		return fmt.Sprintf("%s stage ended with %s", stage, st)
	}
	return fmt.Sprintf("%s stage finished with %s", stage, st)
}

// beginAttemptLocked clears per-attempt state when a new attempt starts.
func (m *Monitor) beginAttemptLocked() {
	m.progress = accumulate.Progress{}
	m.lastErr = ""
	if m.cfg.Profile.ResetCleaning {
		m.results = m.results.ResetCleaning()
	}
	if m.cfg.Profile.ResetChart {
		m.chart = accumulate.NewChart(m.chart.TaskType)
	}
}

// runTrigger sends the start request. On failure a still pending status
// rolls back to prior.
func (m *Monitor) runTrigger(ctx context.Context, pending, prior runstatus.Status) error {
	p := m.cfg.Profile
	err := p.Trigger(ctx, m.api, m.cfg.RunID)

	var fx effects
	m.mu.Lock()
	if err != nil {
		m.lastErr = err.Error()
		m.transitionLocked(m.rec.TriggerFailed(pending, prior), &fx)
		m.noteLocked(runevent.LevelError, fmt.Sprintf("Could not start %s stage: %v", p.Stage, err), &fx)
	} else {
		m.noteLocked(runevent.LevelInfo, fmt.Sprintf("Requested %s stage start", p.Stage), &fx)
	}
	m.mu.Unlock()
	fx.run()

	if err != nil {
		m.logger.Warn("stage start failed", zap.Error(err))
		return fmt.Errorf("start %s stage: %w", p.Stage, err)
	}
	m.logger.Info("stage start requested")
	return nil
}

func (m *Monitor) abandonTrigger(prior runstatus.Status, cause error) {
	var fx effects
	m.mu.Lock()
	m.transitionLocked(m.rec.TriggerFailed(runstatus.Starting, prior), &fx)
	m.noteLocked(runevent.LevelWarning, fmt.Sprintf("Not starting %s stage without live updates: %v", m.cfg.Profile.Stage, cause), &fx)
	m.mu.Unlock()
	fx.run()
}

// Retry starts a new attempt of the stage from a restartable status, for
// example re-running cleaning after CLEANING_FAILED.
func (m *Monitor) Retry(ctx context.Context) error {
	if !m.alive.Load() {
		return ErrNotMounted
	}
	p := m.cfg.Profile
	if p.Trigger == nil {
		return ErrNoTrigger
	}

	var fx effects
	m.mu.Lock()
	prior := m.rec.Current()
	t, err := m.rec.Restart(p.RestartTo)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.triggered = true
	m.beginAttemptLocked()
	m.transitionLocked(t, &fx)
	m.noteLocked(runevent.LevelInfo, fmt.Sprintf("Retrying %s stage (attempt %d)", p.Stage, m.rec.Attempt()), &fx)
	m.mu.Unlock()
	fx.run()

	return m.runTrigger(ctx, p.RestartTo, prior)
}

// Refresh re-fetches the snapshot, typically after a terminal status so
// persisted results replace anything missed on the stream. Streamed values
// and statuses keep precedence.
func (m *Monitor) Refresh(ctx context.Context) error {
	if !m.alive.Load() {
		return ErrNotMounted
	}
	snap, err := m.api.GetRun(ctx, m.cfg.RunID)

	var fx effects
	m.mu.Lock()
	if err != nil {
		m.noteLocked(runevent.LevelWarning, "Could not refresh run details: "+err.Error(), &fx)
	} else {
		m.applySnapshotLocked(snap, &fx)
	}
	m.mu.Unlock()
	fx.run()

	if err != nil {
		return &LoadError{RunID: m.cfg.RunID, Err: err}
	}
	return nil
}

// Unmount leaves the run's room, removes every handler and releases the
// shared channel. Events already in flight are dropped. It is safe to call
// more than once.
func (m *Monitor) Unmount() {
	m.alive.Store(false)

	m.mu.Lock()
	ch, subs, live := m.ch, m.subs, m.live
	m.ch, m.subs, m.live, m.connected = nil, nil, false, false
	m.mu.Unlock()

	if !live {
		return
	}
	// LeaveRoom only talks to the server when connected, but always stops
	// the room from being re-joined on reconnect.
	ch.LeaveRoom(m.cfg.RunID)
	for _, s := range subs {
		s.Remove()
	}
	m.pool.Release()
	m.logger.Debug("monitor unmounted")
}

// View is a consistent copy of a monitor's display state.
type View struct {
	RunID     string                  `json:"run_id"`
	Stage     Stage                   `json:"stage"`
	Status    runstatus.Status        `json:"status"`
	Attempt   int                     `json:"attempt"`
	Terminal  bool                    `json:"terminal"`
	Failure   bool                    `json:"failure"`
	CanRetry  bool                    `json:"can_retry"`
	Connected bool                    `json:"connected"`
	Snapshot  *labclient.RunSnapshot  `json:"snapshot,omitempty"`
	Log       []accumulate.LogEntry   `json:"log"`
	Chart     accumulate.Chart        `json:"chart"`
	Progress  accumulate.Progress     `json:"progress"`
	Results   accumulate.Results      `json:"results"`
	Analysis  accumulate.AnalysisView `json:"analysis"`
	Cleaning  accumulate.CleaningView `json:"cleaning"`
	Error     string                  `json:"error,omitempty"`
	Guidance  string                  `json:"guidance,omitempty"`
}

// View returns the current display state.
func (m *Monitor) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.rec.Current()
	v := View{
		RunID:     m.cfg.RunID,
		Stage:     m.cfg.Profile.Stage,
		Status:    st,
		Attempt:   m.rec.Attempt(),
		Terminal:  m.rec.Done(),
		Failure:   m.rec.Done() && st.IsFailure(),
		CanRetry:  m.cfg.Profile.Trigger != nil && m.rec.CanRestart(),
		Connected: m.connected,
		Snapshot:  m.snapshot,
		Log:       slices.Clone(m.log),
		Chart:     m.chart,
		Progress:  m.progress,
		Results:   m.results,
		Analysis:  accumulate.NewAnalysisView(m.results.Analysis),
		Cleaning:  accumulate.NewCleaningView(m.results.Cleaning),
		Error:     m.lastErr,
		Guidance:  Guidance(st),
	}
	return v
}

// Status returns the reconciled status.
func (m *Monitor) Status() runstatus.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rec.Current()
}

// effects are hook calls collected under the lock and run after it is
// released, in order.
type effects []func()

func (fx *effects) add(f func()) {
	*fx = append(*fx, f)
}

func (fx *effects) run() {
	for _, f := range *fx {
		f()
	}
}

func unquote(p json.RawMessage) string {
	var s string
	if json.Unmarshal(p, &s) == nil {
		return s
	}
	return string(p)
}
