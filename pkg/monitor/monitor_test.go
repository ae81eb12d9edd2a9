package monitor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/learnlab/pkg/accumulate"
	"github.com/3leaps/learnlab/pkg/labclient"
	"github.com/3leaps/learnlab/pkg/realtime"
	"github.com/3leaps/learnlab/pkg/runevent"
	"github.com/3leaps/learnlab/pkg/runstatus"
	"github.com/3leaps/learnlab/test/fakelab"
)

const waitFor = 5 * time.Second

type harness struct {
	lab    *fakelab.Server
	api    *labclient.Client
	shared *realtime.Shared
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lab := fakelab.New(t)
	tokens := labclient.TokenFunc(func(context.Context) (string, error) { return lab.Token(), nil })

	api, err := labclient.New(labclient.Config{BaseURL: lab.APIURL(), Timeout: 5 * time.Second}, tokens)
	require.NoError(t, err)

	shared, err := realtime.NewShared(realtime.Config{
		URL:               lab.URL(),
		ReconnectAttempts: 10,
		BackoffBase:       10 * time.Millisecond,
		BackoffMax:        50 * time.Millisecond,
		JoinTimeout:       2 * time.Second,
		HandshakeTimeout:  2 * time.Second,
	}, tokens)
	require.NoError(t, err)

	return &harness{lab: lab, api: api, shared: shared}
}

// terminals collects terminal notifications.
type terminals struct {
	ch chan Notification
}

func newTerminals() *terminals {
	return &terminals{ch: make(chan Notification, 8)}
}

func (n *terminals) hooks() Hooks {
	return Hooks{OnTerminal: func(note Notification) { n.ch <- note }}
}

func (n *terminals) next(t *testing.T) Notification {
	t.Helper()
	select {
	case note := <-n.ch:
		return note
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for terminal notification")
		return Notification{}
	}
}

func (h *harness) mount(t *testing.T, cfg Config, opts ...Option) *Monitor {
	t.Helper()
	m, err := New(cfg, h.api, h.shared, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Unmount)
	return m
}

func logContains(v View, substr string) bool {
	for _, e := range v.Log {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)

	_, err := New(Config{Profile: AnalyzeProfile()}, h.api, h.shared)
	assert.Error(t, err)

	_, err = New(Config{RunID: "run-1"}, h.api, h.shared)
	assert.Error(t, err)

	_, err = New(Config{RunID: "run-1", Profile: AnalyzeProfile()}, nil, h.shared)
	assert.Error(t, err)
}

func TestMonitor_AnalyzeHappyPath(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "PENDING_ANALYSIS"})
	h.lab.SetStartHook(func(lab *fakelab.Server, call fakelab.StartCall) {
		lab.EmitStatus(call.RunID, "ANALYZING")
		lab.EmitLog(call.RunID, "INFO", "Loading dataset")
		lab.Emit(call.RunID, runevent.NameLog, map[string]any{
			"type": "analysis_result",
			"key":  "basic_info",
			"data": map[string]any{"shape": []int{10, 3}, "columns": []string{"a", "b", "c"}},
		})
		lab.EmitStatus(call.RunID, "SUCCESS")
	})

	notes := newTerminals()
	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()}, WithHooks(notes.hooks()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, m.Mount(ctx))

	n := notes.next(t)
	assert.Equal(t, runstatus.Success, n.Status)
	assert.True(t, n.Success)
	assert.Equal(t, 1, n.Attempt)
	assert.Equal(t, StageAnalyze, n.Stage)

	v := m.View()
	assert.Equal(t, runstatus.Success, v.Status)
	assert.True(t, v.Terminal)
	assert.False(t, v.Failure)
	assert.True(t, logContains(v, "Loading dataset"))
	assert.True(t, logContains(v, "Analysis result received: basic_info"))
	require.True(t, v.Analysis.Available)
	assert.Equal(t, []int{10, 3}, v.Analysis.BasicInfo.Shape)

	starts := h.lab.Starts()
	require.Len(t, starts, 1)
	assert.Equal(t, "analyze", starts[0].Stage)

	// A repeated terminal status does not notify again.
	h.lab.EmitStatus("run-1", "SUCCESS")
	select {
	case extra := <-notes.ch:
		t.Fatalf("unexpected second notification: %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestMonitor_ObservesWithoutTrigger(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "ANALYZING"})

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	require.NoError(t, m.Mount(context.Background()))

	assert.Equal(t, runstatus.Analyzing, m.Status())
	assert.Empty(t, h.lab.Starts())
	assert.Equal(t, 1, h.lab.RoomMembers("run-1"))
}

func TestMonitor_DisconnectResume(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "ANALYZING"})

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	require.NoError(t, m.Mount(context.Background()))
	require.Equal(t, runstatus.Analyzing, m.Status())

	h.lab.EmitLog("run-1", "INFO", "before drop")
	require.Eventually(t, func() bool { return logContains(m.View(), "before drop") }, waitFor, 10*time.Millisecond)

	h.lab.DropSockets()
	require.Eventually(t, func() bool { return m.Status() == runstatus.Connecting }, waitFor, 10*time.Millisecond)

	// The channel reconnects and rejoins on its own; the status waits for
	// the next update.
	require.Eventually(t, func() bool { return h.lab.RoomMembers("run-1") == 1 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return m.View().Connected }, waitFor, 10*time.Millisecond)
	assert.Equal(t, runstatus.Connecting, m.Status())
	assert.True(t, logContains(m.View(), "before drop"), "accumulated results survive a disconnect")

	h.lab.EmitStatus("run-1", "ANALYZING")
	require.Eventually(t, func() bool { return m.Status() == runstatus.Analyzing }, waitFor, 10*time.Millisecond)
}

func TestMonitor_RetryAfterCleaningFailure(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "SUCCESS"})

	var calls atomic.Int32
	h.lab.SetStartHook(func(lab *fakelab.Server, call fakelab.StartCall) {
		lab.EmitStatus(call.RunID, "CLEANING")
		if calls.Add(1) == 1 {
			lab.SetStatus(call.RunID, "CLEANING_FAILED")
			lab.Emit(call.RunID, runevent.NameStatus, map[string]any{"status": "CLEANING_FAILED", "error": "knn needs numeric columns"})
			return
		}
		lab.Emit(call.RunID, runevent.NameLog, map[string]any{
			"type": "cleaning_report",
			"data": map[string]any{
				"summary":              map[string]any{"rows_removed": 2, "original_shape": []int{10, 3}},
				"operations_performed": map[string]any{"remove_duplicates": "Removed 2 duplicate rows"},
			},
		})
		lab.EmitStatus(call.RunID, "CLEANING_SUCCESS")
	})

	opts := labclient.DefaultCleanOptions()
	opts.HandleMissing = true
	opts.MissingMethod = "knn"

	notes := newTerminals()
	m := h.mount(t, Config{RunID: "run-1", Profile: CleanProfile(&opts)}, WithHooks(notes.hooks()))
	require.NoError(t, m.Mount(context.Background()))

	first := notes.next(t)
	assert.Equal(t, runstatus.CleaningFailed, first.Status)
	assert.False(t, first.Success)
	assert.NotEmpty(t, first.Message)

	v := m.View()
	assert.True(t, v.Failure)
	assert.True(t, v.CanRetry)
	assert.NotEmpty(t, v.Guidance)
	assert.True(t, logContains(v, "knn needs numeric columns"))

	require.NoError(t, m.Retry(context.Background()))

	second := notes.next(t)
	assert.Equal(t, runstatus.CleaningSuccess, second.Status)
	assert.True(t, second.Success)
	assert.Greater(t, second.Attempt, first.Attempt)

	v = m.View()
	require.True(t, v.Cleaning.Available)
	assert.Equal(t, 2, v.Cleaning.Summary.RowsRemoved)
	assert.False(t, v.CanRetry)

	starts := h.lab.Starts()
	require.Len(t, starts, 2)
	assert.Equal(t, "knn", starts[1].Body["missing_method"])
}

func TestMonitor_RetryNotAllowed(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "ANALYZING"})

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	require.NoError(t, m.Mount(context.Background()))

	err := m.Retry(context.Background())
	assert.ErrorIs(t, err, runstatus.ErrRestartNotAllowed)

	observer := h.mount(t, Config{RunID: "run-1", Profile: TrainProfile(nil)})
	require.NoError(t, observer.Mount(context.Background()))
	assert.ErrorIs(t, observer.Retry(context.Background()), ErrNoTrigger)
}

func TestMonitor_OrderIndependentBootstrap(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "TRAINING", ModelID: "random_forest_regressor"})
	h.lab.SetGetRunDelay(200 * time.Millisecond)

	m := h.mount(t, Config{RunID: "run-1", Profile: TrainProfile(nil)})

	mounted := make(chan error, 1)
	go func() { mounted <- m.Mount(context.Background()) }()
	require.Eventually(t, m.alive.Load, waitFor, time.Millisecond)

	estimator := 1
	m.HandleEvent(runevent.Metric{
		Estimator: &estimator,
		Train:     map[string]float64{"r2": 0.8, "rmse": 1.5},
		Val:       map[string]float64{"r2": 0.7, "rmse": 2.0},
		Timestamp: time.Now(),
	})
	assert.Equal(t, runstatus.LoadingDetails, m.Status())

	select {
	case err := <-mounted:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("mount did not finish")
	}

	v := m.View()
	assert.Equal(t, runstatus.Training, v.Status)
	assert.Equal(t, accumulate.Regression, v.Chart.TaskType)
	require.Equal(t, 1, v.Chart.Primary.Len())
	assert.Equal(t, "r2", v.Chart.Primary.Metric)
	require.NotNil(t, v.Chart.Primary.Points[0].Val)
	assert.InDelta(t, 0.7, *v.Chart.Primary.Points[0].Val, 1e-9)
}

func TestMonitor_StatusBeforeSnapshot(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "TRAINING"})
	h.lab.SetGetRunDelay(200 * time.Millisecond)

	notes := newTerminals()
	m := h.mount(t, Config{RunID: "run-1", Profile: TrainProfile(nil)}, WithHooks(notes.hooks()))

	mounted := make(chan error, 1)
	go func() { mounted <- m.Mount(context.Background()) }()
	require.Eventually(t, m.alive.Load, waitFor, time.Millisecond)

	// The stream already reported completion; the stale snapshot must not
	// reopen the run.
	m.HandleEvent(runevent.StatusUpdate{Status: "SUCCESS", Timestamp: time.Now()})
	n := notes.next(t)
	assert.Equal(t, runstatus.Success, n.Status)

	require.NoError(t, <-mounted)
	assert.Equal(t, runstatus.Success, m.Status())
}

func TestMonitor_FetchFailure(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "PENDING_ANALYSIS"})
	h.lab.FailNextGetRuns(1)

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	err := m.Mount(context.Background())

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.True(t, labclient.IsUnavailable(err))

	v := m.View()
	assert.Equal(t, runstatus.FetchFailed, v.Status)
	assert.True(t, v.Failure)
	assert.NotEmpty(t, v.Error)
	assert.NotEmpty(t, v.Guidance)
	assert.Equal(t, 0, h.shared.Refs(), "no realtime channel on fetch failure")
	assert.Equal(t, 0, h.lab.Connections())
	assert.Empty(t, h.lab.Starts())
}

func TestMonitor_TriggerRejectedRollsBack(t *testing.T) {
	h := newHarness(t)
	// PENDING normalizes to a ready status, but the backend gate only
	// accepts PENDING_ANALYSIS.
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "PENDING"})

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	err := m.Mount(context.Background())
	require.Error(t, err)
	assert.True(t, labclient.IsConflict(err))

	v := m.View()
	assert.Equal(t, runstatus.PendingTrigger, v.Status)
	assert.NotEmpty(t, v.Error)
	assert.True(t, logContains(v, "Could not start analyze stage"))
}

func TestMonitor_UnknownSnapshotStatus(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "QUEUED_SOMEWHERE"})

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	require.NoError(t, m.Mount(context.Background()))
	assert.Equal(t, runstatus.Connecting, m.Status())

	h.lab.EmitStatus("run-1", "ANALYZING")
	require.Eventually(t, func() bool { return m.Status() == runstatus.Analyzing }, waitFor, 10*time.Millisecond)
}

func TestMonitor_DropsEventsForOtherRuns(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "ANALYZING"})

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	require.NoError(t, m.Mount(context.Background()))

	h.lab.Emit("run-1", runevent.NameLog, map[string]any{"type": "log", "message": "not mine", "model_run_id": "run-2"})
	h.lab.EmitLog("run-1", "INFO", "mine")

	require.Eventually(t, func() bool { return logContains(m.View(), "mine") }, waitFor, 10*time.Millisecond)
	assert.False(t, logContains(m.View(), "not mine"))
}

func TestMonitor_SharedChannelAndUnmount(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "ANALYZING"})
	h.lab.AddRun(fakelab.Run{ID: "run-2", Status: "TRAINING"})

	// A holder that joins no room keeps the connection across remounts.
	h.shared.Acquire()

	var mu sync.Mutex
	var seen []runevent.Kind
	first := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()}, WithHooks(Hooks{
		OnEvent: func(ev runevent.Event) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ev.Kind())
		},
	}))
	require.NoError(t, first.Mount(context.Background()))
	assert.Equal(t, 2, h.shared.Refs())

	first.Unmount()
	first.Unmount()
	assert.Equal(t, 1, h.shared.Refs())
	require.Eventually(t, func() bool { return h.lab.RoomMembers("run-1") == 0 }, waitFor, 10*time.Millisecond)

	mu.Lock()
	before := len(seen)
	mu.Unlock()
	first.HandleEvent(runevent.NewClientNote(runevent.LevelInfo, "late", time.Now()))
	mu.Lock()
	assert.Equal(t, before, len(seen), "unmounted monitor ignores events")
	mu.Unlock()

	second := h.mount(t, Config{RunID: "run-2", Profile: TrainProfile(nil)})
	require.NoError(t, second.Mount(context.Background()))
	assert.Equal(t, 1, h.lab.Connections(), "remount reuses the connection")

	h.lab.EmitStatus("run-2", "SUCCESS")
	require.Eventually(t, func() bool { return second.Status() == runstatus.Success }, waitFor, 10*time.Millisecond)

	second.Unmount()
	h.shared.Release()
	assert.Equal(t, 0, h.shared.Refs())
	require.Eventually(t, func() bool { return h.lab.Connections() == 0 }, waitFor, 10*time.Millisecond)
}

func TestMonitor_ConcurrentRunsUseSeparatePools(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "ANALYZING"})
	h.lab.AddRun(fakelab.Run{ID: "run-2", Status: "TRAINING"})

	other, err := realtime.NewShared(realtime.Config{
		URL:              h.lab.URL(),
		BackoffBase:      10 * time.Millisecond,
		BackoffMax:       50 * time.Millisecond,
		JoinTimeout:      2 * time.Second,
		HandshakeTimeout: 2 * time.Second,
	}, labclient.StaticToken(h.lab.Token()))
	require.NoError(t, err)

	first := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	second, err := New(Config{RunID: "run-2", Profile: TrainProfile(nil)}, h.api, other)
	require.NoError(t, err)
	t.Cleanup(second.Unmount)

	require.NoError(t, first.Mount(context.Background()))
	require.NoError(t, second.Mount(context.Background()))
	assert.Equal(t, 2, h.lab.Connections())

	h.lab.EmitLog("run-1", "INFO", "only for run one")
	h.lab.EmitStatus("run-1", "SUCCESS")
	require.Eventually(t, func() bool { return first.Status() == runstatus.Success }, waitFor, 10*time.Millisecond)

	h.lab.EmitLog("run-2", "INFO", "marker for run two")
	require.Eventually(t, func() bool { return logContains(second.View(), "marker for run two") }, waitFor, 10*time.Millisecond)

	v := second.View()
	assert.Equal(t, runstatus.Training, v.Status, "another run's status never reaches this monitor")
	assert.False(t, logContains(v, "only for run one"))
}

func TestMonitor_RefreshSeedsMissedResults(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "ANALYZING"})

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	require.NoError(t, m.Mount(context.Background()))

	h.lab.Emit("run-1", runevent.NameLog, map[string]any{
		"type": "analysis_result", "key": "issues",
		"data": []any{map[string]any{"severity": "WARNING", "message": "streamed"}},
	})
	require.Eventually(t, func() bool { return m.View().Analysis.Issues != nil }, waitFor, 10*time.Millisecond)

	h.lab.UpdateRun("run-1", func(r *fakelab.Run) {
		r.Status = "SUCCESS"
		r.AnalysisResults = map[string]any{
			"issues":     []any{map[string]any{"severity": "INFO", "message": "persisted"}},
			"basic_info": map[string]any{"shape": []int{5, 2}},
		}
	})
	require.NoError(t, m.Refresh(context.Background()))

	v := m.View()
	assert.Equal(t, runstatus.Success, v.Status, "snapshot may move a running status to terminal")
	require.Len(t, v.Analysis.Issues, 1)
	assert.Equal(t, "streamed", v.Analysis.Issues[0].Message, "streamed sections win")
	require.NotNil(t, v.Analysis.BasicInfo)
	assert.Equal(t, []int{5, 2}, v.Analysis.BasicInfo.Shape)
}

func TestMonitor_DoubleMount(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "ANALYZING"})

	m := h.mount(t, Config{RunID: "run-1", Profile: AnalyzeProfile()})
	require.NoError(t, m.Mount(context.Background()))
	assert.ErrorIs(t, m.Mount(context.Background()), ErrMounted)
}

func TestMonitor_RefreshKeepsChart(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "TRAINING", ModelID: "classical_random_forest"})

	m := h.mount(t, Config{RunID: "run-1", Profile: TrainProfile(nil)})
	require.NoError(t, m.Mount(context.Background()))
	require.Equal(t, accumulate.Classification, m.View().Chart.TaskType)

	for i := 1; i <= 5; i++ {
		estimator := i
		m.HandleEvent(runevent.Metric{
			Estimator: &estimator,
			Train:     map[string]float64{"accuracy": 0.9, "loss": 0.2},
			Val:       map[string]float64{"accuracy": 0.8, "loss": 0.3},
			Timestamp: time.Now(),
		})
	}
	require.Equal(t, 5, m.View().Chart.Primary.Len())

	h.lab.UpdateRun("run-1", func(r *fakelab.Run) {
		r.Status = "SUCCESS"
		r.EducationalSummary = map[string]any{"task": "Regression"}
	})
	require.NoError(t, m.Refresh(context.Background()))

	v := m.View()
	assert.Equal(t, runstatus.Success, v.Status)
	assert.Equal(t, accumulate.Classification, v.Chart.TaskType, "a chart with points keeps its task type")
	assert.Equal(t, 5, v.Chart.Primary.Len())
	assert.Equal(t, 5, v.Chart.Secondary.Len())
}

func TestMonitor_RefreshRetargetsEmptyChart(t *testing.T) {
	h := newHarness(t)
	h.lab.AddRun(fakelab.Run{ID: "run-1", Status: "TRAINING", ModelID: "classical_random_forest"})

	m := h.mount(t, Config{RunID: "run-1", Profile: TrainProfile(nil)})
	require.NoError(t, m.Mount(context.Background()))

	h.lab.UpdateRun("run-1", func(r *fakelab.Run) {
		r.EducationalSummary = map[string]any{"task": "Regression"}
	})
	require.NoError(t, m.Refresh(context.Background()))
	assert.Equal(t, accumulate.Regression, m.View().Chart.TaskType)
}
