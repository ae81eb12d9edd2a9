package runstatus

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cleanConfig() Config {
	return Config{
		Reopen:      map[Status]Set{CleaningFailed: NewSet(Cleaning)},
		RestartFrom: NewSet(Success, CleaningFailed),
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
		ok   bool
	}{
		{"PENDING", PendingTrigger, true},
		{"pending_analysis", PendingTrigger, true},
		{"PENDING_UPLOAD", PendingTrigger, true},
		{"ANALYZING", Analyzing, true},
		{" SUCCESS ", Success, true},
		{"DB_ERROR", Failed, true},
		{"CLEANING_FAILED", CleaningFailed, true},
		{"", "", false},
		{"EXPLODED", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := Normalize(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTerminalPartition(t *testing.T) {
	terminal := []Status{Success, Failed, AnalysisFailed, CleaningFailed, CleaningSuccess, Cancelled, FetchFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range All {
		if !DefaultTerminal.Has(s) {
			assert.False(t, s.IsTerminal(), s)
		}
	}
}

func TestReconciler_InitialState(t *testing.T) {
	r := NewReconciler(Config{})
	assert.Equal(t, LoadingDetails, r.Current())
	assert.False(t, r.Done())
	assert.Equal(t, 1, r.Attempt())
}

func TestReconciler_HappyPath(t *testing.T) {
	r := NewReconciler(Config{RestartFrom: NewSet(PendingTrigger, AnalysisFailed)})

	tr := r.LoaderSucceeded(PendingTrigger)
	assert.True(t, tr.Changed)
	assert.False(t, tr.Notify)

	tr = r.Triggered()
	assert.Equal(t, Starting, tr.To)

	tr = r.Apply(Analyzing)
	assert.Equal(t, Analyzing, r.Current())
	assert.False(t, tr.Notify)

	tr = r.Apply(Success)
	assert.Equal(t, Success, r.Current())
	assert.True(t, r.Done())
	assert.True(t, tr.Notify)

	// A repeated terminal event does not notify again.
	tr = r.Apply(Success)
	assert.False(t, tr.Notify)
	assert.False(t, tr.Changed)
}

func TestReconciler_TerminalSuppressesNonTerminal(t *testing.T) {
	r := NewReconciler(Config{})
	r.LoaderSucceeded(Training)
	r.Apply(Failed)

	tr := r.Apply(Training)
	assert.True(t, tr.Suppressed)
	assert.False(t, tr.Changed)
	assert.Equal(t, Failed, r.Current())

	// Terminal to terminal is still accepted.
	tr = r.Apply(Success)
	assert.True(t, tr.Changed)
	assert.Equal(t, Success, r.Current())
	assert.False(t, tr.Notify, "already notified for this attempt")
}

func TestReconciler_MonotonicTerminality(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	wire := []Status{Starting, Analyzing, AnalysisFailed, Cleaning, CleaningSuccess, CleaningFailed, Training, Success, Failed, Cancelled}

	for trial := 0; trial < 200; trial++ {
		r := NewReconciler(cleanConfig())
		r.LoaderSucceeded(PendingTrigger)

		seenTerminal := false
		for i := 0; i < 30; i++ {
			prev := r.Current()
			next := wire[rng.Intn(len(wire))]
			r.Apply(next)

			if seenTerminal && !r.Done() {
				require.Equal(t, CleaningFailed, prev, "only the retry path may leave a terminal status")
				require.Equal(t, Cleaning, r.Current())
			}
			seenTerminal = r.Done()
		}
	}
}

func TestReconciler_RetryAfterCleaningFailure(t *testing.T) {
	r := NewReconciler(cleanConfig())
	r.LoaderSucceeded(CleaningFailed)
	require.True(t, r.Done())

	tr, err := r.Restart(Cleaning)
	require.NoError(t, err)
	assert.Equal(t, Cleaning, tr.To)
	assert.Equal(t, 2, r.Attempt())

	tr = r.Apply(CleaningSuccess)
	assert.Equal(t, CleaningSuccess, r.Current())
	assert.True(t, tr.Notify)
}

func TestReconciler_StreamReopenAllowance(t *testing.T) {
	r := NewReconciler(cleanConfig())
	r.LoaderSucceeded(Cleaning)
	first := r.Apply(CleaningFailed)
	assert.True(t, first.Notify)

	tr := r.Apply(Cleaning)
	assert.True(t, tr.Changed)
	assert.Equal(t, 2, r.Attempt())

	tr = r.Apply(CleaningFailed)
	assert.True(t, tr.Notify, "new attempt notifies again")

	// Other regressions stay suppressed.
	tr = r.Apply(Training)
	assert.True(t, tr.Suppressed)
}

func TestReconciler_RestartNotAllowed(t *testing.T) {
	r := NewReconciler(cleanConfig())
	r.LoaderSucceeded(Training)

	_, err := r.Restart(Cleaning)
	require.ErrorIs(t, err, ErrRestartNotAllowed)
	assert.Equal(t, Training, r.Current())
}

func TestReconciler_DisconnectResume(t *testing.T) {
	r := NewReconciler(Config{})
	r.LoaderSucceeded(Training)

	tr := r.Disconnected()
	assert.Equal(t, Connecting, tr.To)

	tr = r.Reconnected()
	assert.False(t, tr.Changed)
	assert.Equal(t, Connecting, r.Current(), "reconnect alone must not restore TRAINING")

	r.Apply(Training)
	assert.Equal(t, Training, r.Current())
}

func TestReconciler_DisconnectWhenTerminal(t *testing.T) {
	r := NewReconciler(Config{})
	r.LoaderSucceeded(Success)

	tr := r.Disconnected()
	assert.False(t, tr.Changed)
	assert.Equal(t, Success, r.Current())
}

func TestReconciler_SnapshotAfterStream(t *testing.T) {
	t.Run("stale non-terminal snapshot ignored", func(t *testing.T) {
		r := NewReconciler(Config{})
		r.Apply(Training)
		tr := r.LoaderSucceeded(Starting)
		assert.True(t, tr.Suppressed)
		assert.Equal(t, Training, r.Current())
	})

	t.Run("terminal snapshot accepted over running stream", func(t *testing.T) {
		r := NewReconciler(Config{})
		r.Apply(Training)
		tr := r.LoaderSucceeded(Success)
		assert.True(t, tr.Changed)
		assert.False(t, tr.Notify)
		assert.Equal(t, Success, r.Current())
	})
}

func TestReconciler_LoaderFailed(t *testing.T) {
	r := NewReconciler(Config{})
	tr := r.LoaderFailed()
	assert.Equal(t, FetchFailed, tr.To)
	assert.True(t, r.Done())
}

func TestReconciler_TriggeredFromTerminalRequiresRestartFrom(t *testing.T) {
	r := NewReconciler(Config{RestartFrom: NewSet(CleaningSuccess)})
	r.LoaderSucceeded(CleaningSuccess)
	tr := r.Triggered()
	assert.Equal(t, Starting, tr.To)
	assert.Equal(t, 2, r.Attempt())

	r2 := NewReconciler(Config{})
	r2.LoaderSucceeded(Success)
	tr = r2.Triggered()
	assert.True(t, tr.Suppressed)
	assert.Equal(t, Success, r2.Current())
}

func TestReconciler_TriggerFailed(t *testing.T) {
	r := NewReconciler(Config{})
	r.LoaderSucceeded(PendingTrigger)
	r.Triggered()

	tr := r.TriggerFailed(Starting, PendingTrigger)
	assert.True(t, tr.Changed)
	assert.Equal(t, PendingTrigger, r.Current())

	r.Triggered()
	r.Apply(Analyzing)
	tr = r.TriggerFailed(Starting, PendingTrigger)
	assert.False(t, tr.Changed, "a streamed status is kept")
	assert.Equal(t, Analyzing, r.Current())
}
