package runstatus

import (
	"errors"
	"fmt"
)

// ErrRestartNotAllowed is returned by Reconciler.Restart when the current
// status is not in the configured restart-from set.
var ErrRestartNotAllowed = errors.New("restart not allowed from current status")

// Cause identifies what drove a transition.
type Cause string

const (
	CauseSnapshot     Cause = "snapshot"
	CauseFetchFailed  Cause = "fetch_failed"
	CauseStream       Cause = "status_update"
	CauseDisconnect   Cause = "disconnect"
	CauseReconnect    Cause = "reconnect"
	CauseRestart      Cause = "restart"
	CauseTriggerStart Cause = "trigger"
	CauseTriggerError Cause = "trigger_failed"
)

// Transition describes the outcome of feeding one input to a Reconciler.
type Transition struct {
	From  Status
	To    Status
	Cause Cause

	// Changed is true when the reconciled status moved.
	Changed bool

	// Suppressed is true when the input asked for a status change that the
	// terminality rule rejected.
	Suppressed bool

	// Notify is true exactly once per attempt: on the first stream-driven
	// transition into a terminal status.
	Notify bool
}

// Config parameterizes a Reconciler for one page profile.
type Config struct {
	// Terminal is the terminal partition. Nil means DefaultTerminal.
	Terminal Set

	// Reopen lists stream transitions out of a terminal status that are
	// accepted anyway, keyed by the terminal status.
	// Clean pages allow CLEANING_FAILED -> CLEANING.
	Reopen map[Status]Set

	// RestartFrom lists statuses from which an explicit user action may
	// start a new attempt.
	RestartFrom Set
}

// Reconciler merges a REST snapshot and streamed status updates into one
// monotonic status.
//
// Once the reconciled status is terminal, a streamed non-terminal status is
// ignored unless Config.Reopen allows it. Reconciler is not safe for
// concurrent use; the owning monitor serializes access.
type Reconciler struct {
	cfg Config

	current    Status
	streamSeen bool

	attempt  int
	notified int
}

// NewReconciler returns a reconciler in the LOADING_DETAILS state.
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Terminal == nil {
		cfg.Terminal = DefaultTerminal
	}
	return &Reconciler{
		cfg:     cfg,
		current: LoadingDetails,
		attempt: 1,
	}
}

// Current returns the reconciled status.
func (r *Reconciler) Current() Status {
	return r.current
}

// Attempt returns the 1-based attempt counter. Restarts and accepted
// reopen transitions begin a new attempt.
func (r *Reconciler) Attempt() int {
	return r.attempt
}

// IsTerminal reports whether st is terminal under this reconciler's config.
func (r *Reconciler) IsTerminal(st Status) bool {
	return r.cfg.Terminal.Has(st)
}

// Done reports whether the current status is terminal.
func (r *Reconciler) Done() bool {
	return r.IsTerminal(r.current)
}

// LoaderSucceeded applies the status carried by a freshly loaded snapshot.
//
// If a streamed update has already been reconciled the stream is considered
// fresher, and the snapshot may only move a non-terminal status to a
// terminal one.
func (r *Reconciler) LoaderSucceeded(st Status) Transition {
	if r.streamSeen && (r.Done() || !r.IsTerminal(st)) {
		return r.suppress(st, CauseSnapshot)
	}
	return r.move(st, CauseSnapshot)
}

// LoaderFailed records that the snapshot could not be fetched.
func (r *Reconciler) LoaderFailed() Transition {
	return r.move(FetchFailed, CauseFetchFailed)
}

// Triggered records that the loader requested the stage start on the
// backend and is waiting for the first streamed update. From a terminal
// status this is only accepted when the status is in RestartFrom, and it
// then begins a new attempt.
func (r *Reconciler) Triggered() Transition {
	if r.Done() {
		if !r.cfg.RestartFrom.Has(r.current) {
			return r.suppress(Starting, CauseTriggerStart)
		}
		r.attempt++
	}
	return r.move(Starting, CauseTriggerStart)
}

// TriggerFailed undoes Triggered or Restart when the start request was
// rejected: if the status is still pending it returns to prior. A streamed
// update that already moved the status is kept.
func (r *Reconciler) TriggerFailed(pending, prior Status) Transition {
	if r.current != pending {
		return Transition{From: r.current, To: r.current, Cause: CauseTriggerError}
	}
	return r.move(prior, CauseTriggerError)
}

// Apply feeds one streamed status update.
func (r *Reconciler) Apply(st Status) Transition {
	r.streamSeen = true

	if st == r.current {
		return Transition{From: r.current, To: r.current, Cause: CauseStream}
	}

	if r.Done() && !r.IsTerminal(st) {
		if !r.cfg.Reopen[r.current].Has(st) {
			return r.suppress(st, CauseStream)
		}
		r.attempt++
	}

	t := r.move(st, CauseStream)
	if r.IsTerminal(st) && r.notified != r.attempt {
		r.notified = r.attempt
		t.Notify = true
	}
	return t
}

// Disconnected moves a non-terminal status to CONNECTING. Accumulated
// results are not affected.
func (r *Reconciler) Disconnected() Transition {
	if r.Done() {
		return Transition{From: r.current, To: r.current, Cause: CauseDisconnect}
	}
	return r.move(Connecting, CauseDisconnect)
}

// Reconnected never changes the status: only a fresh streamed update may
// leave CONNECTING.
func (r *Reconciler) Reconnected() Transition {
	return Transition{From: r.current, To: r.current, Cause: CauseReconnect}
}

// Restart starts a new attempt at status to, driven by an explicit user
// action such as re-running a failed cleaning stage.
func (r *Reconciler) Restart(to Status) (Transition, error) {
	if !r.cfg.RestartFrom.Has(r.current) {
		return Transition{From: r.current, To: r.current, Cause: CauseRestart},
			fmt.Errorf("%w: %s", ErrRestartNotAllowed, r.current)
	}
	r.attempt++
	return r.move(to, CauseRestart), nil
}

// CanRestart reports whether Restart would be accepted now.
func (r *Reconciler) CanRestart() bool {
	return r.cfg.RestartFrom.Has(r.current)
}

func (r *Reconciler) move(st Status, cause Cause) Transition {
	t := Transition{From: r.current, To: st, Cause: cause, Changed: st != r.current}
	r.current = st
	return t
}

func (r *Reconciler) suppress(st Status, cause Cause) Transition {
	return Transition{From: r.current, To: r.current, Cause: cause, Suppressed: st != r.current}
}
