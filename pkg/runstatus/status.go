// Package runstatus defines the run lifecycle states observed by a monitor
// and the reconciler that merges REST snapshots with streamed status updates.
package runstatus

import "strings"

// Status is the reconciled lifecycle state of a model run.
//
// Values match the backend's wire strings where the backend has an
// equivalent; LOADING_DETAILS, FETCH_FAILED, PENDING_TRIGGER and CONNECTING
// are client-side states.
type Status string

const (
	LoadingDetails  Status = "LOADING_DETAILS"
	FetchFailed     Status = "FETCH_FAILED"
	Starting        Status = "STARTING"
	PendingTrigger  Status = "PENDING_TRIGGER"
	Analyzing       Status = "ANALYZING"
	AnalysisFailed  Status = "ANALYSIS_FAILED"
	Cleaning        Status = "CLEANING"
	CleaningSuccess Status = "CLEANING_SUCCESS"
	CleaningFailed  Status = "CLEANING_FAILED"
	Training        Status = "TRAINING"
	Success         Status = "SUCCESS"
	Failed          Status = "FAILED"
	Cancelled       Status = "CANCELLED"
	Connecting      Status = "CONNECTING"
)

// All lists every known status in declaration order.
var All = []Status{
	LoadingDetails, FetchFailed, Starting, PendingTrigger,
	Analyzing, AnalysisFailed, Cleaning, CleaningSuccess, CleaningFailed,
	Training, Success, Failed, Cancelled, Connecting,
}

// DefaultTerminal is the terminal partition shared by every page profile
// unless a profile overrides it.
var DefaultTerminal = NewSet(
	Success, Failed, AnalysisFailed, CleaningFailed, CleaningSuccess, Cancelled, FetchFailed,
)

// IsTerminal reports whether s belongs to DefaultTerminal.
func (s Status) IsTerminal() bool {
	return DefaultTerminal.Has(s)
}

// IsFailure reports whether s is a terminal failure outcome.
func (s Status) IsFailure() bool {
	switch s {
	case Failed, AnalysisFailed, CleaningFailed, Cancelled, FetchFailed:
		return true
	default:
		return false
	}
}

// IsRunning reports whether s means the backend is actively working on a stage.
func (s Status) IsRunning() bool {
	switch s {
	case Starting, Analyzing, Cleaning, Training:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Normalize maps a backend wire status to a Status.
//
// The backend persists a few statuses the monitor does not distinguish:
// every PENDING_* variant means "stage not yet requested" and DB_ERROR is
// reported when the worker could not persist a transition. The boolean
// result is false for strings that do not map to any known status.
func Normalize(raw string) (Status, bool) {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case "":
		return "", false
	case "PENDING", "PENDING_UPLOAD", "PENDING_ANALYSIS", "PENDING_CLEANING", "PENDING_CONFIG":
		return PendingTrigger, true
	case "DB_ERROR":
		return Failed, true
	}
	for _, s := range All {
		if string(s) == v {
			return s, true
		}
	}
	return "", false
}

// Set is a small immutable set of statuses.
type Set map[Status]struct{}

// NewSet builds a Set from the given statuses.
func NewSet(statuses ...Status) Set {
	s := make(Set, len(statuses))
	for _, st := range statuses {
		s[st] = struct{}{}
	}
	return s
}

// Has reports whether st is a member of the set. A nil set has no members.
func (s Set) Has(st Status) bool {
	_, ok := s[st]
	return ok
}

// With returns a copy of the set extended with extra statuses.
func (s Set) With(extra ...Status) Set {
	out := make(Set, len(s)+len(extra))
	for st := range s {
		out[st] = struct{}{}
	}
	for _, st := range extra {
		out[st] = struct{}{}
	}
	return out
}

// Without returns a copy of the set with the given statuses removed.
func (s Set) Without(drop ...Status) Set {
	out := make(Set, len(s))
	for st := range s {
		out[st] = struct{}{}
	}
	for _, st := range drop {
		delete(out, st)
	}
	return out
}
