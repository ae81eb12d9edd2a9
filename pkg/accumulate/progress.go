package accumulate

import "github.com/3leaps/learnlab/pkg/runevent"

// Progress is the merged view of every progress tick seen so far.
type Progress struct {
	StepName     string `json:"step_name,omitempty"`
	CurrentStep  int    `json:"current_step"`
	TotalSteps   int    `json:"total_steps"`
	Batch        int    `json:"batch,omitempty"`
	TotalBatches int    `json:"total_batches,omitempty"`

	// Seen is false until the first tick arrives.
	Seen bool `json:"seen"`
}

// FoldProgress merges a Progress event field by field; absent fields keep
// their prior value. Other events leave the progress unchanged.
func FoldProgress(prior Progress, ev runevent.Event) Progress {
	p, ok := ev.(runevent.Progress)
	if !ok {
		return prior
	}
	next := prior
	next.Seen = true
	if p.StepName != nil {
		next.StepName = *p.StepName
	}
	if p.CurrentStep != nil {
		next.CurrentStep = *p.CurrentStep
	}
	if p.TotalSteps != nil {
		next.TotalSteps = *p.TotalSteps
	}
	if p.Batch != nil {
		next.Batch = *p.Batch
	}
	if p.TotalBatches != nil {
		next.TotalBatches = *p.TotalBatches
	}
	return next
}

// Percent returns CurrentStep/TotalSteps in [0,1]. A non-positive total is
// treated as 1.
func (p Progress) Percent() float64 {
	return ratio(p.CurrentStep, p.TotalSteps)
}

// BatchPercent returns Batch/TotalBatches in [0,1], with the same guard.
func (p Progress) BatchPercent() float64 {
	return ratio(p.Batch, p.TotalBatches)
}

func ratio(current, total int) float64 {
	if total <= 0 {
		total = 1
	}
	r := float64(current) / float64(total)
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}
