package monitor

import (
	"context"
	"fmt"

	"github.com/3leaps/learnlab/pkg/labclient"
	"github.com/3leaps/learnlab/pkg/runstatus"
)

// Stage names a monitored pipeline stage.
type Stage string

const (
	StageAnalyze Stage = "analyze"
	StageClean   Stage = "clean"
	StageTrain   Stage = "train"
)

// ParseStage maps a CLI stage name to a Stage.
func ParseStage(name string) (Stage, error) {
	switch Stage(name) {
	case StageAnalyze, StageClean, StageTrain:
		return Stage(name), nil
	default:
		return "", fmt.Errorf("unknown stage %q (want analyze, clean or train)", name)
	}
}

// TriggerFunc asks the backend to start the profile's stage.
type TriggerFunc func(ctx context.Context, api API, runID string) error

// Profile parameterizes a Monitor for one stage.
type Profile struct {
	Stage Stage

	// Terminal is the terminal partition. Nil means runstatus.DefaultTerminal.
	Terminal runstatus.Set

	// Ready lists snapshot statuses that auto-trigger the stage on load.
	// It is only consulted when Trigger is set.
	Ready runstatus.Set

	// RestartFrom lists statuses from which Retry may start a new attempt.
	RestartFrom runstatus.Set

	// Reopen lists streamed transitions accepted out of a terminal status.
	Reopen map[runstatus.Status]runstatus.Set

	// RestartTo is the status shown while a retried stage waits for the
	// worker.
	RestartTo runstatus.Status

	// Trigger starts the stage. A nil Trigger makes the monitor observe only.
	Trigger TriggerFunc

	// ResetCleaning drops the cleaning report when a new attempt begins.
	ResetCleaning bool

	// ResetChart clears the metric chart when a new attempt begins.
	ResetChart bool
}

func (p Profile) reconcilerConfig() runstatus.Config {
	return runstatus.Config{
		Terminal:    p.Terminal,
		Reopen:      p.Reopen,
		RestartFrom: p.RestartFrom,
	}
}

// AnalyzeProfile watches the analysis stage and starts it when the run is
// still pending.
func AnalyzeProfile() Profile {
	return Profile{
		Stage:       StageAnalyze,
		Ready:       runstatus.NewSet(runstatus.PendingTrigger),
		RestartFrom: runstatus.NewSet(runstatus.PendingTrigger, runstatus.AnalysisFailed),
		RestartTo:   runstatus.Starting,
		Trigger: func(ctx context.Context, api API, runID string) error {
			_, err := api.StartAnalysis(ctx, runID)
			return err
		},
	}
}

// CleanProfile watches the cleaning stage. With nil options the monitor only
// observes; otherwise a run whose analysis succeeded is cleaned on load.
func CleanProfile(opts *labclient.CleanOptions) Profile {
	p := Profile{
		Stage:       StageClean,
		RestartFrom: runstatus.NewSet(runstatus.Success, runstatus.CleaningFailed),
		Reopen: map[runstatus.Status]runstatus.Set{
			runstatus.CleaningFailed: runstatus.NewSet(runstatus.Cleaning),
		},
		RestartTo:     runstatus.Cleaning,
		ResetCleaning: true,
	}
	if opts != nil {
		o := *opts
		p.Ready = runstatus.NewSet(runstatus.Success)
		p.Trigger = func(ctx context.Context, api API, runID string) error {
			_, err := api.StartCleaning(ctx, runID, o)
			return err
		}
	}
	return p
}

// TrainProfile watches the training stage. With nil hyperparameters the
// monitor only observes.
func TrainProfile(params map[string]any) Profile {
	p := Profile{
		Stage:       StageTrain,
		RestartFrom: runstatus.NewSet(runstatus.Success, runstatus.CleaningSuccess, runstatus.Failed),
		RestartTo:   runstatus.Starting,
		ResetChart:  true,
	}
	if params != nil {
		p.Ready = runstatus.NewSet(runstatus.Success, runstatus.CleaningSuccess)
		p.Trigger = func(ctx context.Context, api API, runID string) error {
			_, err := api.StartTraining(ctx, runID, params)
			return err
		}
	}
	return p
}

// Guidance returns the help text shown under a failure banner. Non-failure
// statuses have none.
func Guidance(st runstatus.Status) string {
	switch st {
	case runstatus.FetchFailed:
		return "The run could not be loaded. Check the run id and that you are logged in (learnlab auth login)."
	case runstatus.AnalysisFailed:
		return "Analysis failed. Check that the dataset is a CSV file with a header row, or a ZIP of one folder per class for image models, then retry the analysis."
	case runstatus.CleaningFailed:
		return "Cleaning failed. Adjust the cleaning options, for example a different missing-value method, and retry cleaning."
	case runstatus.Failed:
		return "Training failed. Review the log for the error and start training again with adjusted hyperparameters."
	case runstatus.Cancelled:
		return "The run was cancelled."
	default:
		return ""
	}
}
