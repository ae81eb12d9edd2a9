package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/internal/config"
	"github.com/3leaps/learnlab/internal/observability"
	"github.com/3leaps/learnlab/internal/tui"
	"github.com/3leaps/learnlab/pkg/labclient"
	"github.com/3leaps/learnlab/pkg/monitor"
	"github.com/3leaps/learnlab/pkg/output"
	"github.com/3leaps/learnlab/pkg/realtime"
	"github.com/3leaps/learnlab/pkg/runevent"
	"github.com/3leaps/learnlab/pkg/runstatus"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Start a stage and follow it live",
	Long: `Follow the analysis, cleaning or training stage of a run over the
realtime channel until it reaches a terminal status.

The command exits 0 when the stage succeeds and 1 when it fails. Ctrl-C
leaves the run untouched on the server.

Examples:
  learnlab watch analyze 7f1c...
  learnlab watch clean 7f1c... --options clean.yaml
  learnlab watch train 7f1c... --start --output jsonl > train.jsonl
  learnlab watch train 7f1c... --output tui`,
}

var (
	watchFormat   string
	watchOptions  string
	watchStart    bool
	watchTaskType string
)

func init() {
	rootCmd.AddCommand(watchCmd)

	for _, stage := range []monitor.Stage{monitor.StageAnalyze, monitor.StageClean, monitor.StageTrain} {
		sub := &cobra.Command{
			Use:   string(stage) + " <run-id>",
			Short: watchShort(stage),
			Args:  cobra.ExactArgs(1),
			RunE:  runWatchCmd,
		}
		sub.Flags().StringVarP(&watchFormat, "output", "o", "", "Output format: text, jsonl or tui (default from config)")
		if stage != monitor.StageAnalyze {
			sub.Flags().StringVar(&watchOptions, "options", "", "Options YAML file; implies --start")
			sub.Flags().BoolVar(&watchStart, "start", false, "Start the stage when the run is ready")
		}
		if stage == monitor.StageTrain {
			sub.Flags().StringVar(&watchTaskType, "task-type", "", "Chart metrics for classification or regression")
		}
		watchCmd.AddCommand(sub)
	}
}

func watchShort(stage monitor.Stage) string {
	switch stage {
	case monitor.StageAnalyze:
		return "Analyze a pending run and follow the analysis"
	case monitor.StageClean:
		return "Follow (or start) data cleaning"
	default:
		return "Follow (or start) model training"
	}
}

// watchRequest describes one watch session.
type watchRequest struct {
	Stage       monitor.Stage
	RunID       string
	Format      string
	OptionsPath string
	Start       bool
	TaskType    string
	SessionID   string
}

// watchOutcome is how a watch session ended.
type watchOutcome struct {
	Status      runstatus.Status
	Success     bool
	Interrupted bool
	Lost        bool
	Summary     *output.SummaryRecord
}

func runWatchCmd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	stage, err := monitor.ParseStage(cmd.Name())
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid stage", err)
	}
	format := watchFormat
	if format == "" && appConfig != nil {
		format = appConfig.Output.Format
	}

	req := watchRequest{
		Stage:       stage,
		RunID:       args[0],
		Format:      strings.ToLower(format),
		OptionsPath: watchOptions,
		Start:       watchStart,
		TaskType:    watchTaskType,
		SessionID:   uuid.New().String(),
	}

	sess, err := cliSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	outcome, err := runWatch(ctx, sess, req, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	return outcomeExit(outcome)
}

func outcomeExit(o *watchOutcome) error {
	switch {
	case o.Interrupted:
		return exitError(foundry.ExitSignalInt, "Watch interrupted", context.Canceled)
	case o.Lost:
		return exitError(foundry.ExitExternalServiceUnavailable, "Live updates lost", errors.New("realtime reconnect attempts exhausted"))
	case !o.Success:
		return exitError(exitRunFailed, "Stage failed", fmt.Errorf("run ended in %s", o.Status))
	}
	return nil
}

// watchProfile builds the monitor profile for a request. Options files are
// loaded here so bad files fail before anything is sent.
func watchProfile(req watchRequest) (monitor.Profile, error) {
	switch req.Stage {
	case monitor.StageAnalyze:
		return monitor.AnalyzeProfile(), nil
	case monitor.StageClean:
		if req.OptionsPath == "" && !req.Start {
			return monitor.CleanProfile(nil), nil
		}
		opts := labclient.DefaultCleanOptions()
		if req.OptionsPath != "" {
			loaded, err := labclient.LoadCleanOptions(req.OptionsPath)
			if err != nil {
				return monitor.Profile{}, err
			}
			opts = loaded
		}
		return monitor.CleanProfile(&opts), nil
	case monitor.StageTrain:
		if req.OptionsPath == "" && !req.Start {
			return monitor.TrainProfile(nil), nil
		}
		params := map[string]any{}
		if req.OptionsPath != "" {
			loaded, err := labclient.LoadHyperparameters(req.OptionsPath)
			if err != nil {
				return monitor.Profile{}, err
			}
			if loaded != nil {
				params = loaded
			}
		}
		return monitor.TrainProfile(params), nil
	}
	return monitor.Profile{}, fmt.Errorf("unknown stage %q", req.Stage)
}

// runWatch mounts a monitor for req and blocks until the attempt ends, the
// realtime channel gives up or ctx is cancelled. In tui mode it blocks until
// the user quits.
func runWatch(ctx context.Context, sess *session, req watchRequest, stdout io.Writer) (*watchOutcome, error) {
	logger := sess.logger.With(
		zap.String("run_id", req.RunID),
		zap.String("stage", string(req.Stage)),
		zap.String("session_id", req.SessionID))

	profile, err := watchProfile(req)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --options", err)
	}

	var (
		rec     *output.Recorder
		text    *textRenderer
		program *tea.Program
	)
	terminal := make(chan monitor.Notification, 1)
	hooks := monitor.Hooks{}

	switch req.Format {
	case config.FormatJSONL:
		jw := output.NewJSONLWriter(stdout, req.SessionID, req.RunID)
		defer func() { _ = jw.Close() }()
		rec = output.NewRecorder(jw)
		hooks.OnEvent = func(ev runevent.Event) {
			if err := rec.Event(ctx, ev); err != nil {
				logger.Debug("Failed to write event", zap.Error(err))
			}
		}
		hooks.OnTransition = func(t runstatus.Transition) {
			if !t.Changed && !t.Suppressed {
				return
			}
			if err := rec.Transition(ctx, t); err != nil {
				logger.Debug("Failed to write status", zap.Error(err))
			}
		}
	case config.FormatTUI:
	case config.FormatText, "":
		req.Format = config.FormatText
		text = newTextRenderer(stdout)
		hooks.OnEvent = text.event
		hooks.OnTransition = text.transition
	default:
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid --output", fmt.Errorf("unsupported format %q (want text, jsonl or tui)", req.Format))
	}
	hooks.OnTerminal = func(n monitor.Notification) {
		select {
		case terminal <- n:
		default:
		}
		if program != nil {
			go program.Send(tui.TerminalMsg{Notification: n})
		}
	}

	// Holding a reference for the whole session lets the command see the
	// channel give up even while the monitor is idle.
	lost := make(chan struct{})
	ch := sess.pool.Acquire()
	defer sess.pool.Release()
	lostSub := ch.On(realtime.EventReconnectFailed, func(json.RawMessage) {
		select {
		case <-lost:
		default:
			close(lost)
		}
	})
	defer lostSub.Remove()

	m, err := monitor.New(monitor.Config{
		RunID:    req.RunID,
		Profile:  profile,
		TaskType: req.TaskType,
	}, sess.client, sess.pool, monitor.WithLogger(logger.Named("monitor")), monitor.WithHooks(hooks))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid watch request", err)
	}
	defer m.Unmount()

	started := time.Now()
	if req.Format == config.FormatTUI {
		program = tea.NewProgram(tui.New(ctx, m), tea.WithAltScreen(), tea.WithContext(ctx))
	}

	logger.Debug("Mounting monitor", zap.String("format", req.Format))
	if err := m.Mount(ctx); err != nil {
		if ctx.Err() != nil {
			return finishWatch(ctx, m, rec, text, started, true, false), nil
		}
		return nil, mountExit(ctx, m, rec, text, err)
	}

	if program != nil {
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return nil, exitError(foundry.ExitInvalidArgument, "Terminal UI failed", err)
		}
		interrupted := ctx.Err() != nil
		if !interrupted && m.View().Terminal {
			refresh(ctx, m, logger)
		}
		return finishWatch(ctx, m, rec, text, started, interrupted || !m.View().Terminal, false), nil
	}

	if m.View().Terminal {
		logger.Debug("Run already terminal", zap.String("status", string(m.Status())))
		return finishWatch(ctx, m, rec, text, started, false, false), nil
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case n := <-terminal:
			logger.Debug("Stage reached terminal status",
				zap.String("status", string(n.Status)),
				zap.Int("attempt", n.Attempt))
			refresh(ctx, m, logger)
			return finishWatch(ctx, m, rec, text, started, false, false), nil
		case <-lost:
			observability.CLILogger.Error("Live updates lost", zap.String("run_id", req.RunID))
			return finishWatch(ctx, m, rec, text, started, false, true), nil
		case <-ctx.Done():
			return finishWatch(ctx, m, rec, text, started, true, false), nil
		case <-ticker.C:
			if m.View().Terminal {
				return finishWatch(ctx, m, rec, text, started, false, false), nil
			}
		}
	}
}

// refresh re-fetches the run so persisted results replace anything missed
// on the stream.
func refresh(ctx context.Context, m *monitor.Monitor, logger *zap.Logger) {
	if err := m.Refresh(ctx); err != nil {
		logger.Warn("Failed to refresh run after terminal status", zap.Error(err))
	}
}

func mountExit(ctx context.Context, m *monitor.Monitor, rec *output.Recorder, text *textRenderer, err error) error {
	v := m.View()
	if rec != nil {
		_ = rec.Error(context.WithoutCancel(ctx), err)
	}
	if text != nil {
		text.printf("Error: %v\n", err)
		if v.Guidance != "" {
			text.printf("%s\n", v.Guidance)
		}
	}

	var le *monitor.LoadError
	if errors.As(err, &le) {
		observability.CLILogger.Error("Failed to load run", zap.String("run_id", le.RunID), zap.Error(le.Err))
		return apiExit("Failed to load run", le.Err)
	}
	var apiErr *labclient.APIError
	if errors.As(err, &apiErr) || labclient.IsUnauthorized(err) {
		observability.CLILogger.Error("Failed to start stage", zap.String("run_id", v.RunID), zap.Error(err))
		return apiExit("Failed to start stage", err)
	}
	observability.CLILogger.Error("Failed to attach live updates", zap.String("run_id", v.RunID), zap.Error(err))
	if realtime.IsNoToken(err) {
		return exitError(foundry.ExitInvalidArgument, "Live updates need a login (run 'learnlab auth login')", err)
	}
	return exitError(foundry.ExitExternalServiceUnavailable, "Failed to attach live updates", err)
}

func finishWatch(ctx context.Context, m *monitor.Monitor, rec *output.Recorder, text *textRenderer, started time.Time, interrupted, lost bool) *watchOutcome {
	v := m.View()
	duration := time.Since(started)

	success := v.Terminal && !v.Failure && !interrupted && !lost
	message := ""
	switch {
	case interrupted:
		message = "Interrupted; the run continues on the server"
	case lost:
		message = "Live updates lost; the run continues on the server"
	case v.Error != "":
		message = v.Error
	}

	summary := &output.SummaryRecord{
		Status:        string(v.Status),
		Success:       success,
		Attempt:       v.Attempt,
		Duration:      duration,
		DurationHuman: duration.Round(time.Millisecond).String(),
		Message:       message,
		Guidance:      v.Guidance,
	}
	if v.Snapshot != nil && len(v.Snapshot.FinalMetrics) > 0 {
		summary.FinalMetrics = v.Snapshot.FinalMetrics
	}

	// The summary is written even after cancellation.
	wctx := context.WithoutCancel(ctx)
	if rec != nil {
		_ = rec.Summary(wctx, summary)
	}
	if text != nil {
		text.summary(summary)
	}

	return &watchOutcome{
		Status:      v.Status,
		Success:     success,
		Interrupted: interrupted,
		Lost:        lost,
		Summary:     summary,
	}
}
