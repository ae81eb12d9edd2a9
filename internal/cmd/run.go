package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/internal/observability"
	"github.com/3leaps/learnlab/pkg/labclient"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inspect model runs and start stages",
	Long: `One-shot commands against a model run. Use 'learnlab watch' to start a
stage and follow it live.`,
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var runResultsCmd = &cobra.Command{
	Use:   "results <run-id>",
	Short: "Show final metrics, summary and files of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

var runAnalyzeCmd = &cobra.Command{
	Use:   "analyze <run-id>",
	Short: "Start dataset analysis",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var runCleanCmd = &cobra.Command{
	Use:   "clean <run-id>",
	Short: "Start data cleaning",
	Long: `Start data cleaning. Options come from a YAML file; keys the file omits
keep their defaults.

Example:
  learnlab run clean 7f1c... --options clean.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var runTrainCmd = &cobra.Command{
	Use:   "train <run-id>",
	Short: "Start model training",
	Long: `Start model training. Hyperparameters come from an optional YAML file.

Example:
  learnlab run train 7f1c... --options params.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

var (
	runJSON    bool
	runOptions string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.AddCommand(runGetCmd, runResultsCmd, runAnalyzeCmd, runCleanCmd, runTrainCmd)

	runCmd.PersistentFlags().BoolVar(&runJSON, "json", false, "Print the API response as JSON")
	runCleanCmd.Flags().StringVar(&runOptions, "options", "", "Cleaning options YAML file")
	runTrainCmd.Flags().StringVar(&runOptions, "options", "", "Hyperparameters YAML file")
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sess, err := cliSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	snap, err := sess.client.GetRun(ctx, args[0])
	if err != nil {
		observability.CLILogger.Error("Failed to load run", zap.String("run_id", args[0]), zap.Error(err))
		return apiExit("Failed to load run", err)
	}
	if runJSON {
		return writeJSON(cmd.OutOrStdout(), snap)
	}
	renderSnapshot(cmd.OutOrStdout(), snap)
	return nil
}

func runResults(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sess, err := cliSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	res, err := sess.client.GetResults(ctx, args[0])
	if err != nil {
		observability.CLILogger.Error("Failed to load results", zap.String("run_id", args[0]), zap.Error(err))
		return apiExit("Failed to load results", err)
	}
	if runJSON {
		return writeJSON(cmd.OutOrStdout(), res)
	}
	renderResults(cmd.OutOrStdout(), res)
	return nil
}

func renderResults(w io.Writer, res *labclient.RunResults) {
	_, _ = fmt.Fprintf(w, "Run %s: %s\n", res.Run.ID, res.Run.Status)

	if len(res.Metrics) > 0 {
		_, _ = fmt.Fprintln(w, "\nMetrics")
		renderMapTable(w, "Metric", res.Metrics)
	}
	if len(res.Summary) > 0 {
		_, _ = fmt.Fprintln(w, "\nSummary")
		renderMapTable(w, "Field", res.Summary)
	}
	if len(res.Files) > 0 {
		_, _ = fmt.Fprintln(w, "\nFiles")
		t := table.NewWriter()
		t.SetOutputMirror(w)
		t.SetStyle(table.StyleLight)
		t.AppendHeader(table.Row{"#", "Name"})
		for i, name := range res.Files {
			t.AppendRow(table.Row{i + 1, name})
		}
		t.Render()
	}
	if len(res.Metrics) == 0 && len(res.Files) == 0 {
		_, _ = fmt.Fprintln(w, "No results yet")
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	runID := args[0]

	start, err := stageStarter(cmd.Name(), runOptions)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --options", err)
	}

	sess, err := cliSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	resp, err := start(ctx, sess.client, runID)
	if err != nil {
		observability.CLILogger.Error("Failed to start stage",
			zap.String("run_id", runID),
			zap.String("stage", cmd.Name()),
			zap.Error(err))
		return apiExit("Failed to start "+cmd.Name(), err)
	}
	if runJSON {
		return writeJSON(cmd.OutOrStdout(), resp)
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%s\n", resp.Message)
	_, _ = fmt.Fprintf(out, "Run:    %s\n", runID)
	_, _ = fmt.Fprintf(out, "Status: %s\n", resp.Run.Status)
	if resp.CeleryTaskID != "" {
		_, _ = fmt.Fprintf(out, "Task:   %s\n", resp.CeleryTaskID)
	}
	return nil
}

type startFunc func(ctx context.Context, c *labclient.Client, runID string) (*labclient.StartResponse, error)

// stageStarter resolves the start call for a stage, loading options first so
// bad files fail before any request is sent.
func stageStarter(stage, optionsPath string) (startFunc, error) {
	switch stage {
	case "analyze":
		return func(ctx context.Context, c *labclient.Client, runID string) (*labclient.StartResponse, error) {
			return c.StartAnalysis(ctx, runID)
		}, nil
	case "clean":
		opts := labclient.DefaultCleanOptions()
		if optionsPath != "" {
			loaded, err := labclient.LoadCleanOptions(optionsPath)
			if err != nil {
				return nil, err
			}
			opts = loaded
		}
		return func(ctx context.Context, c *labclient.Client, runID string) (*labclient.StartResponse, error) {
			return c.StartCleaning(ctx, runID, opts)
		}, nil
	case "train":
		params := map[string]any{}
		if optionsPath != "" {
			loaded, err := labclient.LoadHyperparameters(optionsPath)
			if err != nil {
				return nil, err
			}
			params = loaded
		}
		return func(ctx context.Context, c *labclient.Client, runID string) (*labclient.StartResponse, error) {
			return c.StartTraining(ctx, runID, params)
		}, nil
	}
	return nil, fmt.Errorf("unknown stage %q", stage)
}
