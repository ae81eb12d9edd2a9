package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/internal/config"
	"github.com/3leaps/learnlab/internal/observability"
	"github.com/3leaps/learnlab/pkg/artifact"
)

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "Work with files produced by a run",
}

var artifactsPullCmd = &cobra.Command{
	Use:   "pull <run-id>",
	Short: "Copy run files to a directory or S3 bucket",
	Long: `Copy the files listed by a run's results (trained models, cleaned
datasets, plots) to a local directory or an S3 prefix.

Include and exclude patterns use doublestar syntax and match file names as
listed by the API. Excludes win over includes.

Examples:
  learnlab artifacts pull 7f1c... --dest ./out
  learnlab artifacts pull 7f1c... --dest s3://models/runs/7f1c --include '*.joblib'
  learnlab artifacts pull 7f1c... --dest ./out --exclude '**/*.png'`,
	Args: cobra.ExactArgs(1),
	RunE: runArtifactsPull,
}

var (
	pullDest     string
	pullIncludes []string
	pullExcludes []string
	pullJSON     bool
)

func init() {
	rootCmd.AddCommand(artifactsCmd)
	artifactsCmd.AddCommand(artifactsPullCmd)

	artifactsPullCmd.Flags().StringVarP(&pullDest, "dest", "d", "", "Destination directory or s3://bucket/prefix (required)")
	artifactsPullCmd.Flags().StringArrayVar(&pullIncludes, "include", nil, "Glob of files to copy (repeatable)")
	artifactsPullCmd.Flags().StringArrayVar(&pullExcludes, "exclude", nil, "Glob of files to skip (repeatable)")
	artifactsPullCmd.Flags().BoolVar(&pullJSON, "json", false, "Print the result as JSON")
	_ = artifactsPullCmd.MarkFlagRequired("dest")
}

func runArtifactsPull(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sess, err := cliSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	filter := artifact.Filter{Include: pullIncludes, Exclude: pullExcludes}
	res, err := pullArtifacts(ctx, sess.client, args[0], pullDest, filter, s3Base(sess.cfg))
	if err != nil {
		return err
	}
	if pullJSON {
		return writeJSON(cmd.OutOrStdout(), pullReport(res))
	}
	renderPull(cmd.OutOrStdout(), res)
	if res.Failed > 0 {
		return exitError(foundry.ExitFileWriteError, fmt.Sprintf("%d of %d files failed", res.Failed, res.Failed+res.Copied), res.Err())
	}
	return nil
}

func s3Base(cfg *config.Config) artifact.S3Config {
	if cfg == nil {
		return artifact.S3Config{}
	}
	return artifact.S3Config{
		Endpoint:       cfg.Artifacts.Endpoint,
		Region:         cfg.Artifacts.Region,
		Profile:        cfg.Artifacts.Profile,
		ForcePathStyle: cfg.Artifacts.ForcePathStyle,
	}
}

// pullArtifacts opens the destination and copies the run's files into it.
func pullArtifacts(ctx context.Context, src artifact.Source, runID, dest string, filter artifact.Filter, base artifact.S3Config) (*artifact.PullResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid pattern", err)
	}

	sink, err := artifact.Open(ctx, dest, base)
	if err != nil {
		observability.CLILogger.Error("Failed to open destination", zap.String("dest", dest), zap.Error(err))
		switch {
		case artifact.IsInvalidCredentials(err), artifact.IsAccessDenied(err):
			return nil, exitError(foundry.ExitInvalidArgument, "Destination credentials rejected", err)
		case artifact.IsBucketNotFound(err):
			return nil, exitError(foundry.ExitFileNotFound, "Destination bucket not found", err)
		}
		return nil, exitError(foundry.ExitFileWriteError, "Failed to open destination", err)
	}
	defer func() { _ = sink.Close() }()

	puller, err := artifact.NewPuller(src, sink, filter, observability.CLILogger.Named("artifact"))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid pull request", err)
	}

	res, err := puller.Pull(ctx, runID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, exitError(foundry.ExitSignalInt, "Pull cancelled", err)
		}
		observability.CLILogger.Error("Failed to list run files", zap.String("run_id", runID), zap.Error(err))
		return nil, apiExit("Failed to list run files", err)
	}

	observability.CLILogger.Info("Pull complete",
		zap.String("run_id", runID),
		zap.String("dest", dest),
		zap.Int("copied", res.Copied),
		zap.Int("skipped", res.Skipped),
		zap.Int("failed", res.Failed),
		zap.Int64("bytes", res.Bytes))
	return res, nil
}

type pullFileReport struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Location string `json:"location,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

type pullResultReport struct {
	RunID   string           `json:"run_id"`
	Copied  int              `json:"copied"`
	Skipped int              `json:"skipped"`
	Failed  int              `json:"failed"`
	Bytes   int64            `json:"bytes"`
	Files   []pullFileReport `json:"files"`
}

func pullReport(res *artifact.PullResult) pullResultReport {
	out := pullResultReport{
		RunID:   res.RunID,
		Copied:  res.Copied,
		Skipped: res.Skipped,
		Failed:  res.Failed,
		Bytes:   res.Bytes,
		Files:   make([]pullFileReport, 0, len(res.Files)),
	}
	for _, f := range res.Files {
		fr := pullFileReport{Name: f.Name, Size: f.Size, Location: f.Location, Skipped: f.Skipped}
		if f.Err != nil {
			fr.Error = f.Err.Error()
		}
		out.Files = append(out.Files, fr)
	}
	return out
}

func renderPull(w io.Writer, res *artifact.PullResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"File", "Bytes", "Result"})
	for _, f := range res.Files {
		result := f.Location
		switch {
		case f.Skipped:
			result = "skipped"
		case f.Err != nil:
			result = "error: " + f.Err.Error()
		}
		t.AppendRow(table.Row{f.Name, f.Size, result})
	}
	t.AppendFooter(table.Row{"Total", res.Bytes, fmt.Sprintf("%d copied, %d skipped, %d failed", res.Copied, res.Skipped, res.Failed)})
	t.Render()
}
