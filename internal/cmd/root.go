package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/internal/config"
	"github.com/3leaps/learnlab/internal/observability"
)

// exitRunFailed is returned when a watched stage ends in a failure status.
const exitRunFailed = 1

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity
	appConfig   *config.Config
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:   "learnlab",
	Short: "Follow ML LearnLab model runs from the terminal",
	Long: `learnlab starts and follows the analysis, cleaning and training
stages of LearnLab model runs. Live updates arrive over the backend's
realtime channel and are rendered as text, JSONL records or a full-screen
view.

Configuration is read from defaults, ~/.config/learnlab/config.yaml,
LEARNLAB_* environment variables and flags, in increasing precedence.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("api-url", "", "LearnLab API base URL (default http://localhost:5000/api)")
	flags.String("realtime-url", "", "Realtime server URL (default http://localhost:5000)")
	flags.String("token", "", "Access token to use instead of the stored login")
	flags.String("state", "", "Path of the credential database")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// flagPaths maps persistent flags to config paths.
var flagPaths = map[string]string{
	"api-url":      "api.base_url",
	"realtime-url": "realtime.url",
	"token":        "api.token",
	"state":        "state.path",
	"log-level":    "logging.level",
}

// Execute runs the root command with SIGINT and SIGTERM cancelling the
// command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity resolved during startup, or nil
// before the first command runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

func initConfig(cmd *cobra.Command, args []string) error {
	id := config.DefaultIdentity
	appIdentity = &id

	v := viper.GetViper()
	if err := config.ConfigureViper(v); err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read configuration", err)
	}
	for name, path := range flagPaths {
		flag := cmd.Flags().Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		v.Set(path, flag.Value.String())
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if verbose {
		observability.InitCLILogger(id.BinaryName, true)
	} else {
		observability.InitCLILoggerLevel(id.BinaryName, cfg.Logging.Level)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("api_url", cfg.API.BaseURL),
		zap.String("realtime_url", cfg.Realtime.URL),
		zap.String("state_path", cfg.State.Path))
	return nil
}

func userAgent() string {
	return "learnlab/" + versionInfo.Version
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for an error returned by Execute: 0 for
// nil, the carried code for an ExitError and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}
