package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/internal/observability"
	"github.com/3leaps/learnlab/pkg/credstore"
	"github.com/3leaps/learnlab/pkg/realtime"
)

var (
	doctorS3 bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the local setup and the LearnLab backend and
suggest fixes for common issues.

Examples:
  learnlab doctor        # Login, API and realtime checks
  learnlab doctor --s3   # Also check AWS credentials for artifacts pull`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorS3, "s3", false, "Also check AWS credentials for S3 destinations")
}

type doctorCheck struct {
	num   int
	total int
}

func (c *doctorCheck) pass(name, detail string, fields ...zap.Field) {
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", c.num, c.total, name, detail), fields...)
	c.num++
}

func (c *doctorCheck) warn(name, detail string, fields ...zap.Field) {
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", c.num, c.total, name, detail), fields...)
	c.num++
}

func (c *doctorCheck) fail(name, detail string, fields ...zap.Field) {
	observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", c.num, c.total, name, detail), fields...)
	c.num++
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	check := &doctorCheck{num: 1, total: 6}
	if doctorS3 {
		check.total = 7
	}
	allChecks := true

	goVersion := runtime.Version()
	check.pass("Go runtime", fmt.Sprintf("%s %s/%s", goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion))

	configDir, err := os.UserConfigDir()
	if err != nil {
		check.fail("config directory", "Cannot find config directory", zap.Error(err))
		allChecks = false
	} else {
		check.pass("config directory", configDir, zap.String("config_dir", configDir))
	}

	sess, err := openSession(ctx, appConfig, observability.CLILogger)
	if err != nil {
		check.fail("credential store", "Cannot open credential store", zap.Error(err))
		observability.CLILogger.Warn("⚠️  Remaining checks need the credential store.")
		return exitError(exitRunFailed, "Doctor checks failed", err)
	}
	defer func() { _ = sess.Close() }()
	check.pass("credential store", sess.cfg.State.Path, zap.String("state_path", sess.cfg.State.Path))

	loggedIn := doctorLogin(ctx, check, sess)
	if !loggedIn {
		allChecks = false
	}

	if loggedIn {
		user, err := sess.client.Me(ctx)
		if err != nil {
			check.fail("API", "Cannot reach "+sess.cfg.API.BaseURL, zap.Error(err))
			allChecks = false
		} else {
			check.pass("API", fmt.Sprintf("%s (user %s)", sess.cfg.API.BaseURL, user.Username),
				zap.String("api_url", sess.cfg.API.BaseURL))
		}
	} else {
		check.warn("API", "Skipped without a login")
	}

	if err := doctorRealtime(ctx, sess); err != nil {
		check.fail("realtime channel", "Cannot connect to "+sess.cfg.Realtime.URL, zap.Error(err))
		allChecks = false
	} else {
		check.pass("realtime channel", sess.cfg.Realtime.URL, zap.String("realtime_url", sess.cfg.Realtime.URL))
	}

	if doctorS3 {
		if !runS3Checks(ctx, check) {
			allChecks = false
		}
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s setup is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")

	if !allChecks {
		return exitError(exitRunFailed, "Doctor checks failed", errors.New("one or more checks failed"))
	}
	return nil
}

func doctorLogin(ctx context.Context, check *doctorCheck, sess *session) bool {
	if sess.cfg.API.Token != "" {
		check.pass("login", "Using configured token")
		return true
	}
	_, err := sess.store.Token(ctx)
	switch {
	case errors.Is(err, credstore.ErrNoToken):
		check.fail("login", "Not logged in (run 'learnlab auth login')")
		return false
	case errors.Is(err, credstore.ErrTokenExpired):
		check.fail("login", "Token expired (run 'learnlab auth login')")
		return false
	case err != nil:
		check.fail("login", "Cannot read stored token", zap.Error(err))
		return false
	}

	detail := "Token stored"
	if exp, ok, err := sess.store.TokenExpiry(ctx); err == nil && ok {
		detail = "Token valid until " + exp.Local().Format(time.RFC1123)
	}
	check.pass("login", detail)
	return true
}

// doctorRealtime opens a private channel and waits for the handshake.
func doctorRealtime(ctx context.Context, sess *session) error {
	cfg := sess.cfg.RealtimeClientConfig()
	cfg.ReconnectAttempts = 1

	ch, err := realtime.New(cfg, sess, realtime.WithLogger(sess.logger.Named("realtime")))
	if err != nil {
		return err
	}
	defer ch.Disconnect()

	failed := make(chan string, 1)
	sub := ch.On(realtime.EventReconnectFailed, func(p json.RawMessage) {
		select {
		case failed <- string(p):
		default:
		}
	})
	defer sub.Remove()

	if err := ch.Connect(ctx); err != nil {
		return err
	}

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		if ch.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-failed:
			return fmt.Errorf("connect failed: %s", reason)
		case <-deadline.C:
			return fmt.Errorf("no handshake within %s", timeout)
		case <-tick.C:
		}
	}
}

// runS3Checks checks that AWS credentials resolve for S3 destinations.
func runS3Checks(ctx context.Context, check *doctorCheck) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Destination Checks:")

	opts := []func(*awsconfig.LoadOptions) error{}
	if appConfig != nil && appConfig.Artifacts.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(appConfig.Artifacts.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		check.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		check.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	check.pass("AWS credentials", "Found credentials from "+source,
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile and pass it as LEARNLAB_S3_PROFILE")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set LEARNLAB_S3_ENDPOINT.")
	observability.CLILogger.Info("")
}
