package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/learnlab/test/fakelab"
)

func TestSetVersionInfo(t *testing.T) {
	// Save original values
	origVersion := versionInfo.Version
	origCommit := versionInfo.Commit
	origBuildDate := versionInfo.BuildDate
	defer func() {
		versionInfo.Version = origVersion
		versionInfo.Commit = origCommit
		versionInfo.BuildDate = origBuildDate
	}()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{
			name:      "set all values",
			version:   "1.0.0",
			commit:    "abc123",
			buildDate: "2024-01-15",
		},
		{
			name:      "set dev version",
			version:   "dev",
			commit:    "HEAD",
			buildDate: "unknown",
		},
		{
			name:      "set empty values",
			version:   "",
			commit:    "",
			buildDate: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
			assert.Equal(t, "learnlab/"+tt.version, userAgent())
		})
	}
}

func TestGetAppIdentity(t *testing.T) {
	t.Run("returns nil before init", func(t *testing.T) {
		orig := appIdentity
		appIdentity = nil
		defer func() { appIdentity = orig }()

		assert.Nil(t, GetAppIdentity())
	})

	t.Run("returns identity after init", func(t *testing.T) {
		isolateConfig(t)
		viper.Reset()
		defer viper.Reset()

		require.NoError(t, initConfig(&cobra.Command{}, nil))
		id := GetAppIdentity()
		require.NotNil(t, id)
		assert.Equal(t, "learnlab", id.BinaryName)
		assert.Equal(t, "LEARNLAB_", id.EnvPrefix)
	})
}

func TestSetDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	setDefaults()

	assert.Equal(t, "http://localhost:5000/api", viper.GetString("api.base_url"))
	assert.Equal(t, "30s", viper.GetString("api.timeout"))
	assert.Equal(t, "http://localhost:5000", viper.GetString("realtime.url"))
	assert.Equal(t, "/socket.io/", viper.GetString("realtime.path"))
	assert.Equal(t, 10, viper.GetInt("realtime.reconnect_attempts"))
	assert.Equal(t, "info", viper.GetString("logging.level"))
	assert.Equal(t, "text", viper.GetString("output.format"))
	assert.NotEmpty(t, viper.GetString("state.path"))
}

func TestInitConfig_FlagsOverrideEnv(t *testing.T) {
	dir := isolateConfig(t)
	t.Setenv("LEARNLAB_API_URL", "http://env.example/api")
	t.Setenv("LEARNLAB_OUTPUT", "jsonl")
	viper.Reset()
	defer viper.Reset()

	cmd := &cobra.Command{}
	cmd.Flags().String("api-url", "", "")
	cmd.Flags().String("state", "", "")
	require.NoError(t, cmd.Flags().Set("api-url", "http://flag.example/api"))
	require.NoError(t, cmd.Flags().Set("state", filepath.Join(dir, "s.db")))

	require.NoError(t, initConfig(cmd, nil))
	require.NotNil(t, appConfig)
	assert.Equal(t, "http://flag.example/api", appConfig.API.BaseURL)
	assert.Equal(t, "jsonl", appConfig.Output.Format)
	assert.Equal(t, filepath.Join(dir, "s.db"), appConfig.State.Path)
}

func TestInitConfig_Invalid(t *testing.T) {
	isolateConfig(t)
	t.Setenv("LEARNLAB_OUTPUT", "xml")
	viper.Reset()
	defer viper.Reset()

	err := initConfig(&cobra.Command{}, nil)
	require.Error(t, err)
	assert.Equal(t, foundry.ExitInvalidArgument, ExitCode(err))
}

func TestExitError(t *testing.T) {
	cause := errors.New("boom")
	err := exitError(foundry.ExitExternalServiceUnavailable, "Backend down", cause)

	assert.Equal(t, fmt.Sprintf("Backend down: boom (exit code %d)", foundry.ExitExternalServiceUnavailable), err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(err))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCode(fmt.Errorf("wrapped: %w", err)))

	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 1, ExitCode(errors.New("plain")))

	noCause := exitError(exitRunFailed, "Stage failed", nil)
	assert.Contains(t, noCause.Error(), "Stage failed")
}

func TestExecute_RunGetJSON(t *testing.T) {
	dir := isolateConfig(t)
	viper.Reset()
	defer viper.Reset()

	lab := fakelab.New(t)
	lab.AddRun(fakelab.Run{ID: "run-1", Status: "TRAINING", ModelID: "random_forest_classifier"})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	defer rootCmd.SetOut(nil)
	rootCmd.SetArgs([]string{
		"run", "get", "run-1", "--json",
		"--api-url", lab.APIURL(),
		"--realtime-url", lab.URL(),
		"--token", lab.Token(),
		"--state", filepath.Join(dir, "state.db"),
	})
	defer func() { runJSON = false }()

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), `"id": "run-1"`)
	assert.Contains(t, out.String(), `"status": "TRAINING"`)
}
