package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/internal/config"
	"github.com/3leaps/learnlab/test/fakelab"
)

// isolateConfig keeps tests away from the developer's config file and
// LEARNLAB_* variables.
func isolateConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("AppData", filepath.Join(dir, "AppData"))
	t.Setenv("LEARNLAB_CONFIG", "")
	t.Setenv("LEARNLAB_TOKEN", "")
	return dir
}

// labConfig resolves a configuration pointing at lab. An empty token leaves
// authentication to the credential store.
func labConfig(t *testing.T, lab *fakelab.Server, token string) *config.Config {
	t.Helper()
	dir := isolateConfig(t)
	cfg, err := config.Load(context.Background(), map[string]any{
		"api": map[string]any{
			"base_url": lab.APIURL(),
			"token":    token,
			"timeout":  "5s",
		},
		"realtime": map[string]any{
			"url":          lab.URL(),
			"backoff_base": "10ms",
			"backoff_max":  "50ms",
			"join_timeout": "2s",
		},
		"state": map[string]any{
			"path": filepath.Join(dir, "state.db"),
		},
	})
	require.NoError(t, err)
	return cfg
}

func labSession(t *testing.T, lab *fakelab.Server, token string) *session {
	t.Helper()
	sess, err := openSession(context.Background(), labConfig(t, lab, token), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// syncBuffer is a bytes.Buffer safe for the concurrent writes of monitor
// hooks.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
