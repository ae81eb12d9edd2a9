package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/internal/config"
	"github.com/3leaps/learnlab/internal/observability"
	"github.com/3leaps/learnlab/pkg/credstore"
	"github.com/3leaps/learnlab/pkg/labclient"
	"github.com/3leaps/learnlab/pkg/realtime"
)

// session bundles the clients one command needs.
type session struct {
	cfg    *config.Config
	store  *credstore.Store
	client *labclient.Client
	pool   *realtime.Shared
	logger *zap.Logger
}

func openSession(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*session, error) {
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := credstore.Open(ctx, credstore.Config{Path: cfg.State.Path})
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	s := &session{cfg: cfg, store: store, logger: logger}

	client, err := labclient.New(cfg.ClientConfig(userAgent()), labclient.TokenFunc(s.Token),
		labclient.WithLogger(logger.Named("api")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s.client = client

	pool, err := realtime.NewShared(cfg.RealtimeClientConfig(), s, realtime.WithLogger(logger.Named("realtime")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Token prefers a configured token over the stored login. The store is read
// on every call so a login from another shell is picked up.
func (s *session) Token(ctx context.Context) (string, error) {
	if tok := strings.TrimSpace(s.cfg.API.Token); tok != "" {
		return tok, nil
	}
	return s.store.Token(ctx)
}

func (s *session) Close() error {
	return s.store.Close()
}

// cliSession opens a session from the loaded configuration.
func cliSession(ctx context.Context) (*session, error) {
	sess, err := openSession(ctx, appConfig, observability.CLILogger)
	if err != nil {
		observability.CLILogger.Error("Failed to initialize session", zap.Error(err))
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to initialize session", err)
	}
	return sess, nil
}

// apiExit maps client errors to exit codes.
func apiExit(message string, err error) error {
	switch {
	case errors.Is(err, credstore.ErrNoToken), errors.Is(err, credstore.ErrTokenExpired):
		return exitError(foundry.ExitInvalidArgument, message+" (run 'learnlab auth login')", err)
	case labclient.IsUnauthorized(err):
		return exitError(foundry.ExitInvalidArgument, message+" (run 'learnlab auth login')", err)
	case labclient.IsNotFound(err):
		return exitError(foundry.ExitFileNotFound, message, err)
	case labclient.IsConflict(err):
		return exitError(foundry.ExitInvalidArgument, message, err)
	case labclient.IsUnavailable(err):
		return exitError(foundry.ExitExternalServiceUnavailable, message, err)
	}
	return exitError(exitRunFailed, message, err)
}
