package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/learnlab/internal/observability"
	"github.com/3leaps/learnlab/pkg/credstore"
	"github.com/3leaps/learnlab/pkg/labclient"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the stored login",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the access token",
	Long: `Log in with email and password. The access token and profile are kept
in the credential database (see --state) for later commands.

When --password is omitted the password is read from the first line of
standard input.

Examples:
  learnlab auth login --email student@example.com --password secret
  echo secret | learnlab auth login --email student@example.com`,
	Args: cobra.NoArgs,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored token and profile",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogout,
}

var authWhoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	Long: `Show the cached profile of the logged-in user. With --refresh the
profile is fetched from the API and the cache updated.`,
	Args: cobra.NoArgs,
	RunE: runAuthWhoami,
}

var (
	loginEmail    string
	loginPassword string
	whoamiRefresh bool
	whoamiJSON    bool
)

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authWhoamiCmd)

	authLoginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email (required)")
	authLoginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (read from stdin when omitted)")
	_ = authLoginCmd.MarkFlagRequired("email")

	authWhoamiCmd.Flags().BoolVar(&whoamiRefresh, "refresh", false, "Fetch the profile from the API")
	authWhoamiCmd.Flags().BoolVar(&whoamiJSON, "json", false, "Print the profile as JSON")
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	password := loginPassword
	if password == "" {
		p, err := readPassword(cmd.InOrStdin())
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to read password", err)
		}
		password = p
	}

	sess, err := cliSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	res, err := sess.client.Login(ctx, strings.TrimSpace(loginEmail), password)
	if err != nil {
		observability.CLILogger.Error("Login failed", zap.String("email", loginEmail), zap.Error(err))
		return apiExit("Login failed", err)
	}
	if err := sess.store.SaveLogin(ctx, res.AccessToken, res.User); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to store login", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Logged in as %s (%s)\n", res.User.Username, res.User.Email)
	if exp, ok, err := sess.store.TokenExpiry(ctx); err == nil && ok {
		_, _ = fmt.Fprintf(out, "Token expires %s\n", exp.Local().Format(time.RFC1123))
	}
	return nil
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password is required")
	}
	return line, nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sess, err := cliSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	if err := sess.store.Clear(ctx); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to clear login", err)
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}

func runAuthWhoami(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sess, err := cliSession(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = sess.Close() }()

	var user *labclient.User
	if whoamiRefresh {
		user, err = sess.client.Me(ctx)
		if err != nil {
			return apiExit("Failed to fetch profile", err)
		}
		if err := sess.store.SaveProfile(ctx, *user); err != nil {
			observability.CLILogger.Warn("Failed to cache profile", zap.Error(err))
		}
	} else {
		user, err = sess.store.Profile(ctx)
		if errors.Is(err, credstore.ErrNoProfile) {
			return exitError(foundry.ExitInvalidArgument, "Not logged in (run 'learnlab auth login')", err)
		}
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read profile", err)
		}
	}

	out := cmd.OutOrStdout()
	if whoamiJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(user)
	}
	_, _ = fmt.Fprintf(out, "User:   %s\n", user.Username)
	_, _ = fmt.Fprintf(out, "Email:  %s\n", user.Email)
	if user.Role != "" {
		_, _ = fmt.Fprintf(out, "Role:   %s\n", user.Role)
	}
	_, _ = fmt.Fprintf(out, "ID:     %s\n", user.ID)
	if exp, ok, err := sess.store.TokenExpiry(ctx); err == nil && ok {
		state := "valid"
		if time.Now().After(exp) {
			state = "expired"
		}
		_, _ = fmt.Fprintf(out, "Token:  %s until %s\n", state, exp.Local().Format(time.RFC1123))
	}
	return nil
}
