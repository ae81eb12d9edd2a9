// Package config loads CLI configuration from defaults, an optional YAML
// file, LEARNLAB_* environment variables and runtime overrides, in
// increasing order of precedence.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/3leaps/learnlab/pkg/labclient"
	"github.com/3leaps/learnlab/pkg/realtime"
)

// Config is the resolved CLI configuration.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	State     StateConfig     `mapstructure:"state"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Output    OutputConfig    `mapstructure:"output"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
}

// APIConfig configures the REST client.
type APIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`

	// Token, when set, is used instead of the stored login.
	Token string `mapstructure:"token"`
}

// RealtimeConfig configures the live-update channel.
type RealtimeConfig struct {
	URL               string        `mapstructure:"url"`
	Path              string        `mapstructure:"path"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
}

// StateConfig locates the credential database.
type StateConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type OutputConfig struct {
	// Format is the default watch output: text, jsonl or tui.
	Format string `mapstructure:"format"`
}

// ArtifactsConfig holds S3 settings for artifacts pull. Bucket and prefix
// come from the --dest URL.
type ArtifactsConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	Region         string `mapstructure:"region"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Output formats.
const (
	FormatText  = "text"
	FormatJSONL = "jsonl"
	FormatTUI   = "tui"
)

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	if _, err := parseHTTPURL(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if _, err := parseHTTPURL(c.Realtime.URL); err != nil {
		return fmt.Errorf("realtime.url: %w", err)
	}
	if c.Realtime.ReconnectAttempts < 0 {
		return fmt.Errorf("realtime.reconnect_attempts must be >= 0")
	}
	switch strings.ToLower(c.Output.Format) {
	case FormatText, FormatJSONL, FormatTUI:
	default:
		return fmt.Errorf("output.format must be one of: text, jsonl, tui")
	}
	if strings.TrimSpace(c.State.Path) == "" {
		return fmt.Errorf("state.path is required")
	}
	return nil
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	return u, nil
}

// ClientConfig maps the API section to labclient settings.
func (c *Config) ClientConfig(userAgent string) labclient.Config {
	return labclient.Config{
		BaseURL:   c.API.BaseURL,
		Timeout:   c.API.Timeout,
		RateLimit: c.API.RateLimit,
		UserAgent: userAgent,
	}
}

// RealtimeClientConfig maps the realtime section to channel settings.
func (c *Config) RealtimeClientConfig() realtime.Config {
	return realtime.Config{
		URL:               c.Realtime.URL,
		Path:              c.Realtime.Path,
		ReconnectAttempts: c.Realtime.ReconnectAttempts,
		BackoffBase:       c.Realtime.BackoffBase,
		BackoffMax:        c.Realtime.BackoffMax,
		JoinTimeout:       c.Realtime.JoinTimeout,
		HandshakeTimeout:  c.API.Timeout,
	}
}
