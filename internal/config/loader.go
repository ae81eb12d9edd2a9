package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config file and env lookups.
type Identity struct {
	Name       string
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the learnlab CLI identity.
var DefaultIdentity = Identity{
	Name:       "learnlab",
	BinaryName: "learnlab",
	EnvPrefix:  "LEARNLAB_",
	ConfigName: "config",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
)

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// envPaths lists the config paths exposed as environment variables, keyed
// by variable suffix.
var envPaths = []EnvSpec{
	{Name: "API_URL", Path: "api.base_url"},
	{Name: "API_TIMEOUT", Path: "api.timeout"},
	{Name: "API_RATE_LIMIT", Path: "api.rate_limit"},
	{Name: "TOKEN", Path: "api.token"},
	{Name: "REALTIME_URL", Path: "realtime.url"},
	{Name: "RECONNECT_ATTEMPTS", Path: "realtime.reconnect_attempts"},
	{Name: "BACKOFF_BASE", Path: "realtime.backoff_base"},
	{Name: "BACKOFF_MAX", Path: "realtime.backoff_max"},
	{Name: "JOIN_TIMEOUT", Path: "realtime.join_timeout"},
	{Name: "STATE_PATH", Path: "state.path"},
	{Name: "LOG_LEVEL", Path: "logging.level"},
	{Name: "OUTPUT", Path: "output.format"},
	{Name: "S3_ENDPOINT", Path: "artifacts.endpoint"},
	{Name: "S3_REGION", Path: "artifacts.region"},
	{Name: "S3_PROFILE", Path: "artifacts.profile"},
	{Name: "S3_FORCE_PATH_STYLE", Path: "artifacts.force_path_style"},
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "http://localhost:5000/api")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.rate_limit", 10)
	v.SetDefault("api.token", "")

	v.SetDefault("realtime.url", "http://localhost:5000")
	v.SetDefault("realtime.path", "/socket.io/")
	v.SetDefault("realtime.reconnect_attempts", 10)
	v.SetDefault("realtime.backoff_base", "500ms")
	v.SetDefault("realtime.backoff_max", "10s")
	v.SetDefault("realtime.join_timeout", "10s")

	v.SetDefault("state.path", defaultStatePath())
	v.SetDefault("logging.level", "info")
	v.SetDefault("output.format", FormatText)

	v.SetDefault("artifacts.endpoint", "")
	v.SetDefault("artifacts.region", "")
	v.SetDefault("artifacts.profile", "")
	v.SetDefault("artifacts.force_path_style", false)
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return filepath.Join(".learnlab", "state.db")
	}
	return filepath.Join(dir, "learnlab", "state.db")
}

// Load resolves configuration. Later overrides win over earlier ones and
// over every other source. The result is also available from GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	if err := ConfigureViper(v); err != nil {
		return nil, err
	}
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	return FromViper(v)
}

// FromViper decodes an already populated viper instance, e.g. the global
// one with CLI flags bound.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Output.Format = strings.ToLower(strings.TrimSpace(cfg.Output.Format))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// ConfigureViper applies defaults, the config file and env bindings to v.
// The CLI uses it on the global viper before binding flags.
func ConfigureViper(v *viper.Viper) error {
	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	configMu.Unlock()

	SetDefaults(v)
	if err := readConfigFile(v); err != nil {
		return err
	}
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}
	return nil
}

// readConfigFile merges LEARNLAB_CONFIG, or the first user config file that
// exists. A missing default file is not an error; a missing explicit one is.
func readConfigFile(v *viper.Viper) error {
	prefix := DefaultIdentity.EnvPrefix
	if id := identity(); id != nil {
		prefix = id.EnvPrefix
	}

	if explicit := strings.TrimSpace(os.Getenv(prefix + "CONFIG")); explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("stat config %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func identity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// getUserConfigPaths lists candidate config files in lookup order.
func getUserConfigPaths() []string {
	id := identity()
	if id == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	base := filepath.Join(dir, id.Name)
	return []string{
		filepath.Join(base, id.ConfigName+".yaml"),
		filepath.Join(base, id.ConfigName+".yml"),
	}
}

// getEnvSpecs returns the prefixed environment variable mappings.
func getEnvSpecs() []EnvSpec {
	id := identity()
	if id == nil {
		return []EnvSpec{}
	}
	specs := make([]EnvSpec, 0, len(envPaths))
	for _, p := range envPaths {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + p.Name, Path: p.Path})
	}
	return specs
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
