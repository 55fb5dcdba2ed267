// Package config loads eventmill process configuration.
//
// Configuration is resolved from, in increasing precedence: built-in
// defaults, an optional eventmill.yaml file (project root, working
// directory, or ~/.config/eventmill), EVENTMILL_* environment variables,
// and runtime overrides passed by the CLI from parsed flags.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// configName is the config file base name (eventmill.yaml).
	configName = "eventmill"

	// envPrefix namespaces every environment variable.
	envPrefix = "EVENTMILL"
)

// Config is the full process configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Capture CaptureConfig `mapstructure:"capture"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Health  HealthConfig  `mapstructure:"health"`
}

// ServerConfig configures the control API server.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the host:port the server binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is the minimum level emitted: debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Profile selects the output shape: STRUCTURED for JSON lines,
	// CLI for human-readable console output.
	Profile string `mapstructure:"profile"`
}

// StoreConfig configures the durable job store.
type StoreConfig struct {
	// Path is the SQLite database file. The directory must exist.
	Path string `mapstructure:"path"`

	// URL is a libsql/Turso URL. When set it takes precedence over Path.
	URL string `mapstructure:"url"`

	// AuthToken authenticates URL-based connections.
	AuthToken string `mapstructure:"auth_token"`
}

// WorkerConfig configures the worker loop and the per-job run loop.
type WorkerConfig struct {
	Concurrency          int           `mapstructure:"concurrency"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	LeaseTTL             time.Duration `mapstructure:"lease_ttl"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	BatchSize            int           `mapstructure:"batch_size"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
	RetryMaxAttempts     int           `mapstructure:"retry_max_attempts"`
}

// CaptureConfig holds capture endpoint connection settings. The API key is
// process configuration (normally EVENTMILL_CAPTURE_API_KEY) and is never
// stored on job rows.
type CaptureConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// KafkaConfig holds Kafka broker connection settings.
type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// envSpec maps one environment variable to a config path.
type envSpec struct {
	// Name is the full environment variable name.
	Name string

	// Path is the dotted config key the variable binds to.
	Path string
}

// Package-level cache of the last loaded configuration.
var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load resolves the process configuration. Optional override maps (parsed
// CLI flags) take precedence over environment variables, which take
// precedence over the config file and defaults. The loaded configuration
// is cached for GetConfig.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	for _, dir := range configSearchPaths() {
		v.AddConfigPath(dir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return finishLoad(v, overrides)
}

// LoadFile is Load with an explicit config file instead of the search
// path. Unlike Load, a missing file is an error.
func LoadFile(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	return finishLoad(v, overrides)
}

// finishLoad layers env bindings and overrides on v, decodes the result,
// and caches it.
func finishLoad(v *viper.Viper, overrides []map[string]any) (*Config, error) {
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		applyOverrides(v, "", o)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil when
// Load has not run.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("store.path", "eventmill.db")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.lease_ttl", 60*time.Second)
	v.SetDefault("worker.heartbeat_interval", 20*time.Second)
	v.SetDefault("worker.batch_size", 500)
	v.SetDefault("worker.retry_initial_interval", time.Second)
	v.SetDefault("worker.retry_max_interval", 30*time.Second)
	v.SetDefault("worker.retry_max_attempts", 5)

	v.SetDefault("capture.endpoint", "")
	v.SetDefault("capture.api_key", "")
	v.SetDefault("capture.timeout", 30*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "eventmill")

	v.SetDefault("health.enabled", true)
}

// getEnvSpecs returns the environment variable bindings. Operational knobs
// get flat names (EVENTMILL_PORT, EVENTMILL_LOG_LEVEL) rather than derived
// section paths.
func getEnvSpecs() []envSpec {
	return []envSpec{
		{Name: "EVENTMILL_HOST", Path: "server.host"},
		{Name: "EVENTMILL_PORT", Path: "server.port"},
		{Name: "EVENTMILL_READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: "EVENTMILL_WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: "EVENTMILL_IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: "EVENTMILL_SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: "EVENTMILL_LOG_LEVEL", Path: "logging.level"},
		{Name: "EVENTMILL_LOG_PROFILE", Path: "logging.profile"},
		{Name: "EVENTMILL_STORE_PATH", Path: "store.path"},
		{Name: "EVENTMILL_STORE_URL", Path: "store.url"},
		{Name: "EVENTMILL_STORE_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: "EVENTMILL_WORKERS", Path: "worker.concurrency"},
		{Name: "EVENTMILL_POLL_INTERVAL", Path: "worker.poll_interval"},
		{Name: "EVENTMILL_LEASE_TTL", Path: "worker.lease_ttl"},
		{Name: "EVENTMILL_HEARTBEAT_INTERVAL", Path: "worker.heartbeat_interval"},
		{Name: "EVENTMILL_BATCH_SIZE", Path: "worker.batch_size"},
		{Name: "EVENTMILL_RETRY_INITIAL_INTERVAL", Path: "worker.retry_initial_interval"},
		{Name: "EVENTMILL_RETRY_MAX_INTERVAL", Path: "worker.retry_max_interval"},
		{Name: "EVENTMILL_RETRY_MAX_ATTEMPTS", Path: "worker.retry_max_attempts"},
		{Name: "EVENTMILL_CAPTURE_ENDPOINT", Path: "capture.endpoint"},
		{Name: "EVENTMILL_CAPTURE_API_KEY", Path: "capture.api_key"},
		{Name: "EVENTMILL_CAPTURE_TIMEOUT", Path: "capture.timeout"},
		{Name: "EVENTMILL_KAFKA_BROKERS", Path: "kafka.brokers"},
		{Name: "EVENTMILL_KAFKA_CLIENT_ID", Path: "kafka.client_id"},
		{Name: "EVENTMILL_HEALTH_ENABLED", Path: "health.enabled"},
	}
}

// applyOverrides flattens a nested override map into explicit sets, the
// highest-precedence viper layer.
func applyOverrides(v *viper.Viper, prefix string, m map[string]any) {
	for key, val := range m {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			applyOverrides(v, path, nested)
			continue
		}
		v.Set(path, val)
	}
}

// configSearchPaths returns the directories searched for eventmill.yaml,
// most specific first.
func configSearchPaths() []string {
	paths := []string{"."}
	if root, err := findProjectRoot(); err == nil && root != "." {
		paths = append(paths, root)
	}
	paths = append(paths, getUserConfigPaths()...)
	return paths
}

// getUserConfigPaths returns per-user config directories.
func getUserConfigPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".config", "eventmill")}
}

// findProjectRoot locates the project root for config file discovery.
//
// In CI the checkout often lives outside $HOME, where walking up from the
// working directory can escape the workspace; an absolute workspace
// boundary variable that contains the working directory is used directly.
// Otherwise the root is the nearest ancestor holding go.mod or .git,
// falling back to the working directory.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}

	if root := ciBoundaryRoot(cwd); root != "" {
		return root, nil
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

// ciBoundaryRoot returns the CI workspace root when one is declared,
// absolute, present on disk, and an ancestor of cwd. Anything else falls
// back to default discovery.
func ciBoundaryRoot(cwd string) string {
	if os.Getenv("CI") == "" && os.Getenv("GITHUB_ACTIONS") == "" {
		return ""
	}
	for _, name := range []string{"EVENTMILL_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
		root := os.Getenv(name)
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		rel, err := filepath.Rel(root, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return root
	}
	return ""
}
