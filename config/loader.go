package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable testkit reads.
const EnvPrefix = "TESTKIT"

// FileSystem interface for file operations (useful for testing).
type FileSystem interface {
	Exists(path string) bool
	LoadEnv(path string) error
}

// RealFileSystem implements FileSystem using actual file operations.
type RealFileSystem struct{}

func (rfs *RealFileSystem) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (rfs *RealFileSystem) LoadEnv(path string) error {
	return godotenv.Load(path)
}

// Resolver handles finding config and env files.
type Resolver struct {
	FileSystem FileSystem
}

// ResolvedFiles contains the resolved config and env file paths.
type ResolvedFiles struct {
	ConfigFile string
	EnvFile    string
}

// ResolveFiles returns explicit paths if provided, otherwise searches the
// package directory and its parents. Test binaries run inside the package
// directory, so the module root is usually one or two levels up.
func (r *Resolver) ResolveFiles(opts LoaderConfig) ResolvedFiles {
	resolved := ResolvedFiles{
		ConfigFile: opts.ConfigFile,
		EnvFile:    opts.EnvFile,
	}
	if resolved.ConfigFile == "" {
		resolved.ConfigFile = r.find("testkit.yml", "testkit.yaml", ".testkit.yml")
	}
	if resolved.EnvFile == "" {
		resolved.EnvFile = r.find(".env.test", ".env")
	}
	return resolved
}

func (r *Resolver) find(names ...string) string {
	for _, dir := range []string{".", "..", filepath.Join("..", ".."), filepath.Join("..", "..", "..")} {
		for _, name := range names {
			path := filepath.Join(dir, name)
			if r.FileSystem.Exists(path) {
				return path
			}
		}
	}
	return ""
}

// LoaderConfig holds dependencies and optional file overrides.
type LoaderConfig struct {
	FileSystem FileSystem
	ConfigFile string // Direct config file path (optional)
	EnvFile    string // Direct env file path (optional)
	// NoSearch disables the file search; only explicit paths are read.
	NoSearch bool
}

// LoaderOption is a functional option for Load.
type LoaderOption func(*LoaderConfig)

// WithFileSystem sets a custom filesystem for the loader.
func WithFileSystem(fs FileSystem) LoaderOption {
	return func(lc *LoaderConfig) { lc.FileSystem = fs }
}

// WithConfigFile sets an explicit config file path.
func WithConfigFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.ConfigFile = path }
}

// WithEnvFile sets an explicit .env file path.
func WithEnvFile(path string) LoaderOption {
	return func(lc *LoaderConfig) { lc.EnvFile = path }
}

// WithoutSearch disables searching for testkit.yml and .env files.
func WithoutSearch() LoaderOption {
	return func(lc *LoaderConfig) { lc.NoSearch = true }
}

// Load reads the configuration, applies defaults and validates it.
func Load(opts ...LoaderOption) (*Config, error) {
	var lc LoaderConfig
	for _, opt := range opts {
		opt(&lc)
	}
	if lc.FileSystem == nil {
		lc.FileSystem = &RealFileSystem{}
	}

	files := ResolvedFiles{ConfigFile: lc.ConfigFile, EnvFile: lc.EnvFile}
	if !lc.NoSearch {
		files = (&Resolver{FileSystem: lc.FileSystem}).ResolveFiles(lc)
	}

	cfg, err := loadFromResolvedFiles(files, lc.FileSystem)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromResolvedFiles loads configuration from specific files.
func loadFromResolvedFiles(files ResolvedFiles, fs FileSystem) (*Config, error) {
	// 1. Load .env first so its variables are visible to AutomaticEnv.
	if files.EnvFile != "" && fs.Exists(files.EnvFile) {
		if err := fs.LoadEnv(files.EnvFile); err != nil {
			return nil, fmt.Errorf("config: load env file %s: %w", files.EnvFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	// 2. YAML file overrides defaults.
	if files.ConfigFile != "" && fs.Exists(files.ConfigFile) {
		v.SetConfigFile(files.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", files.ConfigFile, err)
		}
	}

	// 3. TESTKIT_* environment variables override everything.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it during
// Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("loop.policy", d.Loop.Policy)
	v.SetDefault("loop.pool_size", d.Loop.PoolSize)
	v.SetDefault("loop.debug", d.Loop.Debug)
	v.SetDefault("loop.grace_period", d.Loop.GracePeriod)
	v.SetDefault("loop.test_timeout", d.Loop.TestTimeout)
	v.SetDefault("loop.catch_unhandled", d.Loop.CatchUnhandled)
	v.SetDefault("ports.host", d.Ports.Host)
	v.SetDefault("ports.max_attempts", d.Ports.MaxAttempts)
	v.SetDefault("ports.detach", d.Ports.Detach)
	v.SetDefault("services.health_timeout", d.Services.HealthTimeout)
	v.SetDefault("services.stop_timeout", d.Services.StopTimeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.no_color", d.Logging.NoColor)
	v.SetDefault("logging.timestamp", d.Logging.Timestamp)
	v.SetDefault("logging.caller", d.Logging.Caller)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.insecure", d.Telemetry.Insecure)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.interval", d.Telemetry.Interval)
}
