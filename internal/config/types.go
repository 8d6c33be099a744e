package config

import "time"

// Config is the complete typesetd configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Pool     PoolConfig     `yaml:"pool"`
	Queue    QueueConfig    `yaml:"queue"`
	Compiler CompilerConfig `yaml:"compiler"`
	Packages PackagesConfig `yaml:"packages"`
	Journal  JournalConfig  `yaml:"journal"`
	API      APIConfig      `yaml:"api,omitempty"`
	Lock     LockConfig     `yaml:"lock"`
}

// ServiceConfig defines core daemon settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// PoolConfig controls the worker pool.
type PoolConfig struct {
	// Size is the number of worker slots. Each slot is one subprocess
	// rendering one document at a time.
	Size int `yaml:"size"`

	// WorkerPath is the worker executable. Empty means a typesetd-worker
	// binary next to the daemon binary.
	WorkerPath string `yaml:"worker_path"`

	// RenderTimeout is the per-request wall-clock budget. A worker that
	// exceeds it is killed and respawned.
	RenderTimeout time.Duration `yaml:"render_timeout"`

	// GracePeriod is how long a signalled worker gets before SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`

	// MaxSpawnAttempts bounds consecutive failed spawns before the daemon
	// gives up.
	MaxSpawnAttempts int `yaml:"max_spawn_attempts"`
}

// QueueConfig controls request admission.
type QueueConfig struct {
	// MaxDepth is the number of requests that may wait for a slot before
	// submissions are rejected.
	MaxDepth int `yaml:"max_depth"`
}

// CompilerConfig locates the typesetting compiler the worker drives.
type CompilerConfig struct {
	Path     string `yaml:"path"`
	FontsDir string `yaml:"fonts_dir,omitempty"`
	MaxPages int    `yaml:"max_pages"`
}

// PackagesConfig controls the package cache and registry access.
type PackagesConfig struct {
	CacheDir    string `yaml:"cache_dir"`
	RegistryURL string `yaml:"registry_url"`
}

// JournalConfig defines the render journal database.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings. An empty APIKey
// disables authentication (local-only deployments).
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// LockConfig defines the daemon PID lock.
type LockConfig struct {
	Path string `yaml:"path"`
}

// Defaults returns a Config with production defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "typesetd",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Pool: PoolConfig{
			Size:             1,
			RenderTimeout:    30 * time.Second,
			GracePeriod:      5 * time.Second,
			MaxSpawnAttempts: 5,
		},
		Queue: QueueConfig{
			MaxDepth: 32,
		},
		Compiler: CompilerConfig{
			Path:     "typst",
			MaxPages: 10,
		},
		Packages: PackagesConfig{
			CacheDir:    "./data/packages",
			RegistryURL: "https://packages.typst.org",
		},
		Journal: JournalConfig{
			Path:      "./data/journal.db",
			Retention: 30 * 24 * time.Hour,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8466",
		},
		Lock: LockConfig{
			Path: "./data/typesetd.pid",
		},
	}
}
