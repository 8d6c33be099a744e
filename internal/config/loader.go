// Package config loads the typesetd YAML configuration: a single file with
// ${VAR} environment interpolation, defaults for everything optional, and
// hard validation before the daemon touches any resource.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults, and validates a configuration file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority: $TYPESETD_CONFIG, ~/.config/typesetd/config.yaml,
// /etc/typesetd/config.yaml, ./config.yaml.
func Discover() (string, error) {
	if path := os.Getenv("TYPESETD_CONFIG"); path != "" {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "typesetd", "config.yaml")
		if _, err := os.Stat(userConfig); err == nil {
			return userConfig, nil
		}
	}

	systemConfig := "/etc/typesetd/config.yaml"
	if _, err := os.Stat(systemConfig); err == nil {
		return systemConfig, nil
	}

	localConfig := "./config.yaml"
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	return "", fmt.Errorf("no config found (checked: $TYPESETD_CONFIG, ~/.config/typesetd, /etc/typesetd, ./config.yaml)")
}

// applyDefaults fills in defaults for every field that was not set.
func applyDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = defaults.Pool.Size
	}
	if cfg.Pool.RenderTimeout == 0 {
		cfg.Pool.RenderTimeout = defaults.Pool.RenderTimeout
	}
	if cfg.Pool.GracePeriod == 0 {
		cfg.Pool.GracePeriod = defaults.Pool.GracePeriod
	}
	if cfg.Pool.MaxSpawnAttempts == 0 {
		cfg.Pool.MaxSpawnAttempts = defaults.Pool.MaxSpawnAttempts
	}

	if cfg.Queue.MaxDepth == 0 {
		cfg.Queue.MaxDepth = defaults.Queue.MaxDepth
	}

	if cfg.Compiler.Path == "" {
		cfg.Compiler.Path = defaults.Compiler.Path
	}
	if cfg.Compiler.MaxPages == 0 {
		cfg.Compiler.MaxPages = defaults.Compiler.MaxPages
	}

	if cfg.Packages.CacheDir == "" {
		cfg.Packages.CacheDir = defaults.Packages.CacheDir
	}
	if cfg.Packages.RegistryURL == "" {
		cfg.Packages.RegistryURL = defaults.Packages.RegistryURL
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = defaults.Journal.Path
	}
	if cfg.Journal.Retention == 0 {
		cfg.Journal.Retention = defaults.Journal.Retention
	}

	if !cfg.API.Enabled && cfg.API.Listen == "" {
		cfg.API = defaults.API
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Lock.Path == "" {
		cfg.Lock.Path = defaults.Lock.Path
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and caught by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be at least 1 (got %d)", cfg.Pool.Size)
	}
	if cfg.Pool.RenderTimeout <= 0 {
		return fmt.Errorf("pool.render_timeout must be positive")
	}
	if cfg.Pool.GracePeriod <= 0 {
		return fmt.Errorf("pool.grace_period must be positive")
	}

	if cfg.Queue.MaxDepth < 1 {
		return fmt.Errorf("queue.max_depth must be at least 1 (got %d)", cfg.Queue.MaxDepth)
	}

	if cfg.Compiler.Path == "" {
		return fmt.Errorf("compiler.path is required")
	}
	if cfg.Compiler.MaxPages < 1 {
		return fmt.Errorf("compiler.max_pages must be at least 1 (got %d)", cfg.Compiler.MaxPages)
	}

	if cfg.Packages.CacheDir == "" {
		return fmt.Errorf("packages.cache_dir is required")
	}
	u, err := url.Parse(cfg.Packages.RegistryURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("packages.registry_url must be an http(s) URL (got %q)", cfg.Packages.RegistryURL)
	}

	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if envVarPattern.MatchString(cfg.API.Auth.APIKey) {
			matches := envVarPattern.FindStringSubmatch(cfg.API.Auth.APIKey)
			return fmt.Errorf("api.auth.api_key: environment variable ${%s} is not set", matches[1])
		}
	}

	return nil
}
