// Package config resolves server settings from an optional YAML file,
// RELAY_-prefixed environment variables and built-in defaults, in that
// order of increasing precedence for the env layer over the file layer.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHost          = "127.0.0.1"
	defaultPort          = "8087"
	defaultDBPath        = "relay.db"
	defaultRoutingConfig = "routing.json"

	defaultStickyWindow     = 60 * time.Second
	defaultSkewThreshold    = 2 * time.Second
	defaultSkewRecheckDelay = 500 * time.Millisecond
	defaultQuotaResetBuffer = 2 * time.Second
)

type fileConfig struct {
	Host          string `yaml:"host"`
	Port          string `yaml:"port"`
	DBPath        string `yaml:"db_path"`
	RoutingConfig string `yaml:"routing_config"`
	ModelsFile    string `yaml:"models_file"`
	AdminPassword string `yaml:"admin_password"`
	Verbose       *bool  `yaml:"verbose"`

	Selection struct {
		StickyWindow     string `yaml:"sticky_window"`
		SkewThreshold    string `yaml:"skew_threshold"`
		SkewRecheckDelay string `yaml:"skew_recheck_delay"`
		QuotaResetBuffer string `yaml:"quota_reset_buffer"`
	} `yaml:"selection"`
}

// Selection carries the account-selection tunables handed to the managers.
type Selection struct {
	StickyWindow     time.Duration
	SkewThreshold    time.Duration
	SkewRecheckDelay time.Duration
	QuotaResetBuffer time.Duration
}

// Config is the fully resolved server configuration.
type Config struct {
	Host          string
	Port          string
	DBPath        string
	RoutingConfig string
	ModelsFile    string
	AdminPassword string
	Verbose       bool
	Selection     Selection
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Load resolves the configuration. An empty path falls back to
// RELAY_CONFIG_FILE and then the usual config locations; a missing file
// just means defaults plus env.
func Load(path string) (Config, error) {
	cfg := defaults()

	fc, err := loadFile(path)
	if err != nil {
		return cfg, err
	}
	applyFile(&cfg, fc)
	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	return Config{
		Host:          defaultHost,
		Port:          defaultPort,
		DBPath:        defaultDBPath,
		RoutingConfig: defaultRoutingConfig,
		Selection: Selection{
			StickyWindow:     defaultStickyWindow,
			SkewThreshold:    defaultSkewThreshold,
			SkewRecheckDelay: defaultSkewRecheckDelay,
			QuotaResetBuffer: defaultQuotaResetBuffer,
		},
	}
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig

	if strings.TrimSpace(path) == "" {
		var err error
		path, err = resolveConfigPath()
		if err != nil {
			return fc, err
		}
	}
	if path == "" {
		return fc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return fc, nil
}

func resolveConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("RELAY_CONFIG_FILE")); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	candidates := []string{
		"config/relay.yaml",
		"./config/relay.yaml",
		"/etc/llm-relay/relay.yaml",
	}

	if homeDir, err := os.UserHomeDir(); err == nil && homeDir != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, ".config", "llm-relay", "relay.yaml"),
			filepath.Join(homeDir, ".llm-relay", "relay.yaml"),
		)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func applyFile(cfg *Config, fc fileConfig) {
	setString(&cfg.Host, fc.Host)
	setString(&cfg.Port, fc.Port)
	setString(&cfg.DBPath, fc.DBPath)
	setString(&cfg.RoutingConfig, fc.RoutingConfig)
	setString(&cfg.ModelsFile, fc.ModelsFile)
	setString(&cfg.AdminPassword, fc.AdminPassword)
	if fc.Verbose != nil {
		cfg.Verbose = *fc.Verbose
	}
	setDuration(&cfg.Selection.StickyWindow, fc.Selection.StickyWindow)
	setDuration(&cfg.Selection.SkewThreshold, fc.Selection.SkewThreshold)
	setDuration(&cfg.Selection.SkewRecheckDelay, fc.Selection.SkewRecheckDelay)
	setDuration(&cfg.Selection.QuotaResetBuffer, fc.Selection.QuotaResetBuffer)
}

func applyEnv(cfg *Config) {
	setString(&cfg.Host, os.Getenv("RELAY_HOST"))
	setString(&cfg.Port, os.Getenv("RELAY_PORT"))
	setString(&cfg.DBPath, os.Getenv("RELAY_DB"))
	setString(&cfg.RoutingConfig, os.Getenv("RELAY_ROUTING_CONFIG"))
	setString(&cfg.ModelsFile, os.Getenv("RELAY_MODELS_FILE"))
	setString(&cfg.AdminPassword, os.Getenv("RELAY_ADMIN_PASSWORD"))
	if raw := strings.TrimSpace(os.Getenv("RELAY_VERBOSE")); raw != "" {
		cfg.Verbose = !strings.EqualFold(raw, "false") && raw != "0"
	}
	setDuration(&cfg.Selection.StickyWindow, os.Getenv("RELAY_STICKY_WINDOW"))
	setDuration(&cfg.Selection.SkewThreshold, os.Getenv("RELAY_SKEW_THRESHOLD"))
	setDuration(&cfg.Selection.SkewRecheckDelay, os.Getenv("RELAY_SKEW_RECHECK_DELAY"))
	setDuration(&cfg.Selection.QuotaResetBuffer, os.Getenv("RELAY_QUOTA_RESET_BUFFER"))
}

func setString(dst *string, raw string) {
	if v := strings.TrimSpace(raw); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
		*dst = parsed
	}
}
