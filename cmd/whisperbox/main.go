package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.whisperbox/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
}

// ConfigDefault holds general engine settings.
type ConfigDefault struct {
	BaseURL       string `toml:"base_url"`
	Notifications bool   `toml:"notifications"`
	LogLevel      string `toml:"log_level"`
}

// ConfigAuth holds the account credentials.
type ConfigAuth struct {
	Token    string `toml:"token"`
	Username string `toml:"username"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.whisperbox, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".whisperbox")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// sessionPath returns the file backing the persisted session state.
func sessionPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// effectiveConfig is loadConfig with WHISPERBOX_* environment overrides
// applied. The result must not be saved back.
func effectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// envOverride records a config key replaced by an environment variable.
type envOverride struct {
	Key string
	Var string
}

var envBindings = []struct {
	key   string
	name  string
	field func(*Config) *string
}{
	{"default.base_url", "WHISPERBOX_BASE_URL", func(c *Config) *string { return &c.Default.BaseURL }},
	{"auth.token", "WHISPERBOX_TOKEN", func(c *Config) *string { return &c.Auth.Token }},
	{"auth.username", "WHISPERBOX_USERNAME", func(c *Config) *string { return &c.Auth.Username }},
}

// applyEnv overwrites cfg fields from set WHISPERBOX_* variables and returns
// the keys it replaced.
func applyEnv(cfg *Config) []envOverride {
	var applied []envOverride
	for _, b := range envBindings {
		if v := os.Getenv(b.name); v != "" {
			*b.field(cfg) = v
			applied = append(applied, envOverride{Key: b.key, Var: b.name})
		}
	}
	return applied
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "notifications":
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("notifications must be true or false: %w", err)
			}
			cfg.Default.Notifications = enabled
		case "log_level":
			if _, err := parseLevel(value); err != nil {
				return err
			}
			cfg.Default.LogLevel = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var logLevelFlag string

var rootCmd = &cobra.Command{
	Use:   "whisperbox",
	Short: "Whisperbox messaging CLI",
	Long:  "Command-line client for Whisperbox.\nManage configuration, chat anonymously or as an account holder, and watch incoming messages.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env file is the common case.
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot load .env: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides default.log_level)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
