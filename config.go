package main

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-authgate/session-cli/session"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultServerURL = "http://localhost:8080"
	defaultLogLevel  = "info"
	configDirName    = ".session-cli"
)

// Config is the resolved CLI configuration.
type Config struct {
	ServerURL string            `yaml:"server_url"`
	StateFile string            `yaml:"state_file"`
	LogFile   string            `yaml:"log_file"`
	LogLevel  string            `yaml:"log_level"`
	Endpoints session.Endpoints `yaml:"endpoints"`
}

// cliFlags are the global flags as given on the command line.
type cliFlags struct {
	configFile string
	serverURL  string
	stateFile  string
	logFile    string
	logLevel   string
	noTUI      bool
}

// configHome returns ~/.session-cli, or the working directory when the home
// directory is unknown.
func configHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, configDirName)
}

func defaultConfigPath() string {
	return filepath.Join(configHome(), "config.yaml")
}

func defaultStateFile() string {
	return filepath.Join(configHome(), "state.json")
}

// loadEnvFiles loads .env from the working directory and the config home.
// Existing environment variables win.
func loadEnvFiles() {
	// Skip .env loading during tests
	if os.Getenv("TESTING") != "" {
		return
	}
	for _, path := range []string{".env", filepath.Join(configHome(), ".env")} {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
		}
	}
}

// loadConfig resolves the configuration.
// Priority: flag > env > config file > default.
func loadConfig(flags cliFlags) (*Config, error) {
	loadEnvFiles()

	cfg := &Config{
		ServerURL: defaultServerURL,
		StateFile: defaultStateFile(),
		LogLevel:  defaultLogLevel,
	}

	path := flags.configFile
	if path == "" {
		path = getEnv("SESSION_CLI_CONFIG", defaultConfigPath())
	}
	if err := loadConfigFile(path, cfg); err != nil {
		// A missing default file is fine; a missing explicit one is not.
		if !errors.Is(err, os.ErrNotExist) || flags.configFile != "" {
			return nil, err
		}
	}

	cfg.ServerURL = getConfig(flags.serverURL, "SERVER_URL", cfg.ServerURL)
	cfg.StateFile = getConfig(flags.stateFile, "STATE_FILE", cfg.StateFile)
	cfg.LogFile = getConfig(flags.logFile, "LOG_FILE", cfg.LogFile)
	cfg.LogLevel = getConfig(flags.logLevel, "LOG_LEVEL", cfg.LogLevel)

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	return cfg, nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// warnPlaintext prints a warning when tokens would travel over plain HTTP.
func warnPlaintext(w io.Writer, serverURL string) {
	if !strings.HasPrefix(strings.ToLower(serverURL), "http://") {
		return
	}
	fmt.Fprintln(
		w,
		"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
	)
	fmt.Fprintln(
		w,
		"⚠️  This is only safe for local development. Use HTTPS in production.",
	)
	fmt.Fprintln(w)
}
