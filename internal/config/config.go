package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/fenilsonani/imap-engine/internal/parser"
	"github.com/fenilsonani/imap-engine/internal/protocol"
	"github.com/fenilsonani/imap-engine/internal/validation"
)

// Connection security modes.
const (
	SecurityTLS      = "tls"
	SecurityStartTLS = "starttls"
	SecurityPlain    = "plain"
)

// Config holds all configuration for imapctl and the engine
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	Engine     EngineConfig     `koanf:"engine"`
	Reconnect  ReconnectConfig  `koanf:"reconnect"`
	Logging    LoggingConfig    `koanf:"logging"`
	Transcript TranscriptConfig `koanf:"transcript"`
	Maildir    MaildirConfig    `koanf:"maildir"`
	Notify     NotifyConfig     `koanf:"notify"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// ServerConfig describes the IMAP server to connect to
type ServerConfig struct {
	Host               string `koanf:"host"`                 // imap.example.com
	Port               int    `koanf:"port"`                 // 993 for tls, 143 otherwise
	Security           string `koanf:"security"`             // tls, starttls, plain
	ServerName         string `koanf:"server_name"`          // TLS SNI, defaults to host
	CAFile             string `koanf:"ca_file"`              // Extra PEM roots
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"` // Test servers only
	ConnectTimeout     string `koanf:"connect_timeout"`      // Dial plus greeting
}

// AuthConfig holds LOGIN credentials
type AuthConfig struct {
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	PasswordEnv string `koanf:"password_env"` // Read the password from this variable
}

// EngineConfig tunes the protocol engine
type EngineConfig struct {
	TagPrefix       string `koanf:"tag_prefix"`
	MaxLineLength   int    `koanf:"max_line_length"`
	MaxLiteralSize  int    `koanf:"max_literal_size"`
	ReadBufferSize  int    `koanf:"read_buffer_size"`
	LiteralPlus     bool   `koanf:"literal_plus"`      // Force {n+} literals
	AutoLiteralPlus bool   `koanf:"auto_literal_plus"` // Enable when advertised
	CommandTimeout  string `koanf:"command_timeout"`
}

// ReconnectConfig controls the dial circuit breaker used by watch
type ReconnectConfig struct {
	FailureThreshold int    `koanf:"failure_threshold"`
	OpenTimeout      string `koanf:"open_timeout"`
	Backoff          string `koanf:"backoff"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// TranscriptConfig enables the SQLite wire transcript
type TranscriptConfig struct {
	Enabled      bool   `koanf:"enabled"`
	DatabasePath string `koanf:"database_path"`
}

// MaildirConfig sets where fetched messages are stored
type MaildirConfig struct {
	Path string `koanf:"path"`
}

// NotifyConfig holds the Redis event channel
type NotifyConfig struct {
	RedisURL string `koanf:"redis_url"` // Empty disables publishing
	Channel  string `koanf:"channel"`
}

// MetricsConfig holds the Prometheus listener
type MetricsConfig struct {
	Listen string `koanf:"listen"` // Empty disables the endpoint
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "localhost",
			Port:           993,
			Security:       SecurityTLS,
			ConnectTimeout: "30s",
		},
		Engine: EngineConfig{
			TagPrefix:       "A",
			MaxLineLength:   65536,
			MaxLiteralSize:  64 << 20, // 64MB
			ReadBufferSize:  parser.DefaultReadBufferSize,
			AutoLiteralPlus: true,
			CommandTimeout:  "2m",
		},
		Reconnect: ReconnectConfig{
			FailureThreshold: 5,
			OpenTimeout:      "1m",
			Backoff:          "5s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Transcript: TranscriptConfig{
			Enabled:      false,
			DatabasePath: "imapctl-transcript.db",
		},
		Notify: NotifyConfig{
			Channel: "imap:events",
		},
	}
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}
	// Return defaults if no config file
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if err := validation.Host(c.Server.Host); err != nil {
		return fmt.Errorf("server.host: %w", err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got: %d)", c.Server.Port)
	}
	switch c.Server.Security {
	case SecurityTLS, SecurityStartTLS, SecurityPlain:
	default:
		return fmt.Errorf("server.security must be one of: tls, starttls, plain (got: %s)", c.Server.Security)
	}
	if c.Server.CAFile != "" {
		if err := validateFileReadable(c.Server.CAFile); err != nil {
			return fmt.Errorf("server.ca_file: %w", err)
		}
	}

	if c.Auth.Username != "" {
		if err := validation.Username(c.Auth.Username); err != nil {
			return fmt.Errorf("auth.username: %w", err)
		}
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	// Engine validation
	if c.Engine.TagPrefix != "" {
		if _, err := protocol.NewTagGenerator(c.Engine.TagPrefix); err != nil {
			return fmt.Errorf("engine.tag_prefix: %w", err)
		}
	}
	if c.Engine.MaxLineLength != 0 && c.Engine.MaxLineLength < 1024 {
		return fmt.Errorf("engine.max_line_length must be at least 1024 bytes")
	}
	if c.Engine.MaxLiteralSize < 0 {
		return fmt.Errorf("engine.max_literal_size cannot be negative")
	}
	if c.Engine.ReadBufferSize < 0 {
		return fmt.Errorf("engine.read_buffer_size cannot be negative")
	}

	if c.Reconnect.FailureThreshold < 1 {
		return fmt.Errorf("reconnect.failure_threshold must be at least 1")
	}

	// Logging validation
	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}
	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	if c.Transcript.Enabled && c.Transcript.DatabasePath == "" {
		return fmt.Errorf("transcript.database_path is required when transcript is enabled")
	}

	if c.Notify.RedisURL != "" {
		if !strings.HasPrefix(c.Notify.RedisURL, "redis://") && !strings.HasPrefix(c.Notify.RedisURL, "rediss://") {
			return fmt.Errorf("notify.redis_url must start with redis:// or rediss:// (got: %s)", c.Notify.RedisURL)
		}
		if c.Notify.Channel == "" {
			return fmt.Errorf("notify.channel is required when notify.redis_url is set")
		}
	}

	return nil
}

// validateTimeouts ensures all timeout configurations are valid
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"server.connect_timeout": c.Server.ConnectTimeout,
		"engine.command_timeout": c.Engine.CommandTimeout,
		"reconnect.open_timeout": c.Reconnect.OpenTimeout,
		"reconnect.backoff":      c.Reconnect.Backoff,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue // Optional
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}

		switch name {
		case "server.connect_timeout":
			if duration > 2*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 2m (got: %s)", name, timeout)
			}
		case "engine.command_timeout":
			if duration > 30*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 30m (got: %s)", name, timeout)
			}
		}
	}

	return nil
}

// validateFileReadable checks if a file exists and is readable
func validateFileReadable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", path)
		}
		return fmt.Errorf("cannot access file: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("path is a directory, expected a file: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file is not readable: %w", err)
	}
	f.Close()

	return nil
}

// Address returns host:port of the server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Password resolves the LOGIN password, preferring the environment variable.
func (c *Config) Password() string {
	if c.Auth.PasswordEnv != "" {
		if v, ok := os.LookupEnv(c.Auth.PasswordEnv); ok {
			return v
		}
	}
	return c.Auth.Password
}

// ParserOptions maps the engine section onto parser options.
func (c *Config) ParserOptions() parser.Options {
	return parser.Options{
		TagPrefix:      c.Engine.TagPrefix,
		MaxLineLength:  c.Engine.MaxLineLength,
		MaxLiteralSize: c.Engine.MaxLiteralSize,
		ReadBufferSize: c.Engine.ReadBufferSize,
		LiteralPlus:    c.Engine.LiteralPlus,
	}
}

// Duration parses a validated duration field, falling back to def.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// EnsureDirectories creates the directories for configured output files
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Transcript.Enabled {
		if dir := filepath.Dir(c.Transcript.DatabasePath); dir != "." {
			dirs = append(dirs, dir)
		}
	}
	if c.Maildir.Path != "" {
		dirs = append(dirs, c.Maildir.Path)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
