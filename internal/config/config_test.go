package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 993 {
		t.Errorf("Server.Port = %d, want 993", cfg.Server.Port)
	}
	if cfg.Server.Security != SecurityTLS {
		t.Errorf("Server.Security = %q, want tls", cfg.Server.Security)
	}
	if cfg.Engine.TagPrefix != "A" {
		t.Errorf("Engine.TagPrefix = %q, want A", cfg.Engine.TagPrefix)
	}
	if !cfg.Engine.AutoLiteralPlus {
		t.Error("Engine.AutoLiteralPlus should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Run("missing file returns defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Host != "localhost" {
			t.Errorf("Server.Host = %q, want localhost", cfg.Server.Host)
		}
	})

	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil || cfg == nil {
			t.Fatalf("Load(\"\") = %v, %v", cfg, err)
		}
	})

	t.Run("yaml overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "imapctl.yaml")
		data := `
server:
  host: imap.example.com
  port: 143
  security: starttls
auth:
  username: alice
  password_env: TEST_IMAP_PASSWORD
engine:
  tag_prefix: C
  literal_plus: true
notify:
  redis_url: redis://localhost:6379/1
`
		if err := os.WriteFile(path, []byte(data), 0600); err != nil {
			t.Fatal(err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Server.Host != "imap.example.com" || cfg.Server.Port != 143 {
			t.Errorf("Server = %+v", cfg.Server)
		}
		if cfg.Server.Security != SecurityStartTLS {
			t.Errorf("Server.Security = %q, want starttls", cfg.Server.Security)
		}
		if cfg.Auth.Username != "alice" {
			t.Errorf("Auth.Username = %q, want alice", cfg.Auth.Username)
		}
		if cfg.Engine.TagPrefix != "C" || !cfg.Engine.LiteralPlus {
			t.Errorf("Engine = %+v", cfg.Engine)
		}
		// Unset keys keep their defaults.
		if cfg.Notify.Channel != "imap:events" {
			t.Errorf("Notify.Channel = %q, want imap:events", cfg.Notify.Channel)
		}
		if cfg.Server.ConnectTimeout != "30s" {
			t.Errorf("Server.ConnectTimeout = %q, want 30s", cfg.Server.ConnectTimeout)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		if err := os.WriteFile(path, []byte("server: [unterminated"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Error("Load() error = nil, want parse error")
		}
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"no host", func(c *Config) { c.Server.Host = "" }, "server.host"},
		{"bad host", func(c *Config) { c.Server.Host = "imap example.com" }, "server.host"},
		{"username with newline", func(c *Config) { c.Auth.Username = "alice\r\n" }, "auth.username"},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad security", func(c *Config) { c.Server.Security = "ssl" }, "server.security"},
		{"plain ok", func(c *Config) { c.Server.Security = SecurityPlain }, ""},
		{"missing ca file", func(c *Config) { c.Server.CAFile = "/nonexistent/ca.pem" }, "server.ca_file"},
		{"bad timeout", func(c *Config) { c.Server.ConnectTimeout = "soon" }, "server.connect_timeout"},
		{"negative timeout", func(c *Config) { c.Engine.CommandTimeout = "-1s" }, "engine.command_timeout"},
		{"connect timeout too long", func(c *Config) { c.Server.ConnectTimeout = "5m" }, "too long"},
		{"tag prefix digit", func(c *Config) { c.Engine.TagPrefix = "1A" }, "engine.tag_prefix"},
		{"tag prefix symbol", func(c *Config) { c.Engine.TagPrefix = "A-" }, "engine.tag_prefix"},
		{"line too short", func(c *Config) { c.Engine.MaxLineLength = 10 }, "engine.max_line_length"},
		{"negative literal", func(c *Config) { c.Engine.MaxLiteralSize = -1 }, "engine.max_literal_size"},
		{"no threshold", func(c *Config) { c.Reconnect.FailureThreshold = 0 }, "reconnect.failure_threshold"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"transcript without path", func(c *Config) {
			c.Transcript.Enabled = true
			c.Transcript.DatabasePath = ""
		}, "transcript.database_path"},
		{"bad redis url", func(c *Config) { c.Notify.RedisURL = "localhost:6379" }, "notify.redis_url"},
		{"redis without channel", func(c *Config) {
			c.Notify.RedisURL = "redis://localhost:6379"
			c.Notify.Channel = ""
		}, "notify.channel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CAFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.CAFile = t.TempDir()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "directory") {
		t.Errorf("Validate() error = %v, want directory error", err)
	}

	path := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(path, []byte("pem"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Server.CAFile = path
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestPassword(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Password = "from-file"
	if got := cfg.Password(); got != "from-file" {
		t.Errorf("Password() = %q, want from-file", got)
	}

	cfg.Auth.PasswordEnv = "TEST_IMAPCTL_PASSWORD"
	t.Setenv("TEST_IMAPCTL_PASSWORD", "from-env")
	if got := cfg.Password(); got != "from-env" {
		t.Errorf("Password() = %q, want from-env", got)
	}
}

func TestParserOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.TagPrefix = "Q"
	cfg.Engine.LiteralPlus = true

	opts := cfg.ParserOptions()
	if opts.TagPrefix != "Q" || !opts.LiteralPlus {
		t.Errorf("ParserOptions() = %+v", opts)
	}
	if opts.MaxLineLength != cfg.Engine.MaxLineLength || opts.MaxLiteralSize != cfg.Engine.MaxLiteralSize {
		t.Errorf("ParserOptions() limits = %d/%d", opts.MaxLineLength, opts.MaxLiteralSize)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "imap.example.com"
	if got := cfg.Address(); got != "imap.example.com:993" {
		t.Errorf("Address() = %q", got)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", time.Minute},
		{"5s", 5 * time.Second},
		{"bogus", time.Minute},
		{"-2s", time.Minute},
	}
	for _, tt := range tests {
		if got := Duration(tt.value, time.Minute); got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := DefaultConfig()
	cfg.Transcript.Enabled = true
	cfg.Transcript.DatabasePath = filepath.Join(base, "db", "wire.db")
	cfg.Maildir.Path = filepath.Join(base, "mail")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories() error = %v", err)
	}
	for _, dir := range []string{filepath.Join(base, "db"), cfg.Maildir.Path} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
}
