// Package config provides configuration loading for agenthub.
//
// Configuration is assembled by koanf from built-in defaults, an optional
// YAML file and environment variables, in that order of precedence (lowest
// first). Sections owned by other packages (logging, observability) are
// decoded by those packages through Config.Section.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/agenthub/internal/policy"
)

// Config holds the agenthub server configuration.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	NATS       NATSConfig        `koanf:"nats"`
	Sessions   SessionsConfig    `koanf:"sessions"`
	RateLimits policy.RateLimits `koanf:"ratelimits"`
	Policy     policy.Profile    `koanf:"policy"`
	Git        GitConfig         `koanf:"git"`
	GitHub     GitHubConfig      `koanf:"github"`

	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NATSConfig configures the NATS event mirror and command intake.
type NATSConfig struct {
	Enabled        bool     `koanf:"enabled"`
	URL            string   `koanf:"url"`
	SubjectPrefix  string   `koanf:"subject_prefix"`
	MirrorEvents   bool     `koanf:"mirror_events"`
	AcceptCommands bool     `koanf:"accept_commands"`
	ConnectTimeout Duration `koanf:"connect_timeout"`
}

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	SubscriberBuffer int `koanf:"subscriber_buffer"`
	// Retention is how long Completed and Error sessions stay queryable.
	// Zero keeps them until evicted explicitly.
	Retention Duration `koanf:"retention"`
}

// GitConfig configures the local git adapter.
type GitConfig struct {
	Enabled     bool   `koanf:"enabled"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
	Remote      string `koanf:"remote"`
	Username    string `koanf:"username"`
	Password    Secret `koanf:"password"`

	// WorkspaceRoot, when set, is the directory every session workspace
	// must live under.
	WorkspaceRoot string `koanf:"workspace_root"`
}

// GitHubConfig configures the issue-tracker adapter.
type GitHubConfig struct {
	Enabled bool   `koanf:"enabled"`
	Token   Secret `koanf:"token"`
	Owner   string `koanf:"owner"`
	Repo    string `koanf:"repo"`
	// BaseURL points at a GitHub Enterprise API. Empty means api.github.com.
	BaseURL          string   `koanf:"base_url"`
	RetryMaxAttempts int      `koanf:"retry_max_attempts"`
	RetryBackoff     Duration `koanf:"retry_backoff"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		NATS: NATSConfig{
			URL:            "nats://127.0.0.1:4222",
			SubjectPrefix:  "agenthub",
			MirrorEvents:   true,
			AcceptCommands: true,
			ConnectTimeout: Duration(5 * time.Second),
		},
		Sessions: SessionsConfig{
			SubscriberBuffer: 256,
			Retention:        Duration(time.Hour),
		},
		Git: GitConfig{
			AuthorName:  "agenthub",
			AuthorEmail: "agenthub@localhost",
			Remote:      "origin",
		},
		GitHub: GitHubConfig{
			RetryMaxAttempts: 3,
			RetryBackoff:     Duration(time.Second),
		},
	}
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Sessions.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("sessions.subscriber_buffer must be at least 1"))
	}
	if c.RateLimits.CallsPerMinute < 0 || c.RateLimits.Burst < 0 {
		errs = append(errs, errors.New("ratelimits must not be negative"))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("policy: %w", err))
	}
	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required when nats is enabled"))
		}
		if c.NATS.SubjectPrefix == "" || strings.ContainsAny(c.NATS.SubjectPrefix, " *>") {
			errs = append(errs, fmt.Errorf("invalid nats.subject_prefix: %q", c.NATS.SubjectPrefix))
		}
	}
	if c.GitHub.Enabled {
		if !c.GitHub.Token.IsSet() {
			errs = append(errs, errors.New("github.token is required when github is enabled"))
		}
		if c.GitHub.Owner == "" || c.GitHub.Repo == "" {
			errs = append(errs, errors.New("github.owner and github.repo are required when github is enabled"))
		}
		if c.GitHub.BaseURL != "" {
			if _, err := url.ParseRequestURI(c.GitHub.BaseURL); err != nil {
				errs = append(errs, fmt.Errorf("invalid github.base_url: %w", err))
			}
		}
		if c.GitHub.RetryMaxAttempts < 1 {
			errs = append(errs, errors.New("github.retry_max_attempts must be at least 1"))
		}
	}
	return errors.Join(errs...)
}

// Section decodes the raw configuration under key into out. Packages that
// own a section (logging, observability) use it to read their settings
// without this package importing them. Keys missing from the sources leave
// out's existing values untouched, so callers pass a pre-defaulted value.
func (c *Config) Section(key string, out any) error {
	if c.k == nil {
		return nil
	}
	if err := c.k.Unmarshal(key, out); err != nil {
		return fmt.Errorf("decode %s config: %w", key, err)
	}
	return nil
}
