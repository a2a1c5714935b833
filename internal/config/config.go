// Package config reads player settings from the environment and an
// optional .env file. Command-line flags override these values.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agleyzer/blackoutplayer/internal/parser"
	"github.com/agleyzer/blackoutplayer/internal/timeline"
	"github.com/joho/godotenv"
)

// Load reads environment variables from the given files, ".env" by default.
// A missing file is an error that callers may ignore.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or
// fallback if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvList splits a comma-separated variable, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envReader reads typed variables and collects the ones set to a value
// that does not parse.
type envReader struct {
	errs []error
}

func (r *envReader) invalid(key, value, want string) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q is not a valid %s", key, value, want))
}

func (r *envReader) int(key string, fallback int) int {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		r.invalid(key, s, "integer")
		return fallback
	}
	return n
}

func (r *envReader) float(key string, fallback float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		r.invalid(key, s, "number")
		return fallback
	}
	return f
}

func (r *envReader) duration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		r.invalid(key, s, "duration")
		return fallback
	}
	return d
}

func (r *envReader) bool(key string, fallback bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		r.invalid(key, s, "boolean")
		return fallback
	}
	return b
}

// Config holds player settings.
type Config struct {
	OriginalURL  string
	BlackoutURL  string
	Port         int
	Epsilon      float64
	Policy       string
	TickInterval time.Duration
	// Patterns are regular expressions matched against segment file names
	// to recognise blackout slates.
	Patterns []string
	Prompt   bool

	LogLevel  string
	LogFormat string

	RaftID    string
	RaftBind  string
	RaftPeers []string

	// envErrs holds variables FromEnv could not parse.
	envErrs []error
}

// FromEnv builds a Config from environment variables. Variables set to
// unparsable values keep their defaults and are reported by Validate.
func FromEnv() Config {
	var r envReader
	c := Config{
		OriginalURL:  GetEnv("BLACKOUT_ORIGINAL_URL", ""),
		BlackoutURL:  GetEnv("BLACKOUT_MANIFEST_URL", ""),
		Port:         r.int("BLACKOUT_PORT", 8080),
		Epsilon:      r.float("BLACKOUT_EPSILON", 0.25),
		Policy:       GetEnv("BLACKOUT_POLICY", "asymmetric"),
		TickInterval: r.duration("BLACKOUT_TICK_INTERVAL", 250*time.Millisecond),
		Patterns:     GetEnvList("BLACKOUT_PATTERNS", nil),
		Prompt:       r.bool("BLACKOUT_PROMPT", true),
		LogLevel:     GetEnv("LOG_LEVEL", "info"),
		LogFormat:    GetEnv("LOG_FORMAT", "text"),
		RaftID:       GetEnv("RAFT_ID", ""),
		RaftBind:     GetEnv("RAFT_BIND", ""),
		RaftPeers:    GetEnvList("RAFT_PEERS", nil),
	}
	c.envErrs = r.errs
	return c
}

// Validate checks the configuration and fills defaults.
func (c *Config) Validate() error {
	if err := errors.Join(c.envErrs...); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	if c.OriginalURL == "" {
		return fmt.Errorf("original manifest URL is required")
	}
	if c.BlackoutURL == "" {
		return fmt.Errorf("blackout manifest URL is required")
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Epsilon < 0 {
		return fmt.Errorf("epsilon must not be negative: %v", c.Epsilon)
	}
	if _, err := timeline.ParsePolicy(c.Policy); err != nil {
		return err
	}
	if _, err := c.BlackoutPatterns(); err != nil {
		return err
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	if c.RaftID != "" || c.RaftBind != "" || len(c.RaftPeers) > 0 {
		if c.RaftID == "" || c.RaftBind == "" || len(c.RaftPeers) == 0 {
			return fmt.Errorf("raft-id, raft-bind and raft-peers must be set together")
		}
	}

	// Set defaults
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Epsilon == 0 {
		c.Epsilon = 0.25
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 250 * time.Millisecond
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	return nil
}

// ResolvePolicy returns the configured resolve policy.
func (c *Config) ResolvePolicy() timeline.Policy {
	p, _ := timeline.ParsePolicy(c.Policy)
	return p
}

// BlackoutPatterns compiles Patterns. With no patterns configured it
// returns the default naming convention.
func (c *Config) BlackoutPatterns() ([]*regexp.Regexp, error) {
	if len(c.Patterns) == 0 {
		return []*regexp.Regexp{parser.DefaultBlackoutPattern}, nil
	}
	out := make([]*regexp.Regexp, 0, len(c.Patterns))
	for _, p := range c.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid blackout pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// ClusterEnabled reports whether co-viewing replication is configured.
func (c *Config) ClusterEnabled() bool {
	return c.RaftID != ""
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
