// Package config loads server configuration from environment variables,
// optionally overlaid on a YAML instance profile.
package config

import (
	"fmt"
	"net/url"
	"os"
)

// Defaults for a local development instance.
const (
	DefaultBoardURL      = "https://gawain.valiant-quantum.com"
	DefaultBindAddr      = "127.0.0.1:8420"
	DefaultDataDir       = "data"
	DefaultRepoURL       = "https://github.com/ehrenfest-quantum/quasi"
	DefaultTaskSourceURL = "https://api.github.com/repos/ehrenfest-quantum/quasi/issues?state=open&labels=good-first-task"
)

// Config holds server configuration.
type Config struct {
	// BoardURL is the external base URL used in self-identifying actor
	// links (scheme + host, no trailing slash).
	BoardURL string
	// BindAddr is the listen address.
	BindAddr string
	// DataDir holds the ledger, follower set, keypair, and webhook secret.
	DataDir string
	// TaskSourceURL is the upstream issue feed.
	TaskSourceURL string
	// GitHubToken optionally raises the upstream rate limit.
	GitHubToken string
	// RepoURL is the repository the board coordinates work for.
	RepoURL string
	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string
	// OTLPEndpoint enables metric/trace export when non-empty.
	OTLPEndpoint string
}

// Load builds the configuration: profile file first (when QUASI_PROFILE is
// set), then environment variables on top, then validation.
func Load() (*Config, error) {
	cfg := &Config{
		BoardURL:      DefaultBoardURL,
		BindAddr:      DefaultBindAddr,
		DataDir:       DefaultDataDir,
		TaskSourceURL: DefaultTaskSourceURL,
		RepoURL:       DefaultRepoURL,
		LogLevel:      "INFO",
	}

	if path := os.Getenv("QUASI_PROFILE"); path != "" {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		cfg.applyProfile(profile)
	}

	overlay(&cfg.BoardURL, "QUASI_BOARD_URL")
	overlay(&cfg.BindAddr, "QUASI_BIND_ADDR")
	overlay(&cfg.DataDir, "QUASI_DATA_DIR")
	overlay(&cfg.TaskSourceURL, "QUASI_TASK_SOURCE_URL")
	overlay(&cfg.GitHubToken, "GITHUB_TOKEN")
	overlay(&cfg.RepoURL, "QUASI_REPO_URL")
	overlay(&cfg.LogLevel, "QUASI_LOG_LEVEL")
	overlay(&cfg.OTLPEndpoint, "QUASI_OTLP_ENDPOINT")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlay(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func (c *Config) applyProfile(p *InstanceProfile) {
	apply := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	apply(&c.BoardURL, p.BoardURL)
	apply(&c.BindAddr, p.BindAddr)
	apply(&c.DataDir, p.DataDir)
	apply(&c.TaskSourceURL, p.TaskSourceURL)
	apply(&c.RepoURL, p.RepoURL)
	apply(&c.LogLevel, p.LogLevel)
	apply(&c.OTLPEndpoint, p.OTLPEndpoint)
}

func (c *Config) validate() error {
	u, err := url.Parse(c.BoardURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("config: QUASI_BOARD_URL %q is not an absolute URL", c.BoardURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: QUASI_BOARD_URL scheme %q is not http(s)", u.Scheme)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: QUASI_DATA_DIR must not be empty")
	}
	if c.BindAddr == "" {
		return fmt.Errorf("config: QUASI_BIND_ADDR must not be empty")
	}
	switch c.LogLevel {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("config: QUASI_LOG_LEVEL %q is not one of DEBUG, INFO, WARN, ERROR", c.LogLevel)
	}
	return nil
}
