// Package config resolves watcher configuration from a YAML file and
// REPORELAY_* environment variables, env winning over file. A .env file in
// the working directory is loaded first (existing env vars are never
// overwritten by it).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MatchTarget values.
const (
	MatchComments        = "comments"
	MatchIssueOrComments = "issue_or_comments"
)

// Config is the full watcher configuration.
type Config struct {
	Root          string   `yaml:"root"`
	Recursive     bool     `yaml:"recursive"`
	Regex         string   `yaml:"regex"`
	MatchTarget   string   `yaml:"match_target"`
	PollSeconds   int      `yaml:"poll_seconds"`
	PerRepoPause  float64  `yaml:"per_repo_pause"`
	RequireMarker bool     `yaml:"require_marker"`
	ExcludeDirs   []string `yaml:"exclude_dirs"`

	StatePath   string `yaml:"state_path"`
	LockPath    string `yaml:"lock_path"`
	JournalPath string `yaml:"journal_path"`

	CodexCmd            string `yaml:"codex_cmd"`
	CodexArgs           string `yaml:"codex_args"`
	CodexResumeArgs     string `yaml:"codex_resume_args"`
	CodexTimeoutSeconds int    `yaml:"codex_timeout_seconds"`

	IgnoreSelf         bool  `yaml:"ignore_self"`
	DefaultResume      *bool `yaml:"default_resume"`
	ResumeSendContext  bool  `yaml:"resume_send_context"`
	ForwardGithubToken bool  `yaml:"forward_github_token"`

	GithubToken  string `yaml:"github_token"`
	GithubAPIURL string `yaml:"github_api_url"`

	// GitHub App authentication, used instead of the token when complete.
	GithubAppClientID       string `yaml:"github_app_client_id"`
	GithubAppInstallationID int64  `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
}

// HasGithubApp returns true if GitHub App credentials are fully configured.
func (c *Config) HasGithubApp() bool {
	return c.GithubAppClientID != "" && c.GithubAppInstallationID != 0 && c.GithubAppPrivateKeyPath != ""
}

// PollInterval is the sleep between poll cycles.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// RepoPause is the courtesy pause between repositories within a cycle.
func (c *Config) RepoPause() time.Duration {
	return time.Duration(c.PerRepoPause * float64(time.Second))
}

// WorkerTimeout is the hard wall-clock limit for one worker run.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.CodexTimeoutSeconds) * time.Second
}

// FreshArgs returns the argument template for a fresh worker run.
func (c *Config) FreshArgs() []string { return strings.Fields(c.CodexArgs) }

// ResumeArgs returns the argument template for a resume run; the resume
// target is appended by the dispatch decision.
func (c *Config) ResumeArgs() []string { return strings.Fields(c.CodexResumeArgs) }

// DefaultResumeEnabled reports whether a default-intent trigger resumes a
// stored session. Enabled unless explicitly turned off.
func (c *Config) DefaultResumeEnabled() bool {
	return c.DefaultResume == nil || *c.DefaultResume
}

// Load resolves configuration: defaults, then the YAML file at path (missing
// file is fine when the path is the default), then environment overrides.
func Load(path string) (*Config, error) {
	LoadDotEnv(".env")

	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the default config file location (~/.reporelay/config.yaml).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".reporelay", "config.yaml")
}

func defaults() *Config {
	cwd, _ := os.Getwd()
	root := filepath.Dir(cwd)
	if root == cwd {
		root = cwd
	}
	return &Config{
		Root:                root,
		Regex:               "codexe",
		MatchTarget:         MatchComments,
		PollSeconds:         20,
		PerRepoPause:        0.3,
		CodexCmd:            "codex",
		CodexArgs:           "exec -",
		CodexResumeArgs:     "resume",
		CodexTimeoutSeconds: 3600,
	}
}

func applyEnv(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setBool := func(dst *bool, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = truthy(v)
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	setStr(&cfg.Root, "REPORELAY_ROOT")
	setBool(&cfg.Recursive, "REPORELAY_RECURSIVE")
	setStr(&cfg.Regex, "REPORELAY_REGEX")
	setStr(&cfg.MatchTarget, "REPORELAY_MATCH_TARGET")
	setInt(&cfg.PollSeconds, "REPORELAY_POLL_SECONDS")
	if v, ok := os.LookupEnv("REPORELAY_PER_REPO_PAUSE"); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.PerRepoPause = f
		}
	}
	setBool(&cfg.RequireMarker, "REPORELAY_REQUIRE_MARKER")
	if v, ok := os.LookupEnv("REPORELAY_EXCLUDE_DIRS"); ok {
		cfg.ExcludeDirs = splitList(v)
	}
	setStr(&cfg.StatePath, "REPORELAY_STATE_PATH")
	setStr(&cfg.LockPath, "REPORELAY_LOCK_PATH")
	setStr(&cfg.JournalPath, "REPORELAY_JOURNAL_PATH")
	setBool(&cfg.IgnoreSelf, "REPORELAY_IGNORE_SELF")
	if v, ok := os.LookupEnv("REPORELAY_DEFAULT_RESUME"); ok {
		b := truthy(v)
		cfg.DefaultResume = &b
	}
	setBool(&cfg.ResumeSendContext, "REPORELAY_RESUME_SEND_CONTEXT")
	setBool(&cfg.ForwardGithubToken, "REPORELAY_FORWARD_GITHUB_TOKEN")
	setStr(&cfg.GithubAPIURL, "REPORELAY_GITHUB_API_URL")

	// Worker settings keep their historical unprefixed names.
	setStr(&cfg.CodexCmd, "CODEX_CMD")
	setStr(&cfg.CodexArgs, "CODEX_ARGS")
	setStr(&cfg.CodexResumeArgs, "CODEX_RESUME_ARGS")
	setInt(&cfg.CodexTimeoutSeconds, "CODEX_TIMEOUT")

	setStr(&cfg.GithubToken, "GITHUB_TOKEN")
}

func (c *Config) normalize() {
	if abs, err := filepath.Abs(c.Root); err == nil {
		c.Root = abs
	}
	c.MatchTarget = strings.ToLower(c.MatchTarget)
	if c.PerRepoPause < 0 {
		c.PerRepoPause = 0
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(c.Root, ".reporelay_state.json")
	}
	if c.LockPath == "" {
		c.LockPath = filepath.Join(c.Root, ".reporelay.lock")
	}
	if c.JournalPath == "" {
		c.JournalPath = filepath.Join(c.Root, ".reporelay_runs.db")
	}
}

func (c *Config) validate() error {
	if c.MatchTarget != MatchComments && c.MatchTarget != MatchIssueOrComments {
		return fmt.Errorf("match_target must be %q or %q, got %q", MatchComments, MatchIssueOrComments, c.MatchTarget)
	}
	if strings.TrimSpace(c.GithubToken) == "" && !c.HasGithubApp() {
		return fmt.Errorf("GITHUB_TOKEN (or GitHub App credentials) is required")
	}
	return nil
}

// LoadDotEnv populates the environment from a simple KEY=VALUE file if it
// exists. Keys already present in the environment are left alone.
func LoadDotEnv(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		os.Setenv(key, strings.TrimSpace(value))
	}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
