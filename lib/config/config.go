// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "COMMAND_CENTER_CONFIG"

// Config is the master configuration for the commandcenter daemon.
type Config struct {
	// Listen is the HTTP listen address.
	// Default: 127.0.0.1:${PORT:-3100}
	Listen string `yaml:"listen"`

	// BaseURL is the externally reachable URL of this server, used in
	// notification links ("Open", "Reply"). Empty disables links.
	BaseURL string `yaml:"base_url"`

	Paths    PathsConfig    `yaml:"paths"`
	Tmux     TmuxConfig     `yaml:"tmux"`
	Agent    AgentConfig    `yaml:"agent"`
	Status   StatusConfig   `yaml:"status"`
	Refresh  RefreshConfig  `yaml:"refresh"`
	Approval ApprovalConfig `yaml:"approval"`
	Auth     AuthConfig     `yaml:"auth"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// PathsConfig configures on-disk locations.
type PathsConfig struct {
	// State is the directory for daemon state. ${STATE} in other
	// paths expands to this value.
	State string `yaml:"state"`

	// Database is the SQLite file holding session records.
	Database string `yaml:"database"`
}

// TmuxConfig selects the dedicated tmux server.
type TmuxConfig struct {
	// Socket is the tmux server socket. Agent sessions never share the
	// operator's default tmux server.
	Socket string `yaml:"socket"`

	// ConfigFile is loaded when the server starts. /dev/null keeps
	// ~/.tmux.conf key bindings out of agent sessions.
	ConfigFile string `yaml:"config_file"`
}

// AgentConfig describes the agent CLI launched in new sessions.
type AgentConfig struct {
	// Command is typed into a new session when the create request does
	// not name one.
	Command string `yaml:"command"`

	// ContinueCommand resumes the previous conversation after a
	// refresh.
	ContinueCommand string `yaml:"continue_command"`

	// CreateSettle is how long to wait after launching the agent
	// before typing an initial prompt.
	CreateSettle Duration `yaml:"create_settle"`
}

// StatusConfig configures the status inference loop.
type StatusConfig struct {
	Interval Duration       `yaml:"interval"`
	Lines    int            `yaml:"lines"`
	Patterns StatusPatterns `yaml:"patterns"`
}

// StatusPatterns holds regular expressions (RE2 syntax) per status. A
// nil list keeps the built-in rules for that status; an explicit empty
// list disables it.
type StatusPatterns struct {
	Waiting []string `yaml:"waiting"`
	Idle    []string `yaml:"idle"`
	Running []string `yaml:"running"`
}

// RefreshConfig holds the timing budget of the refresh workflow.
type RefreshConfig struct {
	Settle         Duration `yaml:"settle"`
	ExitPoll       Duration `yaml:"exit_poll"`
	ExitAttempts   int      `yaml:"exit_attempts"`
	PromptPoll     Duration `yaml:"prompt_poll"`
	PromptAttempts int      `yaml:"prompt_attempts"`
}

// ApprovalConfig configures the approval relay.
type ApprovalConfig struct {
	// TTL bounds the life of a request, answered or not.
	TTL Duration `yaml:"ttl"`

	SweepInterval Duration `yaml:"sweep_interval"`
}

// AuthConfig holds the pre-shared API token. Empty disables
// authentication, which is only sensible on a loopback listener.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// NotifyConfig configures ntfy push notifications.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`

	// URL is the ntfy server. Default: https://ntfy.sh
	URL string `yaml:"url"`

	// Topic is required when Enabled is set.
	Topic string `yaml:"topic"`

	// Token is sent as a bearer token to ntfy servers that require
	// access control.
	Token string `yaml:"token"`

	// OnWaiting publishes a notification whenever a session starts
	// waiting for permission.
	OnWaiting bool `yaml:"on_waiting"`
}

// Duration is a time.Duration that decodes from Go duration strings
// ("500ms", "15m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"3s\": %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the built-in configuration, with ${VAR} references
// not yet expanded. A file loaded by LoadFile is decoded on top of it.
func Default() *Config {
	return &Config{
		Listen: "127.0.0.1:${PORT:-3100}",
		Paths: PathsConfig{
			State:    "${HOME}/.local/state/commandcenter",
			Database: "${STATE}/sessions.db",
		},
		Tmux: TmuxConfig{
			Socket:     "${STATE}/tmux.sock",
			ConfigFile: "/dev/null",
		},
		Agent: AgentConfig{
			Command:         "claude",
			ContinueCommand: "claude --continue",
			CreateSettle:    Duration(5 * time.Second),
		},
		Status: StatusConfig{
			Interval: Duration(3 * time.Second),
			Lines:    15,
		},
		Refresh: RefreshConfig{
			Settle:         Duration(time.Second),
			ExitPoll:       Duration(time.Second),
			ExitAttempts:   30,
			PromptPoll:     Duration(500 * time.Millisecond),
			PromptAttempts: 20,
		},
		Approval: ApprovalConfig{
			TTL:           Duration(15 * time.Minute),
			SweepInterval: Duration(60 * time.Second),
		},
		Auth: AuthConfig{
			Token: "${CC_AUTH_TOKEN}",
		},
		Notify: NotifyConfig{
			URL:       "https://ntfy.sh",
			Topic:     "${NTFY_TOPIC}",
			OnWaiting: true,
		},
	}
}

// LoadDefault returns Default with variables expanded: the
// configuration of a daemon started without a file.
func LoadDefault() *Config {
	cfg := Default()
	cfg.expandVariables()
	return cfg
}

// Load loads the file named by COMMAND_CENTER_CONFIG. It fails when
// the variable is unset; callers that want built-in defaults use
// LoadDefault explicitly.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path on top of Default and
// expands variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a YAML subset, so one decoder serves both once
		// comments and trailing commas are gone.
		data = jsonc.ToJSON(data)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		// An empty file decodes to io.EOF and means "all defaults".
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} references.
// ${STATE} resolves to the already-expanded state directory.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["STATE"] = c.Paths.State

	c.Paths.Database = expandVars(c.Paths.Database, vars)
	c.Tmux.Socket = expandVars(c.Tmux.Socket, vars)
	c.Tmux.ConfigFile = expandVars(c.Tmux.ConfigFile, vars)
	c.Listen = expandVars(c.Listen, vars)
	c.BaseURL = strings.TrimRight(expandVars(c.BaseURL, vars), "/")
	c.Auth.Token = expandVars(c.Auth.Token, vars)
	c.Notify.URL = strings.TrimRight(expandVars(c.Notify.URL, vars), "/")
	c.Notify.Topic = expandVars(c.Notify.Topic, vars)
	c.Notify.Token = expandVars(c.Notify.Token, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.Paths.Database == "" {
		errs = append(errs, errors.New("paths.database is required"))
	}
	if c.Tmux.Socket == "" {
		errs = append(errs, errors.New("tmux.socket is required"))
	}
	if c.Agent.Command == "" {
		errs = append(errs, errors.New("agent.command is required"))
	}
	if c.Agent.ContinueCommand == "" {
		errs = append(errs, errors.New("agent.continue_command is required"))
	}

	positive := []struct {
		name  string
		value Duration
	}{
		{"status.interval", c.Status.Interval},
		{"refresh.exit_poll", c.Refresh.ExitPoll},
		{"refresh.prompt_poll", c.Refresh.PromptPoll},
		{"approval.ttl", c.Approval.TTL},
		{"approval.sweep_interval", c.Approval.SweepInterval},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", field.name))
		}
	}
	if c.Agent.CreateSettle < 0 || c.Refresh.Settle < 0 {
		errs = append(errs, errors.New("settle durations must not be negative"))
	}
	if c.Status.Lines <= 0 {
		errs = append(errs, errors.New("status.lines must be positive"))
	}
	if c.Refresh.ExitAttempts <= 0 || c.Refresh.PromptAttempts <= 0 {
		errs = append(errs, errors.New("refresh attempt budgets must be positive"))
	}

	for name, patterns := range map[string][]string{
		"waiting": c.Status.Patterns.Waiting,
		"idle":    c.Status.Patterns.Idle,
		"running": c.Status.Patterns.Running,
	} {
		for _, pattern := range patterns {
			if _, err := regexp.Compile(pattern); err != nil {
				errs = append(errs, fmt.Errorf("status.patterns.%s: %w", name, err))
			}
		}
	}

	if c.Notify.Enabled {
		if c.Notify.URL == "" {
			errs = append(errs, errors.New("notify.url is required when notify is enabled"))
		}
		if c.Notify.Topic == "" {
			errs = append(errs, errors.New("notify.topic is required when notify is enabled"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the state directory and the parent directories
// of the database and tmux socket.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.State,
		filepath.Dir(c.Paths.Database),
		filepath.Dir(c.Tmux.Socket),
	}
	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
