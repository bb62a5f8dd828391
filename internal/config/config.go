// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the two YAML configuration files spec.md §6
// describes and validates the filesystem permission requirements that
// gate the verify stage, in the same "decode into a struct with defaults
// pre-populated, then validate" shape the teacher uses for its TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"
	"gopkg.in/yaml.v3"
)

// SystemConfig is the decoded contents of system_config.yaml.
type SystemConfig struct {
	MaxParallelDownloads int `yaml:"max_parallel_downloads"`
	MaxParallelUploads   int `yaml:"max_parallel_uploads"`

	RequestDelayMs int `yaml:"request_delay_ms"`
	RetryDelayMs   int `yaml:"retry_delay_ms"`
	MaxRetries     int `yaml:"max_retries"`

	RestTimeoutSeconds  int `yaml:"rest_timeout_seconds"`
	ImapTimeoutSeconds  int `yaml:"imap_timeout_seconds"`
	LockTimeoutSeconds  int `yaml:"lock_timeout_seconds"`

	StateDir    string `yaml:"state_dir"`
	MessagesDir string `yaml:"messages_dir"`
	LogDir      string `yaml:"log_dir"`
}

func (c SystemConfig) RequestDelay() time.Duration { return time.Duration(c.RequestDelayMs) * time.Millisecond }
func (c SystemConfig) RetryDelay() time.Duration   { return time.Duration(c.RetryDelayMs) * time.Millisecond }
func (c SystemConfig) RestTimeout() time.Duration  { return time.Duration(c.RestTimeoutSeconds) * time.Second }
func (c SystemConfig) ImapTimeout() time.Duration  { return time.Duration(c.ImapTimeoutSeconds) * time.Second }
func (c SystemConfig) LockTimeout() time.Duration  { return time.Duration(c.LockTimeoutSeconds) * time.Second }

func defaultSystemConfig() SystemConfig {
	return SystemConfig{
		MaxParallelDownloads: 3,
		MaxParallelUploads:   1,
		RequestDelayMs:       250,
		RetryDelayMs:         2000,
		MaxRetries:           5,
		RestTimeoutSeconds:   30,
		ImapTimeoutSeconds:   30,
		LockTimeoutSeconds:   5,
		StateDir:             "./state",
		MessagesDir:          "./messages",
		LogDir:               "./logs",
	}
}

// AccountConfig is one entry of accounts.yaml.
type AccountConfig struct {
	Email string `yaml:"email"`

	Enabled bool `yaml:"enabled"`

	TargetHost         string `yaml:"target_host"`
	TargetPort         int    `yaml:"target_port"`
	TargetUser         string `yaml:"target_user"`
	TargetPasswordEnv  string `yaml:"target_password_env"`
	TargetUseTLS       bool   `yaml:"target_use_tls"`

	RetryCount int `yaml:"retry_count"`

	FolderOverrides map[string]string `yaml:"folder_overrides"`

	// SourceTokenEnv names the environment variable holding a pre-acquired
	// bearer token for the source REST API. Credential acquisition itself
	// (the OAuth2 flow, refresh, MSAL, device code, whatever the operator
	// uses) is an external collaborator per spec.md §1; the CLI only needs
	// a way to receive the token it produces.
	SourceTokenEnv string `yaml:"source_token_env"`
}

// SourceToken reads the source bearer token from the environment and wraps
// it in a static oauth2.TokenSource. The CLI does not refresh it; a long-
// running migration is expected to be handed a token that outlives the run,
// or to be re-invoked with a fresh one.
func (a AccountConfig) SourceToken() (oauth2.TokenSource, error) {
	if a.SourceTokenEnv == "" {
		return nil, fmt.Errorf("account %s: source_token_env not set", a.Email)
	}
	tok, ok := os.LookupEnv(a.SourceTokenEnv)
	if !ok || tok == "" {
		return nil, fmt.Errorf("account %s: environment variable %s is not set", a.Email, a.SourceTokenEnv)
	}
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok}), nil
}

// TargetPassword reads the target credential from the environment
// variable TargetPasswordEnv names, keeping secrets out of the YAML file on
// disk — an ambient hardening spec.md's own shell-script config format
// didn't need to express.
func (a AccountConfig) TargetPassword() (string, error) {
	if a.TargetPasswordEnv == "" {
		return "", fmt.Errorf("account %s: target_password_env not set", a.Email)
	}
	pw, ok := os.LookupEnv(a.TargetPasswordEnv)
	if !ok || pw == "" {
		return "", fmt.Errorf("account %s: environment variable %s is not set", a.Email, a.TargetPasswordEnv)
	}
	return pw, nil
}

type accountsFile struct {
	Accounts []AccountConfig `yaml:"accounts"`
}

// Dir bundles the loaded configuration along with the directory it was
// loaded from, since verify needs to re-check permissions on that exact
// directory.
type Dir struct {
	Path     string
	System   SystemConfig
	Accounts []AccountConfig
}

// Load reads system_config.yaml and accounts.yaml from dir, applying
// defaults to unset SystemConfig fields.
func Load(dir string) (*Dir, error) {
	system := defaultSystemConfig()
	systemPath := filepath.Join(dir, "system_config.yaml")
	if raw, err := os.ReadFile(systemPath); err == nil {
		if err := yaml.Unmarshal(raw, &system); err != nil {
			return nil, fmt.Errorf("could not parse %s: %w", systemPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read %s: %w", systemPath, err)
	}

	accountsPath := filepath.Join(dir, "accounts.yaml")
	raw, err := os.ReadFile(accountsPath)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", accountsPath, err)
	}
	var accountsDoc accountsFile
	if err := yaml.Unmarshal(raw, &accountsDoc); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", accountsPath, err)
	}

	if err := validate(system, accountsDoc.Accounts); err != nil {
		return nil, err
	}

	return &Dir{Path: dir, System: system, Accounts: accountsDoc.Accounts}, nil
}

func validate(system SystemConfig, accounts []AccountConfig) error {
	if system.MaxParallelDownloads <= 0 {
		return fmt.Errorf("max_parallel_downloads must be positive")
	}
	if system.MaxParallelUploads <= 0 {
		return fmt.Errorf("max_parallel_uploads must be positive")
	}
	if len(accounts) == 0 {
		return fmt.Errorf("accounts.yaml must declare at least one account")
	}
	for _, a := range accounts {
		if a.Email == "" {
			return fmt.Errorf("account entry missing email")
		}
		if a.Enabled && a.TargetHost == "" {
			return fmt.Errorf("account %s: target_host must be set when enabled", a.Email)
		}
	}
	return nil
}

// CheckPermissions enforces spec.md §6's security-relevant requirement:
// the config directory must be 0700 and both YAML files must be 0600.
// A looser permission is reported, not silently tolerated.
func CheckPermissions(dir string) error {
	if err := checkMode(dir, 0o700); err != nil {
		return err
	}
	for _, name := range []string{"system_config.yaml", "accounts.yaml"} {
		if err := checkMode(filepath.Join(dir, name), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func checkMode(path string, want os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("could not stat %s: %w", path, err)
	}
	if got := info.Mode().Perm(); got&^want != 0 {
		return fmt.Errorf("%s has permission %04o, expected at most %04o", path, got, want)
	}
	return nil
}
