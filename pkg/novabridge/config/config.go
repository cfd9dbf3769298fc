// Package config defines the NovaBridge configuration: the YAML layout, the
// defaults and validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/novabridge/pkg/novabridge/approval"
	"github.com/jholhewres/novabridge/pkg/novabridge/bridge"
	"github.com/jholhewres/novabridge/pkg/novabridge/channels/discord"
	"github.com/jholhewres/novabridge/pkg/novabridge/channels/telegram"
	"github.com/jholhewres/novabridge/pkg/novabridge/fetch"
	"github.com/jholhewres/novabridge/pkg/novabridge/history"
	"github.com/jholhewres/novabridge/pkg/novabridge/runner"
	"github.com/jholhewres/novabridge/pkg/novabridge/scheduler"
	"github.com/jholhewres/novabridge/pkg/novabridge/security"
	"github.com/jholhewres/novabridge/pkg/novabridge/secrets"
)

// Config is the whole configuration.
type Config struct {
	Assistant   AssistantConfig       `yaml:"assistant"`
	Principal   security.AccessConfig `yaml:"principal"`
	Telegram    telegram.Config       `yaml:"telegram"`
	Discord     discord.Config        `yaml:"discord"`
	Generator   runner.Config         `yaml:"generator"`
	Security    SecurityConfig        `yaml:"security"`
	History     history.Config        `yaml:"history"`
	Fetch       FetchConfig           `yaml:"fetch"`
	Queue       QueueConfig           `yaml:"queue"`
	Logging     LoggingConfig         `yaml:"logging"`
	Maintenance scheduler.Config      `yaml:"maintenance"`
	Vault       VaultConfig           `yaml:"vault"`
}

// AssistantConfig is the persona and the local-file settings.
type AssistantConfig struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`

	// FilesRoot resolves relative /file paths. Empty disables /file.
	FilesRoot string `yaml:"files_root"`

	// FileReadLimit caps the bytes /file reads.
	FileReadLimit int64 `yaml:"file_read_limit"`

	// TypingInterval is how often the typing indicator is refreshed.
	TypingInterval time.Duration `yaml:"typing_interval"`
}

// SecurityConfig groups the policy layer. Every list extends the built-in
// rules; none can remove one.
type SecurityConfig struct {
	// ConfirmationWindow is how long a paused turn waits for /confirm.
	ConfirmationWindow time.Duration `yaml:"confirmation_window"`

	Scanner   security.ScannerConfig   `yaml:"scanner"`
	Sanitizer security.SanitizerConfig `yaml:"sanitizer"`
	Resources security.ResourceConfig  `yaml:"resources"`
	Egress    security.EgressConfig    `yaml:"egress"`
}

// FetchConfig enables /fetch.
type FetchConfig struct {
	Enabled      bool `yaml:"enabled"`
	fetch.Config `yaml:",inline"`
}

// QueueConfig bounds the per-chat queue.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// VaultConfig locates the encrypted secrets vault.
type VaultConfig struct {
	Path string `yaml:"path"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	b := bridge.DefaultConfig()
	return &Config{
		Assistant: AssistantConfig{
			Name:           b.AssistantName,
			FileReadLimit:  b.FileReadLimit,
			TypingInterval: b.TypingInterval,
		},
		Telegram:  telegram.DefaultConfig(),
		Generator: runner.DefaultConfig(),
		Security: SecurityConfig{
			ConfirmationWindow: approval.DefaultWindow,
			Scanner: security.ScannerConfig{
				MaxDecodeDepth: 2,
				Drift:          security.DriftConfig{Window: b.DriftWindow},
			},
			Sanitizer: security.SanitizerConfig{
				CommandPolicy:    security.CommandLabelPolicy,
				FingerprintMatch: security.MatchSubstring,
			},
		},
		History:     history.DefaultConfig(),
		Fetch:       FetchConfig{Config: fetch.DefaultConfig()},
		Queue:       QueueConfig{Size: b.QueueSize},
		Logging:     LoggingConfig{Level: "info", Format: "text"},
		Maintenance: scheduler.DefaultConfig(),
		Vault:       VaultConfig{Path: secrets.VaultFile},
	}
}

// Bridge returns the bridge settings.
func (c *Config) Bridge() bridge.Config {
	return bridge.Config{
		AssistantName:    c.Assistant.Name,
		SystemPrompt:     c.Assistant.SystemPrompt,
		QueueSize:        c.Queue.Size,
		TypingInterval:   c.Assistant.TypingInterval,
		GeneratorTimeout: c.Generator.Timeout,
		DriftWindow:      c.Security.Scanner.Drift.Window,
		FilesRoot:        c.Assistant.FilesRoot,
		FileReadLimit:    c.Assistant.FileReadLimit,
	}
}

// Validate checks the configuration. Secrets are checked separately since
// they may come from the vault or keyring.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	discordOnly := c.Telegram.Token == "" && c.Discord.Token != ""
	if strings.TrimSpace(string(c.Principal.Principal)) == "" && !discordOnly {
		add("principal.id is required (or set AUTHORIZED_CHAT_ID)")
	}
	if strings.TrimSpace(c.Assistant.Name) == "" {
		add("assistant.name must not be empty")
	}
	if c.Generator.Bin == "" {
		add("generator.bin is required")
	}
	if c.Generator.Timeout <= 0 {
		add("generator.timeout must be > 0")
	}
	if c.Queue.Size <= 0 {
		add("queue.size must be > 0")
	}
	if c.Security.ConfirmationWindow <= 0 {
		add("security.confirmation_window must be > 0")
	}
	if c.Assistant.FileReadLimit < 0 {
		add("assistant.file_read_limit must not be negative")
	}

	switch c.Security.Sanitizer.CommandPolicy {
	case "", security.CommandLabelPolicy, security.CommandRejectPolicy:
	default:
		add("security.sanitizer.command_policy must be %q or %q", security.CommandLabelPolicy, security.CommandRejectPolicy)
	}
	switch c.Security.Sanitizer.FingerprintMatch {
	case "", security.MatchExact, security.MatchSubstring:
	default:
		add("security.sanitizer.fingerprint_match must be %q or %q", security.MatchExact, security.MatchSubstring)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		add("logging.format %q is not text or json", c.Logging.Format)
	}

	for name, spec := range map[string]string{
		"maintenance.rotate": c.Maintenance.Rotate,
		"maintenance.sweep":  c.Maintenance.Sweep,
	} {
		if spec == "" {
			continue
		}
		if err := scheduler.ValidateSchedule(spec); err != nil {
			add("%s: %v", name, err)
		}
	}

	if c.Discord.Token != "" && c.Discord.Principal == "" {
		add("discord.principal is required when discord is enabled")
	}

	return errors.Join(errs...)
}
