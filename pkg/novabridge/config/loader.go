package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
//
// Capture groups:
//   - Group 1: Variable name (for ${} syntax)
//   - Group 2: Modifier type ("-" for default, "?" for error)
//   - Group 3: Default value or error message
//   - Group 4: Variable name (for bare $VAR syntax)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// Environment overrides applied after the YAML.
const (
	EnvTelegramToken    = "TELEGRAM_TOKEN"
	EnvAuthorizedChatID = "AUTHORIZED_CHAT_ID"
	EnvTelegramChatID   = "TELEGRAM_CHAT_ID"
	EnvAssistantName    = "ASSISTANT_NAME"
	EnvSystemPrompt     = "SYSTEM_PROMPT"
	EnvClaudeBin        = "CLAUDE_BIN"
	EnvClaudeTimeout    = "CLAUDE_TIMEOUT"
	EnvDiscordToken     = "DISCORD_TOKEN"
	EnvDiscordPrincipal = "DISCORD_PRINCIPAL_ID"
)

// Load reads the configuration. An empty path searches the standard
// locations; when no file is found the defaults plus the environment are
// used. The result is not validated.
func Load(path string) (*Config, error) {
	loadEnvFiles()

	if path == "" {
		path = FindConfigFile()
	}

	cfg := DefaultConfig()
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded, err := expandEnvVarsWithValidation(string(data))
		if err != nil {
			return nil, fmt.Errorf("expanding environment variables: %w", err)
		}
		cfg, raw, err = parse([]byte(expanded))
		if err != nil {
			return nil, err
		}
		checkFilePermissions(path)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	finalize(cfg, raw)

	if path != "" {
		resolveRelativePaths(cfg, path)
	}
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, overlaying the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg, raw, err := parse(data)
	if err != nil {
		return nil, err
	}
	finalize(cfg, raw)
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"novabridge.yaml",
		"novabridge.yml",
		"config.yaml",
		"config.yml",
		"configs/novabridge.yaml",
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// ---------- Internal ----------

func parse(data []byte) (*Config, map[string]any, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("mapping config: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return cfg, raw, nil
}

// finalize fills the values derived from other sections.
func finalize(cfg *Config, raw map[string]any) {
	// The context labels the assistant with its persona name unless the
	// history section names it explicitly.
	if !isSet(raw, "history", "context", "assistant_name") && cfg.Assistant.Name != "" {
		cfg.History.Context.AssistantName = cfg.Assistant.Name
	}
	cfg.Security.Resources.DatabasePath = cfg.History.Path
}

// isSet reports whether the nested key path is present in the raw YAML.
func isSet(raw map[string]any, keys ...string) bool {
	cur := raw
	for i, k := range keys {
		v, ok := cur[k]
		if !ok {
			return false
		}
		if i == len(keys)-1 {
			return true
		}
		if cur, ok = v.(map[string]any); !ok {
			return false
		}
	}
	return false
}

// loadEnvFiles loads .env files from standard locations.
// By default, godotenv does NOT overwrite existing env vars.
func loadEnvFiles() {
	envFiles := []string{
		".env",
		".env.local",
	}

	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
}

// applyEnv overrides config values with the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvTelegramToken); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get(EnvAuthorizedChatID); ok {
		cfg.Principal.Principal = security.Principal(v)
	} else if v, ok := get(EnvTelegramChatID); ok {
		cfg.Principal.Principal = security.Principal(v)
	}
	if v, ok := get(EnvAssistantName); ok {
		cfg.Assistant.Name = v
	}
	if v, ok := lookup(EnvSystemPrompt); ok && strings.TrimSpace(v) != "" {
		cfg.Assistant.SystemPrompt = v
	}
	if v, ok := get(EnvClaudeBin); ok {
		cfg.Generator.Bin = v
	}
	if v, ok := get(EnvClaudeTimeout); ok {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvClaudeTimeout, err)
		}
		cfg.Generator.Timeout = d
	}
	if v, ok := get(EnvDiscordToken); ok {
		cfg.Discord.Token = v
	}
	if v, ok := get(EnvDiscordPrincipal); ok {
		cfg.Discord.Principal = v
	}
	return nil
}

// parseTimeout accepts plain seconds ("300") or a Go duration ("5m").
func parseTimeout(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("timeout must be > 0, got %d", secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("timeout must be > 0, got %s", d)
	}
	return d, nil
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error}, and $VAR
// references with their environment variable values. Unset variables
// without a modifier keep their placeholder. An unset ${VAR:?error} is
// replaced by an "ERROR:" marker that expandEnvVarsWithValidation reports.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bareVar := sub[1], sub[2], sub[3], sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx == -1 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[:nl]
	}
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	return "", fmt.Errorf("config error: %s - %s", rest[:colon], strings.TrimSpace(rest[colon+1:]))
}

// resolveRelativePaths resolves relative paths against the config file's
// directory so the bridge behaves the same from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)

	cfg.History.Path = resolvePathFromConfig(cfg.History.Path, configDir)
	cfg.Security.Resources.DatabasePath = cfg.History.Path
	cfg.Assistant.FilesRoot = resolvePathFromConfig(cfg.Assistant.FilesRoot, configDir)
	cfg.Vault.Path = resolvePathFromConfig(cfg.Vault.Path, configDir)
	cfg.Generator.WorkDir = resolvePathFromConfig(cfg.Generator.WorkDir, configDir)
}

// resolvePathFromConfig converts a path to absolute, resolving relative paths
// against configDir. Expands ~ to the home directory.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.Warn("config file is readable by group or others, consider chmod 600",
			"path", path, "mode", fmt.Sprintf("%04o", perm))
	}
}
