package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// KeyringService is the service name used in the OS keyring.
const KeyringService = "novabridge"

// VaultPasswordEnv unlocks the vault without a prompt (systemd, Docker).
const VaultPasswordEnv = "NOVABRIDGE_VAULT_PASSWORD"

// Secret names.
const (
	TelegramToken = "TELEGRAM_TOKEN"
	DiscordToken  = "DISCORD_TOKEN"
)

// Source says where a secret was found.
type Source string

const (
	SourceNone    Source = ""
	SourceVault   Source = "vault"
	SourceKeyring Source = "keyring"
	SourceEnv     Source = "env"
	SourceConfig  Source = "config"
)

// Keyring stores secrets in the OS keyring (Secret Service, Keychain,
// Credential Manager).
type Keyring struct {
	service string
}

// NewKeyring returns a keyring client for service.
func NewKeyring(service string) *Keyring {
	if service == "" {
		service = KeyringService
	}
	return &Keyring{service: service}
}

// Set stores value under name.
func (k *Keyring) Set(name, value string) error {
	return keyring.Set(k.service, name, value)
}

// Get returns the value of name, or "" when it is missing or the keyring
// is unavailable.
func (k *Keyring) Get(name string) string {
	val, err := keyring.Get(k.service, name)
	if err != nil {
		return ""
	}
	return val
}

// Delete removes name. A missing entry is not an error.
func (k *Keyring) Delete(name string) error {
	err := keyring.Delete(k.service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

// Resolver looks secrets up in priority order.
type Resolver struct {
	// Vault is used when unlocked. Optional.
	Vault *Vault

	// Keyring is optional.
	Keyring *Keyring

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)

	Logger *slog.Logger
}

// Resolve returns the first non-empty value of name from the vault, the
// keyring, the environment, then configValue.
func (r *Resolver) Resolve(name, configValue string) (string, Source) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Vault != nil && r.Vault.IsUnlocked() {
		val, err := r.Vault.Get(name)
		if err != nil {
			logger.Warn("reading secret from vault failed", "name", name, "error", err)
		} else if val != "" {
			return val, SourceVault
		}
	}
	if r.Keyring != nil {
		if val := r.Keyring.Get(name); val != "" {
			return val, SourceKeyring
		}
	}
	lookup := r.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if val, ok := lookup(name); ok && strings.TrimSpace(val) != "" {
		return strings.TrimSpace(val), SourceEnv
	}
	if configValue = strings.TrimSpace(configValue); configValue != "" {
		return configValue, SourceConfig
	}
	return "", SourceNone
}

// OpenVault opens the vault at path when it exists and unlocks it with
// NOVABRIDGE_VAULT_PASSWORD, or with a terminal prompt when stdin is a
// terminal. It returns nil when there is no vault or it stays locked.
func OpenVault(path string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	v := NewVault(path)
	if !v.Exists() {
		return nil
	}

	if pass := os.Getenv(VaultPasswordEnv); pass != "" {
		if err := v.Unlock(pass); err != nil {
			logger.Warn("failed to unlock vault with "+VaultPasswordEnv, "error", err)
		} else {
			logger.Info("vault unlocked via " + VaultPasswordEnv)
			return v
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("vault exists but stdin is not a terminal, skipping", "path", v.Path())
		return nil
	}
	pass, err := ReadPassword(os.Stdin, os.Stderr, "Vault password: ")
	if err != nil {
		logger.Warn("failed to read vault password", "error", err)
		return nil
	}
	if err := v.Unlock(pass); err != nil {
		logger.Warn("failed to unlock vault", "error", err)
		return nil
	}
	return v
}

// ReadPassword prints prompt to out and reads a line from in without echo
// when in is a terminal.
func ReadPassword(in *os.File, out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(b), nil
	}

	// Piped input.
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
