package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/novabridge/pkg/novabridge/secrets"
)

// Secret stores selectable with --store.
const (
	storeKeyring = "keyring"
	storeVault   = "vault"
)

// newSecretCmd creates `novabridge secret` for managing bot tokens outside
// the config file.
func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage bot tokens in the OS keyring or the encrypted vault",
		Long: `Store bot tokens outside the config file. At startup secrets are looked up
in the vault, then the OS keyring, then the environment, then the config.

Examples:
  novabridge secret set TELEGRAM_TOKEN
  novabridge secret set DISCORD_TOKEN --store vault
  novabridge secret get TELEGRAM_TOKEN
  novabridge secret delete TELEGRAM_TOKEN`,
	}

	cmd.PersistentFlags().String("store", storeKeyring, "secret store: keyring or vault")
	cmd.AddCommand(
		newSecretSetCmd(),
		newSecretGetCmd(),
		newSecretDeleteCmd(),
	)
	return cmd
}

func newSecretSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret; prompts for the value when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				v, err := secrets.ReadPassword(os.Stdin, cmd.ErrOrStderr(), name+": ")
				if err != nil {
					return err
				}
				value = v
			}
			if value = strings.TrimSpace(value); value == "" {
				return fmt.Errorf("empty value for %s", name)
			}

			store, _ := cmd.Flags().GetString("store")
			switch store {
			case storeKeyring:
				if err := secrets.NewKeyring(secrets.KeyringService).Set(name, value); err != nil {
					return fmt.Errorf("keyring: %w", err)
				}
			case storeVault:
				v, err := unlockVault(cmd, true)
				if err != nil {
					return err
				}
				if err := v.Set(name, value); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown store %q", store)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s stored in %s\n", name, store)
			return nil
		},
	}
}

func newSecretGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Show where a secret resolves from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			store, _ := cmd.Flags().GetString("store")
			show, _ := cmd.Flags().GetBool("show")

			r := &secrets.Resolver{Keyring: secrets.NewKeyring(secrets.KeyringService), Logger: quietLogger(cmd)}
			if store == storeVault {
				v, err := unlockVault(cmd, false)
				if err != nil {
					return err
				}
				r.Vault = v
			}

			value, src := r.Resolve(name, "")
			if src == secrets.SourceNone {
				return fmt.Errorf("%s is not set", name)
			}
			if !show {
				value = mask(value)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s (from %s)\n", name, value, src)
			return nil
		},
	}
	cmd.Flags().Bool("show", false, "print the value unmasked")
	return cmd
}

func newSecretDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			store, _ := cmd.Flags().GetString("store")
			switch store {
			case storeKeyring:
				if err := secrets.NewKeyring(secrets.KeyringService).Delete(name); err != nil {
					return fmt.Errorf("keyring: %w", err)
				}
			case storeVault:
				v, err := unlockVault(cmd, false)
				if err != nil {
					return err
				}
				if err := v.Delete(name); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown store %q", store)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed from %s\n", name, store)
			return nil
		},
	}
}

// unlockVault opens the configured vault, creating it when create is set
// and it does not exist yet.
func unlockVault(cmd *cobra.Command, create bool) (*secrets.Vault, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	v := secrets.NewVault(cfg.Vault.Path)

	password := os.Getenv(secrets.VaultPasswordEnv)
	if password == "" {
		password, err = secrets.ReadPassword(os.Stdin, cmd.ErrOrStderr(), "Vault password: ")
		if err != nil {
			return nil, err
		}
	}
	if password == "" {
		return nil, fmt.Errorf("empty vault password")
	}

	if !v.Exists() {
		if !create {
			return nil, fmt.Errorf("no vault at %s", v.Path())
		}
		if os.Getenv(secrets.VaultPasswordEnv) == "" {
			confirm, err := secrets.ReadPassword(os.Stdin, cmd.ErrOrStderr(), "Repeat password: ")
			if err != nil {
				return nil, err
			}
			if confirm != password {
				return nil, fmt.Errorf("passwords do not match")
			}
		}
		if err := v.Create(password); err != nil {
			return nil, err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "vault created at %s\n", v.Path())
		return v, nil
	}

	if err := v.Unlock(password); err != nil {
		return nil, err
	}
	return v, nil
}

// mask keeps the first and last characters of long values.
func mask(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:3] + strings.Repeat("*", len(value)-6) + value[len(value)-3:]
}
