package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rendis/hookflow/internal/secrets"
)

func newSecretsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage encrypted provider credentials",
		Long: `Credentials are encrypted with the vault passphrase (vault.passphrase or
HOOKFLOW_VAULT_PASSPHRASE). Actions read them by key, for example
EMAIL_API_KEY or TELEGRAM_BOT_TOKEN, and definitions can reference them as
${{secrets.KEY}}.`,
	}

	var fromStdin bool
	set := &cobra.Command{
		Use:   "set <key> [value]",
		Short: "Store a secret",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := ""
			switch {
			case fromStdin:
				v, err := readSecret(cmd.InOrStdin())
				if err != nil {
					return err
				}
				value = v
			case len(args) == 2:
				value = args[1]
			default:
				return fmt.Errorf("value is required (pass it as an argument or use --stdin)")
			}
			return withVault(cmd, func(ctx context.Context, v *secrets.AESVault) error {
				if err := v.Store(ctx, args[0], []byte(value)); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", args[0])
				return nil
			})
		},
	}
	set.Flags().BoolVar(&fromStdin, "stdin", false, "read the value from stdin")

	list := &cobra.Command{
		Use:   "list",
		Short: "List secret keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withVault(cmd, func(ctx context.Context, v *secrets.AESVault) error {
				keys, err := v.List(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd, func(ctx context.Context, v *secrets.AESVault) error {
				if err := v.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(set, list, del)
	return cmd
}

// withVault opens the store and vault only; no engine is wired.
func withVault(cmd *cobra.Command, fn func(ctx context.Context, v *secrets.AESVault) error) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if cfg.Vault.Passphrase == "" {
		return fmt.Errorf("vault passphrase is not configured (set vault.passphrase or HOOKFLOW_VAULT_PASSPHRASE)")
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	a := &app{cfg: cfg, logger: logger}
	defer a.Close()
	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openVault(); err != nil {
		return err
	}
	return fn(ctx, a.vault)
}

func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
