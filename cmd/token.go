package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/warden/internal/core"
	"go.olrik.dev/warden/internal/keyring"
)

func NewTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect the session access token kept in the keyring",
		Long: `Inspect or remove the access token of the running game server session.

Only used with token_vault = "keyring" in the storage block. Removing the token
makes the next daemon unable to reattach to the running game server.`,
	}

	openVault := func() *keyring.Vault {
		if core.Config.Storage.TokenVault != "keyring" {
			slog.Warn("Session tokens are stored in the reattach store, not the keyring")
		}
		vault, err := keyring.Open(keyring.Config{
			FileDir:      filepath.Join(core.Config.ConfigPath, "keyring"),
			PasswordFunc: keyring.FilePassword,
		})
		if err != nil {
			slog.Error(fmt.Sprintf("Failed to open keyring: %v", err))
			os.Exit(1)
		}
		return vault
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Report which session tokens are stored",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			instance := core.Config.Instance.Name
			vault := openVault()
			keys, err := vault.Keys(instance + ":")
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			if len(keys) == 0 {
				slog.Info(fmt.Sprintf("No session token stored for '%s'", instance))
				return
			}
			for _, key := range keys {
				token, err := vault.GetToken(key)
				if err != nil {
					slog.Error(err.Error())
					os.Exit(1)
				}
				pid := strings.TrimPrefix(key, instance+":")
				slog.Info(fmt.Sprintf("Session token stored for '%s' pid %s (%d characters)", instance, pid, len(token)))
			}
		},
	}

	deleteCmd := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"del", "remove", "rm"},
		Short:   "Delete the stored session tokens",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			instance := core.Config.Instance.Name
			vault := openVault()
			keys, err := vault.Keys(instance + ":")
			if err != nil {
				slog.Error(err.Error())
				os.Exit(1)
			}
			for _, key := range keys {
				if err := vault.DeleteToken(key); err != nil {
					slog.Error(fmt.Sprintf("Failed to delete token: %v", err))
					os.Exit(1)
				}
			}
			slog.Info(fmt.Sprintf("%d session token(s) deleted for '%s'", len(keys), instance))
		},
	}

	tokenCmd.AddCommand(showCmd, deleteCmd)
	return tokenCmd
}
