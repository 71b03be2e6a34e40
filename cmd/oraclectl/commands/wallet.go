package commands

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/moltbunker/bondoracle/internal/identity"
)

const minPasswordLength = 8

// NewWalletCmd creates the wallet command group
func NewWalletCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallet",
		Short: "Manage the signing wallet",
		Long: `Manage the Ethereum wallet that signs oracle API requests.

The wallet is stored as an encrypted keystore file (geth V3 format) and
its password can be kept in the platform keyring:
  macOS: Keychain
  Linux: Secret Service (GNOME Keyring / KDE Wallet)

Without a keyring, set ` + passwordEnv + ` or enter the password when asked.

Examples:
  oraclectl wallet create
  oraclectl wallet import
  oraclectl wallet show
  oraclectl wallet export`,
	}

	cmd.AddCommand(newWalletCreateCmd())
	cmd.AddCommand(newWalletImportCmd())
	cmd.AddCommand(newWalletShowCmd())
	cmd.AddCommand(newWalletExportCmd())
	cmd.AddCommand(newWalletForgetPasswordCmd())

	return cmd
}

// storePasswordInKeyring saves the password if a platform keyring exists
func storePasswordInKeyring(password string) {
	store, err := identity.OpenPasswordStore()
	if err == nil {
		err = store.Store(password)
	}
	if err == nil {
		fmt.Printf("  Password saved to %s\n", store.Backend())
		fmt.Println("  The wallet will be unlocked automatically for CLI requests.")
		return
	}

	fmt.Println("  Could not store password in the system keyring.")
	fmt.Printf("  For automatic unlock, set the %s environment variable.\n", passwordEnv)
}

// promptNewPassword asks for a password twice, retrying a few times
func promptNewPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Fprint(os.Stderr, "Enter wallet password: ")
		password, err := readPasswordNoEcho()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)

		if len(password) < minPasswordLength {
			Warning(fmt.Sprintf("Password must be at least %d characters. Try again.", minPasswordLength))
			continue
		}

		fmt.Fprint(os.Stderr, "Confirm wallet password: ")
		confirm, err := readPasswordNoEcho()
		if err != nil {
			return "", fmt.Errorf("failed to read confirmation: %w", err)
		}
		fmt.Fprintln(os.Stderr)

		if password != confirm {
			Warning("Passwords do not match. Try again.")
			continue
		}
		return password, nil
	}
	return "", fmt.Errorf("too many failed attempts")
}

func ensureNoWallet(dir string) error {
	wm, err := identity.LoadWalletManager(dir)
	if err != nil {
		return fmt.Errorf("failed to check keystore: %w", err)
	}
	if wm != nil {
		return fmt.Errorf("wallet already exists at %s (address: %s)", dir, wm.Address().Hex())
	}
	return nil
}

func newWalletCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a new wallet",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			if err := ensureNoWallet(dir); err != nil {
				return err
			}
			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			wm, err := identity.CreateWalletManager(dir, password)
			if err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}

			fmt.Println()
			Success("Wallet created!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", wm.Address().Hex()},
				{"Keystore", dir},
			}))
			storePasswordInKeyring(password)
			fmt.Println()
			Warning("Back up your keystore directory and remember your password.")
			return nil
		},
	}
}

func newWalletImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import a wallet from a private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			if err := ensureNoWallet(dir); err != nil {
				return err
			}

			fmt.Fprint(os.Stderr, "Enter private key (hex, with or without 0x prefix): ")
			input, err := readPasswordNoEcho()
			if err != nil {
				return fmt.Errorf("failed to read private key: %w", err)
			}
			fmt.Fprintln(os.Stderr)
			input = strings.TrimPrefix(strings.TrimSpace(input), "0x")
			if len(input) != 64 {
				return fmt.Errorf("private key must be 64 hex characters (32 bytes), got %d", len(input))
			}

			password, err := promptNewPassword()
			if err != nil {
				return err
			}
			wm, err := identity.ImportWalletManager(dir, input, password)
			if err != nil {
				return fmt.Errorf("failed to import wallet: %w", err)
			}

			fmt.Println()
			Success("Wallet imported!")
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", wm.Address().Hex()},
				{"Keystore", dir},
			}))
			storePasswordInKeyring(password)
			return nil
		},
	}
}

func newWalletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show wallet address and keystore path",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			wm, err := identity.LoadWalletManager(dir)
			if err != nil {
				return fmt.Errorf("failed to load wallet: %w", err)
			}
			if wm == nil {
				Info("No wallet found.")
				fmt.Println(Hint("Create one with: oraclectl wallet create"))
				return nil
			}

			pwStatus := "not stored (manual unlock required)"
			if os.Getenv(passwordEnv) != "" {
				pwStatus = "from " + passwordEnv
			} else if store, err := identity.OpenPasswordStore(); err == nil {
				if pw, err := store.Retrieve(); err == nil && pw != "" {
					pwStatus = "stored in " + store.Backend()
				}
			}

			if OutputFormat == "json" {
				return printJSON(map[string]string{
					"address":  wm.Address().Hex(),
					"keystore": dir,
					"password": pwStatus,
				})
			}
			fmt.Println(StatusBox("Wallet", [][2]string{
				{"Address", wm.Address().Hex()},
				{"Keystore", dir},
				{"Password", pwStatus},
			}))
			return nil
		},
	}
}

func newWalletExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export the wallet's private key",
		Long: `Export the wallet's private key in hex format.

WARNING: The private key controls every bond posted from this wallet.
Never share it, and clear your terminal history after use.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := GetKeystoreDir()
			wm, err := identity.LoadWalletManager(dir)
			if err != nil {
				return fmt.Errorf("failed to load wallet: %w", err)
			}
			if wm == nil {
				return fmt.Errorf("no wallet found at %s", dir)
			}

			fmt.Fprintln(os.Stderr, "WARNING: This will display your private key in plain text.")
			fmt.Fprint(os.Stderr, "Enter wallet password: ")
			password, err := readPasswordNoEcho()
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			fmt.Fprintln(os.Stderr)

			key, err := wm.ExportKey(password)
			if err != nil {
				return fmt.Errorf("failed to export key (wrong password?): %w", err)
			}

			fmt.Println()
			fmt.Printf("Address:     %s\n", wm.Address().Hex())
			fmt.Printf("Private Key: %s\n", key)
			return nil
		},
	}
}

func newWalletForgetPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-password",
		Short: "Remove the wallet password from the keyring",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := identity.OpenPasswordStore()
			if err != nil {
				return err
			}
			if err := store.Delete(); err != nil {
				return fmt.Errorf("failed to remove password from %s: %w", store.Backend(), err)
			}
			Success("Password removed from " + store.Backend())
			return nil
		},
	}
}

func readPasswordNoEcho() (string, error) {
	password, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	return string(password), nil
}
