package doctor

import (
	"context"
	"fmt"
	"os"

	"github.com/moltbunker/bondoracle/internal/identity"
)

// WalletChecker checks that a signing wallet exists in the keystore.
// Signed API requests need it whenever the daemon requires auth.
type WalletChecker struct {
	keystoreDir string
}

func NewWalletChecker(keystoreDir string) *WalletChecker {
	return &WalletChecker{keystoreDir: keystoreDir}
}

func (c *WalletChecker) Name() string       { return "Wallet" }
func (c *WalletChecker) Category() Category { return CategoryKeys }

func (c *WalletChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
		Hint:     "oraclectl wallet create",
	}

	// LoadWalletManager creates the directory, so look first
	if _, err := os.Stat(c.keystoreDir); os.IsNotExist(err) {
		result.Status = StatusError
		result.Message = "Wallet: Not configured"
		result.Details = "No keystore at " + c.keystoreDir
		return result
	}

	wm, err := identity.LoadWalletManager(c.keystoreDir)
	if err != nil {
		result.Status = StatusError
		result.Message = "Wallet: Unable to open keystore"
		result.Details = err.Error()
		return result
	}
	if wm == nil {
		result.Status = StatusError
		result.Message = "Wallet: Not configured"
		result.Details = "A wallet is required to sign oracle requests"
		return result
	}

	result.Status = StatusOK
	addr := wm.Address().Hex()
	result.Message = fmt.Sprintf("Wallet: %s...%s", addr[:6], addr[len(addr)-4:])
	result.Hint = ""
	return result
}

// PasswordChecker reports where the wallet password will come from
type PasswordChecker struct {
	envVar string
	open   func() (*identity.PasswordStore, error)
}

func NewPasswordChecker(envVar string) *PasswordChecker {
	return &PasswordChecker{envVar: envVar, open: identity.OpenPasswordStore}
}

// WithPasswordStore replaces the platform keyring
func (c *PasswordChecker) WithPasswordStore(ps *identity.PasswordStore) *PasswordChecker {
	c.open = func() (*identity.PasswordStore, error) { return ps, nil }
	return c
}

func (c *PasswordChecker) Name() string       { return "Wallet password" }
func (c *PasswordChecker) Category() Category { return CategoryKeys }

func (c *PasswordChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
	}

	if c.envVar != "" && os.Getenv(c.envVar) != "" {
		result.Status = StatusOK
		result.Message = "Wallet password: From $" + c.envVar
		return result
	}

	ps, err := c.open()
	if err != nil {
		result.Status = StatusWarning
		result.Message = "Wallet password: No keyring, commands will prompt"
		result.Details = err.Error()
		return result
	}
	pw, err := ps.Retrieve()
	if err != nil {
		result.Status = StatusWarning
		result.Message = "Wallet password: Keyring unreadable, commands will prompt"
		result.Details = err.Error()
		return result
	}
	if pw == "" {
		result.Status = StatusWarning
		result.Message = "Wallet password: Not saved, commands will prompt"
		if c.envVar != "" {
			result.Hint = "export " + c.envVar + "=<password>"
		}
		return result
	}

	result.Status = StatusOK
	result.Message = "Wallet password: Saved in " + ps.Backend()
	return result
}
