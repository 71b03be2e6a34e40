package commands

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/term"

	"github.com/moltbunker/bondoracle/internal/client"
	"github.com/moltbunker/bondoracle/internal/config"
	"github.com/moltbunker/bondoracle/internal/fixedpoint"
	"github.com/moltbunker/bondoracle/internal/identity"
)

// passwordEnv unlocks the wallet without a keyring or prompt
const passwordEnv = "BONDORACLE_WALLET_PASSWORD"

// Global CLI flags
var (
	// ConfigPath is the daemon config used for defaults
	ConfigPath string

	// APIEndpoint is the oracle API base URL
	APIEndpoint string

	// Caller sends requests unsigned as this address (devnet only)
	Caller string

	// KeystoreDir overrides the configured keystore directory
	KeystoreDir string

	// OutputFormat controls output format: "" (styled) or "json"
	OutputFormat string

	// Decimals is the number of token decimals used to parse and show amounts
	Decimals int32
)

// loadConfigQuiet loads config from ConfigPath, returning nil on error.
func loadConfigQuiet() *config.Config {
	path := ConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil
	}
	return cfg
}

// GetAPIEndpoint returns the API endpoint from flag, config, or default.
func GetAPIEndpoint() string {
	if APIEndpoint != "" {
		return APIEndpoint
	}
	if cfg := loadConfigQuiet(); cfg != nil && cfg.API.ListenAddr != "" {
		return "http://" + cfg.API.ListenAddr
	}
	return "http://" + config.DefaultAPIConfig().ListenAddr
}

// GetKeystoreDir returns the keystore directory from flag, config, or default.
func GetKeystoreDir() string {
	if KeystoreDir != "" {
		return config.ExpandPath(KeystoreDir)
	}
	if cfg := loadConfigQuiet(); cfg != nil && cfg.Daemon.KeystoreDir != "" {
		return cfg.Daemon.KeystoreDir
	}
	return config.DefaultConfig().Daemon.KeystoreDir
}

// newClient builds an API client. With signed set the request identity
// comes from --caller or the keystore wallet; read-only commands skip it.
func newClient(signed bool) (*client.APIClient, error) {
	endpoint := GetAPIEndpoint()
	if !signed {
		return client.NewAPIClient(endpoint, nil), nil
	}

	if Caller != "" {
		addr, err := parseAddress("caller", Caller)
		if err != nil {
			return nil, err
		}
		c := client.NewAPIClient(endpoint, nil)
		c.SetCaller(addr)
		return c, nil
	}

	dir := GetKeystoreDir()
	wm, err := identity.LoadWalletManager(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	if wm == nil {
		return nil, fmt.Errorf("no wallet found at %s (create one with: oraclectl wallet create, or pass --caller on a devnet)", dir)
	}
	password, err := walletPassword()
	if err != nil {
		return nil, err
	}
	if _, err := wm.PrivateKey(password); err != nil {
		return nil, fmt.Errorf("failed to unlock wallet (wrong password?): %w", err)
	}
	return client.NewAPIClient(endpoint, client.NewWalletSigner(wm, password)), nil
}

// walletPassword finds the keystore password: environment, keyring, then
// an interactive prompt
func walletPassword() (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	if store, err := identity.OpenPasswordStore(); err == nil {
		if pw, err := store.Retrieve(); err == nil && pw != "" {
			return pw, nil
		}
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("wallet is locked: set %s or store the password with: oraclectl wallet create", passwordEnv)
	}
	fmt.Fprint(os.Stderr, "Enter wallet password: ")
	pw, err := readPasswordNoEcho()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", name, s)
	}
	return common.HexToAddress(s), nil
}

// parseAmount parses a human amount into base units using --decimals
func parseAmount(name, s string) (*big.Int, error) {
	v, err := fixedpoint.ParseAmount(s, Decimals)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return v, nil
}

// parseOptionalAmount is parseAmount that maps "" to nil
func parseOptionalAmount(name, s string) (*big.Int, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	return parseAmount(name, s)
}
