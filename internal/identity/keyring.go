package identity

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/99designs/keyring"
)

const (
	keyringServiceName = "bondoracle"
	walletPasswordKey  = "wallet-password"
)

// ErrNoKeyring is returned when the platform has no supported keyring
var ErrNoKeyring = errors.New("no keyring backend available")

// PasswordStore keeps the wallet keystore password
type PasswordStore struct {
	ring    keyring.Keyring
	backend string
}

// OpenPasswordStore opens the platform-native keyring.
// On macOS: Keychain. On Linux: Secret Service (GNOME Keyring / KDE Wallet).
func OpenPasswordStore() (*PasswordStore, error) {
	backends := platformKeyringBackends()
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w on %s", ErrNoKeyring, runtime.GOOS)
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:                    keyringServiceName,
		AllowedBackends:                backends,
		KeychainTrustApplication:       true,
		KeychainAccessibleWhenUnlocked: true,
		KeychainSynchronizable:         false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &PasswordStore{ring: ring, backend: keyringBackendName()}, nil
}

// NewPasswordStore wraps an already opened keyring
func NewPasswordStore(ring keyring.Keyring, backend string) *PasswordStore {
	return &PasswordStore{ring: ring, backend: backend}
}

// Backend returns a human-readable backend name
func (p *PasswordStore) Backend() string {
	return p.backend
}

// Store saves the wallet password
func (p *PasswordStore) Store(password string) error {
	err := p.ring.Set(keyring.Item{
		Key:         walletPasswordKey,
		Data:        []byte(password),
		Label:       "Bond Oracle Wallet Password",
		Description: "Password for the bondoracle wallet keystore",
	})
	if err != nil {
		return fmt.Errorf("failed to store in %s: %w", p.backend, err)
	}
	return nil
}

// Retrieve returns the stored password, or "" if none is stored
func (p *PasswordStore) Retrieve() (string, error) {
	item, err := p.ring.Get(walletPasswordKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Data), nil
}

// Delete removes the stored password
func (p *PasswordStore) Delete() error {
	err := p.ring.Remove(walletPasswordKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil
	}
	return err
}

func platformKeyringBackends() []keyring.BackendType {
	switch runtime.GOOS {
	case "darwin":
		return []keyring.BackendType{keyring.KeychainBackend}
	case "linux":
		return []keyring.BackendType{
			keyring.SecretServiceBackend,
			keyring.KWalletBackend,
		}
	default:
		return nil
	}
}

func keyringBackendName() string {
	switch runtime.GOOS {
	case "darwin":
		return "macOS Keychain"
	case "linux":
		return "Secret Service (GNOME Keyring / KDE Wallet)"
	default:
		return "system keyring"
	}
}
