package identity

import (
	"crypto/ecdsa"
	"fmt"
	"os"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// WalletManager holds the Ethereum account an oracle participant acts as.
// Reports, disputes and withdrawals are attributed to its address.
type WalletManager struct {
	keystore *keystore.KeyStore
	keyPath  string
	address  common.Address
	loaded   bool

	mu         sync.Mutex
	privateKey *ecdsa.PrivateKey
}

func openKeystore(keystoreDir string) (*keystore.KeyStore, error) {
	if err := os.MkdirAll(keystoreDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	return keystore.NewKeyStore(keystoreDir, keystore.StandardScryptN, keystore.StandardScryptP), nil
}

// LoadWalletManager loads an existing wallet from the keystore directory.
// Returns (nil, nil) if no wallet file is found.
func LoadWalletManager(keystoreDir string) (*WalletManager, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	accts := ks.Accounts()
	if len(accts) == 0 {
		return nil, nil
	}

	return &WalletManager{
		keystore: ks,
		keyPath:  keystoreDir,
		address:  accts[0].Address,
		loaded:   true,
	}, nil
}

// CreateWalletManager creates a new wallet in the keystore directory.
// Returns an error if a wallet already exists.
func CreateWalletManager(keystoreDir string, password string) (*WalletManager, error) {
	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", keystoreDir)
	}

	account, err := ks.NewAccount(password)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}

	return &WalletManager{
		keystore: ks,
		keyPath:  keystoreDir,
		address:  account.Address,
		loaded:   true,
	}, nil
}

// ImportWalletManager imports a hex private key (with or without 0x) into a
// new wallet. Returns an error if a wallet already exists.
func ImportWalletManager(keystoreDir string, privKeyHex string, password string) (*WalletManager, error) {
	privateKey, err := crypto.HexToECDSA(trimHexPrefix(privKeyHex))
	if err != nil {
		return nil, fmt.Errorf("invalid private key hex: %w", err)
	}

	ks, err := openKeystore(keystoreDir)
	if err != nil {
		return nil, err
	}
	if len(ks.Accounts()) > 0 {
		return nil, fmt.Errorf("wallet already exists in %s", keystoreDir)
	}

	account, err := ks.ImportECDSA(privateKey, password)
	if err != nil {
		return nil, fmt.Errorf("failed to import key: %w", err)
	}

	return &WalletManager{
		keystore: ks,
		keyPath:  keystoreDir,
		address:  account.Address,
		loaded:   true,
	}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// IsLoaded returns true if the wallet manager has a loaded wallet.
func (wm *WalletManager) IsLoaded() bool {
	return wm != nil && wm.loaded
}

// Address returns the Ethereum address
func (wm *WalletManager) Address() common.Address {
	return wm.address
}

// KeystoreDir returns the path to the keystore directory
func (wm *WalletManager) KeystoreDir() string {
	return wm.keyPath
}

// PrivateKey decrypts the keystore file. The key is cached until
// ClearCachedKey.
func (wm *WalletManager) PrivateKey(password string) (*ecdsa.PrivateKey, error) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.privateKey != nil {
		return wm.privateKey, nil
	}

	account, err := wm.keystore.Find(accounts.Account{Address: wm.address})
	if err != nil {
		return nil, fmt.Errorf("wallet %s not in keystore: %w", wm.address.Hex(), err)
	}
	keyJSON, err := os.ReadFile(account.URL.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key, err := keystore.DecryptKey(keyJSON, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt key: %w", err)
	}

	wm.privateKey = key.PrivateKey
	return key.PrivateKey, nil
}

// ClearCachedKey zeros and removes the cached private key from memory.
func (wm *WalletManager) ClearCachedKey() {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if wm.privateKey != nil {
		wm.privateKey.D.SetUint64(0)
		wm.privateKey = nil
	}
}

// SignHash signs a 32-byte hash. V is 0 or 1.
func (wm *WalletManager) SignHash(hash []byte, password string) ([]byte, error) {
	privateKey, err := wm.PrivateKey(password)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	return signature, nil
}

// PersonalSign signs message with the EIP-191 prefix and returns the
// 0x-hex signature with V in {27, 28}, as wallets do.
func (wm *WalletManager) PersonalSign(message, password string) (string, error) {
	sig, err := wm.SignHash(accounts.TextHash([]byte(message)), password)
	if err != nil {
		return "", err
	}
	return EncodePersonalSignature(sig), nil
}

// EncodePersonalSignature hex-encodes a raw signature with V shifted to 27/28
func EncodePersonalSignature(sig []byte) string {
	out := make([]byte, len(sig))
	copy(out, sig)
	if len(out) == crypto.SignatureLength && out[crypto.RecoveryIDOffset] < 27 {
		out[crypto.RecoveryIDOffset] += 27
	}
	return hexutil.Encode(out)
}

// ExportKey returns the decrypted private key as hex without the 0x prefix
func (wm *WalletManager) ExportKey(password string) (string, error) {
	key, err := wm.PrivateKey(password)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", crypto.FromECDSA(key)), nil
}
