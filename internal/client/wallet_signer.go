package client

import (
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/moltbunker/bondoracle/internal/api"
	"github.com/moltbunker/bondoracle/internal/identity"
)

// WalletSigner signs HTTP API requests with an Ethereum key.
// It produces EIP-191 personal_sign signatures for the inline auth headers.
type WalletSigner struct {
	address common.Address
	sign    func(hash []byte) ([]byte, error)
	now     func() time.Time
}

// NewWalletSigner creates a signer from a keystore wallet and its password
func NewWalletSigner(wallet *identity.WalletManager, password string) *WalletSigner {
	return &WalletSigner{
		address: wallet.Address(),
		sign:    func(hash []byte) ([]byte, error) { return wallet.SignHash(hash, password) },
		now:     time.Now,
	}
}

// NewKeySigner creates a signer from a raw private key
func NewKeySigner(key *ecdsa.PrivateKey) *WalletSigner {
	return &WalletSigner{
		address: crypto.PubkeyToAddress(key.PublicKey),
		sign:    func(hash []byte) ([]byte, error) { return crypto.Sign(hash, key) },
		now:     time.Now,
	}
}

// Address returns the signing address
func (s *WalletSigner) Address() common.Address {
	return s.address
}

// SignAuth produces the three inline-auth header values. Every message
// carries a fresh nonce since the server rejects replays.
func (s *WalletSigner) SignAuth() (address, signature, message string, err error) {
	message = api.AuthMessage(s.now(), uuid.NewString())

	sig, err := s.sign(accounts.TextHash([]byte(message)))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to sign auth message: %w", err)
	}
	return s.address.Hex(), identity.EncodePersonalSignature(sig), message, nil
}
