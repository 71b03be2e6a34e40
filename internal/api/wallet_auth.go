package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/util"
)

// Caller identity headers
const (
	HeaderWalletAddress   = "X-Wallet-Address"
	HeaderWalletSignature = "X-Wallet-Signature"
	HeaderWalletMessage   = "X-Wallet-Message"
	HeaderCaller          = "X-Caller"
)

// AuthMessagePrefix starts every signed auth message:
// "bondoracle-auth:{unix seconds}:{nonce}"
const AuthMessagePrefix = "bondoracle-auth:"

// ErrUnauthorized is returned when no caller identity can be established
var ErrUnauthorized = errors.New("unauthorized")

// AuthMessage builds the message a wallet signs for one request
func AuthMessage(at time.Time, nonce string) string {
	return fmt.Sprintf("%s%d:%s", AuthMessagePrefix, at.Unix(), nonce)
}

// WalletAuth verifies EIP-191 signed caller headers and rejects replays of
// a message within its validity window
type WalletAuth struct {
	maxSkew time.Duration
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // message -> expiry

	stop      chan struct{}
	done      <-chan struct{}
	closeOnce sync.Once
}

// NewWalletAuth creates a verifier accepting messages at most maxSkew old
func NewWalletAuth(maxSkew time.Duration) *WalletAuth {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	a := &WalletAuth{
		maxSkew: maxSkew,
		now:     time.Now,
		seen:    make(map[string]time.Time),
		stop:    make(chan struct{}),
	}
	a.done = util.GoWithDone("wallet-auth-cleanup", a.cleanupLoop)
	return a
}

// Close stops the cleanup goroutine
func (a *WalletAuth) Close() {
	a.closeOnce.Do(func() { close(a.stop) })
	<-a.done
}

// VerifySignature checks an EIP-191 personal_sign signature over message
// and returns the recovered address if it matches claimed
func VerifySignature(message, signature string, claimed common.Address) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature format: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length: expected %d, got %d", crypto.SignatureLength, len(sig))
	}

	// Ethereum signed message prefix
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)
	hash := crypto.Keccak256Hash([]byte(prefixed))

	// Adjust V value for recovery
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	recovered := crypto.PubkeyToAddress(*pub)
	if recovered != claimed {
		logging.Warn("wallet signature verification failed - address mismatch",
			logging.Address("claimed", claimed),
			logging.Address("recovered", recovered),
			logging.Component("api"))
		return common.Address{}, fmt.Errorf("signature does not match claimed address")
	}
	return recovered, nil
}

// VerifyInlineAuth checks the three wallet headers of one request
func (a *WalletAuth) VerifyInlineAuth(walletAddr, signature, message string) (common.Address, error) {
	if !common.IsHexAddress(walletAddr) {
		return common.Address{}, fmt.Errorf("invalid wallet address format")
	}
	if !strings.HasPrefix(message, AuthMessagePrefix) {
		return common.Address{}, fmt.Errorf("auth message must start with %q", AuthMessagePrefix)
	}
	parts := strings.SplitN(strings.TrimPrefix(message, AuthMessagePrefix), ":", 2)
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid auth message timestamp: %w", err)
	}

	now := a.now()
	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > a.maxSkew || signedAt.Sub(now) > time.Minute {
		return common.Address{}, fmt.Errorf("auth message timestamp expired or invalid")
	}

	addr, err := VerifySignature(message, signature, common.HexToAddress(walletAddr))
	if err != nil {
		return common.Address{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	key := addr.Hex() + "|" + message
	if _, replay := a.seen[key]; replay {
		return common.Address{}, fmt.Errorf("auth message already used")
	}
	a.seen[key] = signedAt.Add(a.maxSkew + time.Minute)
	return addr, nil
}

// CleanupExpired forgets messages past their validity window
func (a *WalletAuth) CleanupExpired() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	var n int
	for key, expiry := range a.seen {
		if now.After(expiry) {
			delete(a.seen, key)
			n++
		}
	}
	return n
}

func (a *WalletAuth) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.CleanupExpired()
		}
	}
}

// resolveCaller establishes who is making a state-changing request. Signed
// wallet headers always win; X-Caller is honored only on a devnet with auth
// disabled.
func (s *Server) resolveCaller(r *http.Request) (common.Address, error) {
	addr := r.Header.Get(HeaderWalletAddress)
	sig := r.Header.Get(HeaderWalletSignature)
	msg := r.Header.Get(HeaderWalletMessage)

	if addr != "" || sig != "" || msg != "" {
		if addr == "" || sig == "" || msg == "" {
			return common.Address{}, fmt.Errorf("%w: incomplete wallet headers", ErrUnauthorized)
		}
		caller, err := s.walletAuth.VerifyInlineAuth(addr, sig, msg)
		if err != nil {
			logging.Debug("wallet inline auth failed",
				"address", addr,
				logging.Err(err),
				logging.Component("api"))
			return common.Address{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return caller, nil
	}

	if !s.config.RequireAuth && s.config.AllowCallerHeader && s.host.IsDevnet() {
		if c := r.Header.Get(HeaderCaller); c != "" {
			if !common.IsHexAddress(c) {
				return common.Address{}, fmt.Errorf("%w: invalid %s header", ErrUnauthorized, HeaderCaller)
			}
			caller := common.HexToAddress(c)
			if caller == (common.Address{}) {
				return common.Address{}, fmt.Errorf("%w: zero caller", ErrUnauthorized)
			}
			return caller, nil
		}
	}
	return common.Address{}, fmt.Errorf("%w: signed wallet headers required", ErrUnauthorized)
}
