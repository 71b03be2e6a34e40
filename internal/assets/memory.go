package assets

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TokenKind selects how a simulated token reports the outcome of a transfer
type TokenKind string

const (
	// TokenStandard returns true on success and reverts on failure
	TokenStandard TokenKind = "standard"
	// TokenNoReturn returns nothing on success and reverts on failure
	TokenNoReturn TokenKind = "no-return"
	// TokenReturnsFalse returns false instead of reverting on failure
	TokenReturnsFalse TokenKind = "returns-false"
	// TokenReverting reverts on every transfer
	TokenReverting TokenKind = "reverting"
)

// IsValid checks if the kind is known
func (k TokenKind) IsValid() bool {
	switch k {
	case TokenStandard, TokenNoReturn, TokenReturnsFalse, TokenReverting:
		return true
	}
	return false
}

var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrTransferReverted      = errors.New("transfer reverted")
	ErrReceiverRejected      = errors.New("receiver rejected native transfer")
)

type memToken struct {
	kind       TokenKind
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int // owner -> spender -> amount
}

// MemoryBackend is an in-process token world used by devnet hosts and tests
type MemoryBackend struct {
	mu        sync.RWMutex
	tokens    map[common.Address]*memToken
	native    map[common.Address]*big.Int
	rejecting map[common.Address]bool
	contracts map[common.Address]bool
}

// NewMemoryBackend creates an empty token world
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tokens:    make(map[common.Address]*memToken),
		native:    make(map[common.Address]*big.Int),
		rejecting: make(map[common.Address]bool),
		contracts: make(map[common.Address]bool),
	}
}

// Deploy registers a token at addr. Redeploying changes the kind but keeps balances.
func (m *MemoryBackend) Deploy(addr common.Address, kind TokenKind) error {
	if !kind.IsValid() {
		return fmt.Errorf("unknown token kind: %q", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if tok, ok := m.tokens[addr]; ok {
		tok.kind = kind
		return nil
	}
	m.tokens[addr] = &memToken{
		kind:       kind,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
	return nil
}

// MarkContract records that code exists at addr without making it a token
func (m *MemoryBackend) MarkContract(addr common.Address) {
	m.mu.Lock()
	m.contracts[addr] = true
	m.mu.Unlock()
}

// RejectNative makes addr refuse incoming native transfers
func (m *MemoryBackend) RejectNative(addr common.Address, reject bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reject {
		m.rejecting[addr] = true
	} else {
		delete(m.rejecting, addr)
	}
}

// Mint credits amount of token to account
func (m *MemoryBackend) Mint(token, account common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return fmt.Errorf("token %s not deployed", token.Hex())
	}
	addTo(tok.balances, account, amount)
	return nil
}

// MintNative credits native value to account
func (m *MemoryBackend) MintNative(account common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addTo(m.native, account, amount)
}

// Approve sets spender's allowance over owner's token balance
func (m *MemoryBackend) Approve(token, owner, spender common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return fmt.Errorf("token %s not deployed", token.Hex())
	}
	if tok.allowances[owner] == nil {
		tok.allowances[owner] = make(map[common.Address]*big.Int)
	}
	tok.allowances[owner][spender] = new(big.Int).Set(amount)
	return nil
}

// BalanceOf returns account's balance of token
func (m *MemoryBackend) BalanceOf(token, account common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tok, ok := m.tokens[token]; ok {
		if bal, ok := tok.balances[account]; ok {
			return new(big.Int).Set(bal)
		}
	}
	return new(big.Int)
}

// NativeBalance returns account's native balance
func (m *MemoryBackend) NativeBalance(account common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if bal, ok := m.native[account]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Allowance returns spender's remaining allowance over owner's token
func (m *MemoryBackend) Allowance(token, owner, spender common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tok, ok := m.tokens[token]; ok {
		if a, ok := tok.allowances[owner][spender]; ok {
			return new(big.Int).Set(a)
		}
	}
	return new(big.Int)
}

// Tokens returns the deployed token addresses in a stable order
func (m *MemoryBackend) Tokens() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]common.Address, 0, len(m.tokens))
	for addr := range m.tokens {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// HasCode implements Backend
func (m *MemoryBackend) HasCode(_ context.Context, addr common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, isToken := m.tokens[addr]
	return isToken || m.contracts[addr], nil
}

// Transfer implements Backend. Calling an address with no token deployed
// succeeds with empty return data, like a call to an account without code.
func (m *MemoryBackend) Transfer(_ context.Context, token, from, to common.Address, amount *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return nil, nil
	}
	return tok.result(tok.move(from, to, amount))
}

// TransferFrom implements Backend
func (m *MemoryBackend) TransferFrom(_ context.Context, token, spender, from, to common.Address, amount *big.Int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return nil, nil
	}
	if tok.kind == TokenReverting {
		return nil, ErrTransferReverted
	}

	allowance := tok.allowances[from][spender]
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return tok.result(ErrInsufficientAllowance)
	}
	if err := tok.move(from, to, amount); err != nil {
		return tok.result(err)
	}
	allowance.Sub(allowance, amount)
	return tok.result(nil)
}

// TransferNative implements Backend. The gas allowance is not metered here.
func (m *MemoryBackend) TransferNative(_ context.Context, from, to common.Address, amount *big.Int, _ uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejecting[to] {
		return ErrReceiverRejected
	}
	bal := m.native[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %v, need %s", ErrInsufficientBalance, bal, amount)
	}
	bal.Sub(bal, amount)
	addTo(m.native, to, amount)
	return nil
}

// move must be called with the backend lock held
func (t *memToken) move(from, to common.Address, amount *big.Int) error {
	if t.kind == TokenReverting {
		return ErrTransferReverted
	}
	bal := t.balances[from]
	if bal == nil || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	addTo(t.balances, to, amount)
	return nil
}

// result shapes the outcome of a transfer according to the token's kind
func (t *memToken) result(err error) ([]byte, error) {
	switch t.kind {
	case TokenStandard:
		if err != nil {
			return nil, err
		}
		return EncodeBool(true), nil
	case TokenNoReturn:
		if err != nil {
			return nil, err
		}
		return nil, nil
	case TokenReturnsFalse:
		return EncodeBool(err == nil), nil
	default:
		return nil, ErrTransferReverted
	}
}

func addTo(m map[common.Address]*big.Int, account common.Address, amount *big.Int) {
	bal, ok := m[account]
	if !ok {
		bal = new(big.Int)
		m[account] = bal
	}
	bal.Add(bal, amount)
}

// MemoryToken is the serialized state of one simulated token
type MemoryToken struct {
	Address    common.Address                                   `json:"address"`
	Kind       TokenKind                                        `json:"kind"`
	Balances   map[common.Address]*big.Int                      `json:"balances,omitempty"`
	Allowances map[common.Address]map[common.Address]*big.Int `json:"allowances,omitempty"`
}

// MemorySnapshot is the serialized state of a MemoryBackend
type MemorySnapshot struct {
	Tokens    []MemoryToken               `json:"tokens"`
	Native    map[common.Address]*big.Int `json:"native,omitempty"`
	Rejecting []common.Address            `json:"rejecting,omitempty"`
	Contracts []common.Address            `json:"contracts,omitempty"`
}

// Snapshot returns a deep copy of the backend state
func (m *MemoryBackend) Snapshot() MemorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MemorySnapshot{Native: copyBalances(m.native)}
	for addr, tok := range m.tokens {
		mt := MemoryToken{
			Address:    addr,
			Kind:       tok.kind,
			Balances:   copyBalances(tok.balances),
			Allowances: make(map[common.Address]map[common.Address]*big.Int, len(tok.allowances)),
		}
		for owner, bySpender := range tok.allowances {
			mt.Allowances[owner] = copyBalances(bySpender)
		}
		snap.Tokens = append(snap.Tokens, mt)
	}
	sort.Slice(snap.Tokens, func(i, j int) bool { return snap.Tokens[i].Address.Cmp(snap.Tokens[j].Address) < 0 })
	for addr := range m.rejecting {
		snap.Rejecting = append(snap.Rejecting, addr)
	}
	for addr := range m.contracts {
		snap.Contracts = append(snap.Contracts, addr)
	}
	return snap
}

// Restore replaces the backend state with a snapshot
func (m *MemoryBackend) Restore(snap MemorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokens = make(map[common.Address]*memToken, len(snap.Tokens))
	for _, mt := range snap.Tokens {
		tok := &memToken{
			kind:       mt.Kind,
			balances:   copyBalances(mt.Balances),
			allowances: make(map[common.Address]map[common.Address]*big.Int, len(mt.Allowances)),
		}
		for owner, bySpender := range mt.Allowances {
			tok.allowances[owner] = copyBalances(bySpender)
		}
		m.tokens[mt.Address] = tok
	}
	m.native = copyBalances(snap.Native)
	m.rejecting = make(map[common.Address]bool, len(snap.Rejecting))
	for _, addr := range snap.Rejecting {
		m.rejecting[addr] = true
	}
	m.contracts = make(map[common.Address]bool, len(snap.Contracts))
	for _, addr := range snap.Contracts {
		m.contracts[addr] = true
	}
}

func copyBalances(in map[common.Address]*big.Int) map[common.Address]*big.Int {
	out := make(map[common.Address]*big.Int, len(in))
	for k, v := range in {
		out[k] = new(big.Int).Set(v)
	}
	return out
}
