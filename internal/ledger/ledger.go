// Package ledger tracks claimable protocol fees and rewards, kept apart from
// the collateral escrowed by open reports.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NativeToken is the pseudo token address used for native balances in views
var NativeToken = common.Address{}

// ErrNothingToWithdraw is returned when the caller has no balance for the asset
var ErrNothingToWithdraw = errors.New("nothing to withdraw")

// TokenPayer delivers token to recipient and reports whether it arrived
type TokenPayer func(ctx context.Context, token, to common.Address, amount *big.Int) bool

// NativePayer delivers native value to recipient and reports whether it arrived
type NativePayer func(ctx context.Context, to common.Address, amount *big.Int) bool

// Withdrawal describes the outcome of a withdrawal attempt
type Withdrawal struct {
	Owner     common.Address `json:"owner"`
	Token     common.Address `json:"token"`
	Native    bool           `json:"native"`
	Amount    *big.Int       `json:"amount"`
	Delivered bool           `json:"delivered"`
}

// Ledger holds per-(recipient, token) and per-recipient native balances
type Ledger struct {
	mu     sync.RWMutex
	tokens map[common.Address]map[common.Address]*big.Int // owner -> token -> amount
	native map[common.Address]*big.Int
}

// New creates an empty ledger
func New() *Ledger {
	return &Ledger{
		tokens: make(map[common.Address]map[common.Address]*big.Int),
		native: make(map[common.Address]*big.Int),
	}
}

// CreditToken adds amount of token to recipient's balance
func (l *Ledger) CreditToken(recipient, token common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditTokenLocked(recipient, token, amount)
}

func (l *Ledger) creditTokenLocked(recipient, token common.Address, amount *big.Int) {
	byToken, ok := l.tokens[recipient]
	if !ok {
		byToken = make(map[common.Address]*big.Int)
		l.tokens[recipient] = byToken
	}
	bal, ok := byToken[token]
	if !ok {
		bal = new(big.Int)
		byToken[token] = bal
	}
	bal.Add(bal, amount)
}

// CreditNative adds amount to recipient's native balance
func (l *Ledger) CreditNative(recipient common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditNativeLocked(recipient, amount)
}

func (l *Ledger) creditNativeLocked(recipient common.Address, amount *big.Int) {
	bal, ok := l.native[recipient]
	if !ok {
		bal = new(big.Int)
		l.native[recipient] = bal
	}
	bal.Add(bal, amount)
}

// TokenBalance returns recipient's claimable balance of token
func (l *Ledger) TokenBalance(recipient, token common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.tokens[recipient][token]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// NativeBalance returns recipient's claimable native balance
func (l *Ledger) NativeBalance(recipient common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if bal, ok := l.native[recipient]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Balances is a view of everything one owner can claim
type Balances struct {
	Owner  common.Address              `json:"owner"`
	Native *big.Int                    `json:"native"`
	Tokens map[common.Address]*big.Int `json:"tokens"`
}

// Balances returns all non-zero balances of owner
func (l *Ledger) Balances(owner common.Address) Balances {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := Balances{
		Owner:  owner,
		Native: new(big.Int),
		Tokens: make(map[common.Address]*big.Int),
	}
	if bal, ok := l.native[owner]; ok {
		out.Native.Set(bal)
	}
	for token, bal := range l.tokens[owner] {
		if bal.Sign() > 0 {
			out.Tokens[token] = new(big.Int).Set(bal)
		}
	}
	return out
}

// TotalToken returns the sum of all claimable balances of token
func (l *Ledger) TotalToken(token common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(big.Int)
	for _, byToken := range l.tokens {
		if bal, ok := byToken[token]; ok {
			total.Add(total, bal)
		}
	}
	return total
}

// TotalNative returns the sum of all claimable native balances
func (l *Ledger) TotalNative() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := new(big.Int)
	for _, bal := range l.native {
		total.Add(total, bal)
	}
	return total
}

// WithdrawToken zeroes owner's token balance, then pays it out. If the
// payment fails the balance is credited back and Delivered is false.
func (l *Ledger) WithdrawToken(ctx context.Context, owner, token common.Address, pay TokenPayer) (Withdrawal, error) {
	l.mu.Lock()
	bal, ok := l.tokens[owner][token]
	if !ok || bal.Sign() == 0 {
		l.mu.Unlock()
		return Withdrawal{}, ErrNothingToWithdraw
	}
	amount := new(big.Int).Set(bal)
	delete(l.tokens[owner], token)
	l.mu.Unlock()

	w := Withdrawal{Owner: owner, Token: token, Amount: amount}
	w.Delivered = pay(ctx, token, owner, amount)
	if !w.Delivered {
		l.CreditToken(owner, token, amount)
	}
	return w, nil
}

// WithdrawNative zeroes owner's native balance, then pays it out. If the
// payment fails the balance is credited back and Delivered is false.
func (l *Ledger) WithdrawNative(ctx context.Context, owner common.Address, pay NativePayer) (Withdrawal, error) {
	l.mu.Lock()
	bal, ok := l.native[owner]
	if !ok || bal.Sign() == 0 {
		l.mu.Unlock()
		return Withdrawal{}, ErrNothingToWithdraw
	}
	amount := new(big.Int).Set(bal)
	delete(l.native, owner)
	l.mu.Unlock()

	w := Withdrawal{Owner: owner, Token: NativeToken, Native: true, Amount: amount}
	w.Delivered = pay(ctx, owner, amount)
	if !w.Delivered {
		l.CreditNative(owner, amount)
	}
	return w, nil
}

// Entry is one serialized ledger balance
type Entry struct {
	Owner  common.Address `json:"owner"`
	Token  common.Address `json:"token"`
	Native bool           `json:"native,omitempty"`
	Amount *big.Int       `json:"amount"`
}

// Snapshot returns all non-zero balances in a stable order
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Entry
	for owner, bal := range l.native {
		if bal.Sign() > 0 {
			out = append(out, Entry{Owner: owner, Native: true, Amount: new(big.Int).Set(bal)})
		}
	}
	for owner, byToken := range l.tokens {
		for token, bal := range byToken {
			if bal.Sign() > 0 {
				out = append(out, Entry{Owner: owner, Token: token, Amount: new(big.Int).Set(bal)})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Owner.Cmp(out[j].Owner); c != 0 {
			return c < 0
		}
		if out[i].Native != out[j].Native {
			return out[i].Native
		}
		return out[i].Token.Cmp(out[j].Token) < 0
	})
	return out
}

// Restore replaces the ledger contents with a snapshot
func (l *Ledger) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens = make(map[common.Address]map[common.Address]*big.Int)
	l.native = make(map[common.Address]*big.Int)
	for _, e := range entries {
		if e.Amount == nil || e.Amount.Sign() <= 0 {
			continue
		}
		if e.Native {
			l.creditNativeLocked(e.Owner, e.Amount)
		} else {
			l.creditTokenLocked(e.Owner, e.Token, e.Amount)
		}
	}
}
