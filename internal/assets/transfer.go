// Package assets moves tokens and native value on behalf of the oracle's
// custody account.
package assets

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/logging"
)

// ErrTransferFailed is returned by Pull when a token refuses the transfer
var ErrTransferFailed = errors.New("token transfer failed")

// Backend is the token surface of the execution host. Token calls return the
// raw return data of the call, an error means the call reverted.
type Backend interface {
	// HasCode reports whether a contract is deployed at addr
	HasCode(ctx context.Context, addr common.Address) (bool, error)

	// Transfer calls token.transfer(to, amount) as from
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) ([]byte, error)

	// TransferFrom calls token.transferFrom(from, to, amount) as spender
	TransferFrom(ctx context.Context, token, spender, from, to common.Address, amount *big.Int) ([]byte, error)

	// TransferNative sends native value with a gas allowance for the receiver
	TransferNative(ctx context.Context, from, to common.Address, amount *big.Int, gas uint64) error
}

var boolResult = abi.Arguments{{Type: mustType("bool")}}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("assets: invalid abi type %q: %v", t, err))
	}
	return typ
}

// EncodeBool encodes a bool return value the way a standard token does
func EncodeBool(v bool) []byte {
	out, _ := boolResult.Pack(v)
	return out
}

// Transferor performs safe transfers out of and into the custody account
type Transferor struct {
	backend Backend
	custody common.Address
}

// NewTransferor creates a transferor acting for the custody account
func NewTransferor(backend Backend, custody common.Address) *Transferor {
	return &Transferor{backend: backend, custody: custody}
}

// Custody returns the custody account address
func (t *Transferor) Custody() common.Address {
	return t.custody
}

// Backend returns the underlying backend
func (t *Transferor) Backend() Backend {
	return t.backend
}

// Pull moves amount of token from an approving account into custody. Any
// failure, including a false return value, is an error.
func (t *Transferor) Pull(ctx context.Context, token, from common.Address, amount *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	ret, err := t.backend.TransferFrom(ctx, token, t.custody, from, t.custody, amount)
	if err != nil {
		return fmt.Errorf("%w: pull %s of %s from %s: %v", ErrTransferFailed, amount, token.Hex(), from.Hex(), err)
	}
	if !t.succeeded(ctx, token, ret) {
		return fmt.Errorf("%w: pull %s of %s from %s rejected", ErrTransferFailed, amount, token.Hex(), from.Hex())
	}
	return nil
}

// Push moves amount of token out of custody and reports whether it arrived.
// It never returns an error, callers credit the ledger on false.
func (t *Transferor) Push(ctx context.Context, token, to common.Address, amount *big.Int) bool {
	if amount.Sign() == 0 {
		return true
	}
	ret, err := t.backend.Transfer(ctx, token, t.custody, to, amount)
	if err != nil {
		logging.WarnContext(ctx, "token push reverted",
			logging.Address("token", token),
			logging.Address("to", to),
			logging.Amount("amount", amount),
			logging.Err(err))
		return false
	}
	if !t.succeeded(ctx, token, ret) {
		logging.WarnContext(ctx, "token push rejected",
			logging.Address("token", token),
			logging.Address("to", to),
			logging.Amount("amount", amount))
		return false
	}
	return true
}

// PushNative sends native value out of custody and reports whether it arrived
func (t *Transferor) PushNative(ctx context.Context, to common.Address, amount *big.Int, gas uint64) bool {
	if amount.Sign() == 0 {
		return true
	}
	if err := t.backend.TransferNative(ctx, t.custody, to, amount, gas); err != nil {
		logging.WarnContext(ctx, "native push failed",
			logging.Address("to", to),
			logging.Amount("amount", amount),
			logging.Err(err))
		return false
	}
	return true
}

// succeeded decodes a token call's return data. No data counts as success
// only when the token has code; otherwise the data must decode to true.
func (t *Transferor) succeeded(ctx context.Context, token common.Address, ret []byte) bool {
	if len(ret) == 0 {
		ok, err := t.backend.HasCode(ctx, token)
		return err == nil && ok
	}
	vals, err := boolResult.Unpack(ret)
	if err != nil || len(vals) != 1 {
		return false
	}
	v, ok := vals[0].(bool)
	return ok && v
}
