package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000000")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000000")
	tokA  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	tokB  = common.HexToAddress("0x1000000000000000000000000000000000000002")
)

func TestCreditIsAdditive(t *testing.T) {
	l := New()
	l.CreditToken(alice, tokA, big.NewInt(10))
	l.CreditToken(alice, tokA, big.NewInt(5))
	l.CreditToken(alice, tokB, big.NewInt(1))
	l.CreditToken(bob, tokA, big.NewInt(7))
	l.CreditNative(alice, big.NewInt(100))
	l.CreditNative(alice, big.NewInt(1))

	// zero and negative credits are ignored
	l.CreditToken(alice, tokA, big.NewInt(0))
	l.CreditNative(alice, big.NewInt(-5))
	l.CreditNative(alice, nil)

	if got := l.TokenBalance(alice, tokA); got.Int64() != 15 {
		t.Errorf("alice tokA = %s, want 15", got)
	}
	if got := l.NativeBalance(alice); got.Int64() != 101 {
		t.Errorf("alice native = %s, want 101", got)
	}
	if got := l.TotalToken(tokA); got.Int64() != 22 {
		t.Errorf("total tokA = %s, want 22", got)
	}
	if got := l.TotalNative(); got.Int64() != 101 {
		t.Errorf("total native = %s, want 101", got)
	}

	b := l.Balances(alice)
	if len(b.Tokens) != 2 || b.Native.Int64() != 101 {
		t.Errorf("Balances = %+v", b)
	}
}

func TestBalanceReturnsCopy(t *testing.T) {
	l := New()
	l.CreditToken(alice, tokA, big.NewInt(10))
	got := l.TokenBalance(alice, tokA)
	got.SetInt64(0)
	if l.TokenBalance(alice, tokA).Int64() != 10 {
		t.Error("balance mutated through returned value")
	}
}

func TestWithdrawToken(t *testing.T) {
	l := New()
	l.CreditToken(alice, tokA, big.NewInt(42))

	var paid *big.Int
	w, err := l.WithdrawToken(context.Background(), alice, tokA, func(_ context.Context, token, to common.Address, amount *big.Int) bool {
		if token != tokA || to != alice {
			t.Errorf("unexpected payout %s -> %s", token.Hex(), to.Hex())
		}
		paid = amount
		return true
	})
	if err != nil {
		t.Fatalf("WithdrawToken failed: %v", err)
	}
	if !w.Delivered || w.Amount.Int64() != 42 || paid.Int64() != 42 {
		t.Errorf("withdrawal = %+v, paid %v", w, paid)
	}
	if l.TokenBalance(alice, tokA).Sign() != 0 {
		t.Error("balance not zeroed after withdrawal")
	}

	if _, err := l.WithdrawToken(context.Background(), alice, tokA, nil); !errors.Is(err, ErrNothingToWithdraw) {
		t.Errorf("second withdrawal err = %v, want ErrNothingToWithdraw", err)
	}
}

func TestWithdrawTokenFailureRecredits(t *testing.T) {
	l := New()
	l.CreditToken(alice, tokA, big.NewInt(42))

	w, err := l.WithdrawToken(context.Background(), alice, tokA, func(context.Context, common.Address, common.Address, *big.Int) bool {
		return false
	})
	if err != nil {
		t.Fatalf("WithdrawToken failed: %v", err)
	}
	if w.Delivered {
		t.Error("expected Delivered=false")
	}
	if got := l.TokenBalance(alice, tokA); got.Int64() != 42 {
		t.Errorf("balance after failed payout = %s, want 42", got)
	}
}

func TestWithdrawZeroesBeforePaying(t *testing.T) {
	l := New()
	l.CreditNative(alice, big.NewInt(9))

	var nestedErr error
	w, err := l.WithdrawNative(context.Background(), alice, func(ctx context.Context, to common.Address, amount *big.Int) bool {
		// a payee re-entering the withdrawal sees an empty balance
		_, nestedErr = l.WithdrawNative(ctx, alice, func(context.Context, common.Address, *big.Int) bool { return true })
		return true
	})
	if err != nil {
		t.Fatalf("WithdrawNative failed: %v", err)
	}
	if !errors.Is(nestedErr, ErrNothingToWithdraw) {
		t.Errorf("nested withdrawal err = %v, want ErrNothingToWithdraw", nestedErr)
	}
	if !w.Native || w.Amount.Int64() != 9 {
		t.Errorf("withdrawal = %+v", w)
	}
}

func TestWithdrawNativeFailureRecredits(t *testing.T) {
	l := New()
	l.CreditNative(bob, big.NewInt(3))
	w, err := l.WithdrawNative(context.Background(), bob, func(context.Context, common.Address, *big.Int) bool { return false })
	if err != nil {
		t.Fatalf("WithdrawNative failed: %v", err)
	}
	if w.Delivered || l.NativeBalance(bob).Int64() != 3 {
		t.Errorf("failed native payout not re-credited: %+v, balance %s", w, l.NativeBalance(bob))
	}
}

func TestSnapshotRestore(t *testing.T) {
	l := New()
	l.CreditToken(alice, tokA, big.NewInt(1))
	l.CreditToken(bob, tokB, big.NewInt(2))
	l.CreditNative(bob, big.NewInt(3))

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}

	r := New()
	r.Restore(snap)
	if r.TokenBalance(alice, tokA).Int64() != 1 || r.TokenBalance(bob, tokB).Int64() != 2 || r.NativeBalance(bob).Int64() != 3 {
		t.Errorf("restored balances mismatch: %+v", r.Snapshot())
	}
}
