package host

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/moltbunker/bondoracle/internal/util"
	"github.com/moltbunker/bondoracle/pkg/types"
)

func TestDevClock(t *testing.T) {
	c := NewDevClock(types.Instant{Timestamp: 1000, Block: 10}, 12)

	at, err := c.Now(context.Background())
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if at.Block != 11 || at.Timestamp != 1012 {
		t.Errorf("first block: %+v", at)
	}
	if c.Peek() != at {
		t.Error("Peek must not mine")
	}

	at = c.Advance(3600, 300)
	if at.Block != 311 || at.Timestamp != 4612 {
		t.Errorf("after advance: %+v", at)
	}

	c.Set(types.Instant{Timestamp: 5, Block: 1})
	if c.Peek().Block != 1 {
		t.Errorf("Set: %+v", c.Peek())
	}
}

type fakeHeaders struct {
	mu       sync.Mutex
	failures int
	calls    int
	number   int64
	time     uint64
}

func (f *fakeHeaders) HeaderByNumber(_ context.Context, number *big.Int) (*gethtypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if number != nil {
		return nil, errors.New("only the head is served")
	}
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection reset")
	}
	return &gethtypes.Header{Number: big.NewInt(f.number), Time: f.time}, nil
}

func fastRetry() *util.RetryConfig {
	return &util.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestChainClock_ReadsHead(t *testing.T) {
	f := &fakeHeaders{number: 19_000_000, time: 1_700_000_000, failures: 2}
	c := NewChainClock(f, fastRetry())

	at, err := c.Now(context.Background())
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if at.Block != 19_000_000 || at.Timestamp != 1_700_000_000 {
		t.Errorf("instant: %+v", at)
	}
	if f.calls != 3 {
		t.Errorf("expected 2 retries, got %d calls", f.calls)
	}
	c.Close()
}

func TestChainClock_GivesUp(t *testing.T) {
	f := &fakeHeaders{failures: 100}
	c := NewChainClock(f, fastRetry())
	if _, err := c.Now(context.Background()); err == nil {
		t.Fatal("expected an error after retries")
	}
	if f.calls != 4 {
		t.Errorf("calls: %d", f.calls)
	}
}
