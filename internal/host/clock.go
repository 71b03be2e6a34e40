package host

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/util"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// Clock supplies the timestamp and block number for each host call
type Clock interface {
	Now(ctx context.Context) (types.Instant, error)
}

// DevClock is a deterministic devnet chain. Every call to Now mines one
// block; Advance jumps forward without a call.
type DevClock struct {
	mu        sync.Mutex
	now       types.Instant
	blockTime uint64
}

// NewDevClock starts a devnet clock at start. blockTime is the number of
// seconds each mined block adds; zero keeps timestamps fixed between advances.
func NewDevClock(start types.Instant, blockTime uint64) *DevClock {
	return &DevClock{now: start, blockTime: blockTime}
}

// Now mines a block and returns its instant
func (c *DevClock) Now(context.Context) (types.Instant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now.Block++
	c.now.Timestamp += c.blockTime
	return c.now, nil
}

// Peek returns the latest mined instant without mining
func (c *DevClock) Peek() types.Instant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the chain forward by seconds and blocks
func (c *DevClock) Advance(seconds, blocks uint64) types.Instant {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now.Timestamp += seconds
	c.now.Block += blocks
	return c.now
}

// Set replaces the current instant, used when restoring a snapshot
func (c *DevClock) Set(at types.Instant) {
	c.mu.Lock()
	c.now = at
	c.mu.Unlock()
}

// HeaderReader is the part of an RPC client the chain clock needs
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
}

// ChainClock follows the head of a real chain
type ChainClock struct {
	reader HeaderReader
	retry  *util.RetryConfig
	closer func()
}

// NewChainClock reads instants from reader
func NewChainClock(reader HeaderReader, retry *util.RetryConfig) *ChainClock {
	if retry == nil {
		retry = util.DefaultRetryConfig()
	}
	return &ChainClock{reader: reader, retry: retry}
}

// DialChainClock connects to an RPC endpoint and follows its head
func DialChainClock(ctx context.Context, rpcURL string, retry *util.RetryConfig) (*ChainClock, error) {
	if retry == nil {
		retry = util.DefaultRetryConfig()
	}
	client, result := util.RetryWithValue(ctx, retry, func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, rpcURL)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to connect to chain RPC: %w", result.LastError)
	}
	logging.Info("chain clock connected", "rpc_url", rpcURL, "attempts", result.Attempts)

	c := NewChainClock(client, retry)
	c.closer = client.Close
	return c, nil
}

// Now returns the latest header's timestamp and number
func (c *ChainClock) Now(ctx context.Context) (types.Instant, error) {
	header, result := util.RetryWithValue(ctx, c.retry, func() (*gethtypes.Header, error) {
		return c.reader.HeaderByNumber(ctx, nil)
	})
	if result.LastError != nil {
		return types.Instant{}, fmt.Errorf("failed to read chain head: %w", result.LastError)
	}
	if header == nil || header.Number == nil {
		return types.Instant{}, fmt.Errorf("chain returned an empty head")
	}
	return types.Instant{Timestamp: header.Time, Block: header.Number.Uint64()}, nil
}

// Close releases the RPC connection if the clock dialed it
func (c *ChainClock) Close() {
	if c.closer != nil {
		c.closer()
	}
}
