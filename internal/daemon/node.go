package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/bondoracle/internal/api"
	"github.com/moltbunker/bondoracle/internal/assets"
	"github.com/moltbunker/bondoracle/internal/callback"
	"github.com/moltbunker/bondoracle/internal/config"
	"github.com/moltbunker/bondoracle/internal/events"
	"github.com/moltbunker/bondoracle/internal/host"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/metrics"
	"github.com/moltbunker/bondoracle/internal/store"
	"github.com/moltbunker/bondoracle/internal/util"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// Node runs one oracle: the host, its API server and the background workers
// that persist state and follow config changes.
type Node struct {
	cfg        *config.Config
	configPath string
	host       *host.Host
	store      *store.Store
	metrics    *metrics.PrometheusCollector
	api        *api.Server
	chainClock *host.ChainClock
	contracts  map[common.Address]*callback.Recorder

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	workers []<-chan struct{}
}

// NewNodeWithConfig builds a node from configuration. Persisted state is
// restored before configured tokens and contracts are deployed, so a restart
// keeps balances and only refreshes token kinds.
func NewNodeWithConfig(ctx context.Context, cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	engineCfg, err := cfg.Oracle.Engine()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		contracts: make(map[common.Address]*callback.Recorder),
	}

	var clock host.Clock
	if cfg.IsDevnet() {
		clock = host.NewDevClock(types.Instant{Timestamp: cfg.Host.Genesis()}, cfg.Host.BlockTime)
	} else {
		retry := cfg.Chain.Retry
		n.chainClock, err = host.DialChainClock(ctx, cfg.Chain.RPCURL, &retry)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to chain: %w", err)
		}
		clock = n.chainClock
	}

	n.host, err = host.New(host.Options{
		Config:  cfg.Host.HostSettings(),
		Engine:  engineCfg,
		Backend: assets.NewMemoryBackend(),
		Clock:   clock,
		Bus:     events.NewBus(cfg.API.EventBuffer),
	})
	if err != nil {
		n.closeChain()
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	if cfg.Store.Enabled {
		n.store, err = store.New(cfg.Store.StoreSettings())
		if err != nil {
			n.closeChain()
			return nil, fmt.Errorf("failed to create state store: %w", err)
		}
		state, found, err := n.store.Load()
		if err != nil {
			n.closeChain()
			return nil, fmt.Errorf("failed to load state: %w", err)
		}
		if found {
			n.host.Restore(state)
		}
	}

	if err := n.deployWorld(); err != nil {
		n.closeChain()
		return nil, err
	}

	if cfg.API.MetricsEnabled {
		n.metrics = metrics.NewPrometheusCollector(metrics.NewCollector())
	}
	n.api = api.NewServer(cfg.API, n.host, n.metrics)

	logging.Info("node created",
		logging.Component("node"),
		"mode", cfg.Host.Mode,
		"store", cfg.Store.Enabled,
		"tokens", len(cfg.Host.Tokens),
		"contracts", len(cfg.Host.Contracts))
	return n, nil
}

// deployWorld places configured tokens and callback consumers
func (n *Node) deployWorld() error {
	for _, tc := range n.cfg.Host.Tokens {
		if err := n.host.DeployToken(common.HexToAddress(tc.Address), assets.TokenKind(tc.Kind)); err != nil {
			return fmt.Errorf("failed to deploy token %s: %w", tc.Address, err)
		}
	}
	for _, cc := range n.cfg.Host.Contracts {
		addr := common.HexToAddress(cc.Address)
		rec := callback.NewRecorder(addr, cc.GasCost)
		rec.SetFail(cc.Fail)
		n.host.DeployContract(addr, rec)
		n.contracts[addr] = rec
	}
	return nil
}

// SetConfigPath enables config reloads from path when the daemon section
// asks for them
func (n *Node) SetConfigPath(path string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.configPath = path
}

// Start starts the API server and background workers
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return fmt.Errorf("node already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if n.metrics != nil {
		n.workers = append(n.workers, n.metrics.Consume(ctx, n.host.Bus()))
	}

	if err := n.api.Start(ctx); err != nil {
		cancel()
		n.waitWorkers()
		return fmt.Errorf("failed to start API server: %w", err)
	}

	if n.store != nil && n.cfg.Store.SaveIntervalSecs > 0 {
		interval := time.Duration(n.cfg.Store.SaveIntervalSecs) * time.Second
		n.workers = append(n.workers, util.GoWithDone("state-saver", func() {
			n.saveLoop(ctx, interval)
		}))
	}

	if n.cfg.Daemon.WatchConfig && n.configPath != "" {
		done, err := config.Watch(ctx, n.configPath, config.ApplyLogLevel)
		if err != nil {
			logging.Warn("config reload disabled", logging.Component("node"), logging.Err(err))
		} else {
			n.workers = append(n.workers, done)
		}
	}

	n.running = true
	logging.Info("node started",
		logging.Component("node"),
		"addr", n.api.Addr().String(),
		"devnet", n.host.IsDevnet())
	return nil
}

// waitWorkers blocks until every background worker has exited.
// Callers hold n.mu.
func (n *Node) waitWorkers() {
	for _, done := range n.workers {
		<-done
	}
	n.workers = nil
}

// Close stops the node and writes a final snapshot. A node that was never
// started only releases its resources.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		n.api.Stop(context.Background())
		n.closeChain()
		return nil
	}
	n.running = false

	var errs []error

	// Stop accepting requests before the final snapshot
	logging.Info("stopping API server", logging.Component("node"))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := n.api.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop API server: %w", err))
	}
	stopCancel()

	n.cancel()
	n.waitWorkers()

	if err := n.SaveState(); err != nil {
		errs = append(errs, err)
	}

	n.closeChain()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// Shutdown closes the node, giving up when ctx ends
func (n *Node) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)

	util.SafeGoWithName("node-shutdown", func() {
		done <- n.Close()
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (n *Node) closeChain() {
	if n.chainClock != nil {
		n.chainClock.Close()
		n.chainClock = nil
	}
}

// Host returns the node's host
func (n *Node) Host() *host.Host {
	return n.host
}

// API returns the node's API server
func (n *Node) API() *api.Server {
	return n.api
}

// Contract returns the callback consumer deployed at addr from config
func (n *Node) Contract(addr common.Address) (*callback.Recorder, bool) {
	rec, ok := n.contracts[addr]
	return rec, ok
}

// IsRunning returns whether the node is running
func (n *Node) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}
