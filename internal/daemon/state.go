package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/moltbunker/bondoracle/internal/logging"
)

// SaveState writes a snapshot of the host to the state store. It is a no-op
// when persistence is disabled.
func (n *Node) SaveState() error {
	if n.store == nil {
		return nil
	}
	state := n.host.Snapshot()
	if err := n.store.Save(state); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	logging.Debug("state saved",
		logging.Component("node"),
		"reports", len(state.Reports),
		"path", n.store.Path())
	return nil
}

// saveLoop snapshots the host every interval until ctx ends. Failed saves
// are logged and retried on the next tick.
func (n *Node) saveLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.SaveState(); err != nil {
				logging.Warn("periodic state save failed", logging.Component("node"), logging.Err(err))
			}
		}
	}
}
