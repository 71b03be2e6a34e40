package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	cfg := DefaultConfig()
	cfg.Daemon.DataDir = dir
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan *Config, 4)
	done, err := Watch(ctx, path, func(c *Config) { changes <- c })
	if err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer func() {
		cancel()
		<-done
	}()

	// An invalid edit is skipped
	if err := os.WriteFile(path, []byte("host:\n  mode: nowhere\n"), 0600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(3 * reloadDebounce)

	cfg.Daemon.LogLevel = "debug"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-changes:
		if got.Daemon.LogLevel != "debug" {
			t.Errorf("expected reloaded log level debug, got %s", got.Daemon.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatchMissingDirectory(t *testing.T) {
	_, err := Watch(context.Background(), "/nonexistent/dir/config.yaml", func(*Config) {})
	if err == nil {
		t.Error("expected an error watching a missing directory")
	}
}
