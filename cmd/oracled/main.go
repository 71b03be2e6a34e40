package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/moltbunker/bondoracle/internal/api"
	"github.com/moltbunker/bondoracle/internal/config"
	"github.com/moltbunker/bondoracle/internal/daemon"
	"github.com/moltbunker/bondoracle/internal/logging"
)

// Set by -ldflags at build time
var version = "dev"

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "Path to config file")
	listen := flag.String("listen", "", "Override api.listen_addr")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("oracled", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.API.ListenAddr = *listen
	}

	// Set up logging
	if cfg.Daemon.LogFormat == "json" {
		logging.SetOutput(os.Stdout)
	} else {
		logging.SetTextOutput(os.Stdout)
	}
	if level, err := logging.ParseLevel(cfg.Daemon.LogLevel); err == nil {
		logging.SetLevel(level)
	}
	if cfg.Daemon.Redact {
		logging.EnableRedaction()
	}
	api.Version = version

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	node, err := daemon.NewNodeWithConfig(ctx, cfg)
	if err != nil {
		logging.Error("failed to create node", logging.Err(err))
		os.Exit(1)
	}
	node.SetConfigPath(*configPath)

	if err := node.Start(ctx); err != nil {
		logging.Error("failed to start node", logging.Err(err))
		node.Close()
		os.Exit(1)
	}

	logging.Info("bond oracle started",
		"version", version,
		"addr", node.API().Addr().String(),
		"mode", cfg.Host.Mode,
		logging.Component("oracled"))

	// Wait for shutdown signal
	sig := <-sigCh
	logging.Info("shutting down", "signal", sig.String(), logging.Component("oracled"))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := node.Shutdown(shutdownCtx); err != nil {
		logging.Error("error during shutdown", logging.Err(err), logging.Component("oracled"))
		os.Exit(1)
	}
	logging.Info("shutdown complete", logging.Component("oracled"))
}
