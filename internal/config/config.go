package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/moltbunker/bondoracle/internal/assets"
	"github.com/moltbunker/bondoracle/internal/host"
	"github.com/moltbunker/bondoracle/internal/logging"
	"github.com/moltbunker/bondoracle/internal/oracle"
	"github.com/moltbunker/bondoracle/internal/store"
	"github.com/moltbunker/bondoracle/internal/util"
)

// Host modes
const (
	ModeDevnet = "devnet"
	ModeChain  = "chain"
)

// Config represents the complete daemon configuration
type Config struct {
	Daemon DaemonConfig `yaml:"daemon"`
	API    APIConfig    `yaml:"api"`
	Host   HostConfig   `yaml:"host"`
	Oracle OracleConfig `yaml:"oracle"`
	Chain  ChainConfig  `yaml:"chain"`
	Store  StoreConfig  `yaml:"store"`
}

// DaemonConfig contains daemon settings
type DaemonConfig struct {
	DataDir     string `yaml:"data_dir"`
	KeystoreDir string `yaml:"keystore_dir"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // "json" or "text"
	// Redact scrubs secrets from log output
	Redact bool `yaml:"redact"`
	// WatchConfig reloads the log level when the config file changes
	WatchConfig bool `yaml:"watch_config"`
}

// APIConfig contains API server settings
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// Auth
	RequireAuth        bool `yaml:"require_auth"`          // Verify EIP-191 signed caller headers
	AuthMaxSkewSecs    int  `yaml:"auth_max_skew_secs"`    // Max signature age (default: 300)
	AllowCallerHeader  bool `yaml:"allow_caller_header"`   // Accept X-Caller when auth is off
	EnableDevnetRoutes bool `yaml:"enable_devnet_routes"`  // Mount /v1/devnet/*

	// Rate limiting
	RateLimitRequests   int `yaml:"rate_limit_requests"`    // Max requests per window (default: 100)
	RateLimitWindowSecs int `yaml:"rate_limit_window_secs"` // Window duration in seconds (default: 60)
	RateLimitBurst      int `yaml:"rate_limit_burst"`       // Token bucket burst (default: 20)

	MaxRequestSize int `yaml:"max_request_size"` // Max request body size in bytes (default: 1MB)

	// Timeouts
	ReadTimeoutSecs  int `yaml:"read_timeout_secs"`  // Read timeout (default: 30)
	WriteTimeoutSecs int `yaml:"write_timeout_secs"` // Write timeout (default: 30)
	IdleTimeoutSecs  int `yaml:"idle_timeout_secs"`  // Idle connection timeout (default: 120)

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// Event stream
	EventBuffer    int `yaml:"event_buffer"`     // Per-subscriber buffer (default: 64)
	MaxSubscribers int `yaml:"max_subscribers"`  // Websocket subscriber cap (default: 100)
}

// DefaultAPIConfig returns the default API configuration
func DefaultAPIConfig() APIConfig {
	return APIConfig{
		ListenAddr:          "127.0.0.1:7420",
		RequireAuth:         false,
		AuthMaxSkewSecs:     300,
		AllowCallerHeader:   true,
		EnableDevnetRoutes:  true,
		RateLimitRequests:   100,
		RateLimitWindowSecs: 60,
		RateLimitBurst:      20,
		MaxRequestSize:      1 << 20,
		ReadTimeoutSecs:     30,
		WriteTimeoutSecs:    30,
		IdleTimeoutSecs:     120,
		MetricsEnabled:      true,
		EventBuffer:         64,
		MaxSubscribers:      100,
	}
}

// TokenConfig deploys a devnet token at startup
type TokenConfig struct {
	Address string `yaml:"address"`
	Kind    string `yaml:"kind"`
}

// ContractConfig deploys a devnet settlement consumer at startup
type ContractConfig struct {
	Address string `yaml:"address"`
	GasCost uint64 `yaml:"gas_cost"`
	Fail    bool   `yaml:"fail"`
}

// HostConfig contains execution environment settings
type HostConfig struct {
	Mode      string `yaml:"mode"` // devnet or chain
	GasLimit  uint64 `yaml:"gas_limit"`
	BlockTime uint64 `yaml:"block_time"`
	Custody   string `yaml:"custody"`
	// GenesisTimestamp seeds the devnet clock, 0 for the wall clock
	GenesisTimestamp uint64 `yaml:"genesis_timestamp"`

	Tokens    []TokenConfig    `yaml:"tokens"`
	Contracts []ContractConfig `yaml:"contracts"`
}

// OracleConfig contains engine tunables
type OracleConfig struct {
	// MinValue is the decimal wei floor the creation value must exceed
	MinValue         string `yaml:"min_value"`
	NativeGasStipend uint64 `yaml:"native_gas_stipend"`
}

// ChainConfig contains settings for following a real chain
type ChainConfig struct {
	RPCURL string           `yaml:"rpc_url"`
	Retry  util.RetryConfig `yaml:"retry"`
}

// StoreConfig contains persistence settings
type StoreConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Path             string `yaml:"path"`
	Compress         bool   `yaml:"compress"`
	CompressionLevel int    `yaml:"compression_level"`
	SaveIntervalSecs int    `yaml:"save_interval_secs"` // 0 saves on shutdown only
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".bondoracle")
	hostDefaults := host.DefaultConfig()
	oracleDefaults := oracle.DefaultConfig()

	return &Config{
		Daemon: DaemonConfig{
			DataDir:     dataDir,
			KeystoreDir: filepath.Join(dataDir, "keystore"),
			LogLevel:    "info",
			LogFormat:   "json",
			Redact:      true,
			WatchConfig: true,
		},
		API: DefaultAPIConfig(),
		Host: HostConfig{
			Mode:      ModeDevnet,
			GasLimit:  hostDefaults.GasLimit,
			BlockTime: hostDefaults.BlockTime,
			Custody:   hostDefaults.Custody.Hex(),
		},
		Oracle: OracleConfig{
			MinValue:         oracleDefaults.MinValue.String(),
			NativeGasStipend: oracleDefaults.NativeGasStipend,
		},
		Chain: ChainConfig{
			Retry: *util.DefaultRetryConfig(),
		},
		Store: StoreConfig{
			Enabled:          true,
			Path:             filepath.Join(dataDir, "state", "oracle.json.gz"),
			Compress:         true,
			SaveIntervalSecs: 60,
		},
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Daemon.LogLevel); err != nil {
		return err
	}
	if c.Daemon.LogFormat != "json" && c.Daemon.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s", c.Daemon.LogFormat)
	}

	if c.API.ListenAddr == "" {
		return fmt.Errorf("api.listen_addr is required")
	}
	if c.API.RateLimitRequests < 0 || c.API.RateLimitWindowSecs < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	if c.API.RequireAuth && c.API.AuthMaxSkewSecs <= 0 {
		return fmt.Errorf("auth_max_skew_secs must be positive when require_auth is set")
	}

	switch c.Host.Mode {
	case ModeDevnet:
		for _, tok := range c.Host.Tokens {
			if err := validateEthAddress("host.tokens.address", tok.Address); err != nil {
				return err
			}
			if !assets.TokenKind(tok.Kind).IsValid() {
				return fmt.Errorf("invalid token kind %q for %s", tok.Kind, tok.Address)
			}
		}
		for _, ct := range c.Host.Contracts {
			if err := validateEthAddress("host.contracts.address", ct.Address); err != nil {
				return err
			}
		}
	case ModeChain:
		if c.Chain.RPCURL == "" {
			return fmt.Errorf("chain.rpc_url is required in chain mode")
		}
		if c.API.EnableDevnetRoutes {
			return fmt.Errorf("devnet routes cannot be enabled in chain mode")
		}
	default:
		return fmt.Errorf("invalid host mode: %s", c.Host.Mode)
	}
	if c.Host.GasLimit == 0 {
		return fmt.Errorf("host.gas_limit must be positive")
	}
	if err := validateEthAddress("host.custody", c.Host.Custody); err != nil {
		return err
	}

	if _, err := c.Oracle.Engine(); err != nil {
		return err
	}

	if c.Store.Enabled {
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required when the store is enabled")
		}
		if c.Store.CompressionLevel < -2 || c.Store.CompressionLevel > 9 {
			return fmt.Errorf("invalid store.compression_level: %d", c.Store.CompressionLevel)
		}
	}

	return nil
}

// validateEthAddress checks that an Ethereum address is 0x-prefixed, 40 hex chars, and non-zero.
func validateEthAddress(name, addr string) error {
	if addr == "" {
		return fmt.Errorf("%s is required", name)
	}
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%s must start with 0x, got %q", name, addr)
	}
	hexPart := addr[2:]
	if len(hexPart) != 40 {
		return fmt.Errorf("%s must be 42 characters (0x + 40 hex), got %d", name, len(addr))
	}
	if _, err := hex.DecodeString(hexPart); err != nil {
		return fmt.Errorf("%s contains invalid hex characters: %w", name, err)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return fmt.Errorf("%s must not be the zero address", name)
	}
	return nil
}

// Engine converts the oracle section into engine tunables
func (o OracleConfig) Engine() (oracle.Config, error) {
	cfg := oracle.DefaultConfig()
	if o.MinValue != "" {
		v, ok := new(big.Int).SetString(o.MinValue, 10)
		if !ok || v.Sign() < 0 {
			return cfg, fmt.Errorf("invalid oracle.min_value: %q", o.MinValue)
		}
		cfg.MinValue = v
	}
	if o.NativeGasStipend != 0 {
		cfg.NativeGasStipend = o.NativeGasStipend
	}
	return cfg, nil
}

// HostSettings converts the host section into host tunables
func (h HostConfig) HostSettings() host.Config {
	return host.Config{
		GasLimit:  h.GasLimit,
		BlockTime: h.BlockTime,
		Custody:   common.HexToAddress(h.Custody),
	}
}

// Genesis returns the devnet clock's starting timestamp
func (h HostConfig) Genesis() uint64 {
	if h.GenesisTimestamp != 0 {
		return h.GenesisTimestamp
	}
	return uint64(time.Now().Unix())
}

// StoreSettings converts the store section into store options
func (s StoreConfig) StoreSettings() store.Config {
	return store.Config{
		Path:             s.Path,
		Compress:         s.Compress,
		CompressionLevel: s.CompressionLevel,
	}
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Daemon.DataDir = expandPath(c.Daemon.DataDir)
	c.Daemon.KeystoreDir = expandPath(c.Daemon.KeystoreDir)
	c.Store.Path = expandPath(c.Store.Path)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// ExpandPath expands a leading ~ for callers outside the package
func ExpandPath(path string) string {
	return expandPath(path)
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".bondoracle", "config.yaml")
}

// EnsureDirectories creates all necessary directories
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Daemon.DataDir,
		c.Daemon.KeystoreDir,
	}
	if c.Store.Enabled {
		dirs = append(dirs, filepath.Dir(c.Store.Path))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// IsDevnet reports whether the daemon runs the in-memory token world
func (c *Config) IsDevnet() bool {
	return c.Host.Mode == ModeDevnet
}
