package doctor

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/moltbunker/bondoracle/internal/config"
)

// ConfigChecker loads and validates the daemon config file
type ConfigChecker struct {
	path string
}

func NewConfigChecker(path string) *ConfigChecker {
	return &ConfigChecker{path: config.ExpandPath(path)}
}

func (c *ConfigChecker) Name() string       { return "Config file" }
func (c *ConfigChecker) Category() Category { return CategoryConfig }

func (c *ConfigChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
		Hint:     "oraclectl init",
	}

	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		result.Status = StatusWarning
		result.Message = "Config: Not found, defaults apply"
		result.Details = c.path
		return result
	}

	cfg, err := config.Load(c.path)
	if err != nil {
		result.Status = StatusError
		result.Message = "Config: Invalid"
		result.Details = err.Error()
		return result
	}

	if cfg.IsDevnet() && cfg.API.EnableDevnetRoutes && !isLoopback(cfg.API.ListenAddr) {
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("Config: %s mode, devnet routes exposed on %s", cfg.Host.Mode, cfg.API.ListenAddr)
		result.Details = "Anyone who can reach the API can mint balances and move the clock"
		return result
	}

	result.Status = StatusOK
	result.Message = fmt.Sprintf("Config: %s mode, listening on %s", cfg.Host.Mode, cfg.API.ListenAddr)
	return result
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
