package doctor

import (
	"context"
	"fmt"
	"time"

	"github.com/moltbunker/bondoracle/internal/client"
)

const apiCheckTimeout = 5 * time.Second

// APIChecker probes a running daemon
type APIChecker struct {
	endpoint string
	client   *client.APIClient
}

func NewAPIChecker(endpoint string) *APIChecker {
	return &APIChecker{endpoint: endpoint, client: client.NewAPIClient(endpoint, nil)}
}

func (c *APIChecker) Name() string       { return "Oracle API" }
func (c *APIChecker) Category() Category { return CategoryNetwork }

func (c *APIChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     c.Name(),
		Category: c.Category(),
	}

	ctx, cancel := context.WithTimeout(ctx, apiCheckTimeout)
	defer cancel()

	health, err := c.client.Health(ctx)
	if code := client.StatusCode(err); code != 0 {
		result.Status = StatusError
		result.Message = fmt.Sprintf("Oracle API: Unhealthy (%d)", code)
		result.Details = err.Error()
		return result
	}
	if err != nil {
		// a stopped daemon is a normal state for the CLI
		result.Status = StatusWarning
		result.Message = "Oracle API: Not reachable at " + c.endpoint
		result.Details = err.Error()
		result.Hint = "oracled"
		return result
	}
	if health.Status != "healthy" {
		result.Status = StatusError
		result.Message = "Oracle API: " + health.Status
		result.Details = health.Reason
		return result
	}

	status, err := c.client.Status(ctx)
	if err != nil {
		result.Status = StatusError
		result.Message = "Oracle API: Status unavailable"
		result.Details = err.Error()
		return result
	}

	mode := "chain"
	if status.Devnet {
		mode = "devnet"
	}
	result.Status = StatusOK
	result.Message = fmt.Sprintf("Oracle API: %s %s, %d reports, up %s",
		mode, status.Version, status.Reports, health.Uptime)
	return result
}
