package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/moltbunker/bondoracle/internal/api"
)

// NewStatusCmd shows oracle health and status
func NewStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show oracle status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			health, err := c.Health(ctx)
			if err != nil {
				return fmt.Errorf("oracle at %s is not reachable: %w", GetAPIEndpoint(), err)
			}
			status, err := c.Status(ctx)
			if err != nil {
				return err
			}

			if OutputFormat == "json" {
				return printJSON(struct {
					Health *api.HealthResponse `json:"health"`
					Status *api.StatusResponse `json:"status"`
				}{health, status})
			}

			mode := "chain"
			if status.Devnet {
				mode = "devnet"
			}
			fmt.Println(StatusBox(Logo()+" "+status.Version, [][2]string{
				{"Health", StatusBadge(health.Status)},
				{"Endpoint", GetAPIEndpoint()},
				{"Mode", mode},
				{"Uptime", health.Uptime},
				{"Chain time", fmt.Sprintf("t=%d b=%d", status.Now.Timestamp, status.Now.Block)},
				{"Custody", status.Custody.Hex()},
				{"Reports", strconv.FormatUint(status.Reports, 10)},
				{"Subscribers", strconv.Itoa(status.Subscribers)},
				{"Events", fmt.Sprintf("%d published, %d dropped", status.EventsPublished, status.EventsDropped)},
			}))
			return nil
		},
	}
}
