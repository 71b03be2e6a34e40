package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/moltbunker/bondoracle/internal/api"
	"github.com/moltbunker/bondoracle/internal/client"
	"github.com/moltbunker/bondoracle/internal/events"
)

// NewWatchCmd streams oracle events
func NewWatchCmd() *cobra.Command {
	var typeNames []string
	var reports []uint

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream oracle events until interrupted",
		Long: `Stream oracle events over the websocket API.

Event types: ` + joinTypes(events.AllTypes) + `

Example:
  oraclectl watch --types report_disputed,report_settled --report 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := buildFilter(typeNames, reports)
			if err != nil {
				return err
			}
			c, err := newClient(false)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if OutputFormat != "json" {
				Info("Watching " + GetAPIEndpoint() + " (Ctrl+C to stop)")
			}
			return c.Watch(ctx, filter, func(msg api.WebSocketMessage) {
				if OutputFormat == "json" {
					fmt.Println(string(msg.Data))
					return
				}
				ev, data, err := client.DecodeEvent(msg)
				if err != nil {
					Warning(err.Error())
					return
				}
				fmt.Printf("%s  %-28s #%-5d %s\n",
					StyleDim.Render(fmt.Sprintf("t=%d b=%d", ev.Instant.Timestamp, ev.Instant.Block)),
					ev.Type, ev.ReportID, summarizeEvent(ev.Type, data))
			})
		},
	}

	cmd.Flags().StringSliceVar(&typeNames, "types", nil, "Event types to stream (default: all)")
	cmd.Flags().UintSliceVar(&reports, "report", nil, "Report ids to stream (default: all)")
	return cmd
}

func joinTypes(ts []events.Type) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

// buildFilter validates flag values into a subscription filter
func buildFilter(typeNames []string, reports []uint) (api.SubscriptionFilter, error) {
	var f api.SubscriptionFilter
	known := make(map[events.Type]bool, len(events.AllTypes))
	for _, t := range events.AllTypes {
		known[t] = true
	}
	for _, name := range typeNames {
		t := events.Type(strings.TrimSpace(name))
		if !known[t] {
			return f, fmt.Errorf("unknown event type %q", name)
		}
		f.Types = append(f.Types, t)
	}
	for _, id := range reports {
		f.Reports = append(f.Reports, uint64(id))
	}
	return f, nil
}

// summarizeEvent renders the interesting fields of an event payload
func summarizeEvent(t events.Type, data json.RawMessage) string {
	switch t {
	case events.ReportInstanceCreated:
		var d events.ReportCreatedData
		if json.Unmarshal(data, &d) == nil {
			return fmt.Sprintf("creator=%s amount1=%s", FormatAddress(d.Creator.Hex()), FormatAmount(d.Meta.ExactToken1Report))
		}
	case events.InitialReportSubmitted:
		var d events.InitialReportData
		if json.Unmarshal(data, &d) == nil {
			return fmt.Sprintf("holder=%s price=%s", FormatAddress(d.Holder.Hex()), FormatPrice(d.Price))
		}
	case events.ReportDisputed:
		var d events.DisputeData
		if json.Unmarshal(data, &d) == nil {
			return fmt.Sprintf("round=%d disputer=%s price=%s->%s",
				d.Round, FormatAddress(d.Disputer.Hex()), FormatPrice(d.OldPrice), FormatPrice(d.NewPrice))
		}
	case events.ReportSettled:
		var d events.SettledData
		if json.Unmarshal(data, &d) == nil {
			return fmt.Sprintf("price=%s settler=%s", FormatPrice(d.Price), FormatAddress(d.Settler.Hex()))
		}
	case events.SettlementCallbackExecuted:
		var d events.CallbackData
		if json.Unmarshal(data, &d) == nil {
			return fmt.Sprintf("target=%s success=%t", FormatAddress(d.Target.Hex()), d.Result.Success)
		}
	case events.LedgerCredited, events.LedgerWithdrawn:
		var d events.LedgerData
		if json.Unmarshal(data, &d) == nil {
			asset := "native"
			if !d.Native {
				asset = FormatAddress(d.Token.Hex())
			}
			return fmt.Sprintf("owner=%s %s %s", FormatAddress(d.Owner.Hex()), FormatAmount(d.Amount), asset)
		}
	}
	return string(data)
}
