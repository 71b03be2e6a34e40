package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/moltbunker/bondoracle/internal/api"
	"github.com/moltbunker/bondoracle/internal/client"
	"github.com/moltbunker/bondoracle/pkg/types"
)

// requestTimeout bounds one CLI round trip
const requestTimeout = 30 * time.Second

func parseID(arg string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid report id: %q", arg)
	}
	return id, nil
}

// createOptions holds the create flags as typed by the user
type createOptions struct {
	Token1               string
	Token2               string
	ExactAmount1         string
	Halt                 string
	Multiplier           uint32
	SettlementDelay      uint64
	DisputeDelay         uint64
	FeeRate              uint32
	ProtocolFeeRate      uint32
	SettlerReward        string
	TimeUnit             string
	Callback             string
	Selector             string
	CallbackGas          uint64
	TrackDisputes        bool
	KeepFee              bool
	ProtocolFeeRecipient string
	Value                string
}

func defaultCreateOptions() createOptions {
	return createOptions{
		Multiplier:      110,
		SettlementDelay: 300,
		FeeRate:         30_000,
		SettlerReward:   "0",
		TimeUnit:        "timestamp",
		KeepFee:         true,
	}
}

// request converts the options into an API request
func (o createOptions) request() (api.CreateReportRequest, error) {
	var req api.CreateReportRequest
	var err error
	p := &req.CreateReportParams

	if p.Token1, err = parseAddress("token1", o.Token1); err != nil {
		return req, err
	}
	if p.Token2, err = parseAddress("token2", o.Token2); err != nil {
		return req, err
	}
	if p.ExactToken1Report, err = parseAmount("exact-amount1", o.ExactAmount1); err != nil {
		return req, err
	}
	if p.EscalationHalt, err = parseAmount("halt", o.Halt); err != nil {
		return req, err
	}
	if p.SettlerReward, err = parseAmount("settler-reward", o.SettlerReward); err != nil {
		return req, err
	}
	if req.Value, err = parseAmount("value", o.Value); err != nil {
		return req, err
	}
	if err := p.TimeUnit.UnmarshalText([]byte(o.TimeUnit)); err != nil {
		return req, err
	}
	if o.Callback != "" {
		if p.CallbackTarget, err = parseAddress("callback", o.Callback); err != nil {
			return req, err
		}
		if err := p.CallbackSelector.UnmarshalText([]byte(o.Selector)); err != nil {
			return req, err
		}
	}
	if o.ProtocolFeeRecipient != "" {
		if p.ProtocolFeeRecipient, err = parseAddress("protocol-fee-recipient", o.ProtocolFeeRecipient); err != nil {
			return req, err
		}
	}

	p.Multiplier = o.Multiplier
	p.SettlementDelay = o.SettlementDelay
	p.DisputeDelay = o.DisputeDelay
	p.FeeRate = o.FeeRate
	p.ProtocolFeeRate = o.ProtocolFeeRate
	p.CallbackGasLimit = o.CallbackGas
	p.TrackDisputes = o.TrackDisputes
	p.KeepFee = o.KeepFee
	return req, nil
}

func validateUint(s string) error {
	if s == "" {
		return nil
	}
	if _, err := strconv.ParseUint(s, 10, 32); err != nil {
		return fmt.Errorf("must be a whole number")
	}
	return nil
}

func validateAddress(s string) error {
	if !common.IsHexAddress(s) {
		return fmt.Errorf("must be a 0x-prefixed address")
	}
	return nil
}

// runCreateForm fills o interactively
func runCreateForm(o *createOptions) error {
	multiplier := strconv.FormatUint(uint64(o.Multiplier), 10)
	delay := strconv.FormatUint(o.SettlementDelay, 10)
	feeRate := strconv.FormatUint(uint64(o.FeeRate), 10)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Token 1").
				Description("Token whose exact amount opens the report").
				Validate(validateAddress).
				Value(&o.Token1),
			huh.NewInput().
				Title("Token 2").
				Description("Token priced against token 1").
				Validate(validateAddress).
				Value(&o.Token2),
			huh.NewInput().
				Title("Initial token 1 amount").
				Value(&o.ExactAmount1),
			huh.NewInput().
				Title("Escalation halt").
				Description("Token 1 amount at which bonds stop growing").
				Value(&o.Halt),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Multiplier (percent)").
				Description("Bond growth per dispute, 110 = 1.1x").
				Validate(validateUint).
				Value(&multiplier),
			huh.NewSelect[string]().
				Title("Time unit").
				Options(
					huh.NewOption("Seconds", "timestamp"),
					huh.NewOption("Blocks", "blocks"),
				).
				Value(&o.TimeUnit),
			huh.NewInput().
				Title("Settlement delay").
				Validate(validateUint).
				Value(&delay),
			huh.NewInput().
				Title("Swap fee rate (parts per 10,000,000)").
				Validate(validateUint).
				Value(&feeRate),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Settler reward").
				Value(&o.SettlerReward),
			huh.NewInput().
				Title("Value sent with the request").
				Description("Must cover the settler reward").
				Value(&o.Value),
			huh.NewConfirm().
				Title("Keep swap fees with the oracle?").
				Affirmative("Keep").
				Negative("Pay holders").
				Value(&o.KeepFee),
			huh.NewConfirm().
				Title("Record dispute history?").
				Value(&o.TrackDisputes),
		),
	).WithTheme(huh.ThemeBase())

	if err := form.Run(); err != nil {
		return err
	}

	m, _ := strconv.ParseUint(multiplier, 10, 32)
	d, _ := strconv.ParseUint(delay, 10, 64)
	f, _ := strconv.ParseUint(feeRate, 10, 32)
	o.Multiplier = uint32(m)
	o.SettlementDelay = d
	o.FeeRate = uint32(f)
	return nil
}

// NewCreateCmd creates a report instance
func NewCreateCmd() *cobra.Command {
	opts := defaultCreateOptions()
	var interactive bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a report instance",
		Long: `Create a new price report instance funded with --value.

Example:
  oraclectl create --token1 0x11.. --token2 0x22.. --exact-amount1 1000 \
    --halt 10000 --settler-reward 100 --value 1000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive {
				if err := runCreateForm(&opts); err != nil {
					return err
				}
			}
			req, err := opts.request()
			if err != nil {
				return err
			}
			c, err := newClient(true)
			if err != nil {
				return err
			}

			var resp *api.CreateReportResponse
			err = WithSpinner("Creating report", func() error {
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				resp, err = c.CreateReport(ctx, req)
				return err
			})
			if err != nil {
				return err
			}

			if OutputFormat == "json" {
				return printJSON(resp)
			}
			Success(fmt.Sprintf("Report #%d created", resp.ReportID))
			fmt.Println(KeyValue("State hash", resp.StateHash.Hex()))
			fmt.Println(Hint(fmt.Sprintf("Submit the first price with: oraclectl report %d --amount2 <amount>", resp.ReportID)))
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVarP(&interactive, "interactive", "i", false, "Fill in parameters with a form")
	f.StringVar(&opts.Token1, "token1", "", "Token 1 address")
	f.StringVar(&opts.Token2, "token2", "", "Token 2 address")
	f.StringVar(&opts.ExactAmount1, "exact-amount1", "", "Token 1 amount of the initial report")
	f.StringVar(&opts.Halt, "halt", "", "Token 1 amount at which escalation stops")
	f.Uint32Var(&opts.Multiplier, "multiplier", opts.Multiplier, "Escalation multiplier in percent")
	f.Uint64Var(&opts.SettlementDelay, "settlement-delay", opts.SettlementDelay, "Delay before a report can settle")
	f.Uint64Var(&opts.DisputeDelay, "dispute-delay", 0, "Delay before a report can be disputed")
	f.Uint32Var(&opts.FeeRate, "fee-rate", opts.FeeRate, "Swap fee in parts per 10,000,000")
	f.Uint32Var(&opts.ProtocolFeeRate, "protocol-fee-rate", 0, "Protocol fee in parts per 10,000,000")
	f.StringVar(&opts.SettlerReward, "settler-reward", opts.SettlerReward, "Native reward paid to the settler")
	f.StringVar(&opts.TimeUnit, "time-unit", opts.TimeUnit, "Delay unit: timestamp or blocks")
	f.StringVar(&opts.Callback, "callback", "", "Settlement callback contract")
	f.StringVar(&opts.Selector, "selector", "", "Settlement callback selector (0x-prefixed, 4 bytes)")
	f.Uint64Var(&opts.CallbackGas, "callback-gas", 0, "Gas forwarded to the settlement callback")
	f.BoolVar(&opts.TrackDisputes, "track-disputes", false, "Record every dispute round")
	f.BoolVar(&opts.KeepFee, "keep-fee", opts.KeepFee, "Keep swap fees with the oracle instead of paying holders")
	f.StringVar(&opts.ProtocolFeeRecipient, "protocol-fee-recipient", "", "Recipient of protocol fees")
	f.StringVar(&opts.Value, "value", "", "Native value sent with the request")

	return cmd
}

// fetchReport loads a report for defaults
func fetchReport(ctx context.Context, c *client.APIClient, id uint64) (*api.ReportResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return c.Report(ctx, id)
}

// NewReportCmd submits the initial report
func NewReportCmd() *cobra.Command {
	var amount1, amount2, holder string

	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Submit the initial report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := api.InitialReportRequest{}
			if req.Amount2, err = parseAmount("amount2", amount2); err != nil {
				return err
			}
			if req.Amount1, err = parseOptionalAmount("amount1", amount1); err != nil {
				return err
			}
			if holder != "" {
				if req.Holder, err = parseAddress("holder", holder); err != nil {
					return err
				}
			}

			c, err := newClient(true)
			if err != nil {
				return err
			}
			current, err := fetchReport(cmd.Context(), c, id)
			if err != nil {
				return err
			}
			if req.Amount1 == nil {
				req.Amount1 = current.Meta.ExactToken1Report
			}
			req.StateHash = current.Extra.StateHash

			var resp *api.ReportResponse
			err = WithSpinner("Submitting report", func() error {
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				resp, err = c.SubmitInitialReport(ctx, id, req)
				return err
			})
			if err != nil {
				return err
			}
			return showReport(resp)
		},
	}

	cmd.Flags().StringVar(&amount1, "amount1", "", "Token 1 amount (default: the exact amount)")
	cmd.Flags().StringVar(&amount2, "amount2", "", "Token 2 amount")
	cmd.Flags().StringVar(&holder, "holder", "", "Address credited as holder (default: the caller)")
	cmd.MarkFlagRequired("amount2")
	return cmd
}

// NewDisputeCmd replaces the current report
func NewDisputeCmd() *cobra.Command {
	var token, amount1, amount2, expected, disputer string

	cmd := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Dispute the current report",
		Long: `Dispute a report by swapping one side of the current bond and posting
a new, larger one. The current amounts and state hash are read first and
sent as the expected values, so the dispute fails if the report moved.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			req := api.DisputeRequest{}
			if req.TokenToSwap, err = parseAddress("token", token); err != nil {
				return err
			}
			if req.NewAmount2, err = parseAmount("amount2", amount2); err != nil {
				return err
			}
			if req.NewAmount1, err = parseOptionalAmount("amount1", amount1); err != nil {
				return err
			}
			if req.ExpectedAmount2, err = parseOptionalAmount("expected-amount2", expected); err != nil {
				return err
			}
			if disputer != "" {
				if req.Disputer, err = parseAddress("disputer", disputer); err != nil {
					return err
				}
			}

			c, err := newClient(true)
			if err != nil {
				return err
			}
			current, err := fetchReport(cmd.Context(), c, id)
			if err != nil {
				return err
			}
			if req.ExpectedAmount2 == nil {
				req.ExpectedAmount2 = current.Status.CurrentAmount2
			}
			req.StateHash = current.Extra.StateHash

			var resp *api.ReportResponse
			err = WithSpinner("Disputing report", func() error {
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				resp, err = c.Dispute(ctx, id, req)
				return err
			})
			if err != nil {
				return err
			}
			return showReport(resp)
		},
	}

	f := cmd.Flags()
	f.StringVar(&token, "token", "", "Token swapped out of the current bond")
	f.StringVar(&amount2, "amount2", "", "New token 2 amount")
	f.StringVar(&amount1, "amount1", "", "New token 1 amount (default: the escalated amount)")
	f.StringVar(&expected, "expected-amount2", "", "Expected current token 2 amount (default: read from the report)")
	f.StringVar(&disputer, "disputer", "", "Address credited as the new holder (default: the caller)")
	cmd.MarkFlagRequired("token")
	cmd.MarkFlagRequired("amount2")
	return cmd
}

// NewQuoteCmd prices a dispute without submitting it
func NewQuoteCmd() *cobra.Command {
	var token, amount2 string

	cmd := &cobra.Command{
		Use:   "quote <id>",
		Short: "Show the transfers a dispute would make",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			tok, err := parseAddress("token", token)
			if err != nil {
				return err
			}
			amt, err := parseAmount("amount2", amount2)
			if err != nil {
				return err
			}
			c, err := newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			q, err := c.Quote(ctx, id, tok, amt)
			if err != nil {
				return err
			}

			if OutputFormat == "json" {
				return printJSON(q)
			}
			fmt.Println(StatusBox(fmt.Sprintf("Dispute quote for #%d", id), [][2]string{
				{"Swap token", q.SwapToken.Hex()},
				{"Payment token", q.PaymentToken.Hex()},
				{"Payment in", FormatAmount(q.PaymentIn)},
				{"Swap in", FormatAmount(q.SwapIn)},
				{"Swap out", FormatAmount(q.SwapOut)},
				{"Fee", FormatAmount(q.Fee)},
				{"Protocol fee", FormatAmount(q.ProtocolFee)},
				{"Holder payout", FormatAmount(q.HolderPayout)},
			}))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token swapped out of the current bond")
	cmd.Flags().StringVar(&amount2, "amount2", "", "New token 2 amount")
	cmd.MarkFlagRequired("token")
	cmd.MarkFlagRequired("amount2")
	return cmd
}

// NewSettleCmd finalizes a report
func NewSettleCmd() *cobra.Command {
	var gas uint64

	cmd := &cobra.Command{
		Use:   "settle <id>",
		Short: "Settle a report after its settlement delay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(true)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			s, err := c.Settle(ctx, id, gas)
			if err != nil {
				return err
			}

			if OutputFormat == "json" {
				return printJSON(s)
			}
			if s.AlreadySettled {
				Info(fmt.Sprintf("Report #%d was already settled", id))
			} else {
				Success(fmt.Sprintf("Report #%d settled", id))
			}
			fmt.Println(KeyValue("Price", FormatPrice(s.Price)))
			fmt.Println(KeyValue("Settled at", strconv.FormatUint(s.SettlementTime, 10)))
			return nil
		},
	}

	cmd.Flags().Uint64Var(&gas, "gas", 0, "Gas budget of the call (default: server limit)")
	return cmd
}

// NewGetCmd shows one report
func NewGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(false)
			if err != nil {
				return err
			}
			r, err := fetchReport(cmd.Context(), c, id)
			if err != nil {
				return err
			}
			return showReport(r)
		},
	}
}

func showReport(r *api.ReportResponse) error {
	if OutputFormat == "json" {
		return printJSON(r)
	}
	fields := [][2]string{
		{"Stage", StageBadge(r.Stage)},
		{"Pair", FormatAddress(r.Meta.Token1.Hex()) + " / " + FormatAddress(r.Meta.Token2.Hex())},
		{"Amount 1", FormatAmount(r.Status.CurrentAmount1)},
		{"Amount 2", FormatAmount(r.Status.CurrentAmount2)},
		{"Price", FormatPrice(r.Status.Price)},
		{"Holder", holderString(r.Status.CurrentHolder)},
		{"Reported at", strconv.FormatUint(r.Status.ReportTime, 10) + " " + r.Meta.TimeUnit.String()},
		{"Multiplier", fmt.Sprintf("%d%%", r.Meta.Multiplier)},
		{"Halt", FormatAmount(r.Meta.EscalationHalt)},
		{"Rounds", strconv.FormatUint(r.Extra.NumReports, 10)},
	}
	if r.Status.IsDistributed {
		fields = append(fields, [2]string{"Settled at", strconv.FormatUint(r.Status.SettlementTime, 10)})
	}
	fmt.Println(StatusBox(fmt.Sprintf("Report #%d", r.ID), fields))
	return nil
}

func holderString(addr common.Address) string {
	if addr == (common.Address{}) {
		return "-"
	}
	return addr.Hex()
}

// NewHistoryCmd lists dispute rounds
func NewHistoryCmd() *cobra.Command {
	var round int64

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show the dispute history of a report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(false)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()

			var rounds []types.DisputeRecord
			if round >= 0 {
				rec, err := c.HistoryRound(ctx, id, uint64(round))
				if err != nil {
					return err
				}
				rounds = []types.DisputeRecord{*rec}
			} else if rounds, err = c.History(ctx, id); err != nil {
				return err
			}

			if OutputFormat == "json" {
				return printJSON(rounds)
			}
			if len(rounds) == 0 {
				Info("No recorded rounds")
				return nil
			}
			rows := make([][]string, 0, len(rounds))
			for _, rec := range rounds {
				swapped := "-"
				if rec.TokenToSwap != (common.Address{}) {
					swapped = FormatAddress(rec.TokenToSwap.Hex())
				}
				rows = append(rows, []string{
					strconv.FormatUint(rec.Round, 10),
					FormatAmount(rec.Amount1),
					FormatAmount(rec.Amount2),
					swapped,
					FormatAddress(rec.Holder.Hex()),
					strconv.FormatUint(rec.ReportTime, 10),
				})
			}
			fmt.Println(RenderTable([]string{"ROUND", "AMOUNT 1", "AMOUNT 2", "SWAPPED", "HOLDER", "TIME"}, rows))
			return nil
		},
	}

	cmd.Flags().Int64Var(&round, "round", -1, "Show a single round (0 is the initial report)")
	return cmd
}
