// Package doctor runs local health checks for an oracle installation:
// config, signing keys, persisted state and the running daemon.
package doctor

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/moltbunker/bondoracle/internal/config"
)

// Doctor orchestrates health checks
type Doctor struct {
	checkers []Checker
	writer   io.Writer
	output   *Output
	options  DoctorOptions
}

// New creates a Doctor writing to stdout
func New(opts DoctorOptions, checkers ...Checker) *Doctor {
	useColors := !opts.JSON && isTerminal(os.Stdout)
	return NewWithWriter(opts, os.Stdout, useColors, checkers...)
}

// NewWithWriter creates a Doctor with a custom writer (useful for testing)
func NewWithWriter(opts DoctorOptions, w io.Writer, useColors bool, checkers ...Checker) *Doctor {
	return &Doctor{
		checkers: checkers,
		writer:   w,
		output:   NewOutput(w, useColors),
		options:  opts,
	}
}

// DefaultCheckers returns the standard checks for an installation. cfg may
// be nil when the config file failed to load; defaults stand in for it.
func DefaultCheckers(configPath string, cfg *config.Config, endpoint, passwordEnv string) []Checker {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return []Checker{
		NewConfigChecker(configPath),
		NewWalletChecker(cfg.Daemon.KeystoreDir),
		NewPasswordChecker(passwordEnv),
		NewStateChecker(cfg.Store.Enabled, cfg.Store.StoreSettings()),
		NewAPIChecker(endpoint),
		NewFileDescriptorChecker(),
	}
}

// AddChecker adds a custom checker
func (d *Doctor) AddChecker(c Checker) {
	d.checkers = append(d.checkers, c)
}

// Run executes all checks and returns a report
func (d *Doctor) Run(ctx context.Context) (*DoctorReport, error) {
	report := &DoctorReport{
		Checks: make([]CheckResult, 0, len(d.checkers)),
	}

	checkers := d.filterCheckers()

	if d.options.JSON {
		for _, checker := range checkers {
			result := checker.Check(ctx)
			report.Checks = append(report.Checks, result)
			d.updateSummary(&report.Summary, result)
		}
		return report, d.outputJSON(report)
	}

	d.output.Header()

	for i, checker := range checkers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		d.output.CheckStart(i+1, len(checkers), checker.Name())
		result := checker.Check(ctx)
		d.output.CheckResult(result)
		report.Checks = append(report.Checks, result)
		d.updateSummary(&report.Summary, result)
	}

	d.output.Summary(report.Summary)

	return report, nil
}

// filterCheckers returns checkers filtered by category if specified
func (d *Doctor) filterCheckers() []Checker {
	if d.options.Category == "" {
		return d.checkers
	}

	filtered := make([]Checker, 0)
	for _, c := range d.checkers {
		if c.Category() == d.options.Category {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

// updateSummary updates the summary based on a check result
func (d *Doctor) updateSummary(summary *Summary, result CheckResult) {
	summary.Total++
	switch result.Status {
	case StatusOK:
		summary.Passed++
	case StatusError:
		summary.Failed++
	case StatusWarning:
		summary.Warned++
	case StatusSkipped:
		summary.Skipped++
	}
}

func (d *Doctor) outputJSON(report *DoctorReport) error {
	enc := json.NewEncoder(d.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		fi, err := f.Stat()
		if err != nil {
			return false
		}
		return (fi.Mode() & os.ModeCharDevice) != 0
	}
	return false
}
