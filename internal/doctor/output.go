package doctor

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// Output handles formatted output for the doctor command
type Output struct {
	writer    io.Writer
	useColors bool
}

// NewOutput creates a new Output instance
func NewOutput(w io.Writer, useColors bool) *Output {
	if w == nil {
		w = os.Stdout
	}
	return &Output{
		writer:    w,
		useColors: useColors,
	}
}

// Header prints the doctor header
func (o *Output) Header() {
	o.println("")
	o.printlnBold("Bond Oracle Doctor")
	o.println(strings.Repeat("=", 18))
	o.println("")
}

// CheckStart prints the start of a check
func (o *Output) CheckStart(index, total int, name string) {
	o.printf("[%d/%d] Checking %s...\n", index, total, name)
}

// CheckResult prints the result of a check
func (o *Output) CheckResult(result CheckResult) {
	var icon, color string
	switch result.Status {
	case StatusOK:
		icon = "✓"
		color = colorGreen
	case StatusWarning:
		icon = "!"
		color = colorYellow
	case StatusError:
		icon = "✗"
		color = colorRed
	case StatusSkipped:
		icon = "-"
		color = colorDim
	}

	if o.useColors {
		o.printf("  %s%s%s %s\n", color, icon, colorReset, result.Message)
	} else {
		o.printf("  %s %s\n", icon, result.Message)
	}

	if result.Details != "" {
		o.printf("    %s\n", result.Details)
	}

	if result.Status != StatusOK && result.Hint != "" {
		o.printf("    Try: %s\n", result.Hint)
	}
}

// Summary prints the summary at the end
func (o *Output) Summary(summary Summary) {
	o.println("")
	if o.useColors {
		o.printf("Summary: %s%d passed%s, ", colorGreen, summary.Passed, colorReset)
		if summary.Failed > 0 {
			o.printf("%s%d failed%s", colorRed, summary.Failed, colorReset)
		} else {
			o.printf("0 failed")
		}
		if summary.Warned > 0 {
			o.printf(", %s%d warnings%s", colorYellow, summary.Warned, colorReset)
		}
		if summary.Skipped > 0 {
			o.printf(", %s%d skipped%s", colorDim, summary.Skipped, colorReset)
		}
		o.println("")
	} else {
		o.printf("Summary: %d passed, %d failed", summary.Passed, summary.Failed)
		if summary.Warned > 0 {
			o.printf(", %d warnings", summary.Warned)
		}
		if summary.Skipped > 0 {
			o.printf(", %d skipped", summary.Skipped)
		}
		o.println("")
	}

	if summary.Failed > 0 {
		o.println("Resolve the failed checks above before starting oracled.")
	}
}

func (o *Output) println(s string) {
	fmt.Fprintln(o.writer, s)
}

func (o *Output) printlnBold(s string) {
	if o.useColors {
		fmt.Fprintf(o.writer, "%s%s%s\n", colorBold, s, colorReset)
	} else {
		fmt.Fprintln(o.writer, s)
	}
}

func (o *Output) printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}
