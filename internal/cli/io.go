package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// IO is what a command writes to. Results go to stdout; errors, warnings and
// logs go to stderr.
//
// Warnings report schema drift that does not stop the command (a schema type
// nothing declares, for one). They are printed before the first result line
// and repeated at exit, and they turn the exit code into 1.
type IO struct {
	out      io.Writer
	errOut   io.Writer
	warnings []string
	shown    bool
}

// NewIO returns an IO writing results to out and diagnostics to errOut.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Warnf records a warning.
func (o *IO) Warnf(format string, a ...any) {
	o.warnings = append(o.warnings, fmt.Sprintf(format, a...))
}

// Println writes a result line.
func (o *IO) Println(a ...any) {
	o.showWarnings()
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted result output.
func (o *IO) Printf(format string, a ...any) {
	o.showWarnings()
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// PrintJSON writes v as one compact JSON line.
func (o *IO) PrintJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}

	o.Println(string(data))

	return nil
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Finish repeats the warnings and returns the exit code of a command that
// did not fail: 1 when anything was warned about, 0 otherwise.
func (o *IO) Finish() int {
	if len(o.warnings) == 0 {
		return 0
	}

	if o.shown {
		o.printWarnings()
	} else {
		o.showWarnings()
	}

	return 1
}

func (o *IO) showWarnings() {
	if o.shown || len(o.warnings) == 0 {
		return
	}

	o.shown = true
	o.printWarnings()
}

func (o *IO) printWarnings() {
	for _, w := range o.warnings {
		_, _ = fmt.Fprintln(o.errOut, "warning:", w)
	}
}
