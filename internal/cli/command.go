package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shelf/pkg/dataerr"
)

// Command is one shelf subcommand.
type Command struct {
	Flags *flag.FlagSet

	// Usage is shown after "shelf"; its first word is the command name.
	Usage string
	Short string
	Long  string

	// Examples are full command lines shown at the end of the help.
	Examples []string

	Exec func(ctx context.Context, o *IO, args []string) error
}

// Name returns the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's line in the global usage listing.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-26s %s", c.Usage, c.Short)
}

// PrintHelp prints "shelf <cmd> --help".
func (c *Command) PrintHelp(o *IO) {
	o.Println("Usage: shelf", c.Usage)
	o.Println()

	desc := c.Long
	if desc == "" {
		desc = c.Short
	}

	o.Println(desc)

	if c.Flags != nil && c.Flags.HasFlags() {
		var buf strings.Builder

		c.Flags.SetOutput(&buf)
		c.Flags.PrintDefaults()

		o.Println()
		o.Println("Flags:")
		o.Printf("%s", buf.String())
	}

	if len(c.Examples) > 0 {
		o.Println()
		o.Println("Examples:")

		for _, ex := range c.Examples {
			o.Println("  shelf", ex)
		}
	}
}

// Run parses args, executes the command and returns the exit code.
func (c *Command) Run(ctx context.Context, o *IO, args []string) int {
	if c.Flags == nil {
		c.Flags = flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	}

	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			c.PrintHelp(o)

			return 0
		}

		o.ErrPrintln("error:", err)
		o.ErrPrintln()
		c.PrintHelp(o)

		return 1
	}

	err = c.Exec(ctx, o, c.Flags.Args())
	if err != nil {
		printError(o, err)

		return 1
	}

	return o.Finish()
}

// printError prints err and, for database failures, what kind of failure it
// was and whether running again can help.
func printError(o *IO, err error) {
	o.ErrPrintln("error:", err)

	switch {
	case dataerr.Retryable(err):
		o.ErrPrintln("hint: the transaction lost against a concurrent one and was rolled back; run the command again")
	case dataerr.IsValidation(err):
		o.ErrPrintln("hint: nothing was executed; fix the plan or the declarations")
	case dataerr.KindOf(err) != dataerr.KindUnknown:
		o.ErrPrintln("hint: the transaction was rolled back; nothing was written")
	}
}
