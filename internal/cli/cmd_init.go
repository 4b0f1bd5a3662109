package cli

import (
	"context"
	"fmt"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shelf/internal/collection"
	"github.com/calvinalkan/shelf/internal/dbconn"
)

func (a *app) initCmd() *Command {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	printOnly := fs.Bool("print", false, "Print the schema instead of applying it")

	return &Command{
		Flags: fs,
		Usage: "init [--print]",
		Short: "Create the collection schema",
		Long: `Create the collection tables and types in the configured database.
The whole schema is applied in one transaction.`,
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			ddl := collection.Schema(a.cfg.Dialect())

			if *printOnly {
				o.Printf("%s", ddl)

				return nil
			}

			db, err := a.open(ctx)
			if err != nil {
				return err
			}

			err = dbconn.Apply(ctx, db, ddl)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}

			o.Println("initialized", a.cfg.DSN)

			return nil
		},
	}
}
