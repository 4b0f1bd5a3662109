package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/natefinch/atomic"
	flag "github.com/spf13/pflag"
)

func (a *app) typesCmd() *Command {
	fs := flag.NewFlagSet("types", flag.ContinueOnError)
	out := fs.StringP("out", "o", "", "Write the snapshot to `file` instead of stdout")

	return &Command{
		Flags: fs,
		Usage: "types [--out <file>]",
		Short: "Show the loaded type registry",
		Long: `Load declarations and the schema catalog and print the resulting
registry as JSON. Fails when a declaration does not match the catalog.

Schema enums and composites that nothing declares are listed under
"undeclared" and reported as warnings (exit code 1).`,
		Examples: []string{
			"types",
			"types --out types.json",
		},
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			reg, err := a.registry(ctx)
			if err != nil {
				return err
			}

			for _, name := range reg.Undeclared() {
				o.Warnf("schema type %s has no declaration: values are read as text", name)
			}

			data, err := json.MarshalIndent(reg.Snapshot(), "", "  ")
			if err != nil {
				return fmt.Errorf("encode snapshot: %w", err)
			}

			data = append(data, '\n')

			if *out == "" {
				o.Printf("%s", data)

				return nil
			}

			path := *out
			if !filepath.IsAbs(path) {
				path = filepath.Join(a.cfg.EffectiveCwd, path)
			}

			err = atomic.WriteFile(path, bytes.NewReader(data))
			if err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}

			o.Println("wrote", path)

			return nil
		},
	}
}
