package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/calvinalkan/shelf/internal/planfile"
)

var errPlanFileRequired = errors.New("plan file is required")

func (a *app) planCmd() *Command {
	fs := flag.NewFlagSet("plan", flag.ContinueOnError)
	dryRun := fs.BoolP("dry-run", "n", false, "Compile and list steps without executing")

	return &Command{
		Flags: fs,
		Usage: "plan <file> [--dry-run]",
		Short: "Execute a plan file in one transaction",
		Long: `Execute the steps of a JSONC plan file in one transaction.
Each step may use results of earlier steps. If any step fails, nothing
is written and the failing step is reported.

Results are printed as JSON, one object per step.`,
		Examples: []string{
			"plan lend.jsonc",
			"plan --dry-run lend.jsonc",
			"--dsn other.db plan import.jsonc",
		},
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) == 0 {
				return errPlanFileRequired
			}

			return a.execPlan(ctx, o, args[0], *dryRun)
		},
	}
}

type stepResult struct {
	Step   string `json:"step"`
	Result any    `json:"result"`
}

func (a *app) execPlan(ctx context.Context, o *IO, path string, dryRun bool) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.cfg.EffectiveCwd, path)
	}

	doc, err := planfile.Load(path)
	if err != nil {
		return err
	}

	s, err := a.session(ctx)
	if err != nil {
		return err
	}

	compiled, err := planfile.Compile(doc, s.builder, s.reg)
	if err != nil {
		return err
	}

	if dryRun {
		for i, info := range compiled.Plan.Steps() {
			params := strings.Join(info.Params, ",")
			if params == "" {
				params = "-"
			}

			o.Printf("%d\t%s\t%s\n", info.Index, compiled.Steps[i].Name, params)
		}

		return nil
	}

	res, err := s.exec.Execute(ctx, compiled.Plan)
	if err != nil {
		a.logger.Debug("plan failed", zap.String("file", path), zap.Error(err))

		return err
	}

	for _, step := range compiled.Steps {
		v, _ := res.Lookup(step.Handle)

		err = o.PrintJSON(stepResult{Step: step.Name, Result: v})
		if err != nil {
			return fmt.Errorf("result of %s: %w", step.Name, err)
		}
	}

	return nil
}
