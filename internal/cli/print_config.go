package cli

import (
	"context"
	"strings"

	flag "github.com/spf13/pflag"
)

func (a *app) printConfigCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("print-config", flag.ContinueOnError),
		Usage: "print-config",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			a.execPrintConfig(o)

			return nil
		},
	}
}

func (a *app) execPrintConfig(o *IO) {
	cfg := a.cfg

	o.Println("effective_cwd=" + cfg.EffectiveCwd)
	o.Println("driver=" + cfg.Driver)
	o.Println("dsn=" + cfg.DSN)
	o.Println("schemas=" + strings.Join(cfg.Schemas, ","))
	o.Println("modules=" + strings.Join(cfg.Modules, ","))
	o.Println("propagation=" + cfg.Propagation)
	o.Println("dynamic_type=" + cfg.DynamicType)

	if cfg.CatalogFile != "" {
		o.Println("catalog_file=" + cfg.CatalogFile)
	}

	o.Println("log_level=" + cfg.LogLevel)

	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")
	} else {
		if cfg.Sources.Global != "" {
			o.Println("global_config=" + cfg.Sources.Global)
		}

		if cfg.Sources.Project != "" {
			o.Println("project_config=" + cfg.Sources.Project)
		}
	}
}
