// Package cli implements the shelf command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/shelf/internal/config"
)

// Run is the main entry point. Returns exit code. A value on sigCh cancels
// the running command.
func Run(in io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	global := flag.NewFlagSet("shelf", flag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(io.Discard)

	var (
		workDir    = global.StringP("cwd", "C", "", "Run as if started in `dir`")
		configPath = global.StringP("config", "c", "", "Use specified config `file`")
		driver     = global.String("driver", "", "Database driver (sqlite3, pgx)")
		dsn        = global.String("dsn", "", "Database DSN (sqlite path or postgres URL)")
		logLevel   = global.String("log-level", "", "Log level (debug, info, warn, error)")
	)

	if len(args) > 0 {
		args = args[1:]
	}

	err := global.Parse(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(out, global, nil)

			return 0
		}

		fprintln(errOut, "error:", err)
		fprintln(errOut)
		printUsage(errOut, global, nil)

		return 1
	}

	rest := global.Args()
	if len(rest) == 0 {
		printUsage(out, global, nil)

		return 0
	}

	cfg, err := config.Load(config.LoadInput{
		WorkDirOverride: *workDir,
		ConfigPath:      *configPath,
		Overrides:       config.Config{Driver: *driver, DSN: *dsn, LogLevel: *logLevel},
		Env:             env,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	logger := newLogger(errOut, cfg.Level())

	defer func() { _ = logger.Sync() }()

	a := &app{cfg: cfg, logger: logger, in: in, env: env}
	commands := a.commands()

	name := rest[0]

	var cmd *Command

	for _, c := range commands {
		if c.Name() == name {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", name)
		printUsage(errOut, global, commands)

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	defer a.close()

	return cmd.Run(ctx, NewIO(out, errOut), rest[1:])
}

func newLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""

	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level))
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, global *flag.FlagSet, commands []*Command) {
	if commands == nil {
		commands = (&app{}).commands()
	}

	fprintln(w, `shelf - transactional plans over a typed collection database

Usage: shelf [options] <command> [args]

Global flags:`)

	var buf strings.Builder

	global.SetOutput(&buf)
	global.PrintDefaults()
	global.SetOutput(io.Discard)

	_, _ = fmt.Fprint(w, buf.String())

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range commands {
		fprintln(w, c.HelpLine())
	}
}
