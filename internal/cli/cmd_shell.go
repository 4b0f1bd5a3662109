package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shelf/pkg/txplan"
)

const shellHelp = `Statements end with ';' and may span lines. Each statement runs
as a one-step plan in its own transaction.

  .types            Show the loaded type registry
  .plan <file>      Execute a plan file
  .help             Show this help
  .quit             Exit`

func (a *app) shellCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("shell", flag.ContinueOnError),
		Usage: "shell",
		Short: "Interactive SQL shell",
		Long:  "Run SQL statements interactively against the configured database.\n\n" + shellHelp,
		Exec:  a.execShell,
	}
}

// lineReader is the part of liner the shell uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// scanReader reads lines from a non-terminal input.
type scanReader struct {
	sc *bufio.Scanner
}

func (r *scanReader) Prompt(string) (string, error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", err
		}

		return "", io.EOF
	}

	return r.sc.Text(), nil
}

func (r *scanReader) AppendHistory(string) {}

func (a *app) historyFile() string {
	home := a.env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".shelf_history")
}

func (a *app) execShell(ctx context.Context, o *IO, _ []string) error {
	s, err := a.session(ctx)
	if err != nil {
		return err
	}

	var lr lineReader

	if f, ok := a.in.(*os.File); ok && f == os.Stdin {
		st := liner.NewLiner()
		defer st.Close()

		st.SetCtrlCAborts(true)

		if path := a.historyFile(); path != "" {
			if f, err := os.Open(path); err == nil {
				_, _ = st.ReadHistory(f)
				_ = f.Close()
			}

			defer func() {
				if f, err := os.Create(path); err == nil {
					_, _ = st.WriteHistory(f)
					_ = f.Close()
				}
			}()
		}

		lr = st
	} else {
		in := a.in
		if in == nil {
			in = strings.NewReader("")
		}

		lr = &scanReader{sc: bufio.NewScanner(in)}
	}

	sh := &shell{app: a, o: o, s: s}

	return sh.loop(ctx, lr)
}

type shell struct {
	app *app
	o   *IO
	s   *session
	buf strings.Builder
}

func (sh *shell) loop(ctx context.Context, lr lineReader) error {
	for ctx.Err() == nil {
		prompt := "shelf> "
		if sh.buf.Len() > 0 {
			prompt = "   ... "
		}

		line, err := lr.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read input: %w", err)
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		lr.AppendHistory(line)

		if sh.buf.Len() == 0 && strings.HasPrefix(trimmed, ".") {
			if quit := sh.dot(ctx, trimmed); quit {
				return nil
			}

			continue
		}

		if sh.buf.Len() > 0 {
			sh.buf.WriteByte('\n')
		}

		sh.buf.WriteString(trimmed)

		if !strings.HasSuffix(trimmed, ";") {
			continue
		}

		stmt := strings.TrimSpace(strings.TrimSuffix(sh.buf.String(), ";"))
		sh.buf.Reset()

		if err := sh.statement(ctx, stmt); err != nil {
			sh.o.ErrPrintln("error:", err)
		}
	}

	return ctx.Err()
}

// dot runs a shell command and reports whether the shell should exit.
func (sh *shell) dot(ctx context.Context, line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case ".quit", ".exit":
		return true
	case ".help":
		sh.o.Println(shellHelp)
	case ".types":
		data, err := json.MarshalIndent(sh.s.reg.Snapshot(), "", "  ")
		if err != nil {
			sh.o.ErrPrintln("error:", err)

			return false
		}

		sh.o.Println(string(data))
	case ".plan":
		if arg == "" {
			sh.o.ErrPrintln("error:", errPlanFileRequired)

			return false
		}

		if err := sh.app.execPlan(ctx, sh.o, arg, false); err != nil {
			sh.o.ErrPrintln("error:", err)
		}
	default:
		sh.o.ErrPrintln("error: unknown command:", name, "(try .help)")
	}

	return false
}

func (sh *shell) statement(ctx context.Context, stmt string) error {
	plan := txplan.NewPlan()

	if returnsRows(stmt) {
		h := txplan.Add(plan, sh.s.builder.Query(stmt, nil))

		res, err := sh.s.exec.Execute(ctx, plan)
		if err != nil {
			return err
		}

		rows, err := txplan.Get(res, h)
		if err != nil {
			return err
		}

		for _, row := range rows {
			err = sh.o.PrintJSON(row)
			if err != nil {
				return err
			}
		}

		sh.o.Printf("(%d rows)\n", len(rows))

		return nil
	}

	h := txplan.Add(plan, sh.s.builder.Raw(stmt, nil))

	res, err := sh.s.exec.Execute(ctx, plan)
	if err != nil {
		return err
	}

	n, err := txplan.Get(res, h)
	if err != nil {
		return err
	}

	sh.o.Printf("ok (%d affected)\n", n)

	return nil
}

func returnsRows(stmt string) bool {
	words := strings.Fields(strings.ToUpper(stmt))
	if len(words) == 0 {
		return false
	}

	switch words[0] {
	case "SELECT", "WITH", "VALUES", "PRAGMA", "EXPLAIN", "SHOW", "TABLE":
		return true
	}

	return slices.Contains(words, "RETURNING")
}
