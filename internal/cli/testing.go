package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/shelf/internal/dbconn"
)

// CLI runs shelf against a collection database in a temp directory.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLI returns a CLI whose working directory is a fresh temp dir. The
// database is not created until [CLI.Init] or "init" runs.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{t: t, Dir: t.TempDir(), Env: map[string]string{}}
}

// Init creates the collection schema in the default database.
func (c *CLI) Init() *CLI {
	c.t.Helper()

	c.MustRun("init")

	return c
}

// Run executes "shelf --cwd Dir args..." and returns stdout, stderr and the
// exit code.
func (c *CLI) Run(args ...string) (string, string, int) {
	return c.run(nil, args)
}

// RunWithInput is [CLI.Run] with input on stdin.
func (c *CLI) RunWithInput(input string, args ...string) (string, string, int) {
	return c.run(strings.NewReader(input), args)
}

func (c *CLI) run(in io.Reader, args []string) (string, string, int) {
	var out, errOut bytes.Buffer

	code := Run(in, &out, &errOut, append([]string{"shelf", "--cwd", c.Dir}, args...), c.Env, nil)

	return out.String(), errOut.String(), code
}

// MustRun fails the test unless the command exits 0, and returns trimmed
// stdout.
func (c *CLI) MustRun(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code != 0 {
		c.t.Fatalf("shelf %v exited %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail fails the test unless the command exits non-zero with nothing on
// stdout, and returns trimmed stderr.
func (c *CLI) MustFail(args ...string) string {
	c.t.Helper()

	stdout, stderr, code := c.Run(args...)
	if code == 0 {
		c.t.Fatalf("shelf %v should have failed\nstdout: %s", args, stdout)
	}

	if stdout != "" {
		c.t.Fatalf("shelf %v failed but wrote to stdout\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// WriteFile writes a file (a plan, a config, a catalog) into Dir and
// returns its path.
func (c *CLI) WriteFile(name, content string) string {
	c.t.Helper()

	path := filepath.Join(c.Dir, name)

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		c.t.Fatalf("write %s: %v", name, err)
	}

	return path
}

// Count returns the number of rows in table of the default database,
// read directly rather than through shelf.
func (c *CLI) Count(table string) int {
	c.t.Helper()

	ctx := context.Background()

	db, err := dbconn.Open(ctx, "sqlite3", filepath.Join(c.Dir, "shelf.db"))
	if err != nil {
		c.t.Fatalf("open database: %v", err)
	}

	defer func() { _ = db.Close() }()

	var n int

	err = db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n)
	if err != nil {
		c.t.Fatalf("count %s: %v", table, err)
	}

	return n
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
