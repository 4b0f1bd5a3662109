package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/calvinalkan/shelf/internal/config"
	"github.com/calvinalkan/shelf/pkg/sqlstep"
	"github.com/calvinalkan/shelf/pkg/txplan"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err = os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func load(t *testing.T, dir string, in config.LoadInput) (config.Config, error) {
	t.Helper()

	in.WorkDirOverride = dir
	if in.Env == nil {
		in.Env = map[string]string{"HOME": filepath.Join(dir, "home")}
	}

	return config.Load(in)
}

func Test_Load_Returns_Defaults_When_No_Files(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	cfg, err := load(t, dir, config.LoadInput{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Default()
	want.DSN = filepath.Join(dir, "shelf.db")
	want.EffectiveCwd = dir

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}

	if cfg.Dialect() != sqlstep.SQLite || cfg.PropagationMode() != txplan.Required {
		t.Fatalf("dialect = %s, propagation = %s", cfg.Dialect(), cfg.PropagationMode())
	}
}

func Test_Load_Applies_Layers_In_Precedence_Order(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	xdg := filepath.Join(dir, "xdg")

	writeFile(t, filepath.Join(xdg, "shelf", "config.json"), `{
		// global
		"driver": "pgx",
		"dsn": "postgres://global",
		"log_level": "debug",
		"schemas": ["public", "media"],
	}`)
	writeFile(t, filepath.Join(dir, ".shelf.json"), `{"dsn": "postgres://project", "propagation": "nested"}`)

	cfg, err := load(t, dir, config.LoadInput{
		Env:       map[string]string{"XDG_CONFIG_HOME": xdg},
		Overrides: config.Config{LogLevel: "error", CatalogFile: "types.json"},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := config.Config{
		Driver:       "pgx",
		DSN:          "postgres://project",
		Schemas:      []string{"public", "media"},
		Modules:      []string{"collection"},
		Propagation:  "nested",
		DynamicType:  "dynamic_payload",
		CatalogFile:  filepath.Join(dir, "types.json"),
		LogLevel:     "error",
		EffectiveCwd: dir,
		Sources: config.Sources{
			Global:  filepath.Join(xdg, "shelf", "config.json"),
			Project: filepath.Join(dir, ".shelf.json"),
		},
	}

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}

	if cfg.Dialect() != sqlstep.Postgres || cfg.PropagationMode() != txplan.Nested {
		t.Fatalf("dialect = %s, propagation = %s", cfg.Dialect(), cfg.PropagationMode())
	}
}

func Test_Load_Uses_Explicit_File_Instead_Of_Project_File(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".shelf.json"), `{"dsn": "project.db"}`)
	writeFile(t, filepath.Join(dir, "custom.json"), `{"dsn": "custom.db"}`)

	cfg, err := load(t, dir, config.LoadInput{ConfigPath: "custom.json"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DSN != filepath.Join(dir, "custom.db") {
		t.Fatalf("dsn = %q", cfg.DSN)
	}
}

func Test_Load_Returns_Error_When_Config_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		path    string
		want    error
	}{
		{name: "explicit file missing", path: "missing.json", want: config.ErrFileNotFound},
		{name: "broken json", content: `{broken}`, want: config.ErrInvalid},
		{name: "explicit empty dsn", content: `{"dsn": ""}`, want: config.ErrDSNEmpty},
		{name: "unknown driver", content: `{"driver": "mysql"}`, want: config.ErrDriverInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			if tt.content != "" {
				writeFile(t, filepath.Join(dir, ".shelf.json"), tt.content)
			}

			_, err := load(t, dir, config.LoadInput{ConfigPath: tt.path})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func Test_Load_Rejects_Unknown_Propagation_And_Level(t *testing.T) {
	t.Parallel()

	for _, content := range []string{`{"propagation": "sometimes"}`, `{"log_level": "chatty"}`} {
		dir := t.TempDir()
		writeFile(t, filepath.Join(dir, ".shelf.json"), content)

		_, err := load(t, dir, config.LoadInput{})
		if err == nil {
			t.Fatalf("%s: expected error", content)
		}
	}
}

func Test_Parse_Keeps_Unset_Fields_Empty(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(`{"modules": ["collection", "extra"]}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	want := config.Config{Modules: []string{"collection", "extra"}}

	if diff := cmp.Diff(want, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}
