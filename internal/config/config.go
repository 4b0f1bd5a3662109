// Package config loads shelf's layered JSONC configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/shelf/pkg/sqlstep"
	"github.com/calvinalkan/shelf/pkg/txplan"
)

// Config errors.
var (
	ErrFileNotFound  = errors.New("config file not found")
	ErrFileRead      = errors.New("cannot read config file")
	ErrInvalid       = errors.New("invalid config file")
	ErrDSNEmpty      = errors.New("dsn cannot be empty")
	ErrDriverInvalid = errors.New("invalid driver")
	ErrSchemasEmpty  = errors.New("schemas cannot be empty")
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	Driver      string   `json:"driver,omitempty"`
	DSN         string   `json:"dsn,omitempty"`
	Schemas     []string `json:"schemas,omitempty"`
	Modules     []string `json:"modules,omitempty"`
	Propagation string   `json:"propagation,omitempty"`
	DynamicType string   `json:"dynamic_type,omitempty"`
	CatalogFile string   `json:"catalog_file,omitempty"`
	LogLevel    string   `json:"log_level,omitempty"`

	// Resolved (computed, not serialized)
	EffectiveCwd string `json:"-"`

	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Driver:      "sqlite3",
		DSN:         "shelf.db",
		Schemas:     []string{"public"},
		Modules:     []string{"collection"},
		Propagation: txplan.Required.String(),
		DynamicType: "dynamic_payload",
		LogLevel:    "warn",
	}
}

// FileName is the default project config file name.
const FileName = ".shelf.json"

// globalPath returns $XDG_CONFIG_HOME/shelf/config.json, falling back to
// ~/.config/shelf/config.json, or "" when neither is known.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "shelf", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "shelf", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Config            // non-empty fields from CLI flags
	Env             map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/shelf/config.json)
// 3. Project config file (.shelf.json, if exists)
// 4. Explicit config file via ConfigPath (replaces 3)
// 5. CLI overrides.
//
// A relative sqlite DSN and catalog file are resolved against the working
// directory.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	global, globalFile, err := loadGlobal(input.Env)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Global = globalFile
	cfg = merge(cfg, global)

	project, projectFile, err := loadProject(workDir, input.ConfigPath)
	if err != nil {
		return Config{}, err
	}

	cfg.Sources.Project = projectFile
	cfg = merge(cfg, project)
	cfg = merge(cfg, input.Overrides)

	err = validate(cfg)
	if err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	if cfg.Driver == "sqlite3" && !filepath.IsAbs(cfg.DSN) && !strings.HasPrefix(cfg.DSN, "file:") && !strings.HasPrefix(cfg.DSN, ":memory:") {
		cfg.DSN = filepath.Join(workDir, cfg.DSN)
	}

	if cfg.CatalogFile != "" && !filepath.IsAbs(cfg.CatalogFile) {
		cfg.CatalogFile = filepath.Join(workDir, cfg.CatalogFile)
	}

	return cfg, nil
}

func loadGlobal(env map[string]string) (Config, string, error) {
	path := globalPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadFile(path, false)
	if err != nil || !loaded {
		return Config{}, "", err
	}

	return cfg, path, nil
}

func loadProject(workDir, configPath string) (Config, string, error) {
	path := filepath.Join(workDir, FileName)
	mustExist := false

	if configPath != "" {
		path = configPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		mustExist = true

		_, statErr := os.Stat(path)
		if statErr != nil {
			return Config{}, "", fmt.Errorf("%w: %s", ErrFileNotFound, configPath)
		}
	}

	cfg, loaded, err := loadFile(path, mustExist)
	if err != nil || !loaded {
		return Config{}, "", err
	}

	return cfg, path, nil
}

// loadFile loads a config file. If mustExist is false, a missing file is
// not an error.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", ErrFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, err := Parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrInvalid, path, err)
	}

	return cfg, true, nil
}

// Parse decodes a JSONC config document. An explicitly empty dsn is
// rejected rather than treated as unset.
func Parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	if v, ok := raw["dsn"].(string); ok && v == "" {
		return Config{}, ErrDSNEmpty
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.Driver != "" {
		base.Driver = overlay.Driver
	}

	if overlay.DSN != "" {
		base.DSN = overlay.DSN
	}

	if len(overlay.Schemas) > 0 {
		base.Schemas = overlay.Schemas
	}

	if len(overlay.Modules) > 0 {
		base.Modules = overlay.Modules
	}

	if overlay.Propagation != "" {
		base.Propagation = overlay.Propagation
	}

	if overlay.DynamicType != "" {
		base.DynamicType = overlay.DynamicType
	}

	if overlay.CatalogFile != "" {
		base.CatalogFile = overlay.CatalogFile
	}

	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}

	return base
}

func validate(cfg Config) error {
	if cfg.DSN == "" {
		return ErrDSNEmpty
	}

	if len(cfg.Schemas) == 0 {
		return ErrSchemasEmpty
	}

	switch cfg.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("%w %q (valid: sqlite3, pgx)", ErrDriverInvalid, cfg.Driver)
	}

	_, err := txplan.ParsePropagation(cfg.Propagation)
	if err != nil {
		return err
	}

	_, err = zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}

	return nil
}

// Dialect returns the statement dialect of the configured driver.
func (c Config) Dialect() sqlstep.Dialect {
	d, _ := sqlstep.ParseDialect(c.Driver)

	return d
}

// PropagationMode returns the parsed propagation.
func (c Config) PropagationMode() txplan.Propagation {
	p, _ := txplan.ParsePropagation(c.Propagation)

	return p
}

// Level returns the parsed log level.
func (c Config) Level() zapcore.Level {
	l, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.WarnLevel
	}

	return l
}
