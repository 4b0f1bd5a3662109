package cli

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/calvinalkan/shelf/internal/collection"
	"github.com/calvinalkan/shelf/internal/config"
	"github.com/calvinalkan/shelf/internal/dbconn"
	"github.com/calvinalkan/shelf/pkg/sqlstep"
	"github.com/calvinalkan/shelf/pkg/txplan"
	"github.com/calvinalkan/shelf/pkg/typereg"
)

// app holds state shared by commands. The database and registry are opened
// lazily so commands that need neither stay cheap.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	in     io.Reader
	env    map[string]string

	db  *sql.DB
	reg *typereg.Registry
}

func (a *app) commands() []*Command {
	return []*Command{
		a.initCmd(),
		a.typesCmd(),
		a.planCmd(),
		a.shellCmd(),
		a.printConfigCmd(),
	}
}

func (a *app) open(ctx context.Context) (*sql.DB, error) {
	if a.db != nil {
		return a.db, nil
	}

	db, err := dbconn.Open(ctx, a.cfg.Driver, a.cfg.DSN)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("database opened", zap.String("driver", a.cfg.Driver))
	a.db = db

	return db, nil
}

func (a *app) close() {
	if a.db != nil {
		_ = a.db.Close()
		a.db = nil
	}
}

// catalog picks the schema catalog: the live pg_catalog for postgres, an
// explicit catalog file when configured, the embedded one otherwise.
func (a *app) catalog(ctx context.Context) (typereg.Catalog, error) {
	if a.cfg.Dialect() == sqlstep.Postgres {
		db, err := a.open(ctx)
		if err != nil {
			return nil, err
		}

		return typereg.PostgresCatalog{DB: db}, nil
	}

	if a.cfg.CatalogFile != "" {
		return typereg.LoadStaticCatalog(a.cfg.CatalogFile)
	}

	return collection.Catalog()
}

func (a *app) registry(ctx context.Context) (*typereg.Registry, error) {
	if a.reg != nil {
		return a.reg, nil
	}

	cat, err := a.catalog(ctx)
	if err != nil {
		return nil, err
	}

	reg, err := typereg.NewLoader(cat, collection.Modules(), typereg.LoaderConfig{
		Modules:     a.cfg.Modules,
		Schemas:     a.cfg.Schemas,
		DynamicType: a.cfg.DynamicType,
	}, typereg.WithLogger(a.logger)).Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load types: %w", err)
	}

	a.reg = reg

	return reg, nil
}

// session is everything a plan needs to run.
type session struct {
	reg     *typereg.Registry
	builder sqlstep.Builder
	exec    *txplan.Executor
}

func (a *app) session(ctx context.Context) (*session, error) {
	reg, err := a.registry(ctx)
	if err != nil {
		return nil, err
	}

	db, err := a.open(ctx)
	if err != nil {
		return nil, err
	}

	tx := txplan.NewSQLTxManager(db, txplan.WithTxLogger(a.logger), txplan.WithErrorClassifier(sqlstep.Classify))

	return &session{
		reg:     reg,
		builder: sqlstep.Builder{Dialect: a.cfg.Dialect(), Encoder: reg, Converter: reg.Converter()},
		exec: txplan.NewExecutor(tx,
			txplan.WithPropagation(a.cfg.PropagationMode()),
			txplan.WithLogger(a.logger),
			txplan.WithConverter(reg.Converter()),
		),
	}, nil
}
