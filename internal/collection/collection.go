// Package collection declares the types of the shelf collection database:
// novels, games and films on a personal shelf.
package collection

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/calvinalkan/shelf/pkg/sqlstep"
	"github.com/calvinalkan/shelf/pkg/typereg"
)

// ModuleName is the declaration module name used in configuration.
const ModuleName = "collection"

// ReadingStatus is how far along an item is.
type ReadingStatus string

// Reading statuses.
const (
	Planned   ReadingStatus = "Planned"
	Reading   ReadingStatus = "Reading"
	OnHold    ReadingStatus = "OnHold"
	Finished  ReadingStatus = "Finished"
	Abandoned ReadingStatus = "Abandoned"
)

// MediaKind is what an item is.
type MediaKind string

// Media kinds.
const (
	Novel MediaKind = "Novel"
	Game  MediaKind = "Game"
	Film  MediaKind = "Film"
)

// ReleaseInfo is one release of an item.
type ReleaseInfo struct {
	Year      int
	Publisher string
	Formats   []string
}

// NovelDetails is the kind-specific payload of a novel.
type NovelDetails struct {
	Pages  int    `json:"pages"`
	Series string `json:"series,omitempty"`
}

// GameDetails is the kind-specific payload of a game.
type GameDetails struct {
	Platform string `json:"platform"`
	Players  int    `json:"players"`
}

// Item is a row of the items table.
type Item struct {
	ID      int64
	Title   string
	Kind    MediaKind
	Status  ReadingStatus
	History []ReadingStatus
	Release *ReleaseInfo
	Details *typereg.Envelope
}

var pascalToSnake = typereg.CaseConvention{Code: typereg.Pascal, Schema: typereg.LowerSnake}

// Module returns the collection's declarations.
func Module() typereg.Module {
	return typereg.Module{Name: ModuleName, Declarations: []typereg.Declaration{
		typereg.Enum("reading_status", pascalToSnake, Planned, Reading, OnHold, Finished, Abandoned),
		typereg.Enum("media_kind", pascalToSnake, Novel, Game, Film),
		typereg.Composite[ReleaseInfo]("release_info"),
		typereg.Dynamic[NovelDetails]("novel"),
		typereg.Dynamic[GameDetails]("game"),
	}}
}

// Modules returns every declaration module shelf knows about.
func Modules() typereg.ModuleSet {
	return typereg.ModuleSet{}.Add(Module())
}

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed catalog.json
var catalogJSON []byte

// Schema returns the DDL creating the collection tables (and, on Postgres,
// its types).
func Schema(d sqlstep.Dialect) string {
	if d == sqlstep.Postgres {
		return postgresSchema
	}

	return sqliteSchema
}

// Catalog returns the type catalog describing the SQLite schema, which has
// no catalog of its own.
func Catalog() (*typereg.StaticCatalog, error) {
	cat, err := typereg.ParseStaticCatalog(bytes.Clone(catalogJSON))
	if err != nil {
		return nil, fmt.Errorf("embedded catalog: %w", err)
	}

	return cat, nil
}
