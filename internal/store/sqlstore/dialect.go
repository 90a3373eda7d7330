package sqlstore

import (
	"fmt"

	// Register the goqu dialects the store can build SQL for.
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
)

// Dialect captures the few points where supported databases differ:
// placeholder style (via the goqu dialect name), row-lock support, and the
// sqlx driver name used to rebind queries.
type Dialect struct {
	// Name is the canonical dialect name: "sqlite", "mysql", "postgres".
	Name string

	// GoquName selects the goqu SQL builder dialect.
	GoquName string

	// DriverName is the database/sql driver the caller opened the handle
	// with; sqlx uses it to pick the bindvar style.
	DriverName string

	// SupportsSelectForUpdate selects the lock acquisition strategy:
	// SELECT ... FOR UPDATE where true, the UPDATE-then-INSERT ladder
	// where false.
	SupportsSelectForUpdate bool
}

var (
	// DialectSQLite covers both modernc.org/sqlite ("sqlite") and
	// mattn/go-sqlite3 ("sqlite3"); pass the driver name in use.
	DialectSQLite = Dialect{Name: "sqlite", GoquName: "sqlite3", DriverName: "sqlite", SupportsSelectForUpdate: false}

	DialectMySQL = Dialect{Name: "mysql", GoquName: "mysql", DriverName: "mysql", SupportsSelectForUpdate: true}

	DialectPostgres = Dialect{Name: "postgres", GoquName: "postgres", DriverName: "postgres", SupportsSelectForUpdate: true}
)

// DialectByName resolves a configuration string to a Dialect.
func DialectByName(name string) (Dialect, error) {
	switch name {
	case "sqlite", "sqlite3":
		d := DialectSQLite
		d.DriverName = name
		return d, nil
	case "mysql":
		return DialectMySQL, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	default:
		return Dialect{}, fmt.Errorf("unknown job store dialect %q", name)
	}
}
