// Package migrations registers the schema migrations with goose. Importing
// the package is enough to make them visible to goose.Up.
package migrations

import (
	"database/sql"
)

// Dialect is set by the store before running goose so migrations can pick
// the few column types that differ between sqlite and postgres
var Dialect = "sqlite3"

func serialPK() string {
	if Dialect == "postgres" {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func execAll(tx *sql.Tx, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
