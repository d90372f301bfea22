package migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upResyncRequests, downResyncRequests)
}

func upResyncRequests(tx *sql.Tx) error {
	return execAll(tx, []string{
		// Set when a full resync is requested, cleared by the full sync that honours it
		`ALTER TABLE email_accounts ADD COLUMN resync_requested_at BIGINT`,
	})
}

func downResyncRequests(tx *sql.Tx) error {
	return execAll(tx, []string{`ALTER TABLE email_accounts DROP COLUMN resync_requested_at`})
}
