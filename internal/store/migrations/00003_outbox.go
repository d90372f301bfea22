package migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upOutbox, downOutbox)
}

func upOutbox(tx *sql.Tx) error {
	return execAll(tx, []string{
		// Change events written in the same transaction as the rows they
		// describe, drained to NATS by the dispatcher
		`CREATE TABLE outbox (
			id ` + serialPK() + `,
			tenant_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			msg_id TEXT NOT NULL UNIQUE,
			created_at BIGINT NOT NULL,
			next_attempt_at BIGINT NOT NULL,
			retries INTEGER NOT NULL DEFAULT 0,
			published_at BIGINT
		)`,
		`CREATE INDEX idx_outbox_pending ON outbox(published_at, next_attempt_at)`,
	})
}

func downOutbox(tx *sql.Tx) error {
	return execAll(tx, []string{`DROP TABLE IF EXISTS outbox`})
}
