package migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upAccounts, downAccounts)
}

func upAccounts(tx *sql.Tx) error {
	return execAll(tx, []string{
		// Connected mailboxes, one per tenant/provider/address
		`CREATE TABLE email_accounts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			email TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'NEW',
			sync_cursor TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_synced_at BIGINT,
			token TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			deleted_at BIGINT,
			UNIQUE(tenant_id, provider, email)
		)`,
		`CREATE INDEX idx_email_accounts_tenant ON email_accounts(tenant_id)`,
		`CREATE INDEX idx_email_accounts_status ON email_accounts(status)`,
	})
}

func downAccounts(tx *sql.Tx) error {
	return execAll(tx, []string{`DROP TABLE IF EXISTS email_accounts`})
}
