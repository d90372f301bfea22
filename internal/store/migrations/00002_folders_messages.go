package migrations

import (
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigration(upFoldersMessages, downFoldersMessages)
}

func upFoldersMessages(tx *sql.Tx) error {
	return execAll(tx, []string{
		`CREATE TABLE email_folders (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			account_id TEXT NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
			remote_id TEXT NOT NULL,
			name TEXT NOT NULL,
			parent_remote_id TEXT NOT NULL DEFAULT '',
			folder_type TEXT NOT NULL DEFAULT 'user',
			role TEXT NOT NULL DEFAULT '',
			total_count BIGINT NOT NULL DEFAULT 0,
			unread_count BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			deleted_at BIGINT,
			UNIQUE(account_id, remote_id)
		)`,
		`CREATE INDEX idx_email_folders_tenant ON email_folders(tenant_id)`,

		`CREATE TABLE email_messages (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			account_id TEXT NOT NULL REFERENCES email_accounts(id) ON DELETE CASCADE,
			remote_id TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			internet_message_id TEXT NOT NULL DEFAULT '',
			in_reply_to TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			snippet TEXT NOT NULL DEFAULT '',
			from_name TEXT NOT NULL DEFAULT '',
			from_address TEXT NOT NULL DEFAULT '',
			body_text TEXT NOT NULL DEFAULT '',
			body_html TEXT NOT NULL DEFAULT '',
			has_attachments BOOLEAN NOT NULL DEFAULT FALSE,
			size BIGINT NOT NULL DEFAULT 0,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			is_starred BOOLEAN NOT NULL DEFAULT FALSE,
			is_draft BOOLEAN NOT NULL DEFAULT FALSE,
			sent_at BIGINT,
			received_at BIGINT,
			version BIGINT NOT NULL DEFAULT 1,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			deleted_at BIGINT,
			UNIQUE(account_id, remote_id)
		)`,
		`CREATE INDEX idx_email_messages_tenant ON email_messages(tenant_id)`,
		`CREATE INDEX idx_email_messages_thread ON email_messages(account_id, thread_id)`,
		`CREATE INDEX idx_email_messages_received ON email_messages(account_id, received_at)`,

		// Folder membership keyed by the folder's remote id so a message can
		// reference a label before the folder row exists
		`CREATE TABLE email_message_folders (
			message_id TEXT NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
			account_id TEXT NOT NULL,
			folder_remote_id TEXT NOT NULL,
			PRIMARY KEY(message_id, folder_remote_id)
		)`,
		`CREATE INDEX idx_email_message_folders_folder ON email_message_folders(account_id, folder_remote_id)`,

		`CREATE TABLE email_recipients (
			message_id TEXT NOT NULL REFERENCES email_messages(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL,
			PRIMARY KEY(message_id, kind, position)
		)`,
		`CREATE INDEX idx_email_recipients_address ON email_recipients(address)`,
	})
}

func downFoldersMessages(tx *sql.Tx) error {
	return execAll(tx, []string{
		`DROP TABLE IF EXISTS email_recipients`,
		`DROP TABLE IF EXISTS email_message_folders`,
		`DROP TABLE IF EXISTS email_messages`,
		`DROP TABLE IF EXISTS email_folders`,
	})
}
