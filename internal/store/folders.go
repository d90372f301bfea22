package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// ListFolders returns the account's live folders ordered by remote id
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]mail.Folder, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT remote_id, name, parent_remote_id, folder_type, role, total_count, unread_count
		FROM email_folders
		WHERE account_id = ? AND deleted_at IS NULL
		ORDER BY remote_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var out []mail.Folder
	for rows.Next() {
		var (
			f   mail.Folder
			typ string
		)
		if err := rows.Scan(&f.RemoteID, &f.Name, &f.ParentRemoteID, &typ, &f.Role, &f.TotalCount, &f.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		f.Type = mail.FolderType(typ)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) insertFolder(ctx context.Context, tx *sql.Tx, acct *mail.Account, f mail.Folder, now time.Time) error {
	_, err := s.exec(ctx, tx, `
		INSERT INTO email_folders (id, tenant_id, account_id, remote_id, name, parent_remote_id, folder_type, role,
			total_count, unread_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, remote_id) DO UPDATE SET
			name = excluded.name,
			parent_remote_id = excluded.parent_remote_id,
			folder_type = excluded.folder_type,
			role = excluded.role,
			total_count = excluded.total_count,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at,
			deleted_at = NULL
	`, uuid.NewString(), acct.TenantID, acct.ID, f.RemoteID, f.Name, f.ParentRemoteID, string(f.Type), f.Role,
		f.TotalCount, f.UnreadCount, millis(now), millis(now))
	if err != nil {
		return fmt.Errorf("failed to insert folder %s: %w", f.RemoteID, err)
	}
	return nil
}

func (s *Store) updateFolder(ctx context.Context, tx *sql.Tx, acct *mail.Account, f mail.Folder, now time.Time) error {
	_, err := s.exec(ctx, tx, `
		UPDATE email_folders
		SET name = ?, parent_remote_id = ?, folder_type = ?, role = ?, total_count = ?, unread_count = ?, updated_at = ?
		WHERE account_id = ? AND remote_id = ?
	`, f.Name, f.ParentRemoteID, string(f.Type), f.Role, f.TotalCount, f.UnreadCount, millis(now), acct.ID, f.RemoteID)
	if err != nil {
		return fmt.Errorf("failed to update folder %s: %w", f.RemoteID, err)
	}
	return nil
}

// deleteFolder soft deletes the folder and drops its memberships
func (s *Store) deleteFolder(ctx context.Context, tx *sql.Tx, acct *mail.Account, remoteID string, now time.Time) (bool, error) {
	res, err := s.exec(ctx, tx, `
		UPDATE email_folders SET deleted_at = ?, updated_at = ?
		WHERE account_id = ? AND remote_id = ? AND deleted_at IS NULL
	`, millis(now), millis(now), acct.ID, remoteID)
	if err != nil {
		return false, fmt.Errorf("failed to delete folder %s: %w", remoteID, err)
	}
	if _, err := s.exec(ctx, tx, `
		DELETE FROM email_message_folders WHERE account_id = ? AND folder_remote_id = ?
	`, acct.ID, remoteID); err != nil {
		return false, fmt.Errorf("failed to clear folder %s memberships: %w", remoteID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
