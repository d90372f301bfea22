package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/reconcile"
)

type messageEventData struct {
	ThreadID  string   `json:"thread_id,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	From      string   `json:"from,omitempty"`
	FolderIDs []string `json:"folder_ids,omitempty"`
	Read      bool     `json:"read"`
	Starred   bool     `json:"starred"`
}

// ApplyPlan executes a reconciliation plan in one transaction. Every row
// change writes its outbox event in the same transaction.
func (s *Store) ApplyPlan(ctx context.Context, acct *mail.Account, plan reconcile.Plan) (reconcile.Stats, error) {
	var stats reconcile.Stats
	if plan.Empty() {
		return stats, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stats = reconcile.Stats{}
		now := time.Now()
		provider := string(acct.Provider)

		for _, f := range plan.Folders.Create {
			if err := s.insertFolder(ctx, tx, acct, f, now); err != nil {
				return err
			}
			stats.FoldersCreated++
			if err := s.appendEvent(ctx, tx, newEvent(EventFolderCreated, acct.TenantID, acct.ID, provider, f.RemoteID, now.UnixNano(), f)); err != nil {
				return err
			}
		}
		for _, f := range plan.Folders.Update {
			if err := s.updateFolder(ctx, tx, acct, f, now); err != nil {
				return err
			}
			stats.FoldersUpdated++
			if err := s.appendEvent(ctx, tx, newEvent(EventFolderUpdated, acct.TenantID, acct.ID, provider, f.RemoteID, now.UnixNano(), f)); err != nil {
				return err
			}
		}
		for _, id := range plan.Folders.Delete {
			deleted, err := s.deleteFolder(ctx, tx, acct, id, now)
			if err != nil {
				return err
			}
			if !deleted {
				continue
			}
			stats.FoldersDeleted++
			if err := s.appendEvent(ctx, tx, newEvent(EventFolderDeleted, acct.TenantID, acct.ID, provider, id, now.UnixNano(), nil)); err != nil {
				return err
			}
		}

		for _, m := range plan.Upsert {
			created, version, err := s.upsertMessage(ctx, tx, acct, m, now)
			if err != nil {
				return err
			}
			typ := EventMessageUpdated
			if created {
				typ = EventMessageCreated
				stats.MessagesCreated++
			} else {
				stats.MessagesUpdated++
			}
			st := m.State.Normalize()
			data := messageEventData{
				ThreadID:  m.ThreadID,
				Subject:   m.Subject,
				From:      m.From.Address,
				FolderIDs: st.FolderIDs,
				Read:      st.Read,
				Starred:   st.Starred,
			}
			if err := s.appendEvent(ctx, tx, newEvent(typ, acct.TenantID, acct.ID, provider, m.RemoteID, version, data)); err != nil {
				return err
			}
		}

		for _, st := range plan.Update {
			version, ok, err := s.updateMessageState(ctx, tx, acct, st, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stats.MessagesUpdated++
			st = st.Normalize()
			data := messageEventData{FolderIDs: st.FolderIDs, Read: st.Read, Starred: st.Starred}
			if err := s.appendEvent(ctx, tx, newEvent(EventMessageUpdated, acct.TenantID, acct.ID, provider, st.RemoteID, version, data)); err != nil {
				return err
			}
		}

		for _, id := range plan.Delete {
			version, ok, err := s.deleteMessage(ctx, tx, acct, id, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			stats.MessagesDeleted++
			if err := s.appendEvent(ctx, tx, newEvent(EventMessageDeleted, acct.TenantID, acct.ID, provider, id, version, nil)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return reconcile.Stats{}, err
	}
	return stats, nil
}

// upsertMessage writes a fully fetched message. A soft deleted row is
// revived and reported as created.
func (s *Store) upsertMessage(ctx context.Context, tx *sql.Tx, acct *mail.Account, m mail.Message, now time.Time) (bool, int64, error) {
	var (
		rowID     string
		version   int64
		deletedAt sql.NullInt64
	)
	err := s.queryRow(ctx, tx, `
		SELECT id, version, deleted_at FROM email_messages WHERE account_id = ? AND remote_id = ?
	`, acct.ID, m.RemoteID).Scan(&rowID, &version, &deletedAt)

	created := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		rowID = uuid.NewString()
		version = 1
		_, err = s.exec(ctx, tx, `
			INSERT INTO email_messages (id, tenant_id, account_id, remote_id, thread_id, internet_message_id, in_reply_to,
				subject, snippet, from_name, from_address, body_text, body_html, has_attachments, size,
				is_read, is_starred, is_draft, sent_at, received_at, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rowID, acct.TenantID, acct.ID, m.RemoteID, m.ThreadID, m.InternetMessageID, m.InReplyTo,
			m.Subject, m.Snippet, m.From.Name, mail.NormalizeAddress(m.From.Address), m.BodyText, m.BodyHTML, m.HasAttachments, m.Size,
			m.State.Read, m.State.Starred, m.State.Draft, nullMillis(m.SentAt), nullMillis(m.ReceivedAt), version, millis(now), millis(now))
		if err != nil {
			return false, 0, fmt.Errorf("failed to insert message %s: %w", m.RemoteID, err)
		}
	case err != nil:
		return false, 0, fmt.Errorf("failed to look up message %s: %w", m.RemoteID, err)
	default:
		created = deletedAt.Valid
		version++
		_, err = s.exec(ctx, tx, `
			UPDATE email_messages SET thread_id = ?, internet_message_id = ?, in_reply_to = ?, subject = ?, snippet = ?,
				from_name = ?, from_address = ?, body_text = ?, body_html = ?, has_attachments = ?, size = ?,
				is_read = ?, is_starred = ?, is_draft = ?, sent_at = ?, received_at = ?, version = ?,
				updated_at = ?, deleted_at = NULL
			WHERE id = ?
		`, m.ThreadID, m.InternetMessageID, m.InReplyTo, m.Subject, m.Snippet,
			m.From.Name, mail.NormalizeAddress(m.From.Address), m.BodyText, m.BodyHTML, m.HasAttachments, m.Size,
			m.State.Read, m.State.Starred, m.State.Draft, nullMillis(m.SentAt), nullMillis(m.ReceivedAt), version,
			millis(now), rowID)
		if err != nil {
			return false, 0, fmt.Errorf("failed to update message %s: %w", m.RemoteID, err)
		}
	}

	if err := s.replaceRecipients(ctx, tx, rowID, m); err != nil {
		return false, 0, err
	}
	if err := s.replaceFolders(ctx, tx, acct.ID, rowID, m.State.Normalize().FolderIDs); err != nil {
		return false, 0, err
	}
	return created, version, nil
}

func (s *Store) updateMessageState(ctx context.Context, tx *sql.Tx, acct *mail.Account, st mail.MessageState, now time.Time) (int64, bool, error) {
	var (
		rowID   string
		version int64
	)
	err := s.queryRow(ctx, tx, `
		SELECT id, version FROM email_messages WHERE account_id = ? AND remote_id = ? AND deleted_at IS NULL
	`, acct.ID, st.RemoteID).Scan(&rowID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up message %s: %w", st.RemoteID, err)
	}

	version++
	_, err = s.exec(ctx, tx, `
		UPDATE email_messages SET is_read = ?, is_starred = ?, is_draft = ?, version = ?, updated_at = ? WHERE id = ?
	`, st.Read, st.Starred, st.Draft, version, millis(now), rowID)
	if err != nil {
		return 0, false, fmt.Errorf("failed to update message state %s: %w", st.RemoteID, err)
	}
	if err := s.replaceFolders(ctx, tx, acct.ID, rowID, st.Normalize().FolderIDs); err != nil {
		return 0, false, err
	}
	return version, true, nil
}

func (s *Store) deleteMessage(ctx context.Context, tx *sql.Tx, acct *mail.Account, remoteID string, now time.Time) (int64, bool, error) {
	var (
		rowID   string
		version int64
	)
	err := s.queryRow(ctx, tx, `
		SELECT id, version FROM email_messages WHERE account_id = ? AND remote_id = ? AND deleted_at IS NULL
	`, acct.ID, remoteID).Scan(&rowID, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to look up message %s: %w", remoteID, err)
	}

	version++
	if _, err := s.exec(ctx, tx, `
		UPDATE email_messages SET deleted_at = ?, version = ?, updated_at = ? WHERE id = ?
	`, millis(now), version, millis(now), rowID); err != nil {
		return 0, false, fmt.Errorf("failed to delete message %s: %w", remoteID, err)
	}
	if _, err := s.exec(ctx, tx, `DELETE FROM email_message_folders WHERE message_id = ?`, rowID); err != nil {
		return 0, false, fmt.Errorf("failed to clear folders of message %s: %w", remoteID, err)
	}
	return version, true, nil
}

func (s *Store) replaceRecipients(ctx context.Context, tx *sql.Tx, rowID string, m mail.Message) error {
	if _, err := s.exec(ctx, tx, `DELETE FROM email_recipients WHERE message_id = ?`, rowID); err != nil {
		return fmt.Errorf("failed to clear recipients: %w", err)
	}
	positions := make(map[mail.RecipientKind]int)
	for _, r := range m.Recipients() {
		pos := positions[r.Kind]
		positions[r.Kind] = pos + 1
		if _, err := s.exec(ctx, tx, `
			INSERT INTO email_recipients (message_id, kind, position, name, address) VALUES (?, ?, ?, ?, ?)
		`, rowID, string(r.Kind), pos, r.Address.Name, mail.NormalizeAddress(r.Address.Address)); err != nil {
			return fmt.Errorf("failed to insert recipient: %w", err)
		}
	}
	return nil
}

func (s *Store) replaceFolders(ctx context.Context, tx *sql.Tx, accountID, rowID string, folderIDs []string) error {
	if _, err := s.exec(ctx, tx, `DELETE FROM email_message_folders WHERE message_id = ?`, rowID); err != nil {
		return fmt.Errorf("failed to clear message folders: %w", err)
	}
	for _, f := range folderIDs {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO email_message_folders (message_id, account_id, folder_remote_id) VALUES (?, ?, ?)
		`, rowID, accountID, f); err != nil {
			return fmt.Errorf("failed to insert message folder: %w", err)
		}
	}
	return nil
}
