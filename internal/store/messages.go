package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Martian-dev/mailsync/internal/mail"
)

// MessageRecord is a stored message with its row metadata
type MessageRecord struct {
	mail.Message
	ID        string
	AccountID string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageFilter pages through an account's messages
type MessageFilter struct {
	FolderID string // remote folder id; empty lists every folder
	Limit    int
	Offset   int
}

// MessageIDs returns the remote ids of every live message of the account
func (s *Store) MessageIDs(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT remote_id FROM email_messages WHERE account_id = ? AND deleted_at IS NULL
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list message ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MessageStates loads the stored flags and folder membership for the given
// remote ids. Ids that are not stored are absent from the result.
func (s *Store) MessageStates(ctx context.Context, accountID string, remoteIDs []string) (map[string]mail.MessageState, error) {
	out := make(map[string]mail.MessageState, len(remoteIDs))
	rowToRemote := make(map[string]string, len(remoteIDs))

	for _, ids := range chunk(remoteIDs, inChunk) {
		args := make([]any, 0, len(ids)+1)
		args = append(args, accountID)
		for _, id := range ids {
			args = append(args, id)
		}

		rows, err := s.query(ctx, s.db, `
			SELECT id, remote_id, is_read, is_starred, is_draft FROM email_messages
			WHERE account_id = ? AND deleted_at IS NULL AND remote_id IN (`+placeholders(len(ids))+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to load message states: %w", err)
		}
		for rows.Next() {
			var (
				rowID string
				st    mail.MessageState
			)
			if err := rows.Scan(&rowID, &st.RemoteID, &st.Read, &st.Starred, &st.Draft); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan message state: %w", err)
			}
			out[st.RemoteID] = st
			rowToRemote[rowID] = st.RemoteID
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	rowIDs := make([]string, 0, len(rowToRemote))
	for id := range rowToRemote {
		rowIDs = append(rowIDs, id)
	}
	folders, err := s.messageFolders(ctx, rowIDs)
	if err != nil {
		return nil, err
	}
	for rowID, remoteID := range rowToRemote {
		st := out[remoteID]
		st.FolderIDs = folders[rowID]
		out[remoteID] = st.Normalize()
	}
	return out, nil
}

// messageFolders maps message row ids to remote folder ids
func (s *Store) messageFolders(ctx context.Context, rowIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(rowIDs))
	for _, ids := range chunk(rowIDs, inChunk) {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := s.query(ctx, s.db, `
			SELECT message_id, folder_remote_id FROM email_message_folders
			WHERE message_id IN (`+placeholders(len(ids))+`)
		`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to load message folders: %w", err)
		}
		for rows.Next() {
			var msgID, folderID string
			if err := rows.Scan(&msgID, &folderID); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan message folder: %w", err)
			}
			out[msgID] = append(out[msgID], folderID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out, nil
}

const messageColumns = `id, account_id, remote_id, thread_id, internet_message_id, in_reply_to, subject, snippet,
	from_name, from_address, has_attachments, size, is_read, is_starred, is_draft, sent_at, received_at,
	version, created_at, updated_at`

func scanMessage(row rowScanner, withBody bool) (*MessageRecord, error) {
	var (
		m                    MessageRecord
		sentAt, receivedAt   sql.NullInt64
		createdAt, updatedAt int64
	)
	dest := []any{&m.ID, &m.AccountID, &m.RemoteID, &m.ThreadID, &m.InternetMessageID, &m.InReplyTo, &m.Subject,
		&m.Snippet, &m.From.Name, &m.From.Address, &m.HasAttachments, &m.Size, &m.State.Read, &m.State.Starred,
		&m.State.Draft, &sentAt, &receivedAt, &m.Version, &createdAt, &updatedAt}
	if withBody {
		dest = append(dest, &m.BodyText, &m.BodyHTML)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message: %w", mail.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.State.RemoteID = m.RemoteID
	m.SentAt = fromMillis(sentAt)
	m.ReceivedAt = fromMillis(receivedAt)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &m, nil
}

// GetMessage loads one message with body, recipients and folders
func (s *Store) GetMessage(ctx context.Context, accountID, remoteID string) (*MessageRecord, error) {
	m, err := scanMessage(s.queryRow(ctx, s.db, `
		SELECT `+messageColumns+`, body_text, body_html FROM email_messages
		WHERE account_id = ? AND remote_id = ? AND deleted_at IS NULL
	`, accountID, remoteID), true)
	if err != nil {
		return nil, err
	}

	folders, err := s.messageFolders(ctx, []string{m.ID})
	if err != nil {
		return nil, err
	}
	m.State.FolderIDs = folders[m.ID]

	rows, err := s.query(ctx, s.db, `
		SELECT kind, name, address FROM email_recipients WHERE message_id = ? ORDER BY kind, position
	`, m.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			a    mail.Address
		)
		if err := rows.Scan(&kind, &a.Name, &a.Address); err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		switch mail.RecipientKind(kind) {
		case mail.RecipientTo:
			m.To = append(m.To, a)
		case mail.RecipientCc:
			m.Cc = append(m.Cc, a)
		case mail.RecipientBcc:
			m.Bcc = append(m.Bcc, a)
		case mail.RecipientReplyTo:
			m.ReplyTo = append(m.ReplyTo, a)
		}
	}
	return m, rows.Err()
}

// ListMessages returns message summaries without bodies, newest first
func (s *Store) ListMessages(ctx context.Context, accountID string, f MessageFilter) ([]MessageRecord, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `SELECT ` + messageColumns + ` FROM email_messages WHERE account_id = ? AND deleted_at IS NULL`
	args := []any{accountID}
	if f.FolderID != "" {
		query += ` AND id IN (SELECT message_id FROM email_message_folders WHERE account_id = ? AND folder_remote_id = ?)`
		args = append(args, accountID, f.FolderID)
	}
	query += ` ORDER BY received_at DESC, remote_id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		m, err := scanMessage(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(out))
	for i := range out {
		ids[i] = out[i].ID
	}
	folders, err := s.messageFolders(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].State.FolderIDs = folders[out[i].ID]
	}
	return out, nil
}

// CountMessages counts live messages, optionally within one folder
func (s *Store) CountMessages(ctx context.Context, accountID, folderID string) (int64, error) {
	query := `SELECT COUNT(*) FROM email_messages WHERE account_id = ? AND deleted_at IS NULL`
	args := []any{accountID}
	if folderID != "" {
		query += ` AND id IN (SELECT message_id FROM email_message_folders WHERE account_id = ? AND folder_remote_id = ?)`
		args = append(args, accountID, folderID)
	}
	var n int64
	if err := s.queryRow(ctx, s.db, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}
