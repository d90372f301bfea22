package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType names a change event published to NATS
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"
	EventFolderCreated  EventType = "folder.created"
	EventFolderUpdated  EventType = "folder.updated"
	EventFolderDeleted  EventType = "folder.deleted"
	EventAccountStatus  EventType = "account.status"
)

// Event is the JSON payload of an outbox row
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	TenantID   string    `json:"tenant_id"`
	AccountID  string    `json:"account_id"`
	Provider   string    `json:"provider"`
	RemoteID   string    `json:"remote_id,omitempty"`
	Version    int64     `json:"version"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

func newEvent(typ EventType, tenantID, accountID, provider, remoteID string, version int64, data any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		TenantID:   tenantID,
		AccountID:  accountID,
		Provider:   provider,
		RemoteID:   remoteID,
		Version:    version,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// MsgID is the JetStream dedup id: one per object version
func (e Event) MsgID() string {
	return fmt.Sprintf("%s|%s|%s|%d", e.Type, e.AccountID, e.RemoteID, e.Version)
}

var subjectToken = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject is tenant.<tenant>.mail.<event>
func Subject(tenantID string, typ EventType) string {
	return fmt.Sprintf("tenant.%s.mail.%s", subjectToken.Replace(tenantID), typ)
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID        int64
	EventType EventType
	Subject   string
	Payload   []byte
	MsgID     string
	Retries   int
}

// appendEvent writes an outbox row inside the caller's transaction. A second
// write of the same object version is ignored.
func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	now := millis(time.Now())
	_, err = s.exec(ctx, tx, `
		INSERT INTO outbox (tenant_id, account_id, subject, event_type, payload, msg_id, created_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (msg_id) DO NOTHING
	`, ev.TenantID, ev.AccountID, Subject(ev.TenantID, ev.Type), string(ev.Type), string(payload), ev.MsgID(), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, event_type, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, millis(time.Now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var (
			msg       OutboxMessage
			eventType string
			payload   string
		)
		if err := rows.Scan(&msg.ID, &eventType, &msg.Subject, &payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		msg.EventType = EventType(eventType)
		msg.Payload = []byte(payload)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, s.db, `UPDATE outbox SET published_at = ? WHERE id = ?`, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, millis(time.Now().Add(backoff)), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PendingOutbox counts unpublished rows
func (s *Store) PendingOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	return n, err
}

// PruneOutbox deletes published rows older than age
func (s *Store) PruneOutbox(ctx context.Context, age time.Duration) (int64, error) {
	res, err := s.exec(ctx, s.db, `
		DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?
	`, millis(time.Now().Add(-age)))
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	return res.RowsAffected()
}
