package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
)

const accountColumns = `id, tenant_id, provider, email, display_name, status, sync_cursor,
	last_error, retry_count, last_synced_at, resync_requested_at, token, created_at, updated_at`

// CreateAccount inserts a connected mailbox. Reconnecting an address that is
// already known refreshes its token, revives it if it was removed and moves
// a disabled account back to NEW.
func (s *Store) CreateAccount(ctx context.Context, a mail.Account) (*mail.Account, error) {
	sealed, err := s.sealer.Seal(a.Token)
	if err != nil {
		return nil, err
	}
	now := millis(time.Now())
	email := mail.NormalizeAddress(a.Email)

	_, err = s.exec(ctx, s.db, `
		INSERT INTO email_accounts (id, tenant_id, provider, email, display_name, status, token, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider, email) DO UPDATE SET
			display_name = excluded.display_name,
			token = excluded.token,
			retry_count = 0,
			last_error = '',
			status = CASE
				WHEN email_accounts.status = 'DISABLED' OR email_accounts.deleted_at IS NOT NULL THEN 'NEW'
				ELSE email_accounts.status
			END,
			deleted_at = NULL,
			updated_at = excluded.updated_at
	`, uuid.NewString(), a.TenantID, string(a.Provider), email, a.DisplayName, string(mail.StatusNew), sealed, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return s.scanAccount(s.queryRow(ctx, s.db, `
		SELECT `+accountColumns+` FROM email_accounts
		WHERE tenant_id = ? AND provider = ? AND email = ?
	`, a.TenantID, string(a.Provider), email))
}

// GetAccount loads an account by id regardless of tenant
func (s *Store) GetAccount(ctx context.Context, id string) (*mail.Account, error) {
	return s.scanAccount(s.queryRow(ctx, s.db, `
		SELECT `+accountColumns+` FROM email_accounts
		WHERE id = ? AND deleted_at IS NULL
	`, id))
}

// GetTenantAccount loads an account owned by tenantID. Accounts of other
// tenants are reported as not found.
func (s *Store) GetTenantAccount(ctx context.Context, tenantID, id string) (*mail.Account, error) {
	return s.scanAccount(s.queryRow(ctx, s.db, `
		SELECT `+accountColumns+` FROM email_accounts
		WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL
	`, id, tenantID))
}

// ListAccounts returns the tenant's accounts ordered by creation
func (s *Store) ListAccounts(ctx context.Context, tenantID string) ([]mail.Account, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT `+accountColumns+` FROM email_accounts
		WHERE tenant_id = ? AND deleted_at IS NULL
		ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return s.scanAccounts(rows)
}

// ListSchedulable returns every live account that is not disabled
func (s *Store) ListSchedulable(ctx context.Context) ([]mail.Account, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT `+accountColumns+` FROM email_accounts
		WHERE deleted_at IS NULL AND status != ?
		ORDER BY updated_at
	`, string(mail.StatusDisabled))
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulable accounts: %w", err)
	}
	return s.scanAccounts(rows)
}

// SetStatus moves an account through the status machine and records an
// account.status event. ERROR stores errMsg and bumps the retry count; IDLE
// clears both and stamps last_synced_at. Returns the previous status.
func (s *Store) SetStatus(ctx context.Context, id string, to mail.Status, errMsg string) (mail.Status, error) {
	var prev mail.Status
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var tenantID, provider, status string
		err := s.queryRow(ctx, tx, `
			SELECT tenant_id, provider, status FROM email_accounts WHERE id = ? AND deleted_at IS NULL
		`, id).Scan(&tenantID, &provider, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", id, mail.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to load account status: %w", err)
		}

		prev = mail.Status(status)
		if err := mail.Transition(prev, to); err != nil {
			return err
		}

		now := time.Now()
		switch to {
		case mail.StatusError:
			_, err = s.exec(ctx, tx, `
				UPDATE email_accounts
				SET status = ?, last_error = ?, retry_count = retry_count + 1, updated_at = ?
				WHERE id = ?
			`, string(to), errMsg, millis(now), id)
		case mail.StatusIdle:
			_, err = s.exec(ctx, tx, `
				UPDATE email_accounts
				SET status = ?, last_error = '', retry_count = 0, last_synced_at = ?, updated_at = ?
				WHERE id = ?
			`, string(to), millis(now), millis(now), id)
		case mail.StatusResync:
			_, err = s.exec(ctx, tx, `
				UPDATE email_accounts
				SET status = ?, sync_cursor = '', last_error = ?, updated_at = ?
				WHERE id = ?
			`, string(to), errMsg, millis(now), id)
		default:
			_, err = s.exec(ctx, tx, `
				UPDATE email_accounts SET status = ?, updated_at = ? WHERE id = ?
			`, string(to), millis(now), id)
		}
		if err != nil {
			return fmt.Errorf("failed to update account status: %w", err)
		}

		return s.appendEvent(ctx, tx, newEvent(EventAccountStatus, tenantID, id, provider, string(to), now.UnixNano(), map[string]string{
			"status":   string(to),
			"previous": string(prev),
			"error":    errMsg,
		}))
	})
	return prev, err
}

// SaveCursor stores the history id or delta links incremental sync resumes from
func (s *Store) SaveCursor(ctx context.Context, id, cursor string) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE email_accounts SET sync_cursor = ?, updated_at = ? WHERE id = ?
	`, cursor, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// RequestResync records that the account must be rebuilt by a full sync and
// drops its cursor. The request survives runs that are already in flight and
// only a full sync that finishes clears it.
func (s *Store) RequestResync(ctx context.Context, id string) (*mail.Account, error) {
	now := millis(time.Now())
	res, err := s.exec(ctx, s.db, `
		UPDATE email_accounts
		SET resync_requested_at = ?, sync_cursor = '', updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("failed to request resync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("account %s: %w", id, mail.ErrNotFound)
	}
	return s.GetAccount(ctx, id)
}

// ClearResync clears the resync request made at requestedAt. A newer request
// is left in place.
func (s *Store) ClearResync(ctx context.Context, id string, requestedAt time.Time) error {
	_, err := s.exec(ctx, s.db, `
		UPDATE email_accounts SET resync_requested_at = NULL
		WHERE id = ? AND resync_requested_at = ?
	`, id, millis(requestedAt))
	if err != nil {
		return fmt.Errorf("failed to clear resync request: %w", err)
	}
	return nil
}

// RestartSync takes over an account left SYNCING by a run that died. The
// account stays SYNCING and its retry count is untouched.
func (s *Store) RestartSync(ctx context.Context, id, reason string) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE email_accounts SET last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND deleted_at IS NULL
	`, reason, millis(time.Now()), id, string(mail.StatusSyncing))
	if err != nil {
		return fmt.Errorf("failed to restart sync: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s is not syncing: %w", id, mail.ErrInvalidTransition)
	}
	return nil
}

// SaveToken replaces the account's OAuth token, typically after a refresh
func (s *Store) SaveToken(ctx context.Context, id string, tok *oauth2.Token) error {
	sealed, err := s.sealer.Seal(tok)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, s.db, `
		UPDATE email_accounts SET token = ?, updated_at = ? WHERE id = ?
	`, sealed, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanAccount(row rowScanner) (*mail.Account, error) {
	var (
		a                    mail.Account
		provider, status     string
		token                string
		lastSynced, resync   sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&a.ID, &a.TenantID, &provider, &a.Email, &a.DisplayName, &status, &a.Cursor,
		&a.LastError, &a.RetryCount, &lastSynced, &resync, &token, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account: %w", mail.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	a.Provider = mail.ProviderName(provider)
	a.Status = mail.Status(status)
	if lastSynced.Valid {
		t := fromMillis(lastSynced)
		a.LastSyncedAt = &t
	}
	if resync.Valid {
		t := fromMillis(resync)
		a.ResyncRequestedAt = &t
	}
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	a.Token, err = s.sealer.Open(token)
	if err != nil {
		return nil, fmt.Errorf("account %s token: %w", a.ID, err)
	}
	return &a, nil
}

func (s *Store) scanAccounts(rows *sql.Rows) ([]mail.Account, error) {
	defer rows.Close()
	var out []mail.Account
	for rows.Next() {
		a, err := s.scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
