// Package sync runs account synchronization: the runner executes full and
// incremental syncs against a MailProvider, the manager drives workers from
// the task queue and the scheduler decides which accounts are due.
package sync

import (
	"context"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/reconcile"
)

// MailProvider is a connector to one account's upstream mailbox
type MailProvider interface {
	Profile(ctx context.Context) (mail.Profile, error)
	ListFolders(ctx context.Context) ([]mail.Folder, error)

	// ListMessages pages through every remote message id and returns the
	// cursor incremental sync resumes from
	ListMessages(ctx context.Context, fn func([]mail.MessageRef) error) (string, error)

	// FetchMessages and FetchStates report missing messages through a
	// *batch.Error whose failures wrap mail.ErrNotFound
	FetchMessages(ctx context.Context, ids []string, fn func(mail.Message) error) error
	FetchStates(ctx context.Context, ids []string, fn func(mail.MessageState) error) error

	// Changes replays the cursor. An unusable cursor returns mail.ErrCursorExpired.
	Changes(ctx context.Context, cursor string) (*mail.ChangeSet, error)
}

// Dialer builds connectors. It is implemented by the provider registry.
type Dialer interface {
	TokenSource(ctx context.Context, acct *mail.Account) (oauth2.TokenSource, error)
	NewConnector(ctx context.Context, acct *mail.Account, ts oauth2.TokenSource) (MailProvider, error)
}

// Store is the persistence the sync engine needs
type Store interface {
	GetAccount(ctx context.Context, id string) (*mail.Account, error)
	ListSchedulable(ctx context.Context) ([]mail.Account, error)
	SetStatus(ctx context.Context, id string, to mail.Status, errMsg string) (mail.Status, error)
	SaveCursor(ctx context.Context, id, cursor string) error
	ClearResync(ctx context.Context, id string, requestedAt time.Time) error
	RestartSync(ctx context.Context, id, reason string) error
	SaveToken(ctx context.Context, id string, tok *oauth2.Token) error

	ListFolders(ctx context.Context, accountID string) ([]mail.Folder, error)
	MessageIDs(ctx context.Context, accountID string) ([]string, error)
	MessageStates(ctx context.Context, accountID string, remoteIDs []string) (map[string]mail.MessageState, error)
	ApplyPlan(ctx context.Context, acct *mail.Account, plan reconcile.Plan) (reconcile.Stats, error)
}

// Options tunes the sync engine
type Options struct {
	Workers     int
	BatchSize   int
	Interval    time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	LockTTL     time.Duration
	RunTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 30 * time.Second
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = time.Hour
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 2 * time.Minute
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 30 * time.Minute
	}
	return o
}
