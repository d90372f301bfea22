package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/batch"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(config.DatabaseConfig{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "mailsync.db"),
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func newTestAccount(t *testing.T, s *store.Store) *mail.Account {
	t.Helper()
	a, err := s.CreateAccount(context.Background(), mail.Account{
		TenantID: "tenant-1",
		Provider: mail.ProviderGmail,
		Email:    "alice@example.com",
		Token:    &oauth2.Token{AccessToken: "access", RefreshToken: "refresh"},
	})
	require.NoError(t, err)
	return a
}

func reload(t *testing.T, s *store.Store, id string) *mail.Account {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func message(id string, read bool, folders ...string) mail.Message {
	return mail.Message{
		RemoteID: id,
		ThreadID: "t-" + id,
		Subject:  "subject " + id,
		From:     mail.Address{Address: "bob@example.com"},
		State:    mail.MessageState{RemoteID: id, Read: read, FolderIDs: folders}.Normalize(),
	}
}

// fakeMailbox is an in-memory MailProvider
type fakeMailbox struct {
	profile    mail.Profile
	folders    []mail.Folder
	messages   map[string]mail.Message
	listCursor string
	changes    *mail.ChangeSet
	changesErr error
	foldersErr error
	missing    map[string]bool
	panicOn    string

	fetched []string
	states  []string
}

func newFakeMailbox(msgs ...mail.Message) *fakeMailbox {
	f := &fakeMailbox{
		profile: mail.Profile{Email: "alice@example.com"},
		folders: []mail.Folder{
			{RemoteID: "INBOX", Name: "INBOX", Type: mail.FolderSystem, Role: mail.RoleInbox},
			{RemoteID: "Label_1", Name: "Work", Type: mail.FolderUser},
		},
		messages:   make(map[string]mail.Message),
		listCursor: "100",
		missing:    make(map[string]bool),
	}
	for _, m := range msgs {
		f.messages[m.RemoteID] = m
	}
	return f
}

func (f *fakeMailbox) Profile(ctx context.Context) (mail.Profile, error) {
	return f.profile, nil
}

func (f *fakeMailbox) ListFolders(ctx context.Context) ([]mail.Folder, error) {
	if f.foldersErr != nil {
		return nil, f.foldersErr
	}
	return f.folders, nil
}

func (f *fakeMailbox) ListMessages(ctx context.Context, fn func([]mail.MessageRef) error) (string, error) {
	ids := make([]string, 0, len(f.messages))
	for id := range f.messages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for start := 0; start < len(ids); start += 2 {
		var refs []mail.MessageRef
		for _, id := range ids[start:min(start+2, len(ids))] {
			refs = append(refs, mail.MessageRef{RemoteID: id})
		}
		if err := fn(refs); err != nil {
			return "", err
		}
	}
	return f.listCursor, nil
}

func (f *fakeMailbox) lookup(ids []string, fn func(mail.Message) error) error {
	failures := make(map[string]error)
	for _, id := range ids {
		if id == f.panicOn {
			panic("fake mailbox exploded")
		}
		m, ok := f.messages[id]
		if !ok || f.missing[id] {
			failures[id] = fmt.Errorf("message %s: %w", id, mail.ErrNotFound)
			continue
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	if len(failures) > 0 {
		return &batch.Error{Total: len(ids), Failures: failures}
	}
	return nil
}

func (f *fakeMailbox) FetchMessages(ctx context.Context, ids []string, fn func(mail.Message) error) error {
	f.fetched = append(f.fetched, ids...)
	return f.lookup(ids, fn)
}

func (f *fakeMailbox) FetchStates(ctx context.Context, ids []string, fn func(mail.MessageState) error) error {
	f.states = append(f.states, ids...)
	return f.lookup(ids, func(m mail.Message) error { return fn(m.State) })
}

func (f *fakeMailbox) Changes(ctx context.Context, cursor string) (*mail.ChangeSet, error) {
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	if f.changes == nil {
		return &mail.ChangeSet{Cursor: cursor}, nil
	}
	return f.changes, nil
}

// fakeDialer hands out a fixed provider and counts connector builds
type fakeDialer struct {
	provider MailProvider
	built    int
	tokens   oauth2.TokenSource
}

func (d *fakeDialer) TokenSource(ctx context.Context, acct *mail.Account) (oauth2.TokenSource, error) {
	if d.tokens != nil {
		return d.tokens, nil
	}
	return oauth2.StaticTokenSource(acct.Token), nil
}

func (d *fakeDialer) NewConnector(ctx context.Context, acct *mail.Account, ts oauth2.TokenSource) (MailProvider, error) {
	d.built++
	return d.provider, nil
}
