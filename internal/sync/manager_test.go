package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/queue"
	"github.com/Martian-dev/mailsync/internal/store"
)

type managerFixture struct {
	store   *store.Store
	queue   *queue.MemoryQueue
	locker  *queue.MemoryLocker
	mailbox *fakeMailbox
	dialer  *fakeDialer
	manager *Manager
	acct    *mail.Account
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	s := newTestStore(t)
	mb := newFakeMailbox(message("m1", false, "INBOX"))
	dialer := &fakeDialer{provider: mb}
	conns, err := NewConnectors(dialer, s, 8)
	require.NoError(t, err)

	q := queue.NewMemoryQueue(16)
	locker := queue.NewMemoryLocker()
	return &managerFixture{
		store:   s,
		queue:   q,
		locker:  locker,
		mailbox: mb,
		dialer:  dialer,
		manager: NewManager(s, q, locker, conns, Options{Workers: 1, LockTTL: time.Minute}),
		acct:    newTestAccount(t, s),
	}
}

func (f *managerFixture) task(kind queue.TaskKind) queue.Task {
	return queue.Task{Kind: kind, TenantID: f.acct.TenantID, AccountID: f.acct.ID, EnqueuedAt: time.Now()}
}

func TestRunTaskSyncsAndReleasesLock(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	require.NoError(t, f.manager.RunTask(ctx, f.task(queue.KindFullSync)))
	assert.Equal(t, mail.StatusIdle, reload(t, f.store, f.acct.ID).Status)
	assert.Empty(t, f.manager.RunningSyncs())

	lock, err := f.locker.Obtain(ctx, queue.AccountLockKey(f.acct.ID), time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestRunTaskDropsLockedAccount(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	_, err := f.locker.Obtain(ctx, queue.AccountLockKey(f.acct.ID), time.Minute)
	require.NoError(t, err)

	err = f.manager.RunTask(ctx, f.task(queue.KindFullSync))
	assert.ErrorIs(t, err, queue.ErrLocked)
	assert.Equal(t, mail.StatusNew, reload(t, f.store, f.acct.ID).Status)
}

func TestRunTaskEnqueuesFullSyncOnExpiredCursor(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.manager.RunTask(ctx, f.task(queue.KindFullSync)))

	f.mailbox.changesErr = mail.ErrCursorExpired
	task := f.task(queue.KindIncrementalSync)
	require.NoError(t, f.manager.RunTask(ctx, task))
	assert.Equal(t, mail.StatusResync, reload(t, f.store, f.acct.ID).Status)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	next, err := f.queue.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.KindFullSync, next.Kind)
	assert.Equal(t, f.acct.ID, next.AccountID)
}

func TestRunTaskRecoversPanic(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.mailbox.panicOn = "m1"

	err := f.manager.RunTask(ctx, f.task(queue.KindFullSync))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	acct := reload(t, f.store, f.acct.ID)
	assert.Equal(t, mail.StatusError, acct.Status)
	assert.Contains(t, acct.LastError, "fake mailbox exploded")
	assert.False(t, f.manager.IsRunning(f.acct.ID))
}

func TestRunTaskSkipsStaleAndForeignTasks(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	old := f.task(queue.KindIncrementalSync)
	old.EnqueuedAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.manager.RunTask(ctx, f.task(queue.KindFullSync)))
	f.mailbox.fetched = nil

	require.NoError(t, f.manager.RunTask(ctx, old))
	assert.Equal(t, 1, f.dialer.built)

	foreign := f.task(queue.KindFullSync)
	foreign.TenantID = "tenant-2"
	assert.ErrorIs(t, f.manager.RunTask(ctx, foreign), mail.ErrNotFound)
}

func TestDuplicateTasksWaitOutBackoff(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	f.mailbox.foldersErr = errors.New("googleapi: Error 503: backend error")

	sched := NewScheduler(f.store, f.queue, Options{})
	sched.now = func() time.Time { return time.Now().Add(-time.Second) }
	for i := 0; i < 2; i++ {
		n, err := sched.Tick(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	for i := 0; i < 2; i++ {
		task, err := f.queue.Pop(ctx)
		require.NoError(t, err)
		require.NotNil(t, task)
		_ = f.manager.RunTask(ctx, *task)
	}

	acct := reload(t, f.store, f.acct.ID)
	assert.Equal(t, mail.StatusError, acct.Status)
	assert.Equal(t, 1, acct.RetryCount)

	sched.now = time.Now
	n, err := sched.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResyncRequestedDuringRunningSync(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	require.NoError(t, f.manager.RunTask(ctx, f.task(queue.KindFullSync)))

	// an incremental run already holds this snapshot when the resync is requested
	inflight := reload(t, f.store, f.acct.ID)
	require.Equal(t, "100", inflight.Cursor)

	requested, err := f.store.RequestResync(ctx, f.acct.ID)
	require.NoError(t, err)
	require.Equal(t, queue.KindFullSync, TaskKindFor(requested))
	full := f.task(queue.KindFullSync)
	full.EnqueuedAt = time.Now().Add(-time.Second)

	f.mailbox.changes = &mail.ChangeSet{Cursor: "200"}
	_, err = f.manager.runner.Run(ctx, inflight, f.mailbox, queue.KindIncrementalSync)
	require.NoError(t, err)
	acct := reload(t, f.store, f.acct.ID)
	require.Equal(t, mail.StatusIdle, acct.Status)
	require.Equal(t, "200", acct.Cursor)
	require.NotNil(t, acct.ResyncRequestedAt)

	f.mailbox.messages["m2"] = message("m2", false, "INBOX")
	f.mailbox.fetched, f.mailbox.states = nil, nil
	require.NoError(t, f.manager.RunTask(ctx, full))

	assert.Equal(t, []string{"m2"}, f.mailbox.fetched)
	assert.Equal(t, []string{"m1"}, f.mailbox.states)
	acct = reload(t, f.store, f.acct.ID)
	assert.Equal(t, mail.StatusIdle, acct.Status)
	assert.Equal(t, "100", acct.Cursor)
	assert.Nil(t, acct.ResyncRequestedAt)

	// once honoured, older tasks are dropped again
	f.mailbox.fetched = nil
	require.NoError(t, f.manager.RunTask(ctx, full))
	assert.Empty(t, f.mailbox.fetched)
}

func TestRunTaskSkipsDisabledAccount(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	_, err := f.store.SetStatus(ctx, f.acct.ID, mail.StatusDisabled, "")
	require.NoError(t, err)

	require.NoError(t, f.manager.RunTask(ctx, f.task(queue.KindFullSync)))
	assert.Equal(t, 0, f.dialer.built)
}

func TestWorkersDrainQueue(t *testing.T) {
	f := newManagerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.manager.Enqueue(ctx, f.acct, queue.KindFullSync))
	f.manager.Start(ctx)

	require.Eventually(t, func() bool {
		a, err := f.store.GetAccount(context.Background(), f.acct.ID)
		return err == nil && a.Status == mail.StatusIdle
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	f.manager.Wait()
}

func TestStopSync(t *testing.T) {
	f := newManagerFixture(t)
	cancelled := false
	f.manager.track("acct-1", func() { cancelled = true })

	assert.True(t, f.manager.IsRunning("acct-1"))
	assert.Equal(t, []string{"acct-1"}, f.manager.RunningSyncs())
	require.NoError(t, f.manager.StopSync("acct-1"))
	assert.True(t, cancelled)
	assert.ErrorIs(t, f.manager.StopSync("acct-1"), ErrNotRunning)

	f.manager.track("acct-2", func() {})
	f.manager.StopAll()
	assert.Empty(t, f.manager.RunningSyncs())
}

func TestConnectorsCacheAndPersistRefresh(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acct := newTestAccount(t, s)

	refreshed := &oauth2.Token{AccessToken: "access-2"}
	dialer := &fakeDialer{provider: newFakeMailbox(), tokens: oauth2.StaticTokenSource(refreshed)}
	conns, err := NewConnectors(dialer, s, 2)
	require.NoError(t, err)

	p1, err := conns.Get(ctx, acct)
	require.NoError(t, err)
	p2, err := conns.Get(ctx, acct)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, dialer.built)

	rotated := *acct
	rotated.Token = &oauth2.Token{AccessToken: "x", RefreshToken: "new-refresh"}
	_, err = conns.Get(ctx, &rotated)
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.built)

	conns.Evict(acct.ID)
	assert.Equal(t, 0, conns.Len())

	ts := &persistingTokenSource{base: dialer.tokens, accountID: acct.ID, saver: s, last: acct.Token}
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "refresh", tok.RefreshToken)

	stored := reload(t, s, acct.ID)
	require.NotNil(t, stored.Token)
	assert.Equal(t, "access-2", stored.Token.AccessToken)
	assert.Equal(t, "refresh", stored.Token.RefreshToken)
}
