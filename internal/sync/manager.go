package sync

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/queue"
)

// ErrNotRunning is returned by StopSync for an account with no sync in progress
var ErrNotRunning = errors.New("no sync running")

// Manager runs sync workers fed by the task queue
type Manager struct {
	store      Store
	queue      queue.Queue
	locker     queue.Locker
	connectors *Connectors
	runner     *Runner
	opts       Options

	runners      map[string]context.CancelFunc
	runnersMutex sync.RWMutex
	wg           sync.WaitGroup
}

// NewManager creates a sync manager
func NewManager(store Store, q queue.Queue, locker queue.Locker, connectors *Connectors, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		store:      store,
		queue:      q,
		locker:     locker,
		connectors: connectors,
		runner:     NewRunner(store, opts.BatchSize),
		opts:       opts,
		runners:    make(map[string]context.CancelFunc),
	}
}

// Enqueue asks a worker to sync the account
func (m *Manager) Enqueue(ctx context.Context, acct *mail.Account, kind queue.TaskKind) error {
	task := queue.Task{Kind: kind, TenantID: acct.TenantID, AccountID: acct.ID, EnqueuedAt: time.Now()}
	if err := m.queue.Push(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s for %s: %w", kind, acct.ID, err)
	}
	return nil
}

// Start launches the workers. They stop when ctx is cancelled; Wait blocks
// until they have.
func (m *Manager) Start(ctx context.Context) {
	log.Info().Int("workers", m.opts.Workers).Msg("sync workers starting")
	for i := 0; i < m.opts.Workers; i++ {
		m.wg.Add(1)
		go func(worker int) {
			defer m.wg.Done()
			m.work(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker returned
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		task, err := m.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", worker).Msg("failed to pop sync task")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if task == nil {
			continue
		}
		if depth, err := m.queue.Len(ctx); err == nil {
			metrics.QueueDepth.Set(float64(depth))
		}

		if err := m.RunTask(ctx, *task); err != nil && !errors.Is(err, queue.ErrLocked) {
			log.Error().Err(err).Str("account_id", task.AccountID).Str("task", string(task.Kind)).Msg("sync task failed")
		}
	}
}

// RunTask runs one task while holding the account lock. A task for an
// account already locked elsewhere returns queue.ErrLocked and is dropped.
func (m *Manager) RunTask(ctx context.Context, task queue.Task) (err error) {
	lock, err := m.locker.Obtain(ctx, queue.AccountLockKey(task.AccountID), m.opts.LockTTL)
	if err != nil {
		if errors.Is(err, queue.ErrLocked) {
			log.Debug().Str("account_id", task.AccountID).Msg("account already syncing, task dropped")
		}
		return err
	}
	defer func() {
		if rerr := lock.Release(context.WithoutCancel(ctx)); rerr != nil {
			log.Warn().Err(rerr).Str("account_id", task.AccountID).Msg("failed to release account lock")
		}
	}()

	acct, err := m.store.GetAccount(ctx, task.AccountID)
	if err != nil {
		return err
	}
	if acct.TenantID != task.TenantID {
		return fmt.Errorf("task tenant %s does not own account %s: %w", task.TenantID, acct.ID, mail.ErrNotFound)
	}
	if acct.Status == mail.StatusDisabled {
		return nil
	}
	if stale(acct, task) {
		log.Debug().Str("account_id", acct.ID).Str("status", string(acct.Status)).Msg("account updated since task was queued, task dropped")
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, m.opts.RunTimeout)
	defer cancel()
	m.track(acct.ID, cancel)
	defer m.untrack(acct.ID)

	go queue.KeepAlive(runCtx, lock, m.opts.LockTTL, func(err error) {
		log.Error().Err(err).Str("account_id", acct.ID).Msg("account lock lost, cancelling sync")
		cancel()
	})

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("account_id", acct.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("sync panicked")
			msg := fmt.Sprintf("panic: %v", r)
			if _, serr := m.store.SetStatus(context.WithoutCancel(ctx), acct.ID, mail.StatusError, msg); serr != nil {
				log.Error().Err(serr).Str("account_id", acct.ID).Msg("failed to record panic")
			}
			err = errors.New(msg)
		}
	}()

	p, err := m.connectors.Get(runCtx, acct)
	if err != nil {
		if _, serr := m.store.SetStatus(ctx, acct.ID, mail.StatusSyncing, ""); serr == nil {
			_, _ = m.store.SetStatus(ctx, acct.ID, mail.StatusError, err.Error())
		}
		return err
	}

	_, err = m.runner.Run(runCtx, acct, p, task.Kind)
	if errors.Is(err, mail.ErrCursorExpired) {
		m.connectors.Evict(acct.ID)
		if qerr := m.Enqueue(context.WithoutCancel(ctx), acct, queue.KindFullSync); qerr != nil {
			return errors.Join(err, qerr)
		}
		return nil
	}
	return err
}

// stale reports whether the account was written after the task was queued.
// A failed run therefore swallows the duplicates queued before it and the
// account waits out its backoff. NEW and RESYNC accounts still need their full
// sync, and an IDLE account with a pending resync request has not been
// rebuilt yet.
func stale(acct *mail.Account, task queue.Task) bool {
	if task.EnqueuedAt.IsZero() {
		return false
	}
	switch acct.Status {
	case mail.StatusNew, mail.StatusResync:
		return false
	case mail.StatusIdle:
		if acct.ResyncRequestedAt != nil {
			return false
		}
	}
	return acct.UpdatedAt.After(task.EnqueuedAt)
}

func (m *Manager) track(accountID string, cancel context.CancelFunc) {
	m.runnersMutex.Lock()
	m.runners[accountID] = cancel
	m.runnersMutex.Unlock()
	metrics.RunningSyncs.Inc()
}

func (m *Manager) untrack(accountID string) {
	m.runnersMutex.Lock()
	delete(m.runners, accountID)
	m.runnersMutex.Unlock()
	metrics.RunningSyncs.Dec()
}

// StopSync cancels the account's running sync
func (m *Manager) StopSync(accountID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	cancel, exists := m.runners[accountID]
	if !exists {
		return fmt.Errorf("account %s: %w", accountID, ErrNotRunning)
	}

	cancel()
	delete(m.runners, accountID)
	return nil
}

// IsRunning checks if a sync is running for the account in this process
func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[accountID]
	return exists
}

// StopAll cancels every running sync
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for accountID, cancel := range m.runners {
		log.Info().Str("account_id", accountID).Msg("stopping sync")
		cancel()
	}

	m.runners = make(map[string]context.CancelFunc)
}

// RunningSyncs returns the ids of the accounts syncing in this process
func (m *Manager) RunningSyncs() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	syncs := make([]string, 0, len(m.runners))
	for accountID := range m.runners {
		syncs = append(syncs, accountID)
	}
	sort.Strings(syncs)
	return syncs
}

// Disconnect stops the account's sync and drops its cached connector
func (m *Manager) Disconnect(accountID string) {
	_ = m.StopSync(accountID)
	m.connectors.Evict(accountID)
}
