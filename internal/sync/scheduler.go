package sync

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/metrics"
	"github.com/Martian-dev/mailsync/internal/queue"
)

// Scheduler periodically enqueues the accounts that are due for a sync
type Scheduler struct {
	store Store
	queue queue.Queue
	opts  Options
	now   func() time.Time
}

// NewScheduler creates a scheduler
func NewScheduler(store Store, q queue.Queue, opts Options) *Scheduler {
	return &Scheduler{store: store, queue: q, opts: opts.withDefaults(), now: time.Now}
}

// Run ticks every interval until ctx is cancelled. The first tick is immediate.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.opts.Interval).Msg("sync scheduler started")
	tick := s.opts.Interval / 5
	if tick < time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		if n, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("scheduler tick failed")
		} else if n > 0 {
			log.Debug().Int("enqueued", n).Msg("scheduled account syncs")
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("sync scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick enqueues every due account and returns how many were enqueued
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	accounts, err := s.store.ListSchedulable(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	enqueued := 0
	for i := range accounts {
		acct := &accounts[i]
		if !s.Due(acct, now) {
			continue
		}
		task := queue.Task{Kind: TaskKindFor(acct), TenantID: acct.TenantID, AccountID: acct.ID, EnqueuedAt: now}
		if err := s.queue.Push(ctx, task); err != nil {
			return enqueued, err
		}
		enqueued++
	}

	if depth, err := s.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}
	return enqueued, nil
}

// Due reports whether the account should be synced now. Accounts stuck in
// SYNCING past the run timeout are picked up again.
func (s *Scheduler) Due(acct *mail.Account, now time.Time) bool {
	switch acct.Status {
	case mail.StatusNew, mail.StatusResync:
		return true
	case mail.StatusIdle:
		if acct.ResyncRequestedAt != nil || acct.LastSyncedAt == nil {
			return true
		}
		return now.Sub(*acct.LastSyncedAt) >= s.opts.Interval
	case mail.StatusError:
		return now.Sub(acct.UpdatedAt) >= Backoff(acct.RetryCount, s.opts.BaseBackoff, s.opts.MaxBackoff)
	case mail.StatusSyncing:
		return now.Sub(acct.UpdatedAt) >= s.opts.RunTimeout+s.opts.LockTTL
	}
	return false
}

// Backoff is base * 2^retries capped at max
func Backoff(retries int, base, max time.Duration) time.Duration {
	if retries <= 0 {
		return base
	}
	d := base
	for i := 0; i < retries; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return d
}

// TaskKindFor picks the sync protocol from the account state
func TaskKindFor(acct *mail.Account) queue.TaskKind {
	if acct.ResyncRequestedAt != nil || mail.NeedsFullSync(acct.Status, acct.Cursor) {
		return queue.KindFullSync
	}
	return queue.KindIncrementalSync
}
