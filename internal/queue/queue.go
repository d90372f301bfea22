// Package queue carries sync tasks from the scheduler and API to the workers
// and provides the per-account locks that keep two workers off one mailbox.
package queue

import (
	"context"
	"errors"
	"time"
)

// TaskKind selects the sync protocol a worker runs
type TaskKind string

const (
	KindFullSync        TaskKind = "full_sync"
	KindIncrementalSync TaskKind = "incremental_sync"
)

// Task asks a worker to sync one account
type Task struct {
	Kind       TaskKind  `json:"kind"`
	TenantID   string    `json:"tenant_id"`
	AccountID  string    `json:"account_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue is a FIFO of sync tasks
type Queue interface {
	Push(ctx context.Context, task Task) error
	// Pop blocks for a short while and returns nil, nil when no task arrived
	Pop(ctx context.Context) (*Task, error)
	Len(ctx context.Context) (int64, error)
}

// ErrLocked is returned by Obtain when another holder owns the lock
var ErrLocked = errors.New("lock is held")

// Lock is a held lease on a key
type Lock interface {
	Key() string
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker hands out exclusive leases
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// AccountLockKey is the lock key for one account
func AccountLockKey(accountID string) string {
	return "mailsync:lock:account:" + accountID
}

// KeepAlive refreshes lock every ttl/2 until ctx is done. A failed refresh
// calls onLost and stops.
func KeepAlive(ctx context.Context, lock Lock, ttl time.Duration, onLost func(error)) {
	interval := ttl / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, ttl); err != nil {
				if ctx.Err() != nil {
					return
				}
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}
}
