package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultPopTimeout = 5 * time.Second

// MemoryQueue is an in-process queue for local mode
type MemoryQueue struct {
	ch         chan Task
	popTimeout time.Duration
}

// NewMemoryQueue creates a queue holding up to size tasks
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan Task, size), popTimeout: defaultPopTimeout}
}

// Push adds a task, failing when the buffer is full
func (q *MemoryQueue) Push(ctx context.Context, task Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("queue full (%d tasks)", cap(q.ch))
	}
}

// Pop waits up to the pop timeout for a task
func (q *MemoryQueue) Pop(ctx context.Context) (*Task, error) {
	timer := time.NewTimer(q.popTimeout)
	defer timer.Stop()

	select {
	case t := <-q.ch:
		return &t, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of buffered tasks
func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// MemoryLocker is an in-process Locker with TTL expiry
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLease
	next  uint64
	nowFn func() time.Time
}

type memoryLease struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker creates an empty locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]memoryLease), nowFn: time.Now}
}

// Obtain takes the lock unless a live lease exists
func (l *MemoryLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if lease, ok := l.held[key]; ok && now.Before(lease.expires) {
		return nil, ErrLocked
	}

	l.next++
	lease := memoryLease{token: l.next, expires: now.Add(ttl)}
	l.held[key] = lease
	return &memoryLock{locker: l, key: key, token: lease.token}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (m *memoryLock) Key() string { return m.key }

func (m *memoryLock) Refresh(ctx context.Context, ttl time.Duration) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	lease, ok := m.locker.held[m.key]
	if !ok || lease.token != m.token {
		return fmt.Errorf("refresh %s: %w", m.key, ErrLocked)
	}
	lease.expires = m.locker.nowFn().Add(ttl)
	m.locker.held[m.key] = lease
	return nil
}

func (m *memoryLock) Release(ctx context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if lease, ok := m.locker.held[m.key]; ok && lease.token == m.token {
		delete(m.locker.held, m.key)
	}
	return nil
}
