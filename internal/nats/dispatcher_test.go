package natsjs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/store"
)

type fakeOutbox struct {
	mu        sync.Mutex
	pending   []store.OutboxMessage
	published []int64
	retried   map[int64]time.Duration
}

func (f *fakeOutbox) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := min(limit, len(f.pending))
	out := append([]store.OutboxMessage(nil), f.pending[:n]...)
	f.pending = f.pending[n:]
	return out, nil
}

func (f *fakeOutbox) MarkPublished(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, id)
	return nil
}

func (f *fakeOutbox) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.retried == nil {
		f.retried = make(map[int64]time.Duration)
	}
	f.retried[id] = backoff
	return nil
}

type fakePublisher struct {
	fail map[string]bool
	sent []string
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	if p.fail[msgID] {
		return errors.New("nats: timeout")
	}
	p.sent = append(p.sent, subject)
	return nil
}

func TestDispatchOnce(t *testing.T) {
	outbox := &fakeOutbox{pending: []store.OutboxMessage{
		{ID: 1, Subject: "tenant.t1.mail.message.created", MsgID: "a"},
		{ID: 2, Subject: "tenant.t1.mail.message.updated", MsgID: "b", Retries: 2},
		{ID: 3, Subject: "tenant.t1.mail.message.deleted", MsgID: "c"},
	}}
	pub := &fakePublisher{fail: map[string]bool{"b": true}}
	d := NewDispatcher(outbox, pub, 10, time.Millisecond, time.Second)

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 3}, outbox.published)
	assert.Equal(t, 4*time.Second, outbox.retried[2])
	assert.Len(t, pub.sent, 2)
}

func TestBackoffIsCapped(t *testing.T) {
	d := NewDispatcher(&fakeOutbox{}, LogPublisher{}, 0, 0, time.Minute)
	assert.Equal(t, time.Minute, d.backoff(0))
	assert.Equal(t, 8*time.Minute, d.backoff(3))
	assert.Equal(t, maxRetryBackoff, d.backoff(30))
}

func TestRunStopsOnCancel(t *testing.T) {
	outbox := &fakeOutbox{pending: []store.OutboxMessage{{ID: 1, MsgID: "a"}}}
	d := NewDispatcher(outbox, LogPublisher{}, 10, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		outbox.mu.Lock()
		defer outbox.mu.Unlock()
		return len(outbox.published) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
