// Package batch pipelines provider API calls. Calls are queued on a Batch,
// each returning a Promise, and run together with bounded concurrency when
// the batch is executed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxSize matches the Gmail batch endpoint limit
	DefaultMaxSize     = 100
	DefaultConcurrency = 10
)

// Options configures batch execution
type Options struct {
	// Concurrency bounds the number of calls in flight
	Concurrency int

	// MaxSize splits execution into chunks of at most this many calls
	MaxSize int

	// Limiter, when set, is waited on before every call
	Limiter *rate.Limiter
}

// Call is a single queued request
type Call[T any] func(ctx context.Context) (T, error)

// Promise is the eventual result of a queued call
type Promise[T any] struct {
	key  string
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newPromise[T any](key string) *Promise[T] {
	return &Promise[T]{key: key, done: make(chan struct{})}
}

// Key returns the key the call was queued under
func (p *Promise[T]) Key() string { return p.key }

// Done is closed once the promise is resolved
func (p *Promise[T]) Done() <-chan struct{} { return p.done }

// Get blocks until the promise resolves
func (p *Promise[T]) Get() (T, error) {
	<-p.done
	return p.val, p.err
}

func (p *Promise[T]) resolve(v T, err error) {
	p.once.Do(func() {
		p.val = v
		p.err = err
		close(p.done)
	})
}

type entry[T any] struct {
	call    Call[T]
	promise *Promise[T]
}

// Batch collects calls until Execute is invoked
type Batch[T any] struct {
	opts    Options
	mu      sync.Mutex
	pending []entry[T]
}

// New creates an empty batch
func New[T any](opts Options) *Batch[T] {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	return &Batch[T]{opts: opts}
}

// Add queues a call and returns its promise
func (b *Batch[T]) Add(key string, call Call[T]) *Promise[T] {
	p := newPromise[T](key)
	b.mu.Lock()
	b.pending = append(b.pending, entry[T]{call: call, promise: p})
	b.mu.Unlock()
	return p
}

// Len returns the number of queued calls
func (b *Batch[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Execute runs every queued call. A failing call only fails its own promise;
// the failures are collected into a *Error. Context cancellation stops the
// remaining calls and is returned as is. Every promise is resolved when
// Execute returns.
func (b *Batch[T]) Execute(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	failures := &Error{Total: len(pending), Failures: make(map[string]error)}
	var mu sync.Mutex

	for start := 0; start < len(pending); start += b.opts.MaxSize {
		end := min(start+b.opts.MaxSize, len(pending))
		chunk := pending[start:end]

		if err := ctx.Err(); err != nil {
			resolveAll(pending[start:], err)
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(b.opts.Concurrency)

		for _, e := range chunk {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					e.promise.resolve(*new(T), err)
					return err
				}
				if b.opts.Limiter != nil {
					if err := b.opts.Limiter.Wait(gctx); err != nil {
						e.promise.resolve(*new(T), err)
						return err
					}
				}

				v, err := e.call(gctx)
				e.promise.resolve(v, err)
				if err != nil {
					if ctxErr := gctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
						return err
					}
					mu.Lock()
					failures.Failures[e.promise.key] = err
					mu.Unlock()
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil {
			resolveAll(pending[start:], err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}

	if len(failures.Failures) > 0 {
		return failures
	}
	return nil
}

func resolveAll[T any](entries []entry[T], err error) {
	for _, e := range entries {
		e.promise.resolve(*new(T), err)
	}
}

// Error aggregates the per-call failures of one Execute
type Error struct {
	Total    int
	Failures map[string]error
}

func (e *Error) Error() string {
	keys := e.Keys()
	var b strings.Builder
	fmt.Fprintf(&b, "batch: %d of %d calls failed", len(keys), e.Total)
	if len(keys) > 0 {
		fmt.Fprintf(&b, " (first %s: %v)", keys[0], e.Failures[keys[0]])
	}
	return b.String()
}

// Unwrap exposes the individual failures to errors.Is / errors.As
func (e *Error) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, k := range e.Keys() {
		out = append(out, e.Failures[k])
	}
	return out
}

// Keys returns the failed keys in sorted order
func (e *Error) Keys() []string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Failed reports whether the call queued under key failed
func (e *Error) Failed(key string) bool {
	_, ok := e.Failures[key]
	return ok
}

// AsError extracts a *Error from err
func AsError(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
