// Package batch accumulates items and flushes them by size or age.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default configuration values.
const (
	DefaultMaxItems = 500
	DefaultMaxWait  = 500 * time.Millisecond
)

// FlushFunc writes one batch. It is never called concurrently with itself.
type FlushFunc[T any] func(ctx context.Context, items []T) error

// Options configures a Queue.
type Options[T any] struct {
	// MaxItems triggers a flush once this many items are pending.
	MaxItems int
	// MaxWait triggers a flush this long after the first unflushed push.
	MaxWait time.Duration
	// FlushTimeout bounds a single flush call. Zero means no bound.
	FlushTimeout time.Duration
	// Flush writes a batch.
	Flush FlushFunc[T]
	// OnError is called for every failed flush with the items it carried.
	OnError func(err error, items []T)
	Logger  *slog.Logger
}

// link is one flush in the chain. done is closed once the flush returned.
type link struct {
	done chan struct{}
	err  error
}

func newLink() *link {
	return &link{done: make(chan struct{})}
}

// Queue is a size/time triggered batcher with serialized flushes.
//
// At most one flush runs at a time. Items pushed while a flush runs are
// collected into the next link and flushed right after it, as one batch.
// Each item is carried by exactly one flush.
type Queue[T any] struct {
	opts   Options[T]
	logger *slog.Logger

	mu       sync.Mutex
	pending  []T
	tail     *link // link that will carry pending
	inflight *link // link currently flushing, nil when idle
	flushing bool
	timer    *time.Timer
}

// New creates a Queue.
func New[T any](opts Options[T]) *Queue[T] {
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = DefaultMaxWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		opts:   opts,
		logger: logger,
		tail:   newLink(),
	}
}

// Push appends an item. It never blocks on a flush.
func (q *Queue[T]) Push(items ...T) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, items...)
	if len(q.pending) >= q.opts.MaxItems {
		q.kickLocked()
		return
	}
	if q.timer == nil && !q.flushing {
		q.timer = time.AfterFunc(q.opts.MaxWait, q.onTimer)
	}
}

// Submit appends items, starts a flush and waits for the flush that
// carries them. Unlike Flush it reports the outcome of exactly those items,
// even when other producers push concurrently.
func (q *Queue[T]) Submit(ctx context.Context, items ...T) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	l := q.tail
	q.pending = append(q.pending, items...)
	q.kickLocked()
	q.mu.Unlock()
	return wait(ctx, l)
}

// Len returns the number of items not yet handed to a flush.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush forces a flush of everything pushed so far and waits for the flush
// carrying those items. It returns that flush's error.
func (q *Queue[T]) Flush(ctx context.Context) error {
	q.mu.Lock()
	var l *link
	switch {
	case len(q.pending) > 0:
		l = q.tail
		q.kickLocked()
	case q.inflight != nil:
		l = q.inflight
	default:
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()
	return wait(ctx, l)
}

// Drain stops the timer, flushes what is pending and waits until no flush
// is running and nothing is pending, including items pushed during the
// drain's own flushes. Errors of every flush it waited on are joined.
func (q *Queue[T]) Drain(ctx context.Context) error {
	var errs []error
	waited := make(map[*link]bool)
	for {
		q.mu.Lock()
		q.stopTimerLocked()
		var l *link
		switch {
		case len(q.pending) > 0:
			l = q.tail
			q.kickLocked()
		case q.inflight != nil:
			l = q.inflight
		default:
			q.mu.Unlock()
			return errors.Join(errs...)
		}
		q.mu.Unlock()

		if waited[l] {
			continue
		}
		waited[l] = true
		if err := wait(ctx, l); err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				return errors.Join(errs...)
			}
		}
	}
}

func wait(ctx context.Context, l *link) error {
	select {
	case <-l.done:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue[T]) onTimer() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.timer = nil
	if len(q.pending) > 0 {
		q.kickLocked()
	}
}

func (q *Queue[T]) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

// kickLocked starts the flush loop unless one is already running; a running
// loop picks up pending items when its current flush returns.
func (q *Queue[T]) kickLocked() {
	q.stopTimerLocked()
	if q.flushing {
		return
	}
	q.flushing = true
	go q.loop()
}

// loop flushes links until nothing is pending. A link is marked done and
// cleared from inflight under mu, so a drain never waits on it twice.
func (q *Queue[T]) loop() {
	q.mu.Lock()
	for len(q.pending) > 0 {
		items, l := q.pending, q.tail
		q.pending = nil
		q.tail = newLink()
		q.inflight = l
		q.stopTimerLocked()
		q.mu.Unlock()

		err := q.run(items)
		if err != nil {
			if q.opts.OnError != nil {
				q.opts.OnError(err, items)
			} else {
				q.logger.Error("batch flush failed", "items", len(items), "error", err)
			}
		}

		q.mu.Lock()
		l.err = err
		q.inflight = nil
		close(l.done)
	}
	q.flushing = false
	q.mu.Unlock()
}

func (q *Queue[T]) run(items []T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	ctx := context.Background()
	if q.opts.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.FlushTimeout)
		defer cancel()
	}
	return q.opts.Flush(ctx, items)
}

// PanicError reports a panic raised by a flush function.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("batch flush panicked: %v", e.Value)
}
