package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ErrBatchCanceled is returned to callers whose pending batch was dropped by Stop.
var ErrBatchCanceled = errors.New("supervisor: batch canceled")

// Batcher coalesces texts submitted within a debounce window into one call.
// Every caller waiting on a batch receives the same result. New input while
// the timer is pending reschedules it; reaching maxChars fires immediately.
type Batcher[T any] struct {
	mu       sync.Mutex
	delay    time.Duration
	maxChars int
	fn       func(ctx context.Context, text string) (T, error)

	pending *batch[T]
	timer   *time.Timer
	gen     uint64

	ctx    context.Context
	cancel context.CancelFunc
}

type batch[T any] struct {
	texts   []string
	chars   int
	waiters []chan batchResult[T]
}

type batchResult[T any] struct {
	value T
	err   error
}

// NewBatcher creates a batcher calling fn with the newline-joined batch text.
func NewBatcher[T any](delay time.Duration, maxChars int, fn func(ctx context.Context, text string) (T, error)) *Batcher[T] {
	if maxChars <= 0 {
		maxChars = 2000
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher[T]{delay: delay, maxChars: maxChars, fn: fn, ctx: ctx, cancel: cancel}
}

// Submit adds text to the pending batch and waits for the batch result.
func (b *Batcher[T]) Submit(ctx context.Context, text string) (T, error) {
	ch := make(chan batchResult[T], 1)

	b.mu.Lock()
	if b.pending == nil {
		b.pending = &batch[T]{}
	}
	p := b.pending
	p.texts = append(p.texts, text)
	p.chars += utf8.RuneCountInString(text)
	p.waiters = append(p.waiters, ch)

	if p.chars >= b.maxChars || b.delay <= 0 {
		b.takeLocked()
		runCtx := b.ctx
		b.mu.Unlock()
		go b.run(runCtx, p)
	} else {
		b.armLocked()
		b.mu.Unlock()
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Stop cancels the pending timer and any in-flight call, resolving waiting
// callers with ErrBatchCanceled. A timer callback that already fired sees the
// bumped generation and does nothing. The batcher remains usable afterwards.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	p := b.takeLocked()
	b.cancel()
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.mu.Unlock()

	if p != nil {
		p.resolve(batchResult[T]{err: ErrBatchCanceled})
	}
}

// Pending returns how many texts are waiting for the timer.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return 0
	}
	return len(b.pending.texts)
}

func (b *Batcher[T]) armLocked() {
	b.gen++
	gen := b.gen
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.delay, func() {
		b.mu.Lock()
		if gen != b.gen || b.pending == nil {
			b.mu.Unlock()
			return
		}
		p := b.takeLocked()
		runCtx := b.ctx
		b.mu.Unlock()
		b.run(runCtx, p)
	})
}

// takeLocked detaches the pending batch and disarms the timer.
func (b *Batcher[T]) takeLocked() *batch[T] {
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	p := b.pending
	b.pending = nil
	return p
}

func (b *Batcher[T]) run(ctx context.Context, p *batch[T]) {
	v, err := b.fn(ctx, strings.Join(p.texts, "\n"))
	p.resolve(batchResult[T]{value: v, err: err})
}

func (p *batch[T]) resolve(r batchResult[T]) {
	for _, ch := range p.waiters {
		ch <- r
	}
}
