package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/szaher/designs/personagw/internal/message"
)

// ErrEngineClosed is returned for calls made after Guard.Close.
var ErrEngineClosed = errors.New("inference engine closed")

// TimeoutError is returned when a generation exceeds the guard's timeout. The
// turn may be retried.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("generation timed out after %s", e.After)
}

// Timeout reports true, matching net.Error style checks.
func (e *TimeoutError) Timeout() bool { return true }

// Retryable reports true.
func (e *TimeoutError) Retryable() bool { return true }

// Guard owns a shared Engine. It admits at most `slots` generations at once
// (one per accelerator), bounds each with a timeout, and has an explicit
// shutdown. A generation that outlives its caller keeps its slot until the
// engine actually returns.
type Guard struct {
	inner   Engine
	sem     *semaphore.Weighted
	slots   int64
	timeout time.Duration
	closed  atomic.Bool

	innerClosed atomic.Bool
}

// NewGuard wraps inner. slots < 1 is treated as 1; timeout <= 0 disables the
// timeout.
func NewGuard(inner Engine, slots int64, timeout time.Duration) *Guard {
	if slots < 1 {
		slots = 1
	}
	return &Guard{
		inner:   inner,
		sem:     semaphore.NewWeighted(slots),
		slots:   slots,
		timeout: timeout,
	}
}

// GenerateText runs inner.GenerateText under the guard.
func (g *Guard) GenerateText(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	return g.run(ctx, func(ctx context.Context) (string, error) {
		return g.inner.GenerateText(ctx, window, s)
	})
}

// GenerateMultimodal runs inner.GenerateMultimodal under the guard.
func (g *Guard) GenerateMultimodal(ctx context.Context, window []message.Message, s Sampling) (string, error) {
	return g.run(ctx, func(ctx context.Context) (string, error) {
		return g.inner.GenerateMultimodal(ctx, window, s)
	})
}

type result struct {
	text string
	err  error
}

func (g *Guard) run(parent context.Context, fn func(context.Context) (string, error)) (string, error) {
	if g.closed.Load() {
		return "", ErrEngineClosed
	}

	ctx, cancel := parent, context.CancelFunc(func() {})
	if g.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, g.timeout)
	}
	defer cancel()

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", g.ctxError(parent, ctx)
	}
	if g.closed.Load() {
		g.sem.Release(1)
		return "", ErrEngineClosed
	}

	done := make(chan result, 1)
	go func() {
		defer g.sem.Release(1)
		text, err := fn(ctx)
		done <- result{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return "", g.ctxError(parent, ctx)
		}
		return r.text, r.err
	case <-ctx.Done():
		return "", g.ctxError(parent, ctx)
	}
}

func (g *Guard) ctxError(parent, ctx context.Context) error {
	if err := parent.Err(); err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{After: g.timeout}
	}
	return ctx.Err()
}

// Drain stops admitting generations and waits for in-flight ones until ctx
// is done. The inner engine is left open for its owner to close.
func (g *Guard) Drain(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := g.sem.Acquire(ctx, g.slots); err != nil {
		return fmt.Errorf("wait for in-flight generations: %w", err)
	}
	g.sem.Release(g.slots)
	return nil
}

// Close drains the guard and closes the inner engine if it is an io.Closer.
func (g *Guard) Close(ctx context.Context) error {
	if err := g.Drain(ctx); err != nil {
		return err
	}
	if !g.innerClosed.CompareAndSwap(false, true) {
		return nil
	}
	if c, ok := g.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
