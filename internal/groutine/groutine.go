// Package groutine runs named goroutines and cancellable background tasks.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
	"time"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a goroutine with a name, optional parent context
// Example usage:
//
//	groutine.Go(ctx, "poll-loop", func(ctx context.Context) {
//	    // work
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(goroutineNameKey); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Task is a handle to a named background goroutine.
// Cancel is idempotent; Done is closed once the goroutine has returned.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start runs fn as a cancellable task derived from parent
func Start(parent context.Context, name string, fn func(ctx context.Context)) *Task {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}

	Go(ctx, name, func(ctx context.Context) {
		defer close(t.done)
		defer cancel()
		fn(ctx)
	})
	return t
}

// After runs fn once when d elapses, unless cancelled first
func After(parent context.Context, name string, d time.Duration, fn func(ctx context.Context)) *Task {
	return Start(parent, name, func(ctx context.Context) {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			fn(ctx)
		}
	})
}

// Every runs fn on each tick of interval until cancelled.
// When immediate is set, fn also runs once right away.
func Every(parent context.Context, name string, interval time.Duration, immediate bool, fn func(ctx context.Context)) *Task {
	return Start(parent, name, func(ctx context.Context) {
		if immediate {
			fn(ctx)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

// Name returns the task name
func (t *Task) Name() string { return t.name }

// Cancel stops the task without waiting for it
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
}

// Done is closed when the task goroutine returns
func (t *Task) Done() <-chan struct{} { return t.done }

// Stop cancels the task and waits for it to return
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.Cancel()
	<-t.done
}
