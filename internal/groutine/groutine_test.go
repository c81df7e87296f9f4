package groutine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoSetsName(t *testing.T) {
	got := make(chan string, 1)
	Go(context.Background(), "worker-42", func(ctx context.Context) {
		got <- GetName(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
	assert.Empty(t, GetName(context.Background()))
}

func TestAfterFires(t *testing.T) {
	var fired atomic.Int32
	task := After(context.Background(), "after", 5*time.Millisecond, func(ctx context.Context) {
		fired.Add(1)
	})

	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not finish")
	}
	assert.EqualValues(t, 1, fired.Load())
}

func TestAfterCancelledBeforeDeadline(t *testing.T) {
	var fired atomic.Int32
	task := After(context.Background(), "after", time.Hour, func(ctx context.Context) {
		fired.Add(1)
	})
	task.Stop()
	task.Stop()

	assert.EqualValues(t, 0, fired.Load())
}

func TestEveryRunsUntilCancelled(t *testing.T) {
	var runs atomic.Int32
	task := Every(context.Background(), "every", time.Millisecond, true, func(ctx context.Context) {
		runs.Add(1)
	})

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	task.Stop()

	after := runs.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestNilTaskIsSafe(t *testing.T) {
	var task *Task
	assert.NotPanics(t, func() {
		task.Cancel()
		task.Stop()
	})
}
