package platform

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/groutine"
)

// Poller re-requests telemetry from a device
type Poller interface {
	RequestAll(ctx context.Context) error
}

// PollLoop periodically refreshes telemetry. A zero interval disables it.
type PollLoop struct {
	name     string
	interval time.Duration
	target   Poller
	logger   *logrus.Entry

	// after runs once each poll completes
	after func()

	mu   sync.Mutex
	task *groutine.Task
}

func NewPollLoop(name string, interval time.Duration, target Poller, logger *logrus.Entry, after func()) *PollLoop {
	return &PollLoop{name: name, interval: interval, target: target, logger: logger, after: after}
}

// Start begins polling; calling it again while running is a no-op
func (l *PollLoop) Start(ctx context.Context) {
	if l.interval <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.task != nil {
		select {
		case <-l.task.Done():
		default:
			return
		}
	}

	l.task = groutine.Every(ctx, "am43-poll-"+l.name, l.interval, false, l.poll)
}

func (l *PollLoop) poll(ctx context.Context) {
	l.logger.Debug("Updating device information from poll")
	if err := l.target.RequestAll(ctx); err != nil && ctx.Err() == nil {
		l.logger.WithError(err).Warn("Poll failed")
	}
	if l.after != nil {
		l.after()
	}
}

func (l *PollLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.task == nil {
		return false
	}
	select {
	case <-l.task.Done():
		return false
	default:
		return true
	}
}

// Stop ends polling and waits for an in-flight poll to return
func (l *PollLoop) Stop() {
	l.mu.Lock()
	task := l.task
	l.task = nil
	l.mu.Unlock()
	task.Stop()
}
