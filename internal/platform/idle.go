package platform

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/groutine"
)

// Disconnector is what the idle policy acts on
type Disconnector interface {
	IsConnected() bool
	Disconnect()
}

// IdlePolicy disconnects a device once no host interaction has happened
// for timeout, after an extra grace period. A zero timeout disables it.
type IdlePolicy struct {
	name    string
	timeout time.Duration
	grace   time.Duration
	target  Disconnector
	logger  *logrus.Entry

	mu   sync.Mutex
	last time.Time
	task *groutine.Task
}

func NewIdlePolicy(name string, timeout, grace time.Duration, target Disconnector, logger *logrus.Entry) *IdlePolicy {
	return &IdlePolicy{
		name:    name,
		timeout: timeout,
		grace:   grace,
		target:  target,
		logger:  logger,
		last:    time.Now(),
	}
}

// Enabled reports whether auto-disconnect is on
func (p *IdlePolicy) Enabled() bool { return p.timeout > 0 }

// Touch records an interaction and reschedules the idle check
func (p *IdlePolicy) Touch() {
	p.mu.Lock()
	p.last = time.Now()
	p.mu.Unlock()
	p.Arm()
}

// LastInteraction returns the time of the most recent Touch
func (p *IdlePolicy) LastInteraction() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Arm schedules an idle check relative to the last interaction without refreshing it
func (p *IdlePolicy) Arm() {
	if !p.Enabled() {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	observed := p.last
	wait := time.Until(observed.Add(p.timeout))
	if wait < 0 {
		wait = 0
	}

	p.task.Cancel()
	p.task = groutine.After(context.Background(), "am43-idle-"+p.name, wait+p.grace, func(ctx context.Context) {
		p.check(observed)
	})
}

func (p *IdlePolicy) check(observed time.Time) {
	p.mu.Lock()
	interacted := !p.last.Equal(observed)
	p.mu.Unlock()

	if interacted {
		return
	}
	if !p.target.IsConnected() {
		return
	}
	p.logger.WithField("idle", time.Since(observed).Round(time.Second)).Info("Idle timeout reached, disconnecting")
	p.target.Disconnect()
}

// Stop cancels any scheduled check
func (p *IdlePolicy) Stop() {
	p.mu.Lock()
	task := p.task
	p.task = nil
	p.mu.Unlock()
	task.Stop()
}
