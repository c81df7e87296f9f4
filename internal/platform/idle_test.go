package platform

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/testutils"
	"github.com/stretchr/testify/assert"
)

type fakeLink struct {
	connected   atomic.Bool
	disconnects atomic.Int32
}

func (l *fakeLink) IsConnected() bool { return l.connected.Load() }

func (l *fakeLink) Disconnect() {
	l.disconnects.Add(1)
	l.connected.Store(false)
}

func testEntry(t *testing.T) *logrus.Entry {
	return logrus.NewEntry(testutils.NewTestLogger(t))
}

func TestIdlePolicyDisconnectsAfterGrace(t *testing.T) {
	// GOAL: Verify an idle device is disconnected only after timeout plus grace
	//
	// TEST SCENARIO: Touch → still connected before timeout+grace → disconnected after

	link := &fakeLink{}
	link.connected.Store(true)
	policy := NewIdlePolicy("blind-1", 30*time.Millisecond, 30*time.Millisecond, link, testEntry(t))
	defer policy.Stop()

	policy.Touch()

	time.Sleep(40 * time.Millisecond)
	assert.True(t, link.IsConnected(), "MUST wait for the grace period")
	assert.Eventually(t, func() bool { return link.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestIdlePolicyTouchPostpones(t *testing.T) {
	link := &fakeLink{}
	link.connected.Store(true)
	policy := NewIdlePolicy("blind-1", 40*time.Millisecond, 10*time.Millisecond, link, testEntry(t))
	defer policy.Stop()

	for i := 0; i < 5; i++ {
		policy.Touch()
		time.Sleep(20 * time.Millisecond)
	}
	assert.EqualValues(t, 0, link.disconnects.Load(), "interactions MUST keep the link up")

	assert.Eventually(t, func() bool { return link.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestIdlePolicySkipsDisconnectedDevice(t *testing.T) {
	link := &fakeLink{}
	policy := NewIdlePolicy("blind-1", time.Millisecond, time.Millisecond, link, testEntry(t))
	defer policy.Stop()

	policy.Touch()
	time.Sleep(30 * time.Millisecond)

	assert.EqualValues(t, 0, link.disconnects.Load())
}

func TestIdlePolicyDisabled(t *testing.T) {
	link := &fakeLink{}
	link.connected.Store(true)
	policy := NewIdlePolicy("blind-1", 0, time.Millisecond, link, testEntry(t))

	assert.False(t, policy.Enabled())
	policy.Touch()
	policy.Arm()
	time.Sleep(20 * time.Millisecond)

	assert.True(t, link.IsConnected(), "zero timeout MUST keep the link alive")
	assert.False(t, policy.LastInteraction().IsZero())
}

func TestIdlePolicyArmUsesExistingClock(t *testing.T) {
	link := &fakeLink{}
	link.connected.Store(true)
	policy := NewIdlePolicy("blind-1", 20*time.Millisecond, 5*time.Millisecond, link, testEntry(t))
	defer policy.Stop()

	before := policy.LastInteraction()
	time.Sleep(25 * time.Millisecond)
	policy.Arm()

	assert.Equal(t, before, policy.LastInteraction(), "Arm MUST NOT refresh the interaction clock")
	assert.Eventually(t, func() bool { return link.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)
}

type countingPoller struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (p *countingPoller) RequestAll(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.err
}

func (p *countingPoller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestPollLoop(t *testing.T) {
	poller := &countingPoller{err: errors.New("offline")}
	var after atomic.Int32
	loop := NewPollLoop("blind-1", 5*time.Millisecond, poller, testEntry(t), func() { after.Add(1) })

	loop.Start(context.Background())
	loop.Start(context.Background())
	assert.True(t, loop.Running())

	assert.Eventually(t, func() bool { return poller.count() >= 3 }, time.Second, time.Millisecond)
	loop.Stop()
	assert.False(t, loop.Running())

	stopped := poller.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, poller.count(), "MUST NOT poll after Stop")
	assert.GreaterOrEqual(t, int(after.Load()), 3, "after hook MUST run per poll")
}

func TestPollLoopDisabled(t *testing.T) {
	poller := &countingPoller{}
	loop := NewPollLoop("blind-1", 0, poller, testEntry(t), nil)

	loop.Start(context.Background())

	assert.False(t, loop.Running())
	loop.Stop()
}
