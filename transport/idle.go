package transport

import (
	"context"
	"sync"
	"time"
)

// DefaultIdleWait is how long a backgrounded application keeps its
// connection before IdleDisconnector drops it.
const DefaultIdleWait = 20 * time.Second

// IdleDisconnector drops a connection after the application has been in the
// background for a grace period and restores it on return. The transport's
// own reconnect event then drives request replay.
type IdleDisconnector struct {
	t    Transport
	wait time.Duration

	mu           sync.Mutex
	timer        *time.Timer
	disconnected bool
	stopped      bool
}

func NewIdleDisconnector(t Transport, wait time.Duration) *IdleDisconnector {
	if wait <= 0 {
		wait = DefaultIdleWait
	}
	return &IdleDisconnector{t: t, wait: wait}
}

// Background starts the grace period.
func (d *IdleDisconnector) Background() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || d.timer != nil {
		return
	}
	d.timer = time.AfterFunc(d.wait, d.expire)
}

func (d *IdleDisconnector) expire() {
	d.mu.Lock()
	if d.stopped || d.timer == nil {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.disconnected = true
	d.mu.Unlock()
	_ = d.t.Disconnect()
}

// Foreground cancels a pending grace period and reconnects if the
// connection was dropped.
func (d *IdleDisconnector) Foreground(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	reconnect := d.disconnected && !d.stopped
	d.disconnected = false
	d.mu.Unlock()
	if !reconnect {
		return nil
	}
	return d.t.Connect(ctx)
}

// Disconnected reports whether the grace period expired without a return.
func (d *IdleDisconnector) Disconnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disconnected
}

// Stop disables the disconnector.
func (d *IdleDisconnector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
