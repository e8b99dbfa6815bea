package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Pool shares one Replayer-wrapped transport per Endpoint. Every pooled
// connection also gets an IdleDisconnector driven by Background and
// Foreground.
type Pool struct {
	dial     Dialer
	onReplay func(ep Endpoint, n int)
	// IdleWait is the background grace period; 0 => DefaultIdleWait.
	// Set it before the first Get.
	IdleWait time.Duration

	mu     sync.Mutex
	conns  map[Endpoint]*Replayer
	idle   map[Endpoint]*IdleDisconnector
	closed bool
}

var ErrPoolClosed = errors.New("transport: pool closed")

// NewPool returns a pool that creates connections with dial.
func NewPool(dial Dialer, onReplay func(ep Endpoint, n int)) *Pool {
	return &Pool{dial: dial, onReplay: onReplay, conns: make(map[Endpoint]*Replayer), idle: make(map[Endpoint]*IdleDisconnector)}
}

// Get returns the shared transport for ep, dialing it on first use.
func (p *Pool) Get(ctx context.Context, ep Endpoint) (Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if r, ok := p.conns[ep]; ok {
		return r, nil
	}
	if p.dial == nil {
		return nil, fmt.Errorf("transport: no dialer for %s/%s", ep.URL, ep.Namespace)
	}
	t, err := p.dial(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s/%s: %w", ep.URL, ep.Namespace, err)
	}
	var onReplay func(int)
	if p.onReplay != nil {
		onReplay = func(n int) { p.onReplay(ep, n) }
	}
	r := NewReplayer(t, ep.Namespace, onReplay)
	p.conns[ep] = r
	p.idle[ep] = NewIdleDisconnector(r, p.IdleWait)
	return r, nil
}

// Background starts the idle grace period of every pooled connection.
func (p *Pool) Background() {
	for _, d := range p.disconnectors() {
		d.Background()
	}
}

// Foreground cancels pending grace periods and reconnects every connection
// that was dropped while idle.
func (p *Pool) Foreground(ctx context.Context) error {
	var errs []error
	for _, d := range p.disconnectors() {
		if err := d.Foreground(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) disconnectors() []*IdleDisconnector {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*IdleDisconnector, 0, len(p.idle))
	for _, d := range p.idle {
		out = append(out, d)
	}
	return out
}

// Len reports the number of open connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every pooled transport. Safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	conns, idle := p.conns, p.idle
	p.conns = make(map[Endpoint]*Replayer)
	p.idle = make(map[Endpoint]*IdleDisconnector)
	p.closed = true
	p.mu.Unlock()

	for _, d := range idle {
		d.Stop()
	}

	var errs []error
	for ep, r := range conns {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s/%s: %w", ep.URL, ep.Namespace, err))
		}
	}
	return errors.Join(errs...)
}
