package sharing

import (
	"context"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/model"
)

const unlinkTimeout = 30 * time.Second

// Countdown watches an issued code. When the code expires, or the sharer
// blurs the share screen, the list is auto-unlinked if nobody joined.
type Countdown struct {
	p         *Protocol
	listID    string
	expiresAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu      sync.Mutex
	stopped bool
}

// Watch starts a countdown for code on listID, replacing any countdown
// already running for that list.
func (p *Protocol) Watch(ctx context.Context, listID string, code model.SharingCode) *Countdown {
	ctx, cancel := context.WithCancel(ctx)
	c := &Countdown{
		p:         p,
		listID:    listID,
		expiresAt: code.ExpiresAt,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	prev := p.countdowns[listID]
	p.countdowns[listID] = c
	p.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	go c.run(ctx)
	return c
}

func (c *Countdown) run(ctx context.Context) {
	defer close(c.done)
	timer := time.NewTimer(c.Remaining())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if !c.stop() {
		return
	}
	c.p.logger.Debug("sharing code expired", "list_id", c.listID)
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlinkTimeout)
	defer cancel()
	if _, err := c.p.AutoUnlink(uctx, c.listID); err != nil {
		c.p.report(uctx, "sharing.auto_unlink", c.listID, err)
	}
}

// Remaining is the time left before the code expires, never negative.
func (c *Countdown) Remaining() time.Duration {
	d := c.expiresAt.Sub(c.p.opts.Now())
	if d < 0 {
		return 0
	}
	return d
}

// Live reports whether the countdown is still waiting on the code.
func (c *Countdown) Live() bool {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	return !stopped && c.Remaining() > 0
}

// Blur stops the countdown and runs the auto-unlink check right away.
func (c *Countdown) Blur(ctx context.Context) (bool, error) {
	c.Stop()
	return c.p.AutoUnlink(ctx, c.listID)
}

// Stop cancels the countdown without unlinking. It does not wait for an
// in-flight expiry check; use Done for that.
func (c *Countdown) Stop() {
	c.stop()
}

// stop reports whether this call was the one that stopped the countdown.
func (c *Countdown) stop() bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.stopped = true
	c.mu.Unlock()

	c.p.mu.Lock()
	if c.p.countdowns[c.listID] == c {
		delete(c.p.countdowns, c.listID)
	}
	c.p.mu.Unlock()
	c.cancel()
	return true
}

// Done is closed once the countdown goroutine has exited.
func (c *Countdown) Done() <-chan struct{} {
	return c.done
}
