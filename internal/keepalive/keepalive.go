// Package keepalive implements the shared ping/pong liveness helper used by
// both the gateway and agent endpoints (spec.md §4.6): a periodic ping
// sender and a pong watchdog that fails the tunnel if no pong arrives within
// the timeout window.
package keepalive

import (
	"context"
	"fmt"
	"time"
)

// DefaultPingInterval is how often a ping is emitted on slot 0.
const DefaultPingInterval = 5 * time.Second

// DefaultPongTimeout is how long to wait for a pong before failing the
// tunnel (3x the ping interval).
const DefaultPongTimeout = 15 * time.Second

// Pinger periodically invokes a send callback until its context is done or
// the callback returns an error.
type Pinger struct {
	interval time.Duration
}

// NewPinger creates a pinger with the given interval.
func NewPinger(interval time.Duration) *Pinger {
	return &Pinger{interval: interval}
}

// Run blocks, calling send every interval, until ctx is done or send errors.
func (p *Pinger) Run(ctx context.Context, send func() error) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Watchdog fails if FeedPong is not called at least once per timeout window.
type Watchdog struct {
	timeout time.Duration
	pongCh  chan struct{}
}

// NewWatchdog creates a pong watchdog with the given timeout.
func NewWatchdog(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout, pongCh: make(chan struct{}, 1)}
}

// FeedPong records that a pong was just received, resetting the deadline.
func (w *Watchdog) FeedPong() {
	select {
	case w.pongCh <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done or the timeout elapses without a pong.
func (w *Watchdog) Run(ctx context.Context) error {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	for {
		select {
		case <-w.pongCh:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(w.timeout)
		case <-timer.C:
			return fmt.Errorf("pong watchdog expired after %s", w.timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
