// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"time"

	pintel "github.com/Not-Sarthak/pintel"
	"github.com/Not-Sarthak/pintel/relay"
)

const (
	reconnectBase = 2 * time.Second
	reconnectCap  = 30 * time.Second
)

// reconnectDelay is the exponential backoff schedule: min(2s * 2^attempt,
// 30s).
func reconnectDelay(attempt int) time.Duration {
	if attempt >= 4 {
		return reconnectCap
	}
	d := reconnectBase << uint(attempt)
	if d > reconnectCap {
		return reconnectCap
	}
	return d
}

// handleDisconnect is invoked by the relay session exactly once per
// unexpected transport drop, never on an intentional close. Room and channel
// bookkeeping is stale once the relay forgets us, so the registry is reset;
// the book survives and is reconciled by discovery and sync after reconnect.
// Automatic reconnection runs only while at least one market is joined.
func (c *Core) handleDisconnect() {
	c.log.Warnf("Relay connection dropped")
	c.stopLoops()

	c.mtx.Lock()
	c.reg.reset()
	joined := len(c.joined)
	c.mtx.Unlock()

	c.emit(&Event{
		Type: EventDisconnected,
		Err:  pintel.NewError(relay.ErrConnection, "relay connection dropped"),
	})

	if joined == 0 {
		return
	}
	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop waits out the backoff, surfacing a once-per-second countdown,
// then re-authenticates and rejoins every previously joined market. The
// attempt counter increments on each failed cycle and resets to zero on
// success.
func (c *Core) reconnectLoop() {
	defer c.wg.Done()

	c.mtx.Lock()
	if c.reconnecting {
		c.mtx.Unlock()
		return
	}
	c.reconnecting = true
	c.mtx.Unlock()
	defer func() {
		c.mtx.Lock()
		c.reconnecting = false
		c.mtx.Unlock()
	}()

	ctx := c.runCtx()
	for {
		c.mtx.RLock()
		attempt := c.reconnectAttempt
		joined := len(c.joined)
		c.mtx.RUnlock()
		if joined == 0 || ctx.Err() != nil {
			return
		}

		delay := reconnectDelay(attempt)
		c.log.Infof("Reconnecting in %s (attempt %d)", delay, attempt+1)
		if !c.waitReconnect(delay) {
			return
		}

		if err := c.Login(ctx); err != nil {
			c.log.Errorf("Reconnect attempt %d failed: %v", attempt+1, err)
			c.mtx.Lock()
			c.reconnectAttempt++
			c.mtx.Unlock()
			continue
		}

		now := time.Now()
		for _, market := range c.joinedMarkets() {
			c.store.Heartbeat(market, c.self, now)
			c.joinMarketRoom(market)
		}
		c.startLoops()

		c.mtx.Lock()
		c.reconnectAttempt = 0
		c.mtx.Unlock()
		c.log.Infof("Relay reconnected")
		return
	}
}

// waitReconnect sleeps out the backoff delay, emitting a countdown event each
// second. Returns false if the run context was canceled.
func (c *Core) waitReconnect(delay time.Duration) bool {
	ctx := c.runCtx()
	deadline := time.Now().Add(delay)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	c.emit(&Event{Type: EventReconnecting, Countdown: delay})
	for {
		select {
		case <-time.After(time.Until(deadline)):
			return true
		case <-ticker.C:
			remaining := time.Until(deadline)
			if remaining > 0 {
				c.emit(&Event{Type: EventReconnecting, Countdown: remaining.Round(time.Second)})
			}
		case <-ctx.Done():
			return false
		}
	}
}
