// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import "time"

// EventType categorizes the entries of the Core event feed.
type EventType string

const (
	// EventConnected fires when the relay transport opens.
	EventConnected EventType = "connected"
	// EventAuthenticated fires when the challenge-response handshake
	// completes.
	EventAuthenticated EventType = "authenticated"
	// EventDisconnected fires on an unexpected transport drop.
	EventDisconnected EventType = "disconnected"
	// EventReconnecting fires once per second while a reconnect is pending,
	// carrying the remaining wait.
	EventReconnecting EventType = "reconnecting"
	// EventBookUpdate fires when a market's ask or fill list changes.
	EventBookUpdate EventType = "book_update"
	// EventChat fires when a market's chat history changes.
	EventChat EventType = "chat"
	// EventOnline fires from the liveness sweep with the market's current
	// online traders.
	EventOnline EventType = "online"
	// EventBalances fires when fresh ledger balances arrive.
	EventBalances EventType = "balances"
	// EventFaucet fires when a faucet request resolves.
	EventFaucet EventType = "faucet"
	// EventTransferInitiated fires when an on-chain position transfer is
	// submitted for a fill where this account is the seller.
	EventTransferInitiated EventType = "transfer_initiated"
	// EventTransferFailed fires when such a transfer submission fails. The
	// transfer is not retried automatically.
	EventTransferFailed EventType = "transfer_failed"
	// EventError carries a relay or transport error that was not suppressed
	// as an expected race.
	EventError EventType = "error"
)

// Event is an entry of the Core event feed.
type Event struct {
	Type   EventType
	Market string
	// Online is populated for EventOnline.
	Online []string
	// PositionID is populated for transfer events.
	PositionID uint64
	// Countdown is populated for EventReconnecting.
	Countdown time.Duration
	// Note carries a human-readable detail, the most recent error string for
	// error-class events.
	Note string
	Err  error
}

// Next returns the channel from which Core events are read. The feed is
// buffered; when the reader falls behind, events are dropped rather than
// blocking the client.
func (c *Core) Next() <-chan *Event {
	return c.events
}

func (c *Core) emit(ev *Event) {
	if ev.Err != nil && ev.Note == "" {
		ev.Note = ev.Err.Error()
	}
	if ev.Type == EventError {
		c.mtx.Lock()
		c.lastError = ev.Note
		c.mtx.Unlock()
	}
	select {
	case c.events <- ev:
	default:
		c.log.Warnf("Event feed full. Dropping %s event.", ev.Type)
	}
}

// LastError returns the most recent unsuppressed error string, or "".
func (c *Core) LastError() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lastError
}
