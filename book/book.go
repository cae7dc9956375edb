// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package book holds the client-tracked, eventually-consistent view of each
// market's off-chain order book: live asks, recent fills, chat history, and
// counterparty liveness. The book is reconciled from relay messages with no
// authoritative server-side copy, so every mutation is written to survive
// duplicate, reordered, and lost deliveries.
package book

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// MaxAsks caps the live ask list per market. Oldest evicted first.
	MaxAsks = 50
	// MaxFills caps the recorded fills per market.
	MaxFills = 50
	// MaxChat caps the chat history per market.
	MaxChat = 100
	// LivenessWindow is how recently an account must have been seen to be
	// reported online.
	LivenessWindow = 30 * time.Second
)

// Ask is an open offer to sell a market position, negotiated off-chain and
// settled on-chain. An ask is uniquely identified by (PositionID, From) and
// is mutable only by replacement or removal.
type Ask struct {
	PositionID uint64  `json:"positionId"`
	Price      string  `json:"price"`
	Mu         float64 `json:"mu"`
	Sigma      float64 `json:"sigma"`
	Collateral string  `json:"collateral"`
	From       string  `json:"from"`
	Stamp      int64   `json:"ts"`
}

// Fill is an agreed trade. Immutable once created. The on-chain ownership
// transfer it implies is handled outside the book.
type Fill struct {
	PositionID uint64 `json:"positionId"`
	Price      string `json:"price"`
	Buyer      string `json:"buyer"`
	Seller     string `json:"seller"`
	Stamp      int64  `json:"ts"`
}

// ChatMessage is a single trollbox entry.
type ChatMessage struct {
	Text  string `json:"text"`
	From  string `json:"from"`
	Stamp int64  `json:"ts"`
}

// marketState is the per-market slice of the store. Asks and fills are kept
// newest first; chat is kept oldest first in timestamp order.
type marketState struct {
	asks     []*Ask
	fills    []*Fill
	chat     []*ChatMessage
	lastSeen map[string]time.Time
}

func newMarketState() *marketState {
	return &marketState{
		lastSeen: make(map[string]time.Time),
	}
}

// Store is the order-book state for all joined markets, keyed by normalized
// market identifier. Mutation happens only through the message router and
// user-action paths in core, which serialize access; the internal mutex
// additionally protects the read accessors used by other goroutines.
type Store struct {
	mtx     sync.RWMutex
	markets map[string]*marketState
	// poisoned holds every positionID with a recorded fill. Membership is
	// permanent for the session lifetime: a poisoned position can never
	// reappear as an ask, even if the on-chain transfer later fails.
	poisoned map[uint64]struct{}
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		markets:  make(map[string]*marketState),
		poisoned: make(map[uint64]struct{}),
	}
}

// MarketKey normalizes a market identifier for use as a map key.
func MarketKey(market string) string {
	return strings.ToLower(market)
}

func accountKey(acct string) string {
	return strings.ToLower(acct)
}

// market fetches or creates the state for a market. mtx must be held for
// writes.
func (s *Store) market(key string) *marketState {
	mkt, found := s.markets[key]
	if !found {
		mkt = newMarketState()
		s.markets[key] = mkt
	}
	return mkt
}

// IsPoisoned reports whether the positionID has a recorded fill.
func (s *Store) IsPoisoned(positionID uint64) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	_, poisoned := s.poisoned[positionID]
	return poisoned
}

// AddAsk upserts an ask, keyed by (PositionID, From), newest first. Asks for
// poisoned positions are dropped. Returns whether the book changed.
func (s *Store) AddAsk(marketID string, ask *Ask) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, poisoned := s.poisoned[ask.PositionID]; poisoned {
		return false
	}
	mkt := s.market(MarketKey(marketID))
	mkt.asks = removeAsk(mkt.asks, ask.PositionID, ask.From)
	mkt.asks = append([]*Ask{ask}, mkt.asks...)
	if len(mkt.asks) > MaxAsks {
		mkt.asks = mkt.asks[:MaxAsks]
	}
	return true
}

// CancelAsk removes the ask matching (positionID, from). Only the cancelling
// sender's own entry is affected.
func (s *Store) CancelAsk(marketID string, positionID uint64, from string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	mkt, found := s.markets[MarketKey(marketID)]
	if !found {
		return
	}
	mkt.asks = removeAsk(mkt.asks, positionID, from)
}

// AddFill records a fill. The position is poisoned for the rest of the
// session and every ask for it in this market is purged, regardless of
// seller. The fill list itself is idempotent per positionID. Returns whether
// the fill was newly recorded in this market.
func (s *Store) AddFill(marketID string, fill *Fill) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.poisoned[fill.PositionID] = struct{}{}

	mkt := s.market(MarketKey(marketID))
	kept := mkt.asks[:0]
	for _, ask := range mkt.asks {
		if ask.PositionID != fill.PositionID {
			kept = append(kept, ask)
		}
	}
	mkt.asks = kept

	for _, f := range mkt.fills {
		if f.PositionID == fill.PositionID {
			return false
		}
	}
	mkt.fills = append([]*Fill{fill}, mkt.fills...)
	if len(mkt.fills) > MaxFills {
		mkt.fills = mkt.fills[:MaxFills]
	}
	return true
}

// AddChat appends a chat message, evicting the oldest entries beyond MaxChat.
func (s *Store) AddChat(marketID string, msg *ChatMessage) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	mkt := s.market(MarketKey(marketID))
	mkt.chat = append(mkt.chat, msg)
	if len(mkt.chat) > MaxChat {
		mkt.chat = mkt.chat[len(mkt.chat)-MaxChat:]
	}
}

// Heartbeat updates the last-seen time for (market, account).
func (s *Store) Heartbeat(marketID, account string, t time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.market(MarketKey(marketID)).lastSeen[accountKey(account)] = t
}

// ApplySync applies a per-sender snapshot: the sender's previously-known asks
// are replaced wholesale with the snapshot's list, both sides filtered
// against the poison set, and every other sender's asks are left untouched.
// Chat entries not already present, deduplicated by sender and timestamp, are
// merged in timestamp order. The snapshot also counts as a heartbeat.
func (s *Store) ApplySync(marketID, from string, asks []*Ask, chat []*ChatMessage, now time.Time) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	mkt := s.market(MarketKey(marketID))
	sender := accountKey(from)
	mkt.lastSeen[sender] = now

	others := make([]*Ask, 0, len(mkt.asks))
	for _, ask := range mkt.asks {
		if accountKey(ask.From) == sender {
			continue
		}
		if _, poisoned := s.poisoned[ask.PositionID]; poisoned {
			continue
		}
		others = append(others, ask)
	}
	merged := make([]*Ask, 0, len(asks)+len(others))
	for _, ask := range asks {
		if _, poisoned := s.poisoned[ask.PositionID]; poisoned {
			continue
		}
		merged = append(merged, ask)
	}
	merged = append(merged, others...)
	if len(merged) > MaxAsks {
		merged = merged[:MaxAsks]
	}
	mkt.asks = merged

	if len(chat) == 0 {
		return
	}
	seen := make(map[string]struct{}, len(mkt.chat))
	chatKey := func(c *ChatMessage) string {
		return accountKey(c.From) + "-" + strconv.FormatInt(c.Stamp, 10)
	}
	for _, c := range mkt.chat {
		seen[chatKey(c)] = struct{}{}
	}
	var added bool
	for _, c := range chat {
		if _, dup := seen[chatKey(c)]; dup {
			continue
		}
		mkt.chat = append(mkt.chat, c)
		added = true
	}
	if !added {
		return
	}
	sort.SliceStable(mkt.chat, func(i, j int) bool {
		return mkt.chat[i].Stamp < mkt.chat[j].Stamp
	})
	if len(mkt.chat) > MaxChat {
		mkt.chat = mkt.chat[len(mkt.chat)-MaxChat:]
	}
}

// Asks returns a copy of the market's live asks, newest first.
func (s *Store) Asks(marketID string) []*Ask {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	mkt, found := s.markets[MarketKey(marketID)]
	if !found {
		return nil
	}
	asks := make([]*Ask, len(mkt.asks))
	copy(asks, mkt.asks)
	return asks
}

// OwnAsks returns the account's own live asks for a market, excluding
// poisoned positions. This is the ask set carried by an outbound sync
// snapshot.
func (s *Store) OwnAsks(marketID, account string) []*Ask {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	mkt, found := s.markets[MarketKey(marketID)]
	if !found {
		return nil
	}
	owner := accountKey(account)
	var asks []*Ask
	for _, ask := range mkt.asks {
		if accountKey(ask.From) != owner {
			continue
		}
		if _, poisoned := s.poisoned[ask.PositionID]; poisoned {
			continue
		}
		asks = append(asks, ask)
	}
	return asks
}

// Fills returns a copy of the market's recorded fills, newest first.
func (s *Store) Fills(marketID string) []*Fill {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	mkt, found := s.markets[MarketKey(marketID)]
	if !found {
		return nil
	}
	fills := make([]*Fill, len(mkt.fills))
	copy(fills, mkt.fills)
	return fills
}

// Chat returns a copy of the market's chat history, oldest first.
func (s *Store) Chat(marketID string) []*ChatMessage {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	mkt, found := s.markets[MarketKey(marketID)]
	if !found {
		return nil
	}
	chat := make([]*ChatMessage, len(mkt.chat))
	copy(chat, mkt.chat)
	return chat
}

// RecentChat returns up to n of the market's most recent chat messages,
// oldest first.
func (s *Store) RecentChat(marketID string, n int) []*ChatMessage {
	chat := s.Chat(marketID)
	if len(chat) > n {
		chat = chat[len(chat)-n:]
	}
	return chat
}

// Online returns the accounts seen within LivenessWindow of now, sorted.
// Entries outside the window are omitted but their last-seen stamps are
// retained, so a returning heartbeat restores visibility immediately.
func (s *Store) Online(marketID string, now time.Time) []string {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	mkt, found := s.markets[MarketKey(marketID)]
	if !found {
		return nil
	}
	online := make([]string, 0, len(mkt.lastSeen))
	for acct, seen := range mkt.lastSeen {
		if now.Sub(seen) < LivenessWindow {
			online = append(online, acct)
		}
	}
	sort.Strings(online)
	return online
}

// Reset drops all per-market state and the poison set. Used when the account
// disconnects entirely; the book is rebuilt from discovery and sync.
func (s *Store) Reset() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.markets = make(map[string]*marketState)
	s.poisoned = make(map[uint64]struct{})
}

func removeAsk(asks []*Ask, positionID uint64, from string) []*Ask {
	owner := accountKey(from)
	kept := asks[:0]
	for _, ask := range asks {
		if ask.PositionID == positionID && accountKey(ask.From) == owner {
			continue
		}
		kept = append(kept, ask)
	}
	return kept
}
