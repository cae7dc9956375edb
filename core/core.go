// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package core coordinates the peer-to-peer order-book synchronization layer
// for Pintel markets. It owns the relay session, the per-market book store,
// and the session registry, translates user intents into relay requests,
// routes inbound relay traffic into book mutations, and supervises
// reconnection. There is no authoritative server-side book: state is
// eventually consistent, reconciled through periodic sync snapshots.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	pintel "github.com/Not-Sarthak/pintel"
	"github.com/Not-Sarthak/pintel/book"
	"github.com/Not-Sarthak/pintel/relay"
	"github.com/Not-Sarthak/pintel/relay/nrpc"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// ErrRelayRejection wraps unsuppressed relay error frames.
	ErrRelayRejection = pintel.ErrorKind("relay rejection")
	// ErrTransferFailure wraps a failed on-chain position transfer.
	ErrTransferFailure = pintel.ErrorKind("transfer failure")

	syncInterval       = 10 * time.Second
	discoveryInterval  = 10 * time.Second
	discoveryDelay     = 2 * time.Second
	sweepInterval      = 5 * time.Second
	faucetRefreshDelay = 2 * time.Second

	// syncChatSlice bounds the chat history carried by an outbound sync
	// snapshot.
	syncChatSlice = 20

	eventFeedCapacity = 64
)

// relayLink is the slice of the relay Session the Core drives. It exists so
// tests can substitute a fake relay.
type relayLink interface {
	Connect(ctx context.Context) error
	Close()
	IsConnected() bool
	IsAuthenticated() bool
	Authenticate(ctx context.Context) error
	Address() common.Address
	GetBalances()
	GetChannels()
	GetSessions()
	CreateRoom(nonce nrpc.Nonce) error
	CreateChannel(counterparty string, nonce nrpc.Nonce) error
	SubmitState(sessionID, counterparty string, data []byte)
	CloseSession(sessionID string) error
	TransferLedger(destination, amount string) error
	RequestFaucet(ctx context.Context) error
}

// newRelaySession is a constructor hook for tests.
var newRelaySession = func(cfg *relay.Config) (relayLink, error) {
	return relay.New(cfg)
}

// Config is the configuration for Core.
type Config struct {
	Logger pintel.Logger
	// RelayURL is the relay websocket endpoint.
	RelayURL string
	// FaucetURL is the optional test-token faucet endpoint.
	FaucetURL string
	// Wallet signs authentication challenges and identifies the account.
	Wallet relay.WalletSigner
	// Chain is the optional on-chain contract backend used to submit
	// position transfers after fills. With a nil Chain, transfer initiation
	// is surfaced as an event only.
	Chain Chain
}

// Core is the client core. Construct with New and start with Run.
type Core struct {
	log   pintel.Logger
	cfg   *Config
	sess  relayLink
	store *book.Store
	chain Chain
	addr  common.Address
	self  string // lowercased account

	ctx    context.Context
	wg     sync.WaitGroup
	events chan *Event

	// loginMtx serializes the connect/authenticate flow.
	loginMtx sync.Mutex

	mtx              sync.RWMutex
	reg              *registry
	joined           map[string]struct{}
	balances         []nrpc.Balance
	lastError        string
	loopCancel       context.CancelFunc
	reconnecting     bool
	reconnectAttempt int
	transfers        map[uint64]struct{}
}

// New constructs a Core. The relay is not dialed until Login or the first
// JoinMarket.
func New(cfg *Config) (*Core, error) {
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("no wallet configured")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("no logger configured")
	}
	addr := cfg.Wallet.Address()
	c := &Core{
		log:       cfg.Logger,
		cfg:       cfg,
		store:     book.NewStore(),
		chain:     cfg.Chain,
		addr:      addr,
		self:      strings.ToLower(addr.Hex()),
		events:    make(chan *Event, eventFeedCapacity),
		reg:       newRegistry(addr.Hex()),
		joined:    make(map[string]struct{}),
		transfers: make(map[uint64]struct{}),
	}

	sess, err := newRelaySession(&relay.Config{
		URL:            cfg.RelayURL,
		FaucetURL:      cfg.FaucetURL,
		Wallet:         cfg.Wallet,
		HandleMessage:  c.handleEnvelope,
		DisconnectFunc: c.handleDisconnect,
		Logger:         cfg.Logger.SubLogger("RELAY"),
	})
	if err != nil {
		return nil, err
	}
	c.sess = sess
	return c, nil
}

// Run starts the Core and blocks until the context is canceled, then tears
// down the relay session and background workers.
func (c *Core) Run(ctx context.Context) {
	c.mtx.Lock()
	c.ctx = ctx
	c.mtx.Unlock()
	<-ctx.Done()
	c.stopLoops()
	c.sess.Close()
	c.wg.Wait()
	c.log.Infof("Core shut down")
}

func (c *Core) runCtx() context.Context {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// IsConnected reports whether the relay transport is open.
func (c *Core) IsConnected() bool { return c.sess.IsConnected() }

// IsAuthenticated reports whether the relay session is authenticated.
func (c *Core) IsAuthenticated() bool { return c.sess.IsAuthenticated() }

// Address is the connected account address.
func (c *Core) Address() common.Address { return c.addr }

// Login connects to the relay and authenticates, if not already done, then
// requests ledger balances. Safe to call repeatedly.
func (c *Core) Login(ctx context.Context) error {
	c.loginMtx.Lock()
	defer c.loginMtx.Unlock()

	if c.sess.IsAuthenticated() {
		return nil
	}
	if !c.sess.IsConnected() {
		if err := c.sess.Connect(ctx); err != nil {
			return err
		}
		c.emit(&Event{Type: EventConnected})
	}
	if err := c.sess.Authenticate(ctx); err != nil {
		c.sess.Close()
		return err
	}
	c.sess.GetBalances()
	return nil
}

// Logout closes the relay session intentionally and drops all local state.
func (c *Core) Logout() {
	c.stopLoops()
	c.mtx.Lock()
	c.reg.reset()
	c.joined = make(map[string]struct{})
	c.balances = nil
	c.reconnectAttempt = 0
	c.mtx.Unlock()
	c.store.Reset()
	c.sess.Close()
}

// JoinMarket joins a market: connects and authenticates if needed, records
// the local account's own liveness, requests creation of the market's
// self-room, and starts the periodic sync, discovery, and liveness workers.
func (c *Core) JoinMarket(ctx context.Context, market string) error {
	key := book.MarketKey(market)
	c.mtx.Lock()
	c.joined[key] = struct{}{}
	c.mtx.Unlock()

	if err := c.Login(ctx); err != nil {
		return err
	}

	c.store.Heartbeat(key, c.self, time.Now())
	c.joinMarketRoom(key)
	c.startLoops()
	return nil
}

// LeaveMarket leaves a market: sends a best-effort close for its self-room
// and, when no markets remain joined, stops the periodic workers. The remote
// side may not observe the close; heartbeat expiry is the only true absence
// signal.
func (c *Core) LeaveMarket(market string) {
	key := book.MarketKey(market)
	c.mtx.Lock()
	delete(c.joined, key)
	last := len(c.joined) == 0
	sid, found := c.reg.leaveRoom(key)
	c.mtx.Unlock()

	if found {
		if err := c.sess.CloseSession(sid); err != nil {
			c.log.Errorf("Error closing room for %s: %v", key, err)
		}
	}
	if last {
		c.stopLoops()
	}
}

// joinMarketRoom requests creation of the [self, null] room for a market,
// unless one exists or a creation is already pending.
func (c *Core) joinMarketRoom(key string) {
	c.mtx.Lock()
	if _, have := c.reg.roomID(key); have || c.reg.hasPendingJoin(key) {
		c.mtx.Unlock()
		return
	}
	nonce := nrpc.NewNonce()
	c.reg.addPendingJoin(nonce, key)
	c.mtx.Unlock()

	c.log.Debugf("Joining market room for %s", key)
	if err := c.sess.CreateRoom(nonce); err != nil {
		c.log.Errorf("Room creation request for %s failed: %v", key, err)
		c.mtx.Lock()
		c.reg.takePendingJoin(nonce)
		c.mtx.Unlock()
	}
}

// dialChannel requests creation of an outbound channel to a peer.
func (c *Core) dialChannel(peer string, outboundOnly bool) {
	nonce := nrpc.NewNonce()
	c.mtx.Lock()
	c.reg.addPendingChannel(nonce, peer, outboundOnly)
	c.mtx.Unlock()

	c.log.Debugf("Creating outbound channel to %s", trimAddr(peer))
	if err := c.sess.CreateChannel(peer, nonce); err != nil {
		c.log.Errorf("Channel creation request to %s failed: %v", trimAddr(peer), err)
		c.mtx.Lock()
		c.reg.takePendingChannel(nonce)
		c.mtx.Unlock()
	}
}

// publish submits a payload to the market's self-room and to every channel
// this client created. Channels created by the remote side are never written
// to; the remote peer hears us through our outbound channels only.
func (c *Core) publish(market string, data []byte) {
	c.mtx.RLock()
	roomID, _ := c.reg.roomID(market)
	chans := c.reg.writableChannels()
	c.mtx.RUnlock()

	if roomID != "" {
		c.sess.SubmitState(roomID, "", data)
	}
	for remote, sid := range chans {
		c.sess.SubmitState(sid, remote, data)
	}
}

// broadcastSync publishes this account's sync snapshot for a market: its own
// live asks plus a bounded slice of recent chat. Sync is the self-healing
// mechanism compensating for lost or partial delivery of discrete events.
func (c *Core) broadcastSync(market string) {
	msg := &orderMessage{
		Type:   msgTypeSync,
		From:   c.addr.Hex(),
		Stamp:  time.Now().UnixMilli(),
		Asks:   c.store.OwnAsks(market, c.self),
		Chat:   c.store.RecentChat(market, syncChatSlice),
		Market: market,
	}
	if msg.Asks == nil {
		msg.Asks = []*book.Ask{}
	}
	if msg.Chat == nil {
		msg.Chat = []*book.ChatMessage{}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Errorf("sync snapshot marshal error: %v", err)
		return
	}
	c.publish(market, data)
}

// PostAsk lists a position for sale on a market. The ask is applied locally
// first, then carried to peers by an immediate sync snapshot.
func (c *Core) PostAsk(market string, ask *book.Ask) error {
	if !c.sess.IsAuthenticated() {
		return relay.ErrNotConnected
	}
	if c.store.IsPoisoned(ask.PositionID) {
		return fmt.Errorf("position %d has already been filled", ask.PositionID)
	}
	key := book.MarketKey(market)
	ask.From = c.addr.Hex()
	ask.Stamp = time.Now().UnixMilli()
	c.store.AddAsk(key, ask)
	c.emit(&Event{Type: EventBookUpdate, Market: key})
	c.broadcastSync(key)
	return nil
}

// CancelAsk removes this account's ask for a position and broadcasts the
// change by an immediate sync snapshot.
func (c *Core) CancelAsk(market string, positionID uint64) error {
	if !c.sess.IsAuthenticated() {
		return relay.ErrNotConnected
	}
	key := book.MarketKey(market)
	c.store.CancelAsk(key, positionID, c.self)
	c.emit(&Event{Type: EventBookUpdate, Market: key})
	c.broadcastSync(key)
	return nil
}

// BroadcastFill records an agreed trade locally, poisoning the position, and
// publishes the fill as a discrete event to all peers. If this account is the
// seller, the on-chain transfer watcher initiates exactly one ownership
// transfer for the position.
func (c *Core) BroadcastFill(market string, fill *book.Fill) error {
	if !c.sess.IsAuthenticated() {
		return relay.ErrNotConnected
	}
	key := book.MarketKey(market)
	fill.Stamp = time.Now().UnixMilli()
	if c.store.AddFill(key, fill) {
		c.emit(&Event{Type: EventBookUpdate, Market: key})
		c.maybeTransfer(fill)
	}
	data, err := json.Marshal(&orderMessage{
		Type:       msgTypeFill,
		PositionID: fill.PositionID,
		Price:      fill.Price,
		Buyer:      fill.Buyer,
		Seller:     fill.Seller,
		Stamp:      fill.Stamp,
	})
	if err != nil {
		return err
	}
	c.publish(key, data)
	return nil
}

// SendChat appends a chat message locally and carries it to peers by an
// immediate sync snapshot.
func (c *Core) SendChat(market, text string) error {
	if !c.sess.IsAuthenticated() {
		return relay.ErrNotConnected
	}
	key := book.MarketKey(market)
	c.store.AddChat(key, &book.ChatMessage{
		Text:  text,
		From:  c.addr.Hex(),
		Stamp: time.Now().UnixMilli(),
	})
	c.emit(&Event{Type: EventChat, Market: key})
	c.broadcastSync(key)
	return nil
}

// Transfer moves ledger balance to another account through the relay.
func (c *Core) Transfer(destination, amount string) error {
	if !c.sess.IsAuthenticated() {
		return relay.ErrNotConnected
	}
	return c.sess.TransferLedger(destination, amount)
}

// RequestFaucet asks the test faucet for tokens. Balances are refreshed
// shortly after the result arrives.
func (c *Core) RequestFaucet(ctx context.Context) error {
	return c.sess.RequestFaucet(ctx)
}

// RefreshBalances requests fresh ledger balances.
func (c *Core) RefreshBalances() {
	c.sess.GetBalances()
}

// RefreshMarket forces a discovery poll and re-ensures the market's
// self-room, open channels, and balances.
func (c *Core) RefreshMarket(market string) {
	c.sess.GetSessions()
	c.sess.GetChannels()
	c.joinMarketRoom(book.MarketKey(market))
	c.sess.GetBalances()
}

// Balances returns the last known ledger balances.
func (c *Core) Balances() []nrpc.Balance {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	bals := make([]nrpc.Balance, len(c.balances))
	copy(bals, c.balances)
	return bals
}

// Asks returns the market's live asks, newest first.
func (c *Core) Asks(market string) []*book.Ask { return c.store.Asks(book.MarketKey(market)) }

// Fills returns the market's recorded fills, newest first.
func (c *Core) Fills(market string) []*book.Fill { return c.store.Fills(book.MarketKey(market)) }

// Chat returns the market's chat history, oldest first.
func (c *Core) Chat(market string) []*book.ChatMessage { return c.store.Chat(book.MarketKey(market)) }

// OnlineTraders returns the accounts seen in a market within the liveness
// window.
func (c *Core) OnlineTraders(market string) []string {
	return c.store.Online(book.MarketKey(market), time.Now())
}

func (c *Core) joinedMarkets() []string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	markets := make([]string, 0, len(c.joined))
	for m := range c.joined {
		markets = append(markets, m)
	}
	return markets
}

// startLoops starts the periodic sync, discovery, and liveness workers. No-op
// if they are already running.
func (c *Core) startLoops() {
	c.mtx.Lock()
	if c.loopCancel != nil {
		c.mtx.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.runCtxLocked())
	c.loopCancel = cancel
	c.mtx.Unlock()

	c.wg.Add(3)
	go c.syncLoop(ctx)
	go c.discoveryLoop(ctx)
	go c.sweepLoop(ctx)
}

// runCtxLocked is runCtx for callers already holding mtx.
func (c *Core) runCtxLocked() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Core) stopLoops() {
	c.mtx.Lock()
	cancel := c.loopCancel
	c.loopCancel = nil
	c.mtx.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Core) syncLoop(ctx context.Context) {
	defer c.wg.Done()
	syncAll := func() {
		for _, market := range c.joinedMarkets() {
			c.broadcastSync(market)
		}
	}
	syncAll()
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			syncAll()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Core) discoveryLoop(ctx context.Context) {
	defer c.wg.Done()
	// Initial delay gives the room creation a head start.
	select {
	case <-time.After(discoveryDelay):
		c.sess.GetSessions()
	case <-ctx.Done():
		return
	}
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sess.GetSessions()
		case <-ctx.Done():
			return
		}
	}
}

func (c *Core) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			for _, market := range c.joinedMarkets() {
				c.emit(&Event{
					Type:   EventOnline,
					Market: market,
					Online: c.store.Online(market, now),
				})
			}
		case <-ctx.Done():
			return
		}
	}
}

func trimAddr(addr string) string {
	if len(addr) > 10 {
		return addr[:10]
	}
	return addr
}
