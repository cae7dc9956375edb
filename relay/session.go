// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	pintel "github.com/Not-Sarthak/pintel"
	"github.com/Not-Sarthak/pintel/relay/nrpc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// ErrAuthTimeout is returned when no challenge/verify exchange completes
	// within authTimeout.
	ErrAuthTimeout = pintel.ErrorKind("authentication timed out")
	// ErrAuthRejected is returned when the relay sends an error frame before
	// authentication completes, or when wallet signing fails.
	ErrAuthRejected = pintel.ErrorKind("authentication rejected")

	// AppName tags every room and channel this client creates. Discovery
	// ignores sessions from other applications.
	AppName = "pintel"
	// Protocol is the state-channel protocol version requested on session
	// creation.
	Protocol = "NitroRPC/0.2"
	// Asset is the ledger asset used for the zero-amount allocations that
	// session creation and state submission require.
	Asset = "ytest.usd"
	// ZeroParticipant is the null counterparty of a self-room.
	ZeroParticipant = "0x0000000000000000000000000000000000000000"

	allowanceAmount = "1000000000"
	authScope       = "console"
	sessionKeyTTL   = 24 * time.Hour
	authTimeout     = 30 * time.Second

	// sendFailureMessage is surfaced through the message handler's error
	// channel when a send is attempted on a closed transport.
	sendFailureMessage = "Connection lost. Please reconnect."
)

// WalletSigner is the opaque wallet boundary. The core never sees key
// material; it requests the connected address and signatures over
// authentication challenges.
type WalletSigner interface {
	Address() common.Address
	// SignChallenge signs the relay's authentication challenge. The auth
	// parameters are supplied because some wallets bind them into a typed
	// (EIP-712) signing payload.
	SignChallenge(ctx context.Context, challenge string, params *nrpc.AuthParams) ([]byte, error)
}

// Config is the configuration for a relay Session.
type Config struct {
	// URL is the relay websocket endpoint.
	URL string
	// FaucetURL is the optional test-token faucet endpoint.
	FaucetURL string
	Wallet    WalletSigner
	// HandleMessage receives every inbound envelope except the
	// auth_challenge, which the Session consumes. Send failures on
	// fire-and-forget broadcasts are also delivered here as error
	// envelopes.
	HandleMessage func(*nrpc.Envelope)
	// DisconnectFunc is relayed from the underlying transport: exactly once
	// per unexpected drop, never on Close.
	DisconnectFunc func()
	Logger         pintel.Logger
}

// Session is an authenticated connection to the relay. It owns the transport,
// the ephemeral session signing key, and the challenge-response
// authentication handshake.
type Session struct {
	log       pintel.Logger
	wallet    WalletSigner
	faucetURL string
	handle    func(*nrpc.Envelope)

	signer     *nrpc.Signer
	authParams *nrpc.AuthParams

	conn *WsConn

	authedMtx sync.RWMutex
	authed    bool

	authMtx  sync.Mutex
	authDone chan error
}

// New creates a Session. The transport is not dialed until Connect.
func New(cfg *Config) (*Session, error) {
	if cfg.Wallet == nil {
		return nil, fmt.Errorf("no wallet signer provided")
	}
	signer, err := nrpc.NewSessionSigner()
	if err != nil {
		return nil, err
	}

	s := &Session{
		log:       cfg.Logger,
		wallet:    cfg.Wallet,
		faucetURL: cfg.FaucetURL,
		handle:    cfg.HandleMessage,
		signer:    signer,
		authParams: &nrpc.AuthParams{
			Address:     cfg.Wallet.Address().Hex(),
			SessionKey:  signer.Address().Hex(),
			Application: AppName,
			Allowances:  []nrpc.Allowance{{Asset: Asset, Amount: allowanceAmount}},
			ExpiresAt:   uint64(time.Now().Add(sessionKeyTTL).Unix()),
			Scope:       authScope,
		},
	}

	s.conn, err = NewWsConn(&WsCfg{
		URL:           cfg.URL,
		Logger:        cfg.Logger.SubLogger("WS"),
		HandleMessage: s.handleMessage,
		DisconnectFunc: func() {
			s.setAuthed(false)
			s.failAuth(pintel.NewError(ErrAuthRejected, "connection dropped"))
			if cfg.DisconnectFunc != nil {
				cfg.DisconnectFunc()
			}
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Address is the connected wallet address.
func (s *Session) Address() common.Address {
	return s.wallet.Address()
}

// SessionAddress is the address of the ephemeral session signing key.
func (s *Session) SessionAddress() common.Address {
	return s.signer.Address()
}

// IsConnected reports whether the transport is open.
func (s *Session) IsConnected() bool {
	return s.conn.IsConnected()
}

// IsAuthenticated reports whether the challenge-response handshake has
// completed on the current connection.
func (s *Session) IsAuthenticated() bool {
	s.authedMtx.RLock()
	defer s.authedMtx.RUnlock()
	return s.authed
}

func (s *Session) setAuthed(authed bool) {
	s.authedMtx.Lock()
	s.authed = authed
	s.authedMtx.Unlock()
}

// Connect dials the relay.
func (s *Session) Connect(ctx context.Context) error {
	return s.conn.Connect(ctx)
}

// Close tears down the transport intentionally. The disconnect handler does
// not fire.
func (s *Session) Close() {
	s.setAuthed(false)
	s.conn.Close()
}

// Authenticate performs the challenge-response handshake: an auth_request
// carrying the account identity, the ephemeral session key, allowances,
// expiry and scope, then a wallet-signed auth_verify in response to the
// relay's auth_challenge. It blocks until auth_verify is confirmed, the
// relay sends an error frame (ErrAuthRejected), or authTimeout passes
// (ErrAuthTimeout).
func (s *Session) Authenticate(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return ErrNotConnected
	}

	s.authMtx.Lock()
	if s.authDone != nil {
		s.authMtx.Unlock()
		return fmt.Errorf("authentication already in flight")
	}
	done := make(chan error, 1)
	s.authDone = done
	s.authMtx.Unlock()

	defer func() {
		s.authMtx.Lock()
		s.authDone = nil
		s.authMtx.Unlock()
	}()

	req := nrpc.NewRequest(nrpc.MethodAuthRequest, s.authParams)
	if err := s.signer.SignRequest(req); err != nil {
		return err
	}
	if err := s.send(req); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-time.After(authTimeout):
		return ErrAuthTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishAuth resolves a pending Authenticate call, if any.
func (s *Session) finishAuth(err error) {
	s.authMtx.Lock()
	done := s.authDone
	s.authMtx.Unlock()
	if done == nil {
		return
	}
	select {
	case done <- err:
	default:
	}
}

func (s *Session) failAuth(err error) {
	s.finishAuth(err)
}

// handleMessage intercepts handshake frames and forwards everything else to
// the configured handler.
func (s *Session) handleMessage(env *nrpc.Envelope) {
	switch env.Method {
	case nrpc.MethodAuthChallenge:
		// Consumed here. Wallet signing may block, and no business traffic
		// flows before authentication, so hop off the read goroutine.
		go s.answerChallenge(env)
		return
	case nrpc.MethodAuthVerify:
		s.setAuthed(true)
		s.log.Infof("Authenticated with relay as %s", s.wallet.Address())
		s.finishAuth(nil)
	case nrpc.MethodError:
		if !s.IsAuthenticated() {
			s.finishAuth(pintel.NewError(ErrAuthRejected, env.ErrorMessage()))
		}
	}
	s.handle(env)
}

// answerChallenge signs the relay's challenge with the wallet and returns an
// auth_verify frame.
func (s *Session) answerChallenge(env *nrpc.Envelope) {
	var challenge nrpc.AuthChallenge
	if err := json.Unmarshal(env.Payload, &challenge); err != nil {
		s.log.Errorf("auth challenge decode error: %v", err)
		s.failAuth(pintel.NewError(ErrAuthRejected, err.Error()))
		return
	}

	// Challenge payloads may arrive wrapped in the params array of a req
	// triple.
	if challenge.ChallengeMessage == "" {
		var list []nrpc.AuthChallenge
		if err := json.Unmarshal(env.Payload, &list); err == nil && len(list) > 0 {
			challenge = list[0]
		}
	}
	if challenge.ChallengeMessage == "" {
		s.failAuth(pintel.NewError(ErrAuthRejected, "empty auth challenge"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	sig, err := s.wallet.SignChallenge(ctx, challenge.ChallengeMessage, s.authParams)
	if err != nil {
		s.log.Errorf("challenge signing error: %v", err)
		s.failAuth(pintel.NewError(ErrAuthRejected, err.Error()))
		return
	}

	req := nrpc.NewRequest(nrpc.MethodAuthVerify, &nrpc.AuthVerify{
		Challenge: challenge.ChallengeMessage,
	})
	req.Sigs = []string{hexutil.Encode(sig)}
	if err := s.send(req); err != nil {
		s.failAuth(pintel.NewError(ErrAuthRejected, err.Error()))
	}
}

// send marshals and transmits a frame, returning any transport error.
func (s *Session) send(req *nrpc.Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("frame marshal error: %w", err)
	}
	return s.conn.Send(b)
}

// sendSigned signs a frame with the session key and transmits it.
func (s *Session) sendSigned(req *nrpc.Request) error {
	if err := s.signer.SignRequest(req); err != nil {
		return err
	}
	return s.send(req)
}

// broadcast transmits a session-signed frame on a fire-and-forget basis.
// Failures are reported through the message handler's error channel rather
// than returned, because broadcasts run from background timers with no one to
// hand an error to.
func (s *Session) broadcast(req *nrpc.Request) {
	if err := s.sendSigned(req); err != nil {
		s.log.Errorf("cannot send %s: %v", req.Method, err)
		s.handle(&nrpc.Envelope{
			Method: nrpc.MethodError,
			Err:    &nrpc.Error{Message: sendFailureMessage},
		})
	}
}

// GetBalances requests the account's ledger balances. The result arrives
// through the message handler.
func (s *Session) GetBalances() {
	s.broadcast(nrpc.NewRequest(nrpc.MethodGetLedgerBalances, &nrpc.BalancesFilter{
		Participant: s.wallet.Address().Hex(),
	}))
}

// GetChannels requests the account's open payment channels.
func (s *Session) GetChannels() {
	s.broadcast(nrpc.NewRequest(nrpc.MethodGetChannels, &nrpc.SessionsFilter{
		Participant: s.wallet.Address().Hex(),
		Status:      "open",
	}))
}

// GetSessions requests all open app sessions, the discovery primitive.
func (s *Session) GetSessions() {
	s.broadcast(nrpc.NewRequest(nrpc.MethodGetSessions, &nrpc.SessionsFilter{
		Participant: s.wallet.Address().Hex(),
		Status:      "open",
	}))
}

// CreateRoom requests creation of the [self, null] broadcast room used for
// discovery. The caller supplies the correlation nonce it tracks the request
// under.
func (s *Session) CreateRoom(nonce nrpc.Nonce) error {
	self := s.wallet.Address().Hex()
	return s.sendSigned(nrpc.NewRequest(nrpc.MethodCreateSession, &nrpc.CreateSession{
		Definition: nrpc.SessionDefinition{
			Protocol:     Protocol,
			Application:  AppName,
			Participants: []string{self, ZeroParticipant},
			Weights:      []int{50, 50},
			Quorum:       50,
			Nonce:        nonce,
		},
		Allocations: zeroAllocations(self, ZeroParticipant),
	}))
}

// CreateChannel requests creation of an outbound pairwise channel to the
// counterparty. Both participant addresses are checksummed; the relay's
// allocation validation is case sensitive.
func (s *Session) CreateChannel(counterparty string, nonce nrpc.Nonce) error {
	self := s.wallet.Address().Hex()
	remote := nrpc.ChecksumAddress(counterparty)
	return s.sendSigned(nrpc.NewRequest(nrpc.MethodCreateSession, &nrpc.CreateSession{
		Definition: nrpc.SessionDefinition{
			Protocol:     Protocol,
			Application:  AppName,
			Participants: []string{self, remote},
			Weights:      []int{100, 100},
			Quorum:       100,
			Nonce:        nonce,
		},
		Allocations: zeroAllocations(self, remote),
	}))
}

// SubmitState publishes a state payload into a session this client created.
// Fire-and-forget: failures surface through the error channel.
func (s *Session) SubmitState(sessionID, counterparty string, data []byte) {
	self := s.wallet.Address().Hex()
	other := ZeroParticipant
	if counterparty != "" {
		other = nrpc.ChecksumAddress(counterparty)
	}
	s.broadcast(nrpc.NewRequest(nrpc.MethodSubmitState, &nrpc.SubmitState{
		AppSessionID: sessionID,
		Allocations:  zeroAllocations(self, other),
		SessionData:  string(data),
	}))
}

// CloseSession requests closure of a session this client created.
func (s *Session) CloseSession(sessionID string) error {
	self := s.wallet.Address().Hex()
	return s.sendSigned(nrpc.NewRequest(nrpc.MethodCloseSession, &nrpc.CloseSession{
		AppSessionID: sessionID,
		Allocations:  zeroAllocations(self, ZeroParticipant),
	}))
}

// TransferLedger moves ledger balance to another account.
func (s *Session) TransferLedger(destination, amount string) error {
	return s.sendSigned(nrpc.NewRequest(nrpc.MethodTransfer, &nrpc.Transfer{
		Destination: nrpc.ChecksumAddress(destination),
		Allocations: []nrpc.Allocation{{Asset: Asset, Amount: amount}},
	}))
}

// RequestFaucet asks the test faucet for tokens. The response is surfaced as
// a "faucet" envelope through the message handler.
func (s *Session) RequestFaucet(ctx context.Context) error {
	if s.faucetURL == "" {
		return fmt.Errorf("no faucet URL configured")
	}
	body, err := json.Marshal(struct {
		UserAddress string `json:"userAddress"`
	}{UserAddress: s.wallet.Address().Hex()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.faucetURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	if !json.Valid(respBody) {
		respBody, _ = json.Marshal(string(respBody))
	}
	s.handle(&nrpc.Envelope{Method: "faucet", Payload: respBody})
	return nil
}

func zeroAllocations(a, b string) []nrpc.Allocation {
	return []nrpc.Allocation{
		{Participant: a, Asset: Asset, Amount: "0"},
		{Participant: b, Asset: Asset, Amount: "0"},
	}
}
