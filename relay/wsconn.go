// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package relay

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	pintel "github.com/Not-Sarthak/pintel"
	"github.com/Not-Sarthak/pintel/relay/nrpc"
	"github.com/gorilla/websocket"
)

const (
	// ErrNotConnected is returned by Send when the transport is not open.
	ErrNotConnected = pintel.ErrorKind("not connected")
	// ErrConnection is returned when the transport never opens or errors
	// during the dial.
	ErrConnection = pintel.ErrorKind("connection error")

	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 5 * time.Second

	handshakeTimeout = 10 * time.Second
)

// WsCfg is the configuration struct for initializing a WsConn.
type WsCfg struct {
	// URL is the full websocket endpoint, e.g. wss://host/ws.
	URL string
	// HandleMessage is invoked for every decoded inbound envelope. It runs
	// on the read goroutine, so per-market state mutation downstream is
	// naturally serialized.
	HandleMessage func(*nrpc.Envelope)
	// DisconnectFunc, if set, is invoked exactly once when an established
	// connection drops for any reason other than a call to Close.
	DisconnectFunc func()
	Logger         pintel.Logger
}

// WsConn is a client websocket connection to the relay. One WsConn maintains
// at most one live connection; Connect may be called again after a drop.
type WsConn struct {
	cfg *WsCfg
	log pintel.Logger

	wsMtx sync.Mutex
	ws    *websocket.Conn

	connectedMtx sync.RWMutex
	connected    bool

	// dropOnce guards the DisconnectFunc for the current connection. It is
	// replaced on every successful Connect.
	dropMtx     sync.Mutex
	dropOnce    *sync.Once
	intentional bool
}

// NewWsConn creates a client websocket connection.
func NewWsConn(cfg *WsCfg) (*WsConn, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("error parsing URL %q: %w", cfg.URL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("scheme must be 'ws' or 'wss', not %q", u.Scheme)
	}
	if cfg.HandleMessage == nil {
		return nil, fmt.Errorf("no message handler provided")
	}
	return &WsConn{
		cfg: cfg,
		log: cfg.Logger,
	}, nil
}

// IsConnected returns the connection's connected state.
func (conn *WsConn) IsConnected() bool {
	conn.connectedMtx.RLock()
	defer conn.connectedMtx.RUnlock()
	return conn.connected
}

func (conn *WsConn) setConnected(connected bool) {
	conn.connectedMtx.Lock()
	conn.connected = connected
	conn.connectedMtx.Unlock()
}

// Connect dials the relay. It resolves once the websocket handshake
// completes, and fails with ErrConnection if the dial errors first. A read
// goroutine is started on success.
func (conn *WsConn) Connect(ctx context.Context) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, conn.cfg.URL, nil)
	if err != nil {
		return pintel.NewError(ErrConnection, err.Error())
	}

	conn.wsMtx.Lock()
	if conn.ws != nil {
		conn.ws.Close()
	}
	conn.ws = ws
	conn.wsMtx.Unlock()

	conn.dropMtx.Lock()
	conn.dropOnce = new(sync.Once)
	conn.intentional = false
	conn.dropMtx.Unlock()

	conn.setConnected(true)
	conn.log.Infof("Connected to relay at %s", conn.cfg.URL)

	go conn.read(ws)

	return nil
}

// read fetches and parses incoming messages for processing. One read
// goroutine runs per established connection.
func (conn *WsConn) read(ws *websocket.Conn) {
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			conn.setConnected(false)
			if !websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) &&
				!strings.Contains(err.Error(), "use of closed network connection") {
				conn.log.Errorf("read error: %v", err)
			}
			conn.fireDisconnect()
			return
		}

		env, err := nrpc.DecodeEnvelope(b)
		if err != nil {
			// Decode errors are not fatal. Log and proceed.
			conn.log.Errorf("frame decode error: %v", err)
			continue
		}
		if env.Method == "" {
			conn.log.Debugf("dropping unclassifiable relay frame: %s", truncate(b))
			continue
		}
		conn.cfg.HandleMessage(env)
	}
}

// fireDisconnect invokes the disconnect handler at most once per connection,
// and not at all when the drop was caller-initiated.
func (conn *WsConn) fireDisconnect() {
	conn.dropMtx.Lock()
	once, intentional := conn.dropOnce, conn.intentional
	conn.dropMtx.Unlock()
	if once == nil || intentional {
		return
	}
	once.Do(func() {
		conn.log.Warnf("Relay connection dropped unexpectedly")
		if conn.cfg.DisconnectFunc != nil {
			conn.cfg.DisconnectFunc()
		}
	})
}

// Send pushes an outgoing message over the websocket connection. It returns
// ErrNotConnected when the transport is not open.
func (conn *WsConn) Send(b []byte) error {
	if !conn.IsConnected() {
		return ErrNotConnected
	}
	conn.wsMtx.Lock()
	defer conn.wsMtx.Unlock()
	conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		conn.log.Errorf("write error: %v", err)
		return err
	}
	return nil
}

// Close terminates the connection intentionally. The disconnect handler is
// not invoked.
func (conn *WsConn) Close() {
	conn.dropMtx.Lock()
	conn.intentional = true
	conn.dropMtx.Unlock()

	conn.setConnected(false)

	conn.wsMtx.Lock()
	defer conn.wsMtx.Unlock()
	if conn.ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	// ws is left non-nil so a send racing the close fails with a write
	// error instead of dereferencing nil. Connect replaces it on reuse.
	conn.ws.Close()
}

func truncate(b []byte) string {
	const max = 300
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
