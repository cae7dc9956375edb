// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	pintel "github.com/Not-Sarthak/pintel"
	"github.com/Not-Sarthak/pintel/relay/nrpc"
	"github.com/decred/slog"
	"github.com/gorilla/websocket"
)

var tWsLogger = pintel.StdOutLogger("TWS", slog.LevelOff)

// newTestWsServer runs a websocket endpoint that discards every inbound
// message until the client hangs up.
func newTestWsServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	return srv, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWsConnSendCloseRace(t *testing.T) {
	srv, url := newTestWsServer(t)
	defer srv.Close()

	conn, err := NewWsConn(&WsCfg{
		URL:           url,
		HandleMessage: func(*nrpc.Envelope) {},
		Logger:        tWsLogger,
	})
	if err != nil {
		t.Fatalf("NewWsConn error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Senders racing Close must fail with an error, never panic. The same
	// WsConn is reconnected each round, the way the reconnect loop reuses
	// it after a drop.
	frame := []byte(`{"req":[1,"ping",[],0],"sig":[]}`)
	for round := 0; round < 20; round++ {
		if err := conn.Connect(ctx); err != nil {
			t.Fatalf("round %d: Connect error: %v", round, err)
		}
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					conn.Send(frame)
				}
			}()
		}
		conn.Close()
		wg.Wait()
		if err := conn.Send(frame); err == nil {
			t.Fatalf("round %d: send succeeded on a closed connection", round)
		}
	}
}
