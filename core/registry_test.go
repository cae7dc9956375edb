// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"encoding/json"
	"testing"

	"github.com/Not-Sarthak/pintel/relay"
	"github.com/Not-Sarthak/pintel/relay/nrpc"
)

const (
	tSelf  = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	tPeerA = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
	tPeerB = "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB"
)

func tSession(sid string, nonce nrpc.Nonce, participants ...string) *nrpc.Session {
	return &nrpc.Session{
		AppSessionID: sid,
		Application:  relay.AppName,
		Participants: participants,
		Nonce:        nonce,
		Status:       "open",
	}
}

func TestMatchCreatedByNonce(t *testing.T) {
	r := newRegistry(tSelf)
	r.addPendingJoin(100, "market-a")
	r.addPendingChannel(200, tPeerA, false)

	// A channel confirmation with a matching nonce resolves to the channel
	// even with a pending join present.
	m := r.matchCreated(tSession("sid-chan", 200, tSelf, tPeerA))
	if m.kind != matchedChannel {
		t.Fatalf("expected channel match, got %d", m.kind)
	}
	if m.remote != "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359" {
		t.Fatalf("wrong counterparty %s", m.remote)
	}
	if _, ours := r.createdByUs["sid-chan"]; !ours {
		t.Fatal("channel not marked as created by us")
	}

	// The room confirmation then matches its own nonce.
	m = r.matchCreated(tSession("sid-room", 100, tSelf, relay.ZeroParticipant))
	if m.kind != matchedRoom || m.market != "market-a" {
		t.Fatalf("expected room match for market-a, got %+v", m)
	}
	if sid, _ := r.roomID("market-a"); sid != "sid-room" {
		t.Fatalf("wrong room id %s", sid)
	}
}

func TestMatchCreatedChannelFIFOFallback(t *testing.T) {
	r := newRegistry(tSelf)
	r.addPendingChannel(200, tPeerA, false)
	r.addPendingChannel(201, tPeerB, false)

	// No nonce echoed, no pending joins: the oldest pending channel wins.
	m := r.matchCreated(tSession("sid-1", 0, tSelf, tPeerA))
	if m.kind != matchedChannel || m.remote != "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359" {
		t.Fatalf("FIFO fallback failed: %+v", m)
	}
	m = r.matchCreated(tSession("sid-2", 0, tSelf, tPeerB))
	if m.kind != matchedChannel || m.remote != "0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb" {
		t.Fatalf("second FIFO fallback failed: %+v", m)
	}
}

func TestMatchCreatedNoFallbackWithPendingJoin(t *testing.T) {
	r := newRegistry(tSelf)
	r.addPendingChannel(200, tPeerA, false)
	r.addPendingJoin(100, "market-a")

	// A nonce-less confirmation is ambiguous between the channel and the
	// join. The channel FIFO fallback must not fire; the join fallback
	// (first pending join without a room) resolves it.
	m := r.matchCreated(tSession("sid-x", 0, tSelf, relay.ZeroParticipant))
	if m.kind != matchedRoom || m.market != "market-a" {
		t.Fatalf("expected room fallback, got %+v", m)
	}
	if len(r.pendingChannels) != 1 {
		t.Fatal("pending channel consumed by ambiguous confirmation")
	}
}

func TestMatchCreatedOrphan(t *testing.T) {
	r := newRegistry(tSelf)
	m := r.matchCreated(tSession("sid-orphan", 999, tSelf, tPeerA))
	if m.kind != matchedNone {
		t.Fatalf("expected orphan, got %+v", m)
	}
	if len(r.channels) != 0 || len(r.rooms) != 0 {
		t.Fatal("orphan mutated registry state")
	}
}

func TestMatchCreatedOutboundOnlyPrefix(t *testing.T) {
	r := newRegistry(tSelf)
	peer := "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
	// Adopted inbound channel.
	r.channels[peer] = "sid-inbound"
	r.ownSessionIDs["sid-inbound"] = struct{}{}

	r.addPendingChannel(300, peer, true)
	m := r.matchCreated(tSession("sid-outbound", 300, tSelf, tPeerA))
	if m.kind != matchedChannel || m.remote != peer {
		t.Fatalf("outbound-only match failed: %+v", m)
	}
	// The outbound channel supersedes the inbound entry for publishing.
	if r.channels[peer] != "sid-outbound" {
		t.Fatalf("outbound did not supersede inbound: %s", r.channels[peer])
	}
	wc := r.writableChannels()
	if wc[peer] != "sid-outbound" {
		t.Fatalf("outbound channel not writable: %v", wc)
	}
}

func TestDiscoveryAdoptionAndDialing(t *testing.T) {
	r := newRegistry(tSelf)
	r.ownSessionIDs["sid-mine"] = struct{}{}

	sessions := []*nrpc.Session{
		// Already known, skipped.
		tSession("sid-mine", 0, tSelf, relay.ZeroParticipant),
		// Inbound channel from peer A, with an embedded snapshot.
		func() *nrpc.Session {
			s := tSession("sid-in-a", 0, tPeerA, tSelf)
			s.SessionData = `{"type":"heartbeat","from":"` + tPeerA + `","ts":1}`
			return s
		}(),
		// Peer B's self-room.
		tSession("sid-room-b", 0, tPeerB, relay.ZeroParticipant),
		// Foreign application, ignored.
		&nrpc.Session{AppSessionID: "sid-other", Application: "other", Participants: []string{tPeerB, tSelf}},
	}

	res := r.processDiscovery(sessions)

	if r.channels["0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"] != "sid-in-a" {
		t.Fatal("inbound channel not adopted")
	}
	if _, ours := r.createdByUs["sid-in-a"]; ours {
		t.Fatal("inbound channel marked as created by us")
	}
	if len(res.snapshots) != 1 || res.snapshots[0].sessionID != "sid-in-a" {
		t.Fatalf("snapshot not recovered: %+v", res.snapshots)
	}
	// Peer A has inbound only: outbound-only creation. Peer B has nothing:
	// plain dial.
	if len(res.outboundOnly) != 1 || res.outboundOnly[0] != "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359" {
		t.Fatalf("expected outbound-only dial to peer A, got %v", res.outboundOnly)
	}
	if len(res.dialPeers) != 1 || res.dialPeers[0] != "0xdbf03b407c01e7cd3cbea99509d93f8dddc8c6fb" {
		t.Fatalf("expected dial to peer B, got %v", res.dialPeers)
	}

	// A second poll returns the same listing: the snapshot is deduplicated
	// and no peer is dialed twice.
	res = r.processDiscovery(sessions)
	if len(res.snapshots) != 0 {
		t.Fatalf("snapshot re-processed on poll: %+v", res.snapshots)
	}
	if len(res.dialPeers) != 0 || len(res.outboundOnly) != 0 {
		t.Fatalf("peers re-dialed on poll: %v %v", res.dialPeers, res.outboundOnly)
	}
}

func TestDiscoverySnapshotDedupKey(t *testing.T) {
	r := newRegistry(tSelf)
	sess := tSession("sid-in", 0, tPeerA, tSelf)
	sess.SessionData = `{"type":"chat","text":"hi","from":"` + tPeerA + `","ts":1}`

	res := r.processDiscovery([]*nrpc.Session{sess})
	if len(res.snapshots) != 1 {
		t.Fatal("first snapshot not routed")
	}
	// Once adopted, the session id is known and later polls skip it
	// entirely, even with a changed payload. Live changes arrive through
	// session-update notifications, not discovery.
	sess2 := *sess
	sess2.SessionData = `{"type":"chat","text":"hello again","from":"` + tPeerA + `","ts":2}`
	res = r.processDiscovery([]*nrpc.Session{&sess2})
	if len(res.snapshots) != 0 {
		t.Fatalf("known session's snapshot re-examined: %+v", res.snapshots)
	}
	// After the session closes, re-adoption routes only payloads that were
	// never processed. The same payload is recognized by its dedup key.
	r.closeSession("sid-in")
	res = r.processDiscovery([]*nrpc.Session{sess})
	if len(res.snapshots) != 0 {
		t.Fatal("processed snapshot routed again after re-adoption")
	}
	r.closeSession("sid-in")
	res = r.processDiscovery([]*nrpc.Session{&sess2})
	if len(res.snapshots) != 1 {
		t.Fatal("fresh snapshot not routed after re-adoption")
	}
}

func TestCloseSessionCleanup(t *testing.T) {
	r := newRegistry(tSelf)
	r.addPendingJoin(100, "market-a")
	r.matchCreated(tSession("sid-room", 100, tSelf, relay.ZeroParticipant))
	r.addPendingChannel(200, tPeerA, false)
	r.matchCreated(tSession("sid-chan", 200, tSelf, tPeerA))

	r.closeSession("sid-room")
	if _, found := r.roomID("market-a"); found {
		t.Fatal("room survived close")
	}
	r.closeSession("sid-chan")
	if len(r.channels) != 0 {
		t.Fatal("channel survived close")
	}
	if _, tried := r.attempted["0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"]; tried {
		t.Fatal("attempted flag survived channel close")
	}
}

func TestSessionListDecodeIntoDiscovery(t *testing.T) {
	// Discovery payloads arrive in both casings; the registry must see the
	// same normalized session either way.
	raw := []byte(`{"appSessions":[{"appSessionId":"sid-1","application":"pintel",` +
		`"participants":["` + tPeerA + `","0x0000000000000000000000000000000000000000"],"sessionData":""}]}`)
	var list nrpc.SessionList
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	r := newRegistry(tSelf)
	res := r.processDiscovery(list.Sessions)
	if len(res.dialPeers) != 1 {
		t.Fatalf("camelCase discovery listing not processed: %+v", res)
	}
}
