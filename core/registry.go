// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"strconv"
	"strings"

	"github.com/Not-Sarthak/pintel/relay"
	"github.com/Not-Sarthak/pintel/relay/nrpc"
)

// outboundOnlyPrefix marks a pending channel creation that duplicates an
// adopted inbound channel, so that confirmation matching can distinguish the
// two tracking entries for the same counterparty.
const outboundOnlyPrefix = "out:"

type pendingJoin struct {
	nonce  nrpc.Nonce
	market string
}

type pendingChannel struct {
	nonce  nrpc.Nonce
	remote string // lowercased counterparty, possibly outboundOnlyPrefix-ed
}

// registry tracks the logical rooms and channels this client relays order
// messages through, and reconciles the relay's asynchronous creation
// confirmations back to the right entity. The relay echoes the creation nonce
// inconsistently, so matching is best-effort with a FIFO fallback. All access
// is serialized by the owning Core's mutex.
type registry struct {
	self string // lowercased local account

	// Self-room per market, and the reverse index.
	rooms        map[string]string // market key -> session id
	roomToMarket map[string]string // session id -> market key
	pendingJoins []pendingJoin     // insertion-ordered

	// Pairwise channels. channels holds the one tracked session per
	// counterparty; an outbound creation overwrites an adopted inbound
	// entry. createdByUs marks the session ids this client created, the
	// only ones it may publish into.
	channels        map[string]string // counterparty (lower) -> session id
	createdByUs     map[string]struct{}
	pendingChannels []pendingChannel // insertion-ordered
	attempted       map[string]struct{}

	// Peers discovered through other accounts' self-rooms.
	remoteUsers map[string]map[string]struct{} // peer (lower) -> session ids

	// Session ids known to be ours (created or adopted), skipped during
	// discovery.
	ownSessionIDs map[string]struct{}

	// Embedded state snapshots already routed, keyed by
	// sessionID-length-prefix so a poll does not re-process them.
	processedSnapshots map[string]struct{}
}

func newRegistry(self string) *registry {
	return &registry{
		self:               strings.ToLower(self),
		rooms:              make(map[string]string),
		roomToMarket:       make(map[string]string),
		channels:           make(map[string]string),
		createdByUs:        make(map[string]struct{}),
		attempted:          make(map[string]struct{}),
		remoteUsers:        make(map[string]map[string]struct{}),
		ownSessionIDs:      make(map[string]struct{}),
		processedSnapshots: make(map[string]struct{}),
	}
}

// reset drops all bookkeeping. Used on disconnect; the relay may still hold
// the remote ends until its own expiry.
func (r *registry) reset() {
	self := r.self
	*r = *newRegistry(self)
}

func (r *registry) roomID(market string) (string, bool) {
	sid, found := r.rooms[market]
	return sid, found
}

func (r *registry) addPendingJoin(nonce nrpc.Nonce, market string) {
	r.pendingJoins = append(r.pendingJoins, pendingJoin{nonce, market})
}

func (r *registry) addPendingChannel(nonce nrpc.Nonce, remote string, outboundOnly bool) {
	key := strings.ToLower(remote)
	if outboundOnly {
		key = outboundOnlyPrefix + key
	}
	r.pendingChannels = append(r.pendingChannels, pendingChannel{nonce, key})
}

// hasPendingJoin reports whether a room creation is already in flight for the
// market.
func (r *registry) hasPendingJoin(market string) bool {
	for _, pj := range r.pendingJoins {
		if pj.market == market {
			return true
		}
	}
	return false
}

// writableChannels returns counterparty -> session id for every channel this
// client created, the only channels it publishes into.
func (r *registry) writableChannels() map[string]string {
	out := make(map[string]string, len(r.channels))
	for remote, sid := range r.channels {
		if _, ours := r.createdByUs[sid]; ours {
			out[remote] = sid
		}
	}
	return out
}

type matchKind int

const (
	matchedNone matchKind = iota
	matchedChannel
	matchedRoom
)

type createdMatch struct {
	kind   matchKind
	market string // matchedRoom
	remote string // matchedChannel, lowercased, prefix stripped
}

// matchCreated reconciles a creation confirmation against the pending
// request maps. Channel creations are tried first, by nonce and then by FIFO
// fallback when the confirmation is unambiguous (pending channels exist and
// no room joins do); then room joins by nonce, falling back to the first
// pending join whose market lacks a room. Anything left unmatched is an
// orphan for the caller to log and drop.
func (r *registry) matchCreated(sess *nrpc.Session) createdMatch {
	sid := sess.AppSessionID

	remote, matched := r.takePendingChannel(sess.Nonce)
	if !matched && len(r.pendingChannels) > 0 && len(r.pendingJoins) == 0 {
		remote = r.pendingChannels[0].remote
		r.pendingChannels = r.pendingChannels[1:]
		matched = true
	}
	if matched {
		remote = strings.TrimPrefix(remote, outboundOnlyPrefix)
		// An outbound channel supersedes any adopted inbound entry for the
		// counterparty.
		r.channels[remote] = sid
		r.createdByUs[sid] = struct{}{}
		r.ownSessionIDs[sid] = struct{}{}
		return createdMatch{kind: matchedChannel, remote: remote}
	}

	market, matched := r.takePendingJoin(sess.Nonce)
	if !matched {
		for i, pj := range r.pendingJoins {
			if _, joined := r.rooms[pj.market]; !joined {
				market = pj.market
				r.pendingJoins = append(r.pendingJoins[:i], r.pendingJoins[i+1:]...)
				matched = true
				break
			}
		}
	}
	if matched {
		r.rooms[market] = sid
		r.roomToMarket[sid] = market
		r.ownSessionIDs[sid] = struct{}{}
		return createdMatch{kind: matchedRoom, market: market}
	}

	return createdMatch{}
}

func (r *registry) takePendingChannel(nonce nrpc.Nonce) (string, bool) {
	if nonce == 0 {
		return "", false
	}
	for i, pc := range r.pendingChannels {
		if pc.nonce == nonce {
			r.pendingChannels = append(r.pendingChannels[:i], r.pendingChannels[i+1:]...)
			return pc.remote, true
		}
	}
	return "", false
}

func (r *registry) takePendingJoin(nonce nrpc.Nonce) (string, bool) {
	if nonce == 0 {
		return "", false
	}
	for i, pj := range r.pendingJoins {
		if pj.nonce == nonce {
			r.pendingJoins = append(r.pendingJoins[:i], r.pendingJoins[i+1:]...)
			return pj.market, true
		}
	}
	return "", false
}

// snapshot is an embedded state payload recovered from a discovered inbound
// channel, to be routed like a live notification.
type snapshot struct {
	sessionID string
	data      string
}

// discoveryResult is what a discovery listing resolves to: snapshots to
// route, and peers needing an outbound channel. outboundOnly lists peers for
// which an inbound channel already exists, whose creation is tracked under a
// prefixed key.
type discoveryResult struct {
	snapshots    []snapshot
	dialPeers    []string
	outboundOnly []string
}

// processDiscovery folds a get-sessions listing into the registry. Known
// session ids are skipped. Channels naming the local account as a participant
// are adopted as inbound; their embedded state snapshots are deduplicated and
// queued for routing. Other accounts' self-rooms identify discovered peers.
// Every peer without an attempted creation and without an outbound channel is
// queued for dialing, once per session lifetime.
func (r *registry) processDiscovery(sessions []*nrpc.Session) *discoveryResult {
	res := new(discoveryResult)
	var peerOrder []string
	peers := make(map[string]struct{})
	notePeer := func(addr string) {
		if _, seen := peers[addr]; seen {
			return
		}
		peers[addr] = struct{}{}
		peerOrder = append(peerOrder, addr)
	}

	for _, sess := range sessions {
		if sess.Application != relay.AppName || sess.AppSessionID == "" {
			continue
		}
		sid := sess.AppSessionID
		if _, known := r.ownSessionIDs[sid]; known {
			continue
		}

		var other string
		var participant bool
		for _, p := range sess.Participants {
			lower := strings.ToLower(p)
			switch lower {
			case r.self:
				participant = true
			case strings.ToLower(relay.ZeroParticipant):
			default:
				other = lower
			}
		}
		if other == "" {
			continue
		}

		if participant {
			// Inbound channel created by the counterparty.
			if _, have := r.channels[other]; !have {
				r.channels[other] = sid
				r.ownSessionIDs[sid] = struct{}{}
			}
			if sess.SessionData != "" {
				key := snapshotKey(sid, sess.SessionData)
				if _, done := r.processedSnapshots[key]; !done {
					r.processedSnapshots[key] = struct{}{}
					res.snapshots = append(res.snapshots, snapshot{sessionID: sid, data: sess.SessionData})
				}
			}
			notePeer(other)
			continue
		}

		// Another account's self-room.
		if _, have := r.remoteUsers[other]; !have {
			r.remoteUsers[other] = make(map[string]struct{})
		}
		r.remoteUsers[other][sid] = struct{}{}
		notePeer(other)
	}

	for _, peer := range peerOrder {
		if _, tried := r.attempted[peer]; tried {
			continue
		}
		sid, haveChannel := r.channels[peer]
		if !haveChannel {
			r.attempted[peer] = struct{}{}
			res.dialPeers = append(res.dialPeers, peer)
			continue
		}
		if _, ours := r.createdByUs[sid]; !ours {
			// Inbound only. Full duplex needs an outbound channel of our
			// own, tracked separately so the confirmation does not clobber
			// the inbound entry prematurely.
			r.attempted[peer] = struct{}{}
			res.outboundOnly = append(res.outboundOnly, peer)
		}
	}
	return res
}

func snapshotKey(sid, data string) string {
	prefix := data
	if len(prefix) > 20 {
		prefix = prefix[:20]
	}
	return sid + "-" + strconv.Itoa(len(data)) + "-" + prefix
}

// closeSession clears the bookkeeping for a closed session, whichever kind it
// was.
func (r *registry) closeSession(sid string) {
	if market, found := r.roomToMarket[sid]; found {
		delete(r.rooms, market)
	}
	delete(r.roomToMarket, sid)
	delete(r.ownSessionIDs, sid)
	delete(r.createdByUs, sid)
	for remote, id := range r.channels {
		if id == sid {
			delete(r.channels, remote)
			delete(r.attempted, remote)
			break
		}
	}
}

// leaveRoom clears the self-room bookkeeping for a market after a local close
// request.
func (r *registry) leaveRoom(market string) (sid string, found bool) {
	sid, found = r.rooms[market]
	if !found {
		return
	}
	delete(r.rooms, market)
	delete(r.roomToMarket, sid)
	delete(r.ownSessionIDs, sid)
	return
}
