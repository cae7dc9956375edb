// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package nrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// Relay methods. These are the values that appear in the method slot of a
// NitroRPC frame, and as the "method" field of object-shaped notifications.
const (
	MethodAuthRequest       = "auth_request"
	MethodAuthChallenge     = "auth_challenge"
	MethodAuthVerify        = "auth_verify"
	MethodGetLedgerBalances = "get_ledger_balances"
	MethodGetChannels       = "get_channels"
	MethodGetSessions       = "get_app_sessions"
	MethodCreateSession     = "create_app_session"
	MethodSubmitState       = "submit_app_state"
	MethodCloseSession      = "close_app_session"
	MethodTransfer          = "transfer"
	// MethodSessionUpdate is the app-session-update notification. The relay
	// does not always label these; a bare object carrying a session id is
	// classified as a session update during decode.
	MethodSessionUpdate = "asu"
	// MethodBalanceUpdate is the unsolicited ledger balance notification.
	MethodBalanceUpdate = "bu"
	MethodError         = "error"
)

// Error codes returned by the relay in error frames. The sandbox relay is not
// consistent about supplying codes, so zero is common.
const (
	ErrCodeUnspecified = iota // 0
	ErrCodeParse              // 1
	ErrCodeAuth               // 2
	ErrCodeNotParticipant     // 3
	ErrCodeInsufficientFunds  // 4
	ErrCodeInternal           // 5
)

// Error is the error payload of a relay rejection.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	return e.String()
}

// String satisfies the Stringer interface for pretty printing.
func (e Error) String() string {
	return fmt.Sprintf("relay error code %d: %s", e.Code, e.Message)
}

// Nonce is a correlation value attached to session-creation requests. The
// relay echoes it inconsistently, sometimes as a JSON string, sometimes as a
// number, sometimes not at all, so it unmarshals from either form.
type Nonce uint64

// UnmarshalJSON satisfies the json.Unmarshaler interface.
func (n *Nonce) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = 0
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		var err error
		s, err = strconv.Unquote(s)
		if err != nil {
			return fmt.Errorf("malformed nonce %s: %w", string(b), err)
		}
	}
	if s == "" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("malformed nonce %s: %w", string(b), err)
	}
	*n = Nonce(v)
	return nil
}

// NewNonce generates a fresh creation nonce. Nonces are wall-clock based with
// a counter offset so that two creations in the same millisecond do not
// collide. Callers run on the read goroutine, timer goroutines, and user
// goroutines alike, so the counter is atomic.
var nonceCounter atomic.Uint64

func NewNonce() Nonce {
	return Nonce(uint64(time.Now().UnixMilli()) + nonceCounter.Add(1)%1000)
}

// Envelope is the normalized form of an inbound relay frame. Every inbound
// shape decodes to a (Method, Payload) pair plus the frame id, when one was
// present, for response correlation.
type Envelope struct {
	ID      uint64
	Method  string
	Payload json.RawMessage
	// Err is non-nil when the frame itself was a top-level error object.
	Err *Error
}

// rawFrame covers every envelope shape the relay is known to emit: the
// req/res triple, the {method, params} object, the typed event object, and
// the bare session-update object.
type rawFrame struct {
	Res    []json.RawMessage `json:"res"`
	Req    []json.RawMessage `json:"req"`
	Err    *Error            `json:"error"`
	Method string            `json:"method"`
	Params json.RawMessage   `json:"params"`
	Type   string            `json:"type"`
	Event  string            `json:"event"`

	AppSessionID  string `json:"app_session_id"`
	AppSessionCC  string `json:"appSessionId"`
	AppSessionObj *struct {
		ID   string `json:"app_session_id"`
		IDCC string `json:"appSessionId"`
	} `json:"app_session"`
}

// DecodeEnvelope normalizes an inbound relay frame. The decode tries each
// known shape in a fixed order: top-level error, res/req triple,
// {method, params}, typed event, bare session update. Frames matching none of
// the shapes produce an Envelope with an empty Method so the caller can log
// and drop them.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var raw rawFrame
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("unparseable relay frame: %w", err)
	}

	if raw.Err != nil {
		return &Envelope{Method: MethodError, Err: raw.Err}, nil
	}

	if triple := raw.Res; triple != nil || raw.Req != nil {
		if triple == nil {
			triple = raw.Req
		}
		if len(triple) < 3 {
			return nil, fmt.Errorf("rpc triple too short: %d elements", len(triple))
		}
		env := new(Envelope)
		if err := json.Unmarshal(triple[0], &env.ID); err != nil {
			// A malformed id is tolerable. Correlation falls back to
			// pending-request bookkeeping anyway.
			env.ID = 0
		}
		if err := json.Unmarshal(triple[1], &env.Method); err != nil {
			return nil, fmt.Errorf("rpc triple method: %w", err)
		}
		env.Payload = triple[2]
		return env, nil
	}

	if raw.Method != "" {
		return &Envelope{Method: raw.Method, Payload: raw.Params}, nil
	}

	if raw.Type != "" || raw.Event != "" {
		method := raw.Type
		if method == "" {
			method = raw.Event
		}
		return &Envelope{Method: method, Payload: b}, nil
	}

	if raw.AppSessionID != "" || raw.AppSessionCC != "" || raw.AppSessionObj != nil {
		return &Envelope{Method: MethodSessionUpdate, Payload: b}, nil
	}

	return &Envelope{Payload: b}, nil
}

// ErrorMessage extracts a human-readable message from an error payload, which
// may be a top-level Err, an {error: "..."} object, a {message: "..."} object,
// or a bare string.
func (env *Envelope) ErrorMessage() string {
	if env.Err != nil {
		return env.Err.Message
	}
	var obj struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(env.Payload, &obj); err == nil {
		if obj.Error != "" {
			return obj.Error
		}
		if obj.Message != "" {
			return obj.Message
		}
	}
	var s string
	if err := json.Unmarshal(env.Payload, &s); err == nil {
		return s
	}
	return string(env.Payload)
}

// ErrorCode extracts a structured error code from an error payload, or
// ErrCodeUnspecified when the relay supplied none.
func (env *Envelope) ErrorCode() int {
	if env.Err != nil {
		return env.Err.Code
	}
	var obj struct {
		Code int `json:"code"`
	}
	if err := json.Unmarshal(env.Payload, &obj); err == nil {
		return obj.Code
	}
	return ErrCodeUnspecified
}

// Allowance grants the session key spending power over an asset.
type Allowance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// AuthParams are the parameters of an auth_request.
type AuthParams struct {
	Address     string      `json:"address"`
	SessionKey  string      `json:"session_key"`
	Application string      `json:"application"`
	Allowances  []Allowance `json:"allowances"`
	ExpiresAt   uint64      `json:"expires_at"`
	Scope       string      `json:"scope"`
}

// AuthChallenge is the payload of an auth_challenge frame.
type AuthChallenge struct {
	ChallengeMessage string `json:"challenge_message"`
}

// UnmarshalJSON tolerates the camelCase alias the relay sometimes uses.
func (c *AuthChallenge) UnmarshalJSON(b []byte) error {
	var alias struct {
		Snake string `json:"challenge_message"`
		Camel string `json:"challengeMessage"`
	}
	if err := json.Unmarshal(b, &alias); err != nil {
		// Some relays send the challenge as a bare string.
		var s string
		if err2 := json.Unmarshal(b, &s); err2 != nil {
			return err
		}
		c.ChallengeMessage = s
		return nil
	}
	c.ChallengeMessage = alias.Snake
	if c.ChallengeMessage == "" {
		c.ChallengeMessage = alias.Camel
	}
	return nil
}

// AuthVerify is the parameter of an auth_verify request. The wallet signature
// over the challenge travels in the frame's sig slot.
type AuthVerify struct {
	Challenge string `json:"challenge"`
}

// SessionDefinition describes a room or channel to be created.
type SessionDefinition struct {
	Protocol     string   `json:"protocol"`
	Application  string   `json:"application"`
	Participants []string `json:"participants"`
	Weights      []int    `json:"weights"`
	Quorum       int      `json:"quorum"`
	Challenge    int      `json:"challenge"`
	Nonce        Nonce    `json:"nonce"`
}

// Allocation assigns an asset amount to a participant.
type Allocation struct {
	Participant string `json:"participant"`
	Asset       string `json:"asset"`
	Amount      string `json:"amount"`
}

// CreateSession is the parameter of a create_app_session request.
type CreateSession struct {
	Definition  SessionDefinition `json:"definition"`
	Allocations []Allocation      `json:"allocations"`
}

// SubmitState is the parameter of a submit_app_state request.
type SubmitState struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
	SessionData  string       `json:"session_data"`
}

// CloseSession is the parameter of a close_app_session request.
type CloseSession struct {
	AppSessionID string       `json:"app_session_id"`
	Allocations  []Allocation `json:"allocations"`
}

// SessionsFilter is the parameter of get_app_sessions and get_channels
// requests.
type SessionsFilter struct {
	Participant string `json:"participant"`
	Status      string `json:"status,omitempty"`
}

// BalancesFilter is the parameter of a get_ledger_balances request.
type BalancesFilter struct {
	Participant string `json:"participant"`
}

// Transfer is the parameter of a ledger transfer request.
type Transfer struct {
	Destination string       `json:"destination"`
	Allocations []Allocation `json:"allocations"`
}

// Session describes a room or channel as reported by the relay, either in a
// create_app_session confirmation or a get_app_sessions listing. Field names
// vary between snake_case and camelCase depending on the relay build, so it
// carries a custom unmarshaler.
type Session struct {
	AppSessionID string
	Application  string
	Participants []string
	SessionData  string
	Status       string
	Nonce        Nonce
}

type sessionAlias struct {
	SessionID    string   `json:"app_session_id"`
	SessionIDCC  string   `json:"appSessionId"`
	Application  string   `json:"application"`
	Participants []string `json:"participants"`
	SessionData  string   `json:"session_data"`
	SessionDataC string   `json:"sessionData"`
	Status       string   `json:"status"`
	Nonce        Nonce    `json:"nonce"`
}

// UnmarshalJSON satisfies the json.Unmarshaler interface.
func (s *Session) UnmarshalJSON(b []byte) error {
	var alias sessionAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	s.AppSessionID = alias.SessionID
	if s.AppSessionID == "" {
		s.AppSessionID = alias.SessionIDCC
	}
	s.Application = alias.Application
	s.Participants = alias.Participants
	s.SessionData = alias.SessionData
	if s.SessionData == "" {
		s.SessionData = alias.SessionDataC
	}
	s.Status = alias.Status
	s.Nonce = alias.Nonce
	return nil
}

// DecodeSessionResult decodes a create_app_session confirmation payload. The
// relay wraps the session object in a single-element array on some builds and
// sends it flat on others.
func DecodeSessionResult(payload json.RawMessage) (*Session, error) {
	var list []*Session
	if err := json.Unmarshal(payload, &list); err == nil {
		if len(list) == 0 {
			return nil, fmt.Errorf("empty session result array")
		}
		return list[0], nil
	}
	sess := new(Session)
	if err := json.Unmarshal(payload, sess); err != nil {
		return nil, fmt.Errorf("unparseable session result: %w", err)
	}
	return sess, nil
}

// SessionList is the payload of a get_app_sessions response.
type SessionList struct {
	Sessions []*Session
}

// UnmarshalJSON satisfies the json.Unmarshaler interface.
func (l *SessionList) UnmarshalJSON(b []byte) error {
	var alias struct {
		Snake []*Session `json:"app_sessions"`
		Camel []*Session `json:"appSessions"`
	}
	if err := json.Unmarshal(b, &alias); err != nil {
		// Bare array form.
		return json.Unmarshal(b, &l.Sessions)
	}
	l.Sessions = alias.Snake
	if l.Sessions == nil {
		l.Sessions = alias.Camel
	}
	return nil
}

// SessionUpdate is the payload of an app-session-update notification. The
// session fields may be nested under an app_session object or flat on the
// notification itself.
type SessionUpdate struct {
	AppSessionID string
	SessionData  string
}

// UnmarshalJSON satisfies the json.Unmarshaler interface.
func (u *SessionUpdate) UnmarshalJSON(b []byte) error {
	var alias struct {
		sessionAlias
		Nested *sessionAlias `json:"app_session"`
	}
	if err := json.Unmarshal(b, &alias); err != nil {
		return err
	}
	pick := func(vals ...string) string {
		for _, v := range vals {
			if v != "" {
				return v
			}
		}
		return ""
	}
	var nestedID, nestedData, nestedDataC, nestedIDCC string
	if alias.Nested != nil {
		nestedID = alias.Nested.SessionID
		nestedIDCC = alias.Nested.SessionIDCC
		nestedData = alias.Nested.SessionData
		nestedDataC = alias.Nested.SessionDataC
	}
	u.AppSessionID = pick(nestedID, nestedIDCC, alias.SessionID, alias.SessionIDCC)
	u.SessionData = pick(nestedData, nestedDataC, alias.SessionData, alias.SessionDataC)
	return nil
}

// Balance is a single ledger balance entry.
type Balance struct {
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

// BalanceList is the payload of a get_ledger_balances response.
type BalanceList struct {
	Balances []Balance
}

// UnmarshalJSON satisfies the json.Unmarshaler interface.
func (l *BalanceList) UnmarshalJSON(b []byte) error {
	var alias struct {
		Snake []Balance `json:"ledger_balances"`
		Camel []Balance `json:"ledgerBalances"`
	}
	if err := json.Unmarshal(b, &alias); err != nil {
		return json.Unmarshal(b, &l.Balances)
	}
	l.Balances = alias.Snake
	if l.Balances == nil {
		l.Balances = alias.Camel
	}
	return nil
}

var reqIDCounter atomic.Uint64

// NextRequestID returns the next outbound frame id.
func NextRequestID() uint64 {
	return reqIDCounter.Add(1)
}

// Request is an outbound NitroRPC frame. It marshals to the wire form
// {"req": [id, method, [params], ts], "sig": ["0x..."]}.
type Request struct {
	ID     uint64
	Method string
	Params any
	Stamp  uint64
	Sigs   []string
}

// NewRequest constructs an unsigned Request with a fresh id and timestamp.
func NewRequest(method string, params any) *Request {
	return &Request{
		ID:     NextRequestID(),
		Method: method,
		Params: params,
		Stamp:  uint64(time.Now().UnixMilli()),
	}
}

// Body serializes the req slot alone. This is the byte string that gets
// signed.
func (r *Request) Body() ([]byte, error) {
	params := []any{}
	if r.Params != nil {
		params = []any{r.Params}
	}
	return json.Marshal([]any{r.ID, r.Method, params, r.Stamp})
}

// MarshalJSON satisfies the json.Marshaler interface.
func (r *Request) MarshalJSON() ([]byte, error) {
	body, err := r.Body()
	if err != nil {
		return nil, err
	}
	sigs := r.Sigs
	if sigs == nil {
		sigs = []string{}
	}
	return json.Marshal(struct {
		Req json.RawMessage `json:"req"`
		Sig []string        `json:"sig"`
	}{
		Req: body,
		Sig: sigs,
	})
}
