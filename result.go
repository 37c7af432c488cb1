package mcp

import "encoding/json"

type resultKind int

const (
	resultKindUnknown resultKind = iota
	resultKindResponse
	resultKindRequest
	resultKindNotification
)

// Result is an immutable parsed view over a decoded JSON-RPC envelope. It
// classifies the message once at construction; the predicates are pure reads
// afterwards. Transports wrap every incoming frame as a Result before handing
// it to the Coordinator.
type Result struct {
	ID     MustString
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *JSONRPCError

	// SessionID is set only by transports that carry one on the wire
	// (Streamable HTTP's mcp-session-id response header).
	SessionID string

	kind resultKind
}

// NewResult builds a Result from a decoded JSON-RPC message. Exactly one of
// IsResponse, IsRequest, and IsNotification holds afterwards, unless the
// envelope is malformed, in which case all three report false.
func NewResult(msg JSONRPCMessage) *Result {
	r := &Result{
		ID:     msg.ID,
		Method: msg.Method,
		Params: msg.Params,
		Result: msg.Result,
		Err:    msg.Error,
	}

	switch {
	case msg.ID != "" && msg.Method != "":
		r.kind = resultKindRequest
	case msg.ID != "" && (msg.Result != nil || msg.Error != nil):
		r.kind = resultKindResponse
	case msg.ID == "" && msg.Method != "":
		r.kind = resultKindNotification
	}

	return r
}

// IsResponse reports whether the message is a response to one of our requests:
// it has an id and a result or error, but no method.
func (r *Result) IsResponse() bool { return r.kind == resultKindResponse }

// IsRequest reports whether the message is a server-initiated request: it has
// both an id and a method.
func (r *Result) IsRequest() bool { return r.kind == resultKindRequest }

// IsNotification reports whether the message is a notification: it has a
// method but no id.
func (r *Result) IsNotification() bool { return r.kind == resultKindNotification }

// IsPing reports whether the message is a server-initiated ping request.
func (r *Result) IsPing() bool { return r.Method == methodPing }

// MatchesID reports whether the message correlates with the given request id.
// Both sides compare as strings; MustString already normalizes numeric wire
// ids during unmarshal.
func (r *Result) MatchesID(id MustString) bool {
	return string(r.ID) == string(id)
}
