package mcp

import "fmt"

// TransportError reports an I/O, framing, HTTP status, or content-type failure
// at the transport layer. Code carries the HTTP status when one applies.
type TransportError struct {
	Message string
	Code    int
}

func (e *TransportError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("transport error: %s (code %d)", e.Message, e.Code)
	}
	return "transport error: " + e.Message
}

// TimeoutError reports that a request exceeded the configured request timeout.
// The pending entry for RequestID has already been removed when this is returned.
type TimeoutError struct {
	RequestID MustString
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out", string(e.RequestID))
}

// SessionExpiredError reports that a Streamable HTTP server answered 404 on an
// established session: the server no longer knows the session id we hold.
type SessionExpiredError struct {
	SessionID string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session %s expired on server", e.SessionID)
}

// InvalidProtocolVersionError reports that the server negotiated a protocol
// version this client does not implement.
type InvalidProtocolVersionError struct {
	Requested string
	Supported []string
}

func (e *InvalidProtocolVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %q, supported: %v", e.Requested, e.Supported)
}

// UnknownRequestError reports a server-initiated request whose method this
// client does not implement. It is logged by the dispatch loop, never
// propagated to request callers.
type UnknownRequestError struct {
	Method string
}

func (e *UnknownRequestError) Error() string {
	return fmt.Sprintf("unknown server request method %q", e.Method)
}

// CompletionNotAvailableError reports a completion/complete call against a
// server that did not advertise the completions capability.
type CompletionNotAvailableError struct{}

func (e *CompletionNotAvailableError) Error() string {
	return "completions not supported by server"
}

// PromptArgumentError reports a prompts/get call that is missing an argument
// the prompt declares as required. The check happens locally, before any bytes
// reach the wire.
type PromptArgumentError struct {
	Prompt   string
	Argument string
}

func (e *PromptArgumentError) Error() string {
	return fmt.Sprintf("prompt %q requires argument %q", e.Prompt, e.Argument)
}

// InvalidTransportTypeError reports a configuration with a transport type the
// library does not implement.
type InvalidTransportTypeError struct {
	Type TransportType
}

func (e *InvalidTransportTypeError) Error() string {
	return fmt.Sprintf("invalid transport type %q", string(e.Type))
}
