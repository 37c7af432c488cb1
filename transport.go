package mcp

import (
	"context"
	"time"
)

// Transport is the wire layer beneath a Coordinator. The three
// implementations (StdioTransport, SSETransport, StreamableTransport) share
// one contract: send an envelope, surface unsolicited server messages through
// the bound Coordinator's hooks, report liveness, and close cleanly.
//
// Transports are a closed set; the Coordinator constructs them from a
// ClientConfig and binds itself as their message handler.
type Transport interface {
	// Start opens the transport: spawns the child process, performs the SSE
	// endpoint handshake, or validates the endpoint URL, and launches the
	// background reader.
	Start(ctx context.Context) error

	// Send transmits one JSON-RPC envelope. When addID is true the transport
	// allocates a request id and mutates the envelope to include it. When
	// waitForResponse is true, Send registers a rendezvous under that id,
	// writes, and blocks until the paired response arrives, the request
	// timeout expires (TimeoutError), or ctx is done. When waitForResponse is
	// false, Send returns (nil, nil) as soon as the bytes are accepted.
	Send(ctx context.Context, msg JSONRPCMessage, addID, waitForResponse bool) (*Result, error)

	// Alive reports whether the transport is running and its substrate is
	// still usable.
	Alive() bool

	// SetProtocolVersion records the negotiated protocol version. Streamable
	// HTTP attaches it to every subsequent request as the
	// MCP-Protocol-Version header; the other transports ignore it.
	SetProtocolVersion(v string)

	// Close tears down reader loops and releases the substrate. Safe to call
	// more than once.
	Close() error

	bind(h transportHandler)
}

// transportHandler is the Coordinator-side hook set a transport's reader loop
// invokes as messages arrive. The transport's reference to its handler is a
// non-owning borrow valid for the Coordinator's lifetime.
type transportHandler interface {
	// processResult returns res unchanged when it is a normal response, so the
	// transport can unpark the matching pending entry. Notifications and
	// server-initiated requests are routed internally and nil is returned.
	processResult(res *Result) *Result

	// processNotification routes a server notification to its registered
	// handler, or logs it at debug when none is registered.
	processNotification(res *Result)

	// processRequest answers a server-to-client request (ping,
	// sampling/createMessage, roots/list) on the bound transport.
	processRequest(res *Result)

	// pingResponse answers a server ping with {id, result: {}}, bypassing the
	// pending table.
	pingResponse(id MustString)
}

// dispatchResult funnels one parsed incoming message through the handler and
// unparks the pending waiter when the handler passes a response back.
func dispatchResult(h transportHandler, pending *pendingTable, res *Result) {
	if out := h.processResult(res); out != nil {
		pending.resolve(string(out.ID), out)
	}
}

// awaitResult parks on a registered rendezvous channel until the response
// arrives or the timeout elapses. The pending entry is removed on every
// non-response exit, so the table holds no trace of abandoned requests.
func awaitResult(
	ctx context.Context,
	pending *pendingTable,
	id MustString,
	ch <-chan *Result,
	timeout time.Duration,
) (*Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		pending.remove(string(id))
		return nil, &TimeoutError{RequestID: id}
	case <-ctx.Done():
		pending.remove(string(id))
		return nil, ctx.Err()
	}
}

// readerRetryDelay is how long reader loops sleep before retrying after a
// failure, and how long the stdio transport waits before respawning a dead
// child process.
const readerRetryDelay = time.Second
