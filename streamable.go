package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

const (
	sessionIDHeader       = "mcp-session-id"
	protocolVersionHeader = "MCP-Protocol-Version"
	lastEventIDHeader     = "Last-Event-ID"
	clientIDHeader        = "X-CLIENT-ID"
)

var (
	jsonMediaType        = contenttype.NewMediaType("application/json")
	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// errStreamUnsupported marks a 405 on the GET handshake: the server does not
// offer a server-initiated event stream, which the spec permits.
var errStreamUnsupported = errors.New("server does not support SSE stream")

// StreamableTransport speaks the Streamable HTTP flavor of MCP against a
// single URL: POST carries requests, an optional hanging GET carries
// server-initiated messages as an SSE feed, and DELETE terminates the logical
// session. The server assigns an opaque session id on initialize which is
// echoed on every subsequent request.
//
// The event stream reconnects with exponential backoff, replaying from the
// last observed event id via the Last-Event-ID header.
type StreamableTransport struct {
	url      string
	headers  http.Header
	clientID string

	handler        transportHandler
	pending        *pendingTable
	ids            idAllocator
	requestTimeout time.Duration
	reconnect      ReconnectionOptions
	logger         *slog.Logger

	running atomic.Bool
	abort   atomic.Bool
	closed  sync.Once

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	lastEventID     string
	streamOpen      bool
	streamBodies    map[io.ReadCloser]struct{}
	clients         []*http.Client
	closeClients    sync.Once

	httpClient *http.Client
}

// NewStreamableTransport builds a Streamable HTTP transport from cfg.
func NewStreamableTransport(cfg ClientConfig) *StreamableTransport {
	cfg = cfg.withDefaults()
	t := &StreamableTransport{
		url:            cfg.URL,
		headers:        cfg.Headers,
		clientID:       uuid.New().String(),
		pending:        newPendingTable(),
		requestTimeout: cfg.RequestTimeout,
		reconnect:      cfg.Reconnection.withDefaults(),
		logger:         cfg.Logger,
		streamBodies:   make(map[io.ReadCloser]struct{}),
	}

	cli := cfg.HTTPClient
	if cli == nil {
		cli = &http.Client{}
	}
	t.httpClient = cli
	t.trackClient(cli)

	return t
}

func (t *StreamableTransport) bind(h transportHandler) { t.handler = h }

// trackClient records an HTTP client created or adopted during the session so
// Close can tear down its idle connections exactly once.
func (t *StreamableTransport) trackClient(cli *http.Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.clients {
		if c == cli {
			return
		}
	}
	t.clients = append(t.clients, cli)
}

// Start validates the endpoint. The event stream is opened on demand, when the
// server's response to initialize asks for one.
func (t *StreamableTransport) Start(_ context.Context) error {
	if t.url == "" {
		return &TransportError{Message: "streamable transport requires a url"}
	}
	t.running.Store(true)
	return nil
}

// SessionID returns the session id assigned by the server, empty before
// initialize completes.
func (t *StreamableTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Alive reports whether the transport is running.
func (t *StreamableTransport) Alive() bool { return t.running.Load() }

// SetProtocolVersion records the negotiated version; every subsequent request
// carries it in the MCP-Protocol-Version header.
func (t *StreamableTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	t.protocolVersion = v
	t.mu.Unlock()
}

// Send POSTs one envelope and resolves the response according to the status
// code and content type the server chooses: a JSON body is the response
// itself, an event-stream body feeds the persistent stream, and a 202 means
// the response (if any) will arrive over the stream.
func (t *StreamableTransport) Send(
	ctx context.Context,
	msg JSONRPCMessage,
	addID, waitForResponse bool,
) (*Result, error) {
	if !t.running.Load() {
		return nil, &TransportError{Message: "streamable transport is not running"}
	}

	if addID {
		msg.ID = t.ids.nextID()
	}

	var ch chan *Result
	if waitForResponse {
		ch = t.pending.register(string(msg.ID))
	}
	removePending := func() {
		if waitForResponse {
			t.pending.remove(string(msg.ID))
		}
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		removePending()
		return nil, &TransportError{Message: fmt.Sprintf("failed to marshal message: %v", err)}
	}

	req, err := t.newRequest(ctx, http.MethodPost, bytes.NewReader(msgBs))
	if err != nil {
		removePending()
		return nil, &TransportError{Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		removePending()
		return nil, &TransportError{Message: fmt.Sprintf("failed to send message: %v", err)}
	}

	res, streaming, err := t.handleResponse(resp, msg.Method)
	if err != nil {
		removePending()
		return nil, err
	}

	if res != nil {
		removePending()
		if !waitForResponse {
			return nil, nil
		}
		return res, nil
	}

	if !streaming || !waitForResponse {
		removePending()
		return nil, nil
	}

	return awaitResult(ctx, t.pending, msg.ID, ch, t.requestTimeout)
}

// newRequest builds a request with the standing header set: content
// negotiation, negotiated protocol version, session id, per-instance client
// id, and any user-supplied headers.
func (t *StreamableTransport) newRequest(ctx context.Context, method string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, t.url, body)
	if err != nil {
		return nil, err
	}

	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set(clientIDHeader, t.clientID)

	t.mu.Lock()
	if t.protocolVersion != "" {
		req.Header.Set(protocolVersionHeader, t.protocolVersion)
	}
	if t.sessionID != "" {
		req.Header.Set(sessionIDHeader, t.sessionID)
	}
	t.mu.Unlock()

	return req, nil
}

// handleResponse applies the status-code and content-type rules of the
// streamable transport. It returns the parsed Result for direct JSON replies,
// streaming=true when the reply will arrive over the event stream, or an
// error from the closed taxonomy.
func (t *StreamableTransport) handleResponse(resp *http.Response, method string) (*Result, bool, error) {
	if sid := resp.Header.Get(sessionIDHeader); sid != "" && resp.StatusCode < 300 {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		ctHeader := resp.Header.Get("Content-Type")
		ct := contenttype.NewMediaType(ctHeader)
		switch {
		case ct.Matches(jsonMediaType):
			defer resp.Body.Close()

			var msg JSONRPCMessage
			if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
				return nil, false, &TransportError{Message: fmt.Sprintf("failed to decode response: %v", err)}
			}
			res := NewResult(msg)
			res.SessionID = resp.Header.Get(sessionIDHeader)
			return res, false, nil
		case ct.Matches(eventStreamMediaType):
			// The response will arrive as an event on this body; read it as a
			// multi-message feed alongside the persistent stream.
			go func() {
				if _, err := t.readStream(resp.Body); err != nil {
					t.logger.Error("failed to read response stream", "err", err)
				}
			}()
			return nil, true, nil
		default:
			resp.Body.Close()
			return nil, false, &TransportError{Message: fmt.Sprintf("Unexpected content type: %s", ctHeader)}
		}

	case resp.StatusCode == http.StatusAccepted:
		resp.Body.Close()
		if method != methodInitialize {
			return nil, false, nil
		}
		// The initialize response will arrive over the event stream.
		t.startStream()
		return nil, true, nil

	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusMethodNotAllowed:
		// 401 is caller policy; 405 means the server opted out of an optional
		// method.
		resp.Body.Close()
		return nil, false, nil

	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		// The session id is deliberately kept: the caller decides whether to
		// reinitialize under it or surface the expiry.
		return nil, false, &SessionExpiredError{SessionID: t.SessionID()}

	case resp.StatusCode == http.StatusBadRequest:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if strings.Contains(string(body), "Session") {
			return nil, false, &TransportError{
				Message: fmt.Sprintf("HTTP client error: 400 (session %s)", t.SessionID()),
				Code:    http.StatusBadRequest,
			}
		}
		return nil, false, &TransportError{Message: "HTTP client error: 400", Code: http.StatusBadRequest}

	case resp.StatusCode >= http.StatusInternalServerError:
		resp.Body.Close()
		return nil, false, &TransportError{
			Message: fmt.Sprintf("HTTP request failed: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}

	case resp.StatusCode >= http.StatusBadRequest:
		resp.Body.Close()
		return nil, false, &TransportError{
			Message: fmt.Sprintf("HTTP client error: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}

	default:
		resp.Body.Close()
		return nil, false, &TransportError{
			Message: fmt.Sprintf("HTTP request failed: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}
	}
}

// startStream launches the persistent GET stream once per session.
func (t *StreamableTransport) startStream() {
	t.mu.Lock()
	if t.streamOpen {
		t.mu.Unlock()
		return
	}
	t.streamOpen = true
	t.mu.Unlock()

	go t.streamLoop()
}

// streamLoop keeps the hanging GET alive, reconnecting with exponential
// backoff. The attempt counter resets whenever the stream delivers an event,
// so only consecutive failures grow the delay.
func (t *StreamableTransport) streamLoop() {
	attempt := 0

	for t.running.Load() && !t.abort.Load() {
		delivered, err := t.openStream()
		if errors.Is(err, errStreamUnsupported) {
			t.logger.Debug("server does not support SSE stream")
			return
		}

		if delivered {
			attempt = 0
		}
		if !t.running.Load() || t.abort.Load() {
			return
		}
		if err != nil {
			t.logger.Error("sse stream failed", "err", err, "attempt", attempt)
		}

		if attempt >= t.reconnect.MaxRetries {
			t.logger.Error("giving up on sse stream", "retries", attempt)
			return
		}

		time.Sleep(t.reconnect.Delay(attempt))
		attempt++
	}
}

// openStream performs one hanging GET and consumes its event feed. A 405
// means the server does not offer the stream at all.
func (t *StreamableTransport) openStream() (bool, error) {
	req, err := t.newRequest(context.Background(), http.MethodGet, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	t.mu.Lock()
	if t.lastEventID != "" {
		req.Header.Set(lastEventIDHeader, t.lastEventID)
	}
	t.mu.Unlock()

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to open SSE stream: %w", err)
	}

	if resp.StatusCode == http.StatusMethodNotAllowed {
		resp.Body.Close()
		return false, errStreamUnsupported
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return false, &TransportError{
			Message: fmt.Sprintf("Failed to open SSE stream: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}
	}

	return t.readStream(resp.Body)
}

// readStream consumes one SSE body, recording replay ids and dispatching each
// JSON-RPC event. It reports whether at least one event was delivered.
func (t *StreamableTransport) readStream(body io.ReadCloser) (bool, error) {
	t.mu.Lock()
	t.streamBodies[body] = struct{}{}
	t.mu.Unlock()

	defer func() {
		body.Close()
		t.mu.Lock()
		delete(t.streamBodies, body)
		t.mu.Unlock()
	}()

	delivered := false

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !t.running.Load() || t.abort.Load() {
				return delivered, nil
			}
			return delivered, fmt.Errorf("failed to read sse event: %w", err)
		}

		if !t.running.Load() || t.abort.Load() {
			return delivered, nil
		}

		if ev.LastEventID != "" {
			t.mu.Lock()
			t.lastEventID = ev.LastEventID
			t.mu.Unlock()
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
			t.logger.Error("failed to unmarshal sse event", "err", err, "data", ev.Data)
			continue
		}

		delivered = true
		dispatchResult(t.handler, t.pending, NewResult(msg))
	}

	return delivered, nil
}

// Close terminates the session: it stops the stream readers, DELETEs the
// session when one is established, clears the session id, and closes every
// tracked HTTP client exactly once.
func (t *StreamableTransport) Close() error {
	var err error
	t.closed.Do(func() {
		t.abort.Store(true)
		t.running.Store(false)

		t.mu.Lock()
		for body := range t.streamBodies {
			body.Close()
		}
		t.streamBodies = make(map[io.ReadCloser]struct{})
		sessionID := t.sessionID
		t.mu.Unlock()

		if sessionID != "" {
			err = t.terminateSession()
		}

		t.mu.Lock()
		t.sessionID = ""
		clients := t.clients
		t.mu.Unlock()

		t.closeClients.Do(func() {
			for _, cli := range clients {
				t.closeClient(cli)
			}
		})
	})
	return err
}

func (t *StreamableTransport) closeClient(cli *http.Client) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Debug("failed to close http client", "err", r)
		}
	}()
	// Transports without idle-connection teardown are skipped inside the
	// client itself.
	cli.CloseIdleConnections()
}

// terminateSession sends the DELETE. A 405 is acceptable: session termination
// is optional server-side.
func (t *StreamableTransport) terminateSession() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.requestTimeout)
	defer cancel()

	req, err := t.newRequest(ctx, http.MethodDelete, nil)
	if err != nil {
		return &TransportError{Message: "Failed to terminate session"}
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Message: "Failed to terminate session"}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusMethodNotAllowed ||
		resp.StatusCode == http.StatusNoContent {
		return nil
	}

	return &TransportError{
		Message: fmt.Sprintf("Failed to terminate session: %d", resp.StatusCode),
		Code:    resp.StatusCode,
	}
}
