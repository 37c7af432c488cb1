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
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tmaxmax/go-sse"
)

// endpointRendezvousID is the synthetic pending-table key the SSE handshake
// parks on until the server announces its messages URL.
const endpointRendezvousID = "endpoint"

// SSETransport speaks the legacy HTTP+SSE flavor of MCP: a streaming GET on
// the events URL carries server-to-client messages, and client-to-server
// messages are POSTed to a messages URL the server announces in the first
// "endpoint" event. The transport reconnects the stream with a one-second
// delay for as long as the session is running.
type SSETransport struct {
	eventsURL  string
	headers    http.Header
	httpClient *http.Client

	handler        transportHandler
	pending        *pendingTable
	ids            idAllocator
	requestTimeout time.Duration
	logger         *slog.Logger

	running atomic.Bool
	closed  sync.Once

	// connMu guards the one-time endpoint handshake state and the current
	// stream body.
	connMu      sync.Mutex
	messagesURL string
	body        io.ReadCloser
}

// NewSSETransport builds a legacy HTTP+SSE transport from cfg. The events
// stream is opened by Start.
func NewSSETransport(cfg ClientConfig) *SSETransport {
	cfg = cfg.withDefaults()
	cli := cfg.HTTPClient
	if cli == nil {
		cli = &http.Client{}
	}
	return &SSETransport{
		eventsURL:      cfg.URL,
		headers:        cfg.Headers,
		httpClient:     cli,
		pending:        newPendingTable(),
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
	}
}

func (t *SSETransport) bind(h transportHandler) { t.handler = h }

// Start opens the event stream and blocks until the endpoint handshake
// completes or the request timeout elapses.
func (t *SSETransport) Start(ctx context.Context) error {
	if t.eventsURL == "" {
		return &TransportError{Message: "sse transport requires a url"}
	}

	t.running.Store(true)

	ch := t.pending.register(endpointRendezvousID)
	go t.listenLoop()

	if _, err := awaitResult(ctx, t.pending, endpointRendezvousID, ch, t.requestTimeout); err != nil {
		t.Close()
		return fmt.Errorf("failed to discover messages endpoint: %w", err)
	}

	return nil
}

// Send POSTs one envelope to the discovered messages URL. The paired response
// arrives over the event stream, not in the POST response body.
func (t *SSETransport) Send(
	ctx context.Context,
	msg JSONRPCMessage,
	addID, waitForResponse bool,
) (*Result, error) {
	if !t.running.Load() {
		return nil, &TransportError{Message: "sse transport is not running"}
	}

	t.connMu.Lock()
	messagesURL := t.messagesURL
	t.connMu.Unlock()
	if messagesURL == "" {
		return nil, &TransportError{Message: "messages endpoint not discovered yet"}
	}

	if addID {
		msg.ID = t.ids.nextID()
	}

	var ch chan *Result
	if waitForResponse {
		ch = t.pending.register(string(msg.ID))
	}

	if err := t.post(ctx, messagesURL, msg); err != nil {
		if waitForResponse {
			t.pending.remove(string(msg.ID))
		}
		return nil, err
	}

	if !waitForResponse {
		return nil, nil
	}

	return awaitResult(ctx, t.pending, msg.ID, ch, t.requestTimeout)
}

func (t *SSETransport) post(ctx context.Context, messagesURL string, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return &TransportError{Message: fmt.Sprintf("failed to marshal message: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messagesURL, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Message: fmt.Sprintf("failed to send message: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &TransportError{
			Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}
	}

	return nil
}

// Alive reports whether the transport is running.
func (t *SSETransport) Alive() bool { return t.running.Load() }

// SetProtocolVersion is a no-op; the legacy transport predates the
// MCP-Protocol-Version header.
func (t *SSETransport) SetProtocolVersion(string) {}

// Close stops the listen loop and closes the current stream body.
func (t *SSETransport) Close() error {
	t.closed.Do(func() {
		t.running.Store(false)

		t.connMu.Lock()
		if t.body != nil {
			t.body.Close()
			t.body = nil
		}
		t.connMu.Unlock()
	})
	return nil
}

// listenLoop keeps the event stream open, re-entering listen with a one-second
// delay after every read error while the session is running.
func (t *SSETransport) listenLoop() {
	for t.running.Load() {
		if err := t.listen(); err != nil && t.running.Load() {
			t.logger.Error("sse stream failed, reconnecting", "err", err)
		}
		if !t.running.Load() {
			return
		}
		time.Sleep(readerRetryDelay)
	}
}

// listen opens the streaming GET and parses SSE frames until the stream ends.
// The first "endpoint" frame resolves the handshake rendezvous; every later
// frame is parsed as a JSON-RPC envelope.
func (t *SSETransport) listen() error {
	req, err := http.NewRequest(http.MethodGet, t.eventsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range t.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to events endpoint: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return &TransportError{
			Message: fmt.Sprintf("unexpected status code: %d", resp.StatusCode),
			Code:    resp.StatusCode,
		}
	}

	t.connMu.Lock()
	t.body = resp.Body
	t.connMu.Unlock()
	defer resp.Body.Close()

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			if !errors.Is(err, context.Canceled) && t.running.Load() {
				return fmt.Errorf("failed to read sse event: %w", err)
			}
			return nil
		}

		switch ev.Type {
		case "endpoint":
			if err := t.resolveEndpoint(ev.Data); err != nil {
				return err
			}
		default:
			// Frames without parseable data are commonly partial writes; log
			// and drop them, the server will retransmit.
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				t.logger.Error("failed to unmarshal sse event", "err", err, "data", ev.Data)
				continue
			}
			dispatchResult(t.handler, t.pending, NewResult(msg))
		}
	}

	return nil
}

// resolveEndpoint records the messages URL from the endpoint event, resolving
// relative URLs against the events URL origin, and unparks the handshake.
func (t *SSETransport) resolveEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	base, err := url.Parse(t.eventsURL)
	if err != nil {
		return fmt.Errorf("failed to parse events URL: %w", err)
	}

	origin := &url.URL{Scheme: base.Scheme, User: base.User, Host: base.Host}
	resolved := origin.ResolveReference(u).String()
	if resolved == "" {
		return errors.New("empty endpoint URL")
	}

	t.connMu.Lock()
	t.messagesURL = resolved
	t.connMu.Unlock()

	t.pending.resolve(endpointRendezvousID, &Result{})
	return nil
}

// MessagesURL returns the messages endpoint announced by the server, empty
// until the handshake completes.
func (t *SSETransport) MessagesURL() string {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.messagesURL
}
