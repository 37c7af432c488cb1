package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mcp "github.com/indielab/mcp-client-go"
)

// coordTestServer is a streamable HTTP MCP server for coordinator tests. It
// answers every request with a JSON body and notifications with 202 Accepted,
// so no event stream is involved.
type coordTestServer struct {
	srv *httptest.Server

	protocolVersion string
	capabilities    string

	mu      sync.Mutex
	methods []string
}

func newCoordTestServer(t *testing.T, protocolVersion, capabilities string) *coordTestServer {
	t.Helper()

	s := &coordTestServer{
		protocolVersion: protocolVersion,
		capabilities:    capabilities,
	}

	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			return
		}

		var msg mcp.JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		s.methods = append(s.methods, msg.Method)
		s.mu.Unlock()

		respond := func(result string) {
			w.Header().Set("Content-Type", "application/json")
			resp, _ := json.Marshal(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      msg.ID,
				Result:  json.RawMessage(result),
			})
			w.Write(resp)
		}

		switch msg.Method {
		case "initialize":
			w.Header().Set("mcp-session-id", "coord-session")
			respond(fmt.Sprintf(`{
				"protocolVersion": %q,
				"capabilities": %s,
				"serverInfo": {"name": "coord-test-server", "version": "1.0.0"}
			}`, s.protocolVersion, s.capabilities))
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		case "prompts/list":
			respond(`{"prompts": [{
				"name": "greet",
				"arguments": [{"name": "name", "required": true}, {"name": "tone"}]
			}]}`)
		case "prompts/get":
			respond(`{"messages": []}`)
		case "completion/complete":
			respond(`{"completion": {"values": ["alpha"]}}`)
		case "tools/list":
			respond(`{"tools": [{"name": "add"}]}`)
		default:
			respond(`{}`)
		}
	}))
	t.Cleanup(s.srv.Close)

	return s
}

func (s *coordTestServer) sawMethod(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.methods {
		if m == method {
			return true
		}
	}
	return false
}

func (s *coordTestServer) config() mcp.ClientConfig {
	return mcp.ClientConfig{
		Name:           "coord-test-client",
		Transport:      mcp.TransportStreamable,
		URL:            s.srv.URL,
		RequestTimeout: 5 * time.Second,
	}
}

func startCoordinator(t *testing.T, server *coordTestServer, options ...mcp.CoordinatorOption) *mcp.Coordinator {
	t.Helper()

	coord, err := mcp.NewCoordinator(server.config(), options...)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		t.Fatalf("failed to start coordinator: %v", err)
	}
	t.Cleanup(func() { coord.Close() })

	return coord
}

func TestCoordinatorStartSequence(t *testing.T) {
	server := newCoordTestServer(t, "2025-03-26", `{"tools": {"listChanged": true}, "logging": {}}`)
	coord := startCoordinator(t, server)

	server.mu.Lock()
	methods := append([]string(nil), server.methods...)
	server.mu.Unlock()

	if len(methods) < 2 || methods[0] != "initialize" || methods[1] != "notifications/initialized" {
		t.Fatalf("got methods %v, want initialize then notifications/initialized", methods)
	}

	caps := coord.ServerCapabilities()
	if !caps.ToolsList() || !caps.ToolsListChanges() {
		t.Error("tools capability not stored")
	}
	if !caps.LoggingSupported() {
		t.Error("logging capability not stored")
	}
	if caps.Completion() || caps.ResourceSubscribe() || caps.PromptsListChanges() {
		t.Error("absent capabilities reported as present")
	}
	if got := coord.ProtocolVersion(); got != "2025-03-26" {
		t.Errorf("got protocol version %q, want 2025-03-26", got)
	}
}

func TestCoordinatorProtocolVersionMismatch(t *testing.T) {
	server := newCoordTestServer(t, "1990-01-01", `{}`)

	coord, err := mcp.NewCoordinator(server.config())
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = coord.Start(ctx)
	defer coord.Close()

	var versionErr *mcp.InvalidProtocolVersionError
	if !errors.As(err, &versionErr) {
		t.Fatalf("got error %v, want InvalidProtocolVersionError", err)
	}
	if versionErr.Requested != "1990-01-01" {
		t.Errorf("got requested version %q, want 1990-01-01", versionErr.Requested)
	}
}

func TestCoordinatorRequestBeforeStart(t *testing.T) {
	server := newCoordTestServer(t, "2025-03-26", `{}`)

	coord, err := mcp.NewCoordinator(server.config())
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	if _, err := coord.Request(context.Background(), "tools/list", nil); err == nil {
		t.Fatal("expected request before Start to fail")
	}
}

func TestCoordinatorCompletionGating(t *testing.T) {
	server := newCoordTestServer(t, "2025-03-26", `{"prompts": {}}`)
	coord := startCoordinator(t, server)

	ctx := context.Background()
	_, err := coord.Complete(ctx, mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "greet"},
		Argument: mcp.CompletionArgument{Name: "name", Value: "al"},
	})

	var notAvailable *mcp.CompletionNotAvailableError
	if !errors.As(err, &notAvailable) {
		t.Fatalf("got error %v, want CompletionNotAvailableError", err)
	}
	if server.sawMethod("completion/complete") {
		t.Error("gated request must not reach the wire")
	}
}

func TestCoordinatorCompletionSupported(t *testing.T) {
	server := newCoordTestServer(t, "2025-03-26", `{"prompts": {}, "completions": {}}`)
	coord := startCoordinator(t, server)

	result, err := coord.Complete(context.Background(), mcp.CompletesCompletionParams{
		Ref:      mcp.CompletionRef{Type: mcp.CompletionRefPrompt, Name: "greet"},
		Argument: mcp.CompletionArgument{Name: "name", Value: "al"},
	})
	if err != nil {
		t.Fatalf("failed to complete: %v", err)
	}
	if len(result.Completion.Values) != 1 || result.Completion.Values[0] != "alpha" {
		t.Errorf("got completion values %v, want [alpha]", result.Completion.Values)
	}
}

func TestCoordinatorPromptArgumentValidation(t *testing.T) {
	server := newCoordTestServer(t, "2025-03-26", `{"prompts": {}}`)
	coord := startCoordinator(t, server)

	ctx := context.Background()
	if _, err := coord.ListPrompts(ctx, mcp.ListPromptsParams{}); err != nil {
		t.Fatalf("failed to list prompts: %v", err)
	}

	_, err := coord.GetPrompt(ctx, mcp.GetPromptParams{
		Name:      "greet",
		Arguments: map[string]string{"tone": "warm"},
	})

	var argErr *mcp.PromptArgumentError
	if !errors.As(err, &argErr) {
		t.Fatalf("got error %v, want PromptArgumentError", err)
	}
	if argErr.Prompt != "greet" || argErr.Argument != "name" {
		t.Errorf("got error for %s/%s, want greet/name", argErr.Prompt, argErr.Argument)
	}
	if server.sawMethod("prompts/get") {
		t.Error("invalid prompts/get must not reach the wire")
	}

	if _, err := coord.GetPrompt(ctx, mcp.GetPromptParams{
		Name:      "greet",
		Arguments: map[string]string{"name": "al"},
	}); err != nil {
		t.Fatalf("failed to get prompt with required argument: %v", err)
	}
	if !server.sawMethod("prompts/get") {
		t.Error("valid prompts/get never reached the wire")
	}
}

func TestCoordinatorCapabilityGatedFamilies(t *testing.T) {
	server := newCoordTestServer(t, "2025-03-26", `{}`)
	coord := startCoordinator(t, server)

	ctx := context.Background()
	if _, err := coord.ListTools(ctx, mcp.ListToolsParams{}); err == nil {
		t.Error("expected ListTools to fail without tools capability")
	}
	if _, err := coord.ListResources(ctx, mcp.ListResourcesParams{}); err == nil {
		t.Error("expected ListResources to fail without resources capability")
	}
	if err := coord.SubscribeResource(ctx, mcp.SubscribeResourceParams{URI: "file:///x"}); err == nil {
		t.Error("expected SubscribeResource to fail without subscribe capability")
	}
	if err := coord.SetLogLevel(ctx, mcp.LogLevelWarning); err == nil {
		t.Error("expected SetLogLevel to fail without logging capability")
	}
}

type recordingToolWatcher struct {
	mu    sync.Mutex
	calls int
}

func (w *recordingToolWatcher) OnToolListChanged() {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
}

func (w *recordingToolWatcher) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// TestCoordinatorServerInitiatedTraffic drives the coordinator through a
// streamable server that answers initialize with 202 and delivers the
// response, a ping request, and a notification over the event stream.
func TestCoordinatorServerInitiatedTraffic(t *testing.T) {
	initIDs := make(chan mcp.MustString, 1)
	pingReplies := make(chan mcp.JSONRPCMessage, 1)

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var msg mcp.JSONRPCMessage
			_ = json.NewDecoder(r.Body).Decode(&msg)

			switch {
			case msg.Method == "initialize":
				initIDs <- msg.ID
				w.Header().Set("mcp-session-id", "S9")
				w.WriteHeader(http.StatusAccepted)
			case msg.Method == "" && msg.ID == "srv-ping":
				// The client's reply to our ping.
				pingReplies <- msg
				w.WriteHeader(http.StatusAccepted)
			default:
				w.WriteHeader(http.StatusAccepted)
			}
		case http.MethodGet:
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")

			var id mcp.MustString
			select {
			case id = <-initIDs:
			case <-r.Context().Done():
				return
			}

			resp, _ := json.Marshal(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      id,
				Result: json.RawMessage(`{
					"protocolVersion": "2025-03-26",
					"capabilities": {"tools": {"listChanged": true}},
					"serverInfo": {"name": "push-server", "version": "1.0.0"}
				}`),
			})
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", resp)
			flusher.Flush()

			ping, _ := json.Marshal(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      "srv-ping",
				Method:  "ping",
			})
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", ping)
			flusher.Flush()

			notif, _ := json.Marshal(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Method:  "notifications/tools/list_changed",
			})
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", notif)
			flusher.Flush()

			<-r.Context().Done()
		}
	})

	watcher := &recordingToolWatcher{}
	coord, err := mcp.NewCoordinator(mcp.ClientConfig{
		Name:           "push-test-client",
		Transport:      mcp.TransportStreamable,
		URL:            srv.URL,
		RequestTimeout: 5 * time.Second,
	}, mcp.WithToolListWatcher(watcher))
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		t.Fatalf("failed to start coordinator: %v", err)
	}
	defer coord.Close()

	select {
	case reply := <-pingReplies:
		if string(reply.Result) != "{}" {
			t.Errorf("got ping reply result %s, want {}", reply.Result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for ping reply")
	}

	deadline := time.Now().Add(3 * time.Second)
	for watcher.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for tool list notification")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
