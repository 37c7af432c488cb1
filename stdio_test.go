package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

const stdioServerEnv = "GO_TEST_MCP_STDIO_SERVER"

// TestStdioServerProcess is not a test: it is the child process the stdio
// transport tests spawn, re-executing the test binary. It speaks a minimal
// MCP server over stdin/stdout and exits when stdin closes.
func TestStdioServerProcess(t *testing.T) {
	if os.Getenv(stdioServerEnv) != "1" {
		t.Skip("stdio test server process")
	}

	fmt.Fprintln(os.Stderr, "test server started")
	runStdioTestServer(os.Stdin, os.Stdout)
	os.Exit(0)
}

func runStdioTestServer(in *os.File, out *os.File) {
	reader := bufio.NewReader(in)
	enc := json.NewEncoder(out)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		switch msg.Method {
		case methodInitialize:
			_ = enc.Encode(JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Result: json.RawMessage(`{
					"protocolVersion": "2025-03-26",
					"capabilities": {"tools": {}},
					"serverInfo": {"name": "stdio-test-server", "version": "1.0.0"}
				}`),
			})
		case methodNotificationsInitialized:
			// No reply for notifications.
		case methodPing:
			_ = enc.Encode(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(`{}`)})
		case MethodToolsCall:
			var params CallToolParams
			_ = json.Unmarshal(msg.Params, &params)

			if params.Name != "add" {
				_ = enc.Encode(JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msg.ID,
					Error:   &JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: "unknown tool"},
				})
				continue
			}

			var args struct {
				A int `json:"a"`
				B int `json:"b"`
			}
			_ = json.Unmarshal(params.Arguments, &args)

			result, _ := json.Marshal(CallToolResult{
				Content: []Content{{Type: ContentTypeText, Text: fmt.Sprintf("%d", args.A+args.B)}},
			})
			_ = enc.Encode(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: result})
		case "test/echo":
			_ = enc.Encode(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: msg.ID, Result: msg.Params})
		case "test/block":
			// Never answered; exercises the request timeout.
		}
	}
}

func stdioTestConfig(timeout time.Duration) ClientConfig {
	return ClientConfig{
		Name:           "stdio-test-client",
		Transport:      TransportStdio,
		Command:        os.Args[0],
		Args:           []string{"-test.run=TestStdioServerProcess"},
		Env:            []string{stdioServerEnv + "=1"},
		RequestTimeout: timeout,
	}
}

func TestStdioInitializeAndCallTool(t *testing.T) {
	coord, err := NewCoordinator(stdioTestConfig(5 * time.Second))
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := coord.Start(ctx); err != nil {
		t.Fatalf("failed to start coordinator: %v", err)
	}
	defer coord.Close()

	if !coord.ServerCapabilities().ToolsList() {
		t.Fatal("server should support tools")
	}
	if got := coord.ProtocolVersion(); got != ProtocolVersion {
		t.Errorf("got protocol version %q, want %q", got, ProtocolVersion)
	}
	if got := coord.ServerInfo().Name; got != "stdio-test-server" {
		t.Errorf("got server name %q, want stdio-test-server", got)
	}

	result, err := coord.CallTool(ctx, CallToolParams{
		Name:      "add",
		Arguments: json.RawMessage(`{"a": 5, "b": 3}`),
	})
	if err != nil {
		t.Fatalf("failed to call tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "8" {
		t.Errorf("got content %+v, want single text %q", result.Content, "8")
	}
}

func TestStdioTimeoutCleanup(t *testing.T) {
	tr := NewStdioTransport(stdioTestConfig(100 * time.Millisecond))
	tr.bind(&stubHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer tr.Close()

	start := time.Now()
	_, err := tr.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  "test/block",
	}, true, true)

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got error %v, want TimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("timeout took %v, want under 200ms", elapsed)
	}
	if got := tr.pending.size(); got != 0 {
		t.Errorf("got %d pending entries after timeout, want 0", got)
	}
}

func TestStdioConcurrentRequests(t *testing.T) {
	tr := NewStdioTransport(stdioTestConfig(5 * time.Second))
	tr.bind(&stubHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := tr.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}
	defer tr.Close()

	const n = 3
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()

			params, _ := json.Marshal(map[string]int{"i": i})
			res, err := tr.Send(ctx, JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				Method:  "test/echo",
				Params:  params,
			}, true, true)
			if err != nil {
				t.Errorf("send %d: %v", i, err)
				return
			}

			var echoed struct {
				I int `json:"i"`
			}
			if err := json.Unmarshal(res.Result, &echoed); err != nil {
				t.Errorf("unmarshal %d: %v", i, err)
				return
			}
			if echoed.I != i {
				t.Errorf("request %d got response for %d", i, echoed.I)
			}
		}()
	}
	wg.Wait()

	if got := tr.pending.size(); got != 0 {
		t.Errorf("got %d pending entries, want 0", got)
	}
}

func TestStdioAliveAndClose(t *testing.T) {
	tr := NewStdioTransport(stdioTestConfig(time.Second))
	tr.bind(&stubHandler{})

	if tr.Alive() {
		t.Error("transport should not be alive before Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Start(ctx); err != nil {
		t.Fatalf("failed to start transport: %v", err)
	}

	if !tr.Alive() {
		t.Error("transport should be alive after Start")
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("failed to close transport: %v", err)
	}
	if tr.Alive() {
		t.Error("transport should not be alive after Close")
	}

	// Close is idempotent.
	if err := tr.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
