package mcp_test

import (
	"encoding/json"
	"testing"

	mcp "github.com/indielab/mcp-client-go"
)

func TestResultClassification(t *testing.T) {
	tests := []struct {
		name             string
		msg              mcp.JSONRPCMessage
		wantResponse     bool
		wantRequest      bool
		wantNotification bool
		wantPing         bool
	}{
		{
			name: "response with result",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      "1",
				Result:  json.RawMessage(`{"ok": true}`),
			},
			wantResponse: true,
		},
		{
			name: "response with error",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      "2",
				Error:   &mcp.JSONRPCError{Code: -32600, Message: "invalid request"},
			},
			wantResponse: true,
		},
		{
			name: "notification",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				Method:  "notifications/tools/list_changed",
			},
			wantNotification: true,
		},
		{
			name: "server request",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      "3",
				Method:  "roots/list",
			},
			wantRequest: true,
		},
		{
			name: "ping request",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      "4",
				Method:  "ping",
			},
			wantRequest: true,
			wantPing:    true,
		},
		{
			name: "malformed",
			msg: mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      "5",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mcp.NewResult(tt.msg)

			if got := res.IsResponse(); got != tt.wantResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.wantResponse)
			}
			if got := res.IsRequest(); got != tt.wantRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.wantRequest)
			}
			if got := res.IsNotification(); got != tt.wantNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.wantNotification)
			}
			if got := res.IsPing(); got != tt.wantPing {
				t.Errorf("IsPing() = %v, want %v", got, tt.wantPing)
			}

			// Predicates are pure: a second query gives the same answers.
			if res.IsResponse() != tt.wantResponse ||
				res.IsRequest() != tt.wantRequest ||
				res.IsNotification() != tt.wantNotification {
				t.Error("predicates changed between calls")
			}
		})
	}
}

func TestResultMatchesNumericWireID(t *testing.T) {
	// Servers may answer with numeric ids; comparison is by string either way.
	var msg mcp.JSONRPCMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc": "2.0", "id": 42, "result": {}}`), &msg); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}

	res := mcp.NewResult(msg)
	if !res.MatchesID("42") {
		t.Errorf("numeric id 42 should match %q", "42")
	}
	if res.MatchesID("7") {
		t.Error("id 42 should not match 7")
	}
}
