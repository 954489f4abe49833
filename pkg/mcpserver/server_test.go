package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/freitascorp/agentrelayd/pkg/router"
)

func newTestServer(t *testing.T) (*Server, *bytes.Buffer) {
	t.Helper()
	rt := router.NewRouter(router.DefaultConfig())
	out := &bytes.Buffer{}
	return NewServerWithIO(rt, nil, nil, out), out
}

func callTool(t *testing.T, s *Server, out *bytes.Buffer, name string, args map[string]any) ToolCallResult {
	t.Helper()
	req := &Request{JSONRPC: "2.0", ID: float64(1), Method: "tools/call",
		Params: ToolCallParams{Name: name, Arguments: args}}
	s.handleRequest(context.Background(), req)

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (raw: %s)", err, out.String())
	}
	out.Reset()
	if resp.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", resp.Error)
	}
	raw, _ := json.Marshal(resp.Result)
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal tool result: %v", err)
	}
	return result
}

func TestToolsList(t *testing.T) {
	s, out := newTestServer(t)
	s.handleRequest(context.Background(), &Request{JSONRPC: "2.0", ID: float64(1), Method: "tools/list"})

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	raw, _ := json.Marshal(resp.Result)
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal tools list: %v", err)
	}
	if len(result.Tools) != 5 {
		t.Fatalf("len(tools) = %d, want 5", len(result.Tools))
	}
}

func TestRelaySendMissingTo(t *testing.T) {
	s, out := newTestServer(t)
	result := callTool(t, s, out, "relay.send", map[string]any{"from": "alice", "body": "hi"})
	if !result.IsError {
		t.Fatalf("expected error result for missing 'to', got %+v", result)
	}
}

func TestRelayChannelJoinAndMessage(t *testing.T) {
	s, out := newTestServer(t)

	result := callTool(t, s, out, "relay.channel_join", map[string]any{"from": "alice", "channel": "ops"})
	if result.IsError || !strings.Contains(result.Content[0].Text, "joined") {
		t.Fatalf("channel_join failed: %+v", result)
	}

	result = callTool(t, s, out, "relay.channel_message", map[string]any{"from": "alice", "channel": "ops", "body": "hello"})
	if result.IsError {
		t.Fatalf("channel_message failed: %+v", result)
	}
}

func TestUnknownTool(t *testing.T) {
	s, out := newTestServer(t)
	result := callTool(t, s, out, "relay.nonexistent", map[string]any{"from": "alice"})
	if !result.IsError {
		t.Fatalf("expected error for unknown tool")
	}
}
