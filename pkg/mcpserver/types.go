// Package mcpserver exposes a router.Router as an MCP stdio server:
// relay.send, relay.broadcast, relay.channel_join, relay.channel_leave,
// and relay.channel_message become callable tools for any MCP-capable
// LLM client, letting a CLI-driven worker act as a relay participant
// without speaking the WebSocket wire protocol itself.
//
// Protocol: JSON-RPC 2.0 over stdin/stdout (stdio transport).
// Spec: https://modelcontextprotocol.io/specification
package mcpserver

import "github.com/google/jsonschema-go/jsonschema"

// Request is a JSON-RPC 2.0 request/notification.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// InitializeResult is returned in response to "initialize".
type InitializeResult struct {
	ProtocolVersion string           `json:"protocolVersion"`
	Capabilities    ServerCapability `json:"capabilities"`
	ServerInfo      EntityInfo       `json:"serverInfo"`
}

// EntityInfo identifies the server.
type EntityInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapability advertises supported features.
type ServerCapability struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability describes the tools feature.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsListResult is the response to "tools/list".
type ToolsListResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ToolInfo describes a single MCP tool. InputSchema is a standard JSON
// Schema object built with jsonschema.Schema rather than a hand-rolled
// map, so it round-trips through any schema-aware MCP client the same
// way the official SDKs' tool definitions do.
type ToolInfo struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema"`
}

// ToolCallParams is the input for "tools/call".
type ToolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallResult is the response to "tools/call".
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ContentBlock is a text content block in the MCP response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const (
	ErrParse      = -32700
	ErrInvalidReq = -32600
	ErrNotFound   = -32601
	ErrInternal   = -32603
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "agentrelayd"
	ServerVersion   = "1.0.0"
)
