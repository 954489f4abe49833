package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// Server implements a stdio-based MCP server exposing a fixed set of
// relay tools backed directly by an in-process router.Router.
type Server struct {
	rt     *router.Router
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex // serializes writes to stdout

	connsMu sync.Mutex
	conns   map[string]*toolConn // agent name -> its registered connection
}

// NewServer creates an MCP server backed by rt, reading JSON-RPC from
// stdin and writing responses to stdout.
func NewServer(rt *router.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{rt: rt, logger: logger, in: os.Stdin, out: os.Stdout, conns: make(map[string]*toolConn)}
}

// NewServerWithIO creates an MCP server with custom I/O, for testing.
func NewServerWithIO(rt *router.Router, logger *slog.Logger, in io.Reader, out io.Writer) *Server {
	s := NewServer(rt, logger)
	s.in, s.out = in, out
	return s
}

// Serve runs the MCP server loop, reading requests until EOF or ctx
// cancellation.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.sendError(nil, ErrParse, "parse error: "+err.Error())
			continue
		}
		s.handleRequest(ctx, &req)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stdin read error: %w", err)
	}
	return nil
}

func (s *Server) handleRequest(ctx context.Context, req *Request) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "notifications/initialized":
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(ctx, req)
	case "ping":
		s.sendResult(req.ID, map[string]any{})
	default:
		if req.ID != nil {
			s.sendError(req.ID, ErrNotFound, "method not found: "+req.Method)
		}
	}
}

func (s *Server) handleInitialize(req *Request) {
	s.sendResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ServerCapability{Tools: &ToolsCapability{ListChanged: false}},
		ServerInfo:      EntityInfo{Name: ServerName, Version: ServerVersion},
	})
}

func (s *Server) handleToolsList(req *Request) {
	s.sendResult(req.ID, ToolsListResult{Tools: toolDefs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		s.sendError(req.ID, ErrInternal, "failed to marshal params")
		return
	}
	var params ToolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		s.sendError(req.ID, ErrInvalidReq, "invalid tools/call params: "+err.Error())
		return
	}
	if params.Name == "" {
		s.sendError(req.ID, ErrInvalidReq, "tool name is required")
		return
	}

	s.logger.Info("mcp tool call", "tool", params.Name)
	text, isErr := s.dispatch(ctx, params.Name, params.Arguments)
	s.sendResult(req.ID, ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: isErr})
}

// dispatch executes one relay tool call against the router, lazily
// registering a toolConn for the calling agent name the first time
// it's seen.
func (s *Server) dispatch(ctx context.Context, name string, args map[string]any) (string, bool) {
	from, _ := args["from"].(string)
	if from == "" {
		return "missing required argument: from", true
	}
	c := s.connFor(from)
	s.rt.Register(c)

	switch name {
	case "relay.send":
		to, _ := args["to"].(string)
		topic, _ := args["topic"].(string)
		body, _ := args["body"].(string)
		if to == "" {
			return "missing required argument: to", true
		}
		e := envelope.NewSend(c.NextID(), from, to, topic, envelope.Payload{Kind: envelope.PayloadMessage, Body: body})
		s.rt.HandleSend(c.ID(), e)
		return "sent", false

	case "relay.broadcast":
		topic, _ := args["topic"].(string)
		body, _ := args["body"].(string)
		e := envelope.NewSend(c.NextID(), from, envelope.Broadcast, topic, envelope.Payload{Kind: envelope.PayloadMessage, Body: body})
		s.rt.HandleSend(c.ID(), e)
		return "broadcast", false

	case "relay.channel_join":
		channel, _ := args["channel"].(string)
		if channel == "" {
			return "missing required argument: channel", true
		}
		s.rt.HandleChannelJoin(envelope.NewChannelJoin(c.NextID(), from, channel))
		return "joined", false

	case "relay.channel_leave":
		channel, _ := args["channel"].(string)
		if channel == "" {
			return "missing required argument: channel", true
		}
		s.rt.HandleChannelLeave(envelope.NewChannelLeave(c.NextID(), from, channel))
		return "left", false

	case "relay.channel_message":
		channel, _ := args["channel"].(string)
		body, _ := args["body"].(string)
		if channel == "" {
			return "missing required argument: channel", true
		}
		s.rt.HandleChannelMessage(envelope.NewChannelMessage(c.NextID(), from, envelope.ChannelPayload{Channel: channel, Body: body}))
		return "posted", false

	default:
		return "unknown tool: " + name, true
	}
}

func (s *Server) connFor(name string) *toolConn {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	c, ok := s.conns[name]
	if !ok {
		c = newToolConn(name, s.logger)
		s.conns[name] = c
	}
	return c
}

func (s *Server) sendResult(id any, result any) {
	s.writeJSON(Response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id any, code int, message string) {
	s.writeJSON(Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: message}})
}

func (s *Server) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("mcp: failed to marshal response", "err", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(data)
	_, _ = s.out.Write([]byte("\n"))
}
