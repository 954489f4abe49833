package mcpserver

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// toolConn is the router.Connection registered for one MCP-tool-driven
// agent name. Tool calls are synchronous request/response over stdio,
// so there's no push channel back to the caller: Send logs what would
// have been delivered rather than buffering it for a later poll (no
// poll tool is exposed — see the package doc's tool list).
type toolConn struct {
	id     string
	name   string
	sessID string
	logger *slog.Logger

	mu   sync.Mutex
	seqs map[string]uint64

	nextID atomic.Uint64
}

var _ router.Connection = (*toolConn)(nil)

func newToolConn(name string, logger *slog.Logger) *toolConn {
	return &toolConn{id: "mcp:" + name, name: name, sessID: name, logger: logger, seqs: make(map[string]uint64)}
}

func (c *toolConn) ID() string                            { return c.id }
func (c *toolConn) AgentName() string                     { return c.name }
func (c *toolConn) EntityType() router.EntityType         { return router.EntityAgent }
func (c *toolConn) SessionID() string                     { return c.sessID }
func (c *toolConn) Metadata() router.ConnectionMetadata   { return router.ConnectionMetadata{CLI: "mcp"} }
func (c *toolConn) Close() error                          { return nil }

func (c *toolConn) Send(e envelope.Envelope) bool {
	c.logger.Debug("mcp tool connection received deliver it cannot surface", "agent", c.name, "from", e.From)
	return true
}

func (c *toolConn) NextSeq(topic, peer string) uint64 {
	key := topic + "|" + peer
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs[key]++
	return c.seqs[key]
}

// NextID mints an envelope id unique to this tool connection, for
// envelopes synthesized from a tool call rather than read off a wire.
func (c *toolConn) NextID() string {
	return c.id + "-" + strconv.FormatUint(c.nextID.Add(1), 36)
}
