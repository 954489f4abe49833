package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

const writeTimeout = 5 * time.Second

// Conn adapts one WebSocket session into a router.Connection. Send is
// non-blocking with respect to the router: it writes with a short
// per-call deadline and reports failure rather than letting a slow peer
// stall the router's critical section.
type Conn struct {
	id     string
	name   string
	et     router.EntityType
	sessID string
	meta   router.ConnectionMetadata

	wsConn   *websocket.Conn
	writeCtx context.Context

	mu   sync.Mutex
	seqs map[string]uint64
}

var _ router.Connection = (*Conn)(nil)

func (c *Conn) ID() string                         { return c.id }
func (c *Conn) AgentName() string                  { return c.name }
func (c *Conn) EntityType() router.EntityType       { return c.et }
func (c *Conn) SessionID() string                  { return c.sessID }
func (c *Conn) Metadata() router.ConnectionMetadata { return c.meta }

func (c *Conn) Close() error {
	return c.wsConn.Close(websocket.StatusNormalClosure, "closed")
}

// Send writes e to the socket. Writes race against the handshake/read
// context's lifetime; a write that can't complete quickly is treated as
// a refusal so the router's retry loop takes over instead of blocking.
func (c *Conn) Send(e envelope.Envelope) bool {
	ctx, cancel := context.WithTimeout(c.writeCtx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.wsConn, e) == nil
}

func (c *Conn) NextSeq(topic, peer string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := topic + "|" + peer
	c.seqs[key]++
	return c.seqs[key]
}
