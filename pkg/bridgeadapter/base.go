// Package bridgeadapter holds the shared plumbing used by each chat
// platform's router.Connection implementation (slackbridge,
// discordbridge, telegrambridge, larkbridge, dingtalkbridge,
// wecombridge). Platform specifics live in the per-platform
// subpackages; this file is everything identical across all six.
package bridgeadapter

import (
	"sync"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// BaseConn implements every router.Connection method that doesn't
// depend on a specific chat platform's API. A platform adapter embeds
// it and supplies Send by posting through its platform's own API.
type BaseConn struct {
	id      string
	name    string
	sessID  string
	meta    router.ConnectionMetadata
	closeFn func() error

	mu   sync.Mutex
	seqs map[string]uint64
}

// NewBaseConn constructs the shared half of a bridge connection. name
// is the user-namespace identity the router sees (e.g. a Slack user
// ID or handle); closeFn releases any platform-side subscription.
func NewBaseConn(id, name, sessionID string, meta router.ConnectionMetadata, closeFn func() error) BaseConn {
	return BaseConn{id: id, name: name, sessID: sessionID, meta: meta, closeFn: closeFn, seqs: make(map[string]uint64)}
}

func (c *BaseConn) ID() string                        { return c.id }
func (c *BaseConn) AgentName() string                 { return c.name }
func (c *BaseConn) EntityType() router.EntityType     { return router.EntityUser }
func (c *BaseConn) SessionID() string                 { return c.sessID }
func (c *BaseConn) Metadata() router.ConnectionMetadata { return c.meta }

func (c *BaseConn) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

func (c *BaseConn) NextSeq(topic, peer string) uint64 {
	key := topic + "|" + peer
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seqs[key]++
	return c.seqs[key]
}

var _ router.Connection = (*noopConn)(nil)

// noopConn exists only to pin BaseConn's Send-less method set against
// router.Connection at compile time; real adapters supply Send.
type noopConn struct{ BaseConn }

func (noopConn) Send(envelope.Envelope) bool { return false }
