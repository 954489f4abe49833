// Package bridge implements the daemon-to-daemon cross-machine bridge:
// each daemon dials its configured peers over mTLS-secured WebSocket,
// periodically exchanges its local agent roster with them, and forwards
// SEND-originated traffic addressed to a name that lives on a peer.
//
// It satisfies router.CrossMachineHandler; the router only ever calls
// into it for names absent from its own local tables.
package bridge

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/freitascorp/agentrelayd/pkg/router"
)

// PeerConfig names one daemon this bridge dials outbound.
type PeerConfig struct {
	DaemonID string
	Addr     string // wss://host:port/bridge
}

// Config configures the bridge.
type Config struct {
	SelfDaemonID    string
	SelfDaemonName  string
	SelfMachineID   string
	ListenAddr      string // "" disables the inbound listener
	TLSConfig       *tls.Config // server-side; nil serves the listener without TLS
	DialTLSConfig   *tls.Config // client-side, used when dialing peers
	Peers           []PeerConfig
	RosterInterval  time.Duration
	ForwardTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.RosterInterval <= 0 {
		c.RosterInterval = 10 * time.Second
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = 10 * time.Second
	}
}

// Bridge is both the inbound listener and the outbound dialer; it holds
// one tunnel per connected peer daemon (inbound or outbound, whichever
// direction established it) and a roster of remote agent names learned
// from peers.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	localAgents func() []string // supplies the current local agent-name list for roster broadcasts
	onForward   func(targetAgent, fromAgent, body string, meta map[string]any) bool
	onPeer      func(daemonID string, up bool)

	mu      sync.RWMutex
	tunnels map[string]*tunnel          // daemonID -> tunnel
	roster  map[string]router.RemoteAgent // agentName -> owning daemon

	httpSrv *http.Server
}

var _ router.CrossMachineHandler = (*Bridge)(nil)

// New constructs a Bridge. localAgents is polled on every roster tick to
// learn which agent names this daemon currently hosts.
func New(cfg Config, logger *slog.Logger, localAgents func() []string) *Bridge {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg: cfg, logger: logger, localAgents: localAgents,
		tunnels: make(map[string]*tunnel),
		roster:  make(map[string]router.RemoteAgent),
	}
}

// SetForwardHandler installs the callback invoked when a peer daemon
// forwards a send to a name hosted locally. The callback's bool result
// becomes the forward_ack sent back to the originating daemon.
func (b *Bridge) SetForwardHandler(f func(targetAgent, fromAgent, body string, meta map[string]any) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onForward = f
}

// SetPeerObserver installs a callback notified each time a peer daemon's
// tunnel connects (up=true) or is torn down (up=false).
func (b *Bridge) SetPeerObserver(f func(daemonID string, up bool)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPeer = f
}

// Start launches the inbound listener (if configured) and a dialer
// goroutine per configured peer; it returns once ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	if b.cfg.ListenAddr != "" {
		go b.serve(ctx)
	}
	for _, p := range b.cfg.Peers {
		go b.dialLoop(ctx, p)
	}
	<-ctx.Done()
	return b.Stop()
}

// Stop closes every tunnel and the HTTP listener.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	for id, t := range b.tunnels {
		t.close()
		delete(b.tunnels, id)
	}
	b.mu.Unlock()
	if b.httpSrv != nil {
		return b.httpSrv.Close()
	}
	return nil
}

// IsRemoteAgent reports whether name is known to live on a peer daemon.
func (b *Bridge) IsRemoteAgent(name string) (*router.RemoteAgent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ra, ok := b.roster[name]
	if !ok {
		return nil, false
	}
	return &ra, true
}

// SendCrossMachineMessage forwards a send to targetAgent's owning
// daemon. The returned channel receives exactly one result.
func (b *Bridge) SendCrossMachineMessage(ctx context.Context, daemonID, targetAgent, fromAgent, body string, meta map[string]any) <-chan bool {
	out := make(chan bool, 1)

	b.mu.RLock()
	t, ok := b.tunnels[daemonID]
	b.mu.RUnlock()
	if !ok {
		out <- false
		close(out)
		return out
	}

	reqID := fmt.Sprintf("fwd-%d", time.Now().UnixNano())
	waitCh := t.registerWait(reqID)

	msg := wireMessage{
		Type: msgForward, RequestID: reqID,
		Forward: &forwardPayload{TargetAgent: targetAgent, FromAgent: fromAgent, Body: body, Meta: meta},
	}
	if err := t.send(msg); err != nil {
		t.cancelWait(reqID)
		out <- false
		close(out)
		return out
	}

	go func() {
		select {
		case ok := <-waitCh:
			out <- ok
		case <-time.After(b.cfg.ForwardTimeout):
			t.cancelWait(reqID)
			out <- false
		case <-ctx.Done():
			t.cancelWait(reqID)
			out <- false
		}
		close(out)
	}()
	return out
}

func (b *Bridge) registerTunnel(daemonID string, t *tunnel) {
	b.mu.Lock()
	if old, ok := b.tunnels[daemonID]; ok {
		old.close()
	}
	b.tunnels[daemonID] = t
	onPeer := b.onPeer
	b.mu.Unlock()
	if onPeer != nil {
		onPeer(daemonID, true)
	}
}

func (b *Bridge) removeTunnel(daemonID string, t *tunnel) {
	b.mu.Lock()
	removed := false
	if cur, ok := b.tunnels[daemonID]; ok && cur == t {
		delete(b.tunnels, daemonID)
		removed = true
	}
	for name, ra := range b.roster {
		if ra.DaemonID == daemonID {
			delete(b.roster, name)
		}
	}
	onPeer := b.onPeer
	b.mu.Unlock()
	if removed && onPeer != nil {
		onPeer(daemonID, false)
	}
}

// adoptTunnelIdentity re-keys a tunnel registered under a placeholder id
// (an inbound connection with no verified client certificate) once the
// peer's first roster push names its real daemon id, so forwards
// addressed to that daemon can find the tunnel.
func (b *Bridge) adoptTunnelIdentity(t *tunnel, daemonID string) {
	if daemonID == "" || t.daemonID == daemonID {
		return
	}
	b.mu.Lock()
	if cur, ok := b.tunnels[t.daemonID]; ok && cur == t {
		delete(b.tunnels, t.daemonID)
	}
	if old, ok := b.tunnels[daemonID]; ok && old != t {
		old.close()
	}
	t.daemonID = daemonID
	b.tunnels[daemonID] = t
	onPeer := b.onPeer
	b.mu.Unlock()
	if onPeer != nil {
		onPeer(daemonID, true)
	}
}

func (b *Bridge) applyRoster(daemonID, daemonName, machineID string, agents []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, ra := range b.roster {
		if ra.DaemonID == daemonID {
			delete(b.roster, name)
		}
	}
	for _, name := range agents {
		b.roster[name] = router.RemoteAgent{Name: name, Status: "online", DaemonID: daemonID, DaemonName: daemonName, MachineID: machineID}
	}
}

func (b *Bridge) websocketDialer() *websocket.Dialer {
	return &websocket.Dialer{TLSClientConfig: b.cfg.DialTLSConfig, HandshakeTimeout: 10 * time.Second}
}
