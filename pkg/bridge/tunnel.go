package bridge

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// tunnel wraps one established daemon-to-daemon WebSocket connection,
// in either direction, and multiplexes forward/forward_ack request-reply
// pairs over it alongside periodic roster pushes.
type tunnel struct {
	daemonID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	waitMu sync.Mutex
	waits  map[string]chan bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newTunnel(daemonID string, conn *websocket.Conn) *tunnel {
	return &tunnel{
		daemonID: daemonID,
		conn:     conn,
		waits:    make(map[string]chan bool),
		closed:   make(chan struct{}),
	}
}

func (t *tunnel) send(msg wireMessage) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return t.conn.WriteJSON(msg)
}

func (t *tunnel) registerWait(reqID string) <-chan bool {
	ch := make(chan bool, 1)
	t.waitMu.Lock()
	t.waits[reqID] = ch
	t.waitMu.Unlock()
	return ch
}

func (t *tunnel) cancelWait(reqID string) {
	t.waitMu.Lock()
	delete(t.waits, reqID)
	t.waitMu.Unlock()
}

func (t *tunnel) resolveWait(reqID string, ok bool) {
	t.waitMu.Lock()
	ch, exists := t.waits[reqID]
	if exists {
		delete(t.waits, reqID)
	}
	t.waitMu.Unlock()
	if exists {
		ch <- ok
	}
}

func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
}

// readLoop pumps inbound frames until the socket closes, dispatching
// roster pushes into b's roster table, forward requests into b's
// configured handler (replying with forward_ack), and forward_ack
// replies to their waiting caller.
func (b *Bridge) readLoop(t *tunnel) {
	defer func() {
		t.close()
		b.removeTunnel(t.daemonID, t)
		b.logger.Info("bridge tunnel closed", "daemon", t.daemonID)
	}()

	for {
		var msg wireMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case msgRoster:
			if msg.Roster != nil {
				b.adoptTunnelIdentity(t, msg.Roster.DaemonID)
				b.applyRoster(msg.Roster.DaemonID, msg.Roster.DaemonName, msg.Roster.MachineID, msg.Roster.Agents)
			}
		case msgForward:
			if msg.Forward == nil {
				continue
			}
			b.mu.RLock()
			handler := b.onForward
			b.mu.RUnlock()
			ok := false
			if handler != nil {
				ok = handler(msg.Forward.TargetAgent, msg.Forward.FromAgent, msg.Forward.Body, msg.Forward.Meta)
			}
			t.send(wireMessage{Type: msgForwardAck, RequestID: msg.RequestID, ForwardAck: &forwardAckPayload{OK: ok}})
		case msgForwardAck:
			if msg.ForwardAck != nil {
				t.resolveWait(msg.RequestID, msg.ForwardAck.OK)
			}
		}
	}
}

// rosterLoop periodically pushes this daemon's local agent roster to t
// until the tunnel closes.
func (b *Bridge) rosterLoop(t *tunnel) {
	ticker := time.NewTicker(b.cfg.RosterInterval)
	defer ticker.Stop()
	b.pushRoster(t)
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			b.pushRoster(t)
		}
	}
}

func (b *Bridge) pushRoster(t *tunnel) {
	var agents []string
	if b.localAgents != nil {
		agents = b.localAgents()
	}
	t.send(wireMessage{Type: msgRoster, Roster: &rosterPayload{
		DaemonID: b.cfg.SelfDaemonID, DaemonName: b.cfg.SelfDaemonName, MachineID: b.cfg.SelfMachineID, Agents: agents,
	}})
}
