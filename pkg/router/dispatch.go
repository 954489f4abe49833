package router

import (
	"context"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
)

// direction classifies a shadow fan-out pass.
type direction string

const (
	directionOutgoing direction = "outgoing"
	directionIncoming direction = "incoming"
)

// HandleSend processes a SEND arriving on connID from sender. It is the
// single entry point the transport layer calls for SEND-kind envelopes.
func (r *Router) HandleSend(connID string, e envelope.Envelope) {
	if e.From == "" {
		r.logger.Warn("send dropped: no sender name", "conn", connID)
		return
	}

	r.mu.Lock()
	reg := r.agentReg
	r.mu.Unlock()
	if reg != nil {
		reg.RecordSend(context.Background(), e.From)
	}
	r.clearProcessing(e.From)
	r.metrics.IncSends()

	switch e.To {
	case envelope.Broadcast:
		r.metrics.IncBroadcasts()
		r.broadcast(e)
	default:
		r.routeNamedSend(connID, e)
	}

	r.mu.Lock()
	r.routeToShadowsLocked(e.From, e, directionOutgoing, "")
	r.mu.Unlock()
}

// routeNamedSend handles a SEND addressed to a single known or remote
// name.
func (r *Router) routeNamedSend(connID string, e envelope.Envelope) {
	r.mu.Lock()

	if target, ok := r.agents[e.To]; ok {
		r.deliverLocked(target, e)
		r.routeToShadowsLocked(e.To, e, directionIncoming, e.From)
		r.mu.Unlock()
		return
	}

	// Users are directly addressable by name even though they're
	// excluded from broadcast and agent enumeration.
	if target, ok := r.users[e.To]; ok {
		r.deliverLocked(target, e)
		r.routeToShadowsLocked(e.To, e, directionIncoming, e.From)
		r.mu.Unlock()
		return
	}

	cm := r.crossMach
	r.mu.Unlock()

	if cm != nil {
		if remote, ok := cm.IsRemoteAgent(e.To); ok {
			r.forwardCrossMachine(cm, remote, e)
			return
		}
	}

	r.mu.Lock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	r.mu.Unlock()
	r.logger.Warn("send dropped: unknown recipient", "to", e.To, "known_agents", names)
}

// deliverLocked constructs and sends one DELIVER to target, persists it,
// and (on accepted send) tracks it for retry and marks target processing.
// MUST be called with r.mu held.
func (r *Router) deliverLocked(target Connection, src envelope.Envelope) deliverResult {
	topic := src.Topic
	if topic == "" {
		topic = "default"
	}
	seq := target.NextSeq(topic, src.From)
	id := r.idgen()
	deliver := envelope.NewDeliver(id, src, target.AgentName(), envelope.Delivery{
		Seq:       seq,
		SessionID: target.SessionID(),
	})

	rec := &MessageRecord{
		ID: deliver.ID, TS: deliver.TS, From: src.From, To: target.AgentName(), Topic: src.Topic,
		DeliverySeq: seq, DeliverySessionID: target.SessionID(), SessionID: target.SessionID(),
		Status: StatusUnread,
	}
	if src.Payload != nil {
		rec.Kind, rec.Body, rec.Data, rec.Thread = src.Payload.Kind, src.Payload.Body, src.Payload.Data, src.Payload.Thread
	}
	r.persistAsync(rec)

	ok := target.Send(deliver)
	if ok {
		r.metrics.IncDeliveries()
		r.trackPending(deliver, r.connIDFor(target), target, false)
		r.setProcessingLocked(target.AgentName(), deliver.ID)
	}

	reg := r.agentReg
	if reg != nil && ok {
		go reg.RecordReceive(context.Background(), target.AgentName())
	}
	return deliverResult{envelope: deliver, sent: ok}
}

type deliverResult struct {
	envelope envelope.Envelope
	sent     bool
}

// connIDFor resolves a Connection's id among tracked connections. MUST be
// called with r.mu held. Falls back to target.ID() directly — connections
// implement ID() themselves, this just documents that pending entries key
// off the connection's own identity, not a router-assigned one.
func (r *Router) connIDFor(c Connection) string { return c.ID() }

// forwardCrossMachine sends e to a peer daemon and persists a follow-up
// record once the remote future resolves. The local caller is told
// success immediately — cross-machine delivery is async
// from the router's point of view.
func (r *Router) forwardCrossMachine(cm CrossMachineHandler, remote *RemoteAgent, e envelope.Envelope) {
	var body string
	var kind envelope.PayloadKind
	var data map[string]any
	var thread string
	if e.Payload != nil {
		body, kind, data, thread = e.Payload.Body, e.Payload.Kind, e.Payload.Data, e.Payload.Thread
	}
	meta := map[string]any{"topic": e.Topic, "thread": thread, "kind": kind, "data": data, "originalId": e.ID}

	r.metrics.IncCrossMachineForwards()
	resultCh := cm.SendCrossMachineMessage(context.Background(), remote.DaemonID, remote.Name, e.From, body, meta)
	go func() {
		ok, open := <-resultCh
		if !open || !ok {
			r.metrics.IncCrossMachineErrors()
			r.logger.Warn("cross-machine send failed", "to", remote.Name, "daemon", remote.DaemonID)
			return
		}
		rec := &MessageRecord{
			ID: e.ID, TS: e.TS, From: e.From, To: remote.Name, Topic: e.Topic,
			Kind: kind, Body: body, Thread: thread, Status: StatusUnread,
			Data: mergeData(data, map[string]any{
				"_crossMachine": true, "_targetDaemon": remote.DaemonID, "_targetDaemonName": remote.DaemonName,
			}),
		}
		r.persistAsync(rec)
	}()
}

func mergeData(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
