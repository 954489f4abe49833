package router

import (
	"context"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
)

// broadcast fans e out to every subscriber of e.Topic, or to every
// registered agent when no topic is set, excluding the sender. A
// broadcast to zero recipients produces zero DELIVERs and zero
// persistence saves.
func (r *Router) broadcast(e envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var recipients []string
	if e.Topic != "" {
		for name := range r.subs[e.Topic] {
			if name != e.From {
				recipients = append(recipients, name)
			}
		}
	} else {
		for name := range r.agents {
			if name != e.From {
				recipients = append(recipients, name)
			}
		}
	}

	for _, name := range recipients {
		target, ok := r.agents[name]
		if !ok {
			continue
		}
		// Incoming-direction shadow fan-out is a direct-send-only
		// concept; broadcast recipients are not shadowed per-recipient
		// here (only the sender's outgoing shadows see a broadcast).
		r.deliverBroadcastLocked(target, e)
	}
}

// deliverBroadcastLocked mirrors deliverLocked but stamps the broadcast
// marker and delivery.originalTo. MUST be called with r.mu held.
func (r *Router) deliverBroadcastLocked(target Connection, src envelope.Envelope) deliverResult {
	topic := src.Topic
	if topic == "" {
		topic = "default"
	}
	seq := target.NextSeq(topic, src.From)
	id := r.idgen()
	deliver := envelope.NewDeliver(id, src, target.AgentName(), envelope.Delivery{
		Seq:        seq,
		SessionID:  target.SessionID(),
		OriginalTo: envelope.Broadcast,
	})

	rec := &MessageRecord{
		ID: deliver.ID, TS: deliver.TS, From: src.From, To: target.AgentName(), Topic: src.Topic,
		DeliverySeq: seq, DeliverySessionID: target.SessionID(), SessionID: target.SessionID(),
		Status: StatusUnread, IsBroadcast: true,
	}
	if src.Payload != nil {
		rec.Kind, rec.Body, rec.Data, rec.Thread = src.Payload.Kind, src.Payload.Body, src.Payload.Data, src.Payload.Thread
	}
	r.persistAsync(rec)

	ok := target.Send(deliver)
	if ok {
		r.trackPending(deliver, r.connIDFor(target), target, false)
		r.setProcessingLocked(target.AgentName(), deliver.ID)
		if r.agentReg != nil {
			name := target.AgentName()
			reg := r.agentReg
			go reg.RecordReceive(context.Background(), name)
		}
	}
	return deliverResult{envelope: deliver, sent: ok}
}
