package router

import (
	"context"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
)

// ReplayPending re-sends unacked persisted envelopes to c's newly
// (re)established connection, when the installed Store implements
// SessionReplayStore. Each reconstructed DELIVER reuses its stored id,
// seq, and session id, and re-enters the pending tracker so it continues
// to retry and can still be ACKed. No additional persistence happens;
// only the re-send side effect.
//
// A no-op if the store doesn't support replay (replay is an optional
// capability, not a required one).
func (r *Router) ReplayPending(ctx context.Context, c Connection) error {
	replayStore, ok := r.store.(SessionReplayStore)
	if !ok {
		return nil
	}

	records, err := replayStore.GetPendingMessagesForSession(ctx, c.AgentName(), c.SessionID())
	if err != nil {
		r.logger.Error("replay: fetch pending failed", "agent", c.AgentName(), "err", err)
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		seq := rec.DeliverySeq
		if seq == 0 {
			seq = c.NextSeq(topicOrDefault(rec.Topic), rec.From)
		}
		sessionID := rec.DeliverySessionID
		if sessionID == "" {
			sessionID = c.SessionID()
		}

		payload := envelope.Payload{Kind: rec.Kind, Body: rec.Body, Thread: rec.Thread, Data: rec.Data}
		src := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.KindSend, ID: rec.ID, TS: rec.TS, From: rec.From, To: rec.To, Topic: rec.Topic, Payload: &payload}
		deliver := envelope.NewDeliver(rec.ID, src, c.AgentName(), envelope.Delivery{Seq: seq, SessionID: sessionID})

		if c.Send(deliver) {
			r.trackPending(deliver, r.connIDFor(c), c, false)
		}
	}
	return nil
}

func topicOrDefault(topic string) string {
	if topic == "" {
		return "default"
	}
	return topic
}
