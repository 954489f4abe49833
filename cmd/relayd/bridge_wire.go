package main

import (
	"github.com/google/uuid"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
)

// envelopeFromForward rebuilds a local SEND envelope out of a forwarded
// cross-machine delivery, so it re-enters HandleSend exactly like a
// message that arrived over the client-facing transport.
func envelopeFromForward(targetAgent, fromAgent, body string, meta map[string]any) envelope.Envelope {
	topic, _ := meta["topic"].(string)
	thread, _ := meta["thread"].(string)
	// meta crossed the bridge as JSON, so kind arrives as a plain string.
	kindStr, _ := meta["kind"].(string)
	kind := envelope.PayloadKind(kindStr)
	if kind == "" {
		kind = envelope.PayloadMessage
	}
	data, _ := meta["data"].(map[string]any)

	payload := envelope.Payload{Kind: kind, Body: body, Thread: thread, Data: data}
	return envelope.NewSend(uuid.NewString(), fromAgent, targetAgent, topic, payload)
}
