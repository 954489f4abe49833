package router

import "github.com/freitascorp/agentrelayd/pkg/envelope"

// BindShadow replaces any existing binding for shadow (a shadow observes
// exactly one primary at a time) and records the relationship in both
// directions.
func (r *Router) BindShadow(shadow, primary string, opts ShadowOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindShadowLocked(shadow)

	b := shadowBinding{shadow: shadow, primary: primary, opts: opts}
	r.primaryOf[shadow] = b
	r.shadowsOf[primary] = append(r.shadowsOf[primary], b)
}

// UnbindShadow removes shadow's binding, if any.
func (r *Router) UnbindShadow(shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindShadowLocked(shadow)
}

// unbindShadowLocked MUST be called with r.mu held.
func (r *Router) unbindShadowLocked(shadow string) {
	b, ok := r.primaryOf[shadow]
	if !ok {
		return
	}
	delete(r.primaryOf, shadow)
	bindings := r.shadowsOf[b.primary]
	kept := bindings[:0]
	for _, cur := range bindings {
		if cur.shadow != shadow {
			kept = append(kept, cur)
		}
	}
	if len(kept) == 0 {
		delete(r.shadowsOf, b.primary)
	} else {
		r.shadowsOf[b.primary] = kept
	}
}

// routeToShadowsLocked fans a copy of e to every shadow configured to
// receive traffic in the given direction. MUST be called with r.mu held.
// A shadow-generated DELIVER never re-enters this function: only
// envelopes originating from HandleSend trigger shadow fan-out, so
// shadow chains cannot recurse.
func (r *Router) routeToShadowsLocked(primary string, e envelope.Envelope, dir direction, actualFrom string) {
	bindings := r.shadowsOf[primary]
	if len(bindings) == 0 {
		return
	}
	skip := actualFrom
	if skip == "" {
		skip = primary
	}
	for _, b := range bindings {
		if b.shadow == skip {
			continue
		}
		switch dir {
		case directionOutgoing:
			if !b.opts.ReceiveOutgoing {
				continue
			}
		case directionIncoming:
			if !b.opts.ReceiveIncoming {
				continue
			}
		}
		target, ok := r.agents[b.shadow]
		if !ok {
			continue
		}
		r.deliverShadowCopyLocked(target, primary, e, dir)
	}
}

// deliverShadowCopyLocked builds and sends one shadow copy. Shadow copies
// are tracked for retry like any other DELIVER but never mark the shadow
// as processing — shadows stay passive unless explicitly triggered.
func (r *Router) deliverShadowCopyLocked(target Connection, primary string, src envelope.Envelope, dir direction) {
	if src.Payload == nil {
		return
	}
	topic := src.Topic
	if topic == "" {
		topic = "default"
	}
	payload := src.Payload.WithData("_shadowCopy", true, "_shadowOf", primary, "_shadowDirection", string(dir))
	shadowSrc := src
	shadowSrc.Payload = &payload

	seq := target.NextSeq(topic, src.From)
	id := r.idgen()
	deliver := envelope.NewDeliver(id, shadowSrc, target.AgentName(), envelope.Delivery{
		Seq:       seq,
		SessionID: target.SessionID(),
	})

	rec := &MessageRecord{
		ID: deliver.ID, TS: deliver.TS, From: src.From, To: target.AgentName(), Topic: src.Topic,
		Kind: payload.Kind, Body: payload.Body, Data: payload.Data, Thread: payload.Thread,
		DeliverySeq: seq, DeliverySessionID: target.SessionID(), SessionID: target.SessionID(),
		Status: StatusUnread,
	}
	r.persistAsync(rec)

	if target.Send(deliver) {
		r.trackPending(deliver, r.connIDFor(target), target, true)
	}
}

// EmitShadowTrigger fabricates a trigger notification to every shadow of
// primary whose speakOn set contains trigger or the ALL_MESSAGES
// wildcard, and marks each such shadow as processing — unlike passive
// shadow copies, a triggered shadow is expected to act.
func (r *Router) EmitShadowTrigger(primary string, trigger Trigger, triggerContext map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.shadowsOf[primary] {
		if !b.opts.SpeakOn[trigger] && !b.opts.SpeakOn[TriggerAllMessages] {
			continue
		}
		target, ok := r.agents[b.shadow]
		if !ok {
			continue
		}
		data := map[string]any{"_shadowTrigger": string(trigger), "_shadowOf": primary}
		if triggerContext != nil {
			data["_triggerContext"] = triggerContext
		}
		payload := envelope.Payload{Kind: envelope.PayloadMessage, Body: "SHADOW_TRIGGER:" + primary, Data: data}
		src := envelope.NewSend(r.idgen(), primary, b.shadow, "", payload)

		topic := "default"
		seq := target.NextSeq(topic, primary)
		deliver := envelope.NewDeliver(r.idgen(), src, target.AgentName(), envelope.Delivery{
			Seq: seq, SessionID: target.SessionID(),
		})

		r.persistAsync(&MessageRecord{
			ID: deliver.ID, TS: deliver.TS, From: primary, To: target.AgentName(),
			Kind: payload.Kind, Body: payload.Body, Data: payload.Data,
			DeliverySeq: seq, DeliverySessionID: target.SessionID(), SessionID: target.SessionID(),
			Status: StatusUnread,
		})

		if target.Send(deliver) {
			r.trackPending(deliver, r.connIDFor(target), target, false)
			r.setProcessingLocked(b.shadow, deliver.ID)
		}
	}
}
