package router

import "github.com/freitascorp/agentrelayd/pkg/envelope"

// HandleChannelJoin adds e.From to e.Channel.Channel, creating it if
// absent. A name already a member triggers no notification. Existing
// members each receive a CHANNEL_JOIN announcing the joiner before the
// joiner is added to the member set.
func (r *Router) HandleChannelJoin(e envelope.Envelope) {
	if e.Channel == nil || e.Channel.Channel == "" || e.From == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := e.Channel.Channel
	if r.chanPolicy != nil && !r.chanPolicy.Allow(e.From, ch) {
		r.logger.Warn("channel join denied", "channel", ch, "from", e.From)
		return
	}

	members, ok := r.channels[ch]
	if !ok {
		members = make(map[string]bool)
		r.channels[ch] = members
	}
	if members[e.From] {
		return
	}

	notice := envelope.NewChannelJoin(r.idgen(), e.From, ch)
	r.fanOutChannelLocked(members, notice, "")

	members[e.From] = true
	set, ok := r.memberOf[e.From]
	if !ok {
		set = make(map[string]bool)
		r.memberOf[e.From] = set
	}
	set[ch] = true
	r.metrics.IncChannelJoins()
}

// HandleChannelLeave removes e.From from the channel, notifies the
// remaining members, and deletes the channel once it is empty. A
// non-member leaving is ignored.
func (r *Router) HandleChannelLeave(e envelope.Envelope) {
	if e.Channel == nil || e.Channel.Channel == "" || e.From == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeChannelMemberLocked(e.Channel.Channel, e.From)
}

// removeChannelMemberLocked removes name from channel if present,
// notifies remaining members with a CHANNEL_LEAVE, and deletes the
// channel once empty. No-op if name is not a member. MUST be called with
// r.mu held.
func (r *Router) removeChannelMemberLocked(channel, name string) {
	members, ok := r.channels[channel]
	if !ok || !members[name] {
		return
	}
	delete(members, name)
	if set, ok := r.memberOf[name]; ok {
		delete(set, channel)
		if len(set) == 0 {
			delete(r.memberOf, name)
		}
	}

	notice := envelope.NewChannelLeave(r.idgen(), name, channel)
	r.fanOutChannelLocked(members, notice, "")
	r.metrics.IncChannelLeaves()

	if len(members) == 0 {
		delete(r.channels, channel)
	}
}

// HandleChannelMessage fans e out to every other member of e.Channel.
// Drops (logged) if the channel is unknown or the sender is not a
// member. Channel fan-out does not go through the ACK tracker — it is
// best-effort — and persists exactly once, keyed by channel rather than
// by recipient.
func (r *Router) HandleChannelMessage(e envelope.Envelope) {
	if e.Channel == nil || e.Channel.Channel == "" || e.From == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := e.Channel.Channel
	members, ok := r.channels[ch]
	if !ok || !members[e.From] {
		r.logger.Warn("channel message dropped", "channel", ch, "from", e.From)
		return
	}

	notice := envelope.NewChannelMessage(r.idgen(), e.From, *e.Channel)
	r.fanOutChannelLocked(members, notice, e.From)
	r.metrics.IncChannelMessages()

	r.persistAsync(&MessageRecord{
		ID: notice.ID, TS: notice.TS, From: e.From, To: ch,
		Kind: envelope.PayloadMessage, Body: e.Channel.Body, Thread: e.Channel.Thread,
		Data: mergeData(e.Channel.Data, map[string]any{
			"_isChannelMessage": true, "_channel": ch, "_mentions": e.Channel.Mentions,
		}),
		Status: StatusUnread, IsBroadcast: true,
	})
}

// fanOutChannelLocked sends notice to every member except exclude
// (typically the originator). Best-effort: send results are not tracked
// for retry. MUST be called with r.mu held.
func (r *Router) fanOutChannelLocked(members map[string]bool, notice envelope.Envelope, exclude string) {
	for member := range members {
		if member == exclude {
			continue
		}
		if conn, ok := r.agents[member]; ok {
			conn.Send(notice)
		}
		if conn, ok := r.users[member]; ok {
			conn.Send(notice)
		}
	}
}
