package router

import "context"

// Register inserts c into the connection set and, if it carries a name,
// claims that name in the appropriate namespace — evicting and closing
// whatever connection previously held it. Re-registering the same
// connection instance is a no-op beyond the initial insert.
//
// Registration never fails: a misbehaving AgentRegistry is logged and
// otherwise ignored.
func (r *Router) Register(c Connection) {
	r.mu.Lock()
	var toClose Connection
	name := c.AgentName()

	r.conns[c.ID()] = c

	if name != "" {
		table := r.tableFor(c.EntityType())
		if existing, ok := table[name]; ok && existing.ID() != c.ID() {
			toClose = existing
			delete(r.conns, existing.ID())
		}
		table[name] = c
	}
	reg := r.agentReg
	r.mu.Unlock()

	if toClose != nil {
		_ = toClose.Close()
	}

	if name != "" && reg != nil {
		reg.RegisterOrUpdate(context.Background(), name, c.Metadata())
	}

	if name != "" && r.store != nil {
		go func() {
			if err := r.ReplayPending(context.Background(), c); err != nil {
				r.logger.Error("replay on resume failed", "agent", name, "err", err)
			}
		}()
	}
}

// tableFor MUST be called with r.mu held.
func (r *Router) tableFor(et EntityType) map[string]Connection {
	if et == EntityUser {
		return r.users
	}
	return r.agents
}

// Unregister removes c from the connection set and, if the name table
// still points at c (no replacement has since claimed it), scrubs the
// name from every subscription, channel, shadow binding, and the
// processing map, and cancels every pending delivery addressed to this
// connection id.
func (r *Router) Unregister(c Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, c.ID())

	name := c.AgentName()
	if name == "" {
		r.cancelPendingForConnLocked(c.ID())
		return
	}

	table := r.tableFor(c.EntityType())
	if cur, ok := table[name]; ok && cur.ID() == c.ID() {
		delete(table, name)
	} else {
		// Name already reassigned to another connection; only this
		// connection's own pending deliveries are ours to cancel.
		r.cancelPendingForConnLocked(c.ID())
		return
	}

	for topic, members := range r.subs {
		delete(members, name)
		if len(members) == 0 {
			delete(r.subs, topic)
		}
	}

	for ch := range r.memberOf[name] {
		r.removeChannelMemberLocked(ch, name)
	}
	delete(r.memberOf, name)

	// name as a shadow: drop its one binding to its primary.
	r.unbindShadowLocked(name)

	// name as a primary: every shadow watching it loses its binding too,
	// so a later connection that reclaims this name doesn't inherit a
	// shadow relationship nobody configured for it.
	for _, b := range r.shadowsOf[name] {
		delete(r.primaryOf, b.shadow)
	}
	delete(r.shadowsOf, name)

	r.clearProcessingLocked(name)
	r.cancelPendingForConnLocked(c.ID())
}

func (r *Router) cancelPendingForConnLocked(connID string) {
	for id, p := range r.pending {
		if p.connID == connID {
			if p.timer != nil {
				p.timer.Stop()
			}
			delete(r.pending, id)
		}
	}
}

// Subscribe adds name as a subscriber of topic.
func (r *Router) Subscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[topic]
	if !ok {
		set = make(map[string]bool)
		r.subs[topic] = set
	}
	set[name] = true
}

// Unsubscribe removes name from topic's subscriber set.
func (r *Router) Unsubscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[topic]
	if !ok {
		return
	}
	delete(set, name)
	if len(set) == 0 {
		delete(r.subs, topic)
	}
}
