package router

import (
	"context"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
)

// trackPending registers e as awaiting ACK from target and schedules its
// first retry timer. MUST be called with r.mu held.
func (r *Router) trackPending(e envelope.Envelope, connID string, target Connection, isShadowCopy bool) {
	entry := &pendingEntry{
		envelope:     e,
		connID:       connID,
		target:       target,
		attempts:     1,
		firstSent:    r.nowFn(),
		isShadowCopy: isShadowCopy,
	}
	entry.timer = time.AfterFunc(r.cfg.AckTimeout, func() { r.retryTick(e.ID) })
	r.pending[e.ID] = entry
	r.metrics.SetPending(len(r.pending))
}

// retryTick runs the reliability state machine for one pending id on
// timer fire. Re-acquires the lock since it runs off a
// background timer goroutine.
func (r *Router) retryTick(id string) {
	r.mu.Lock()

	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	if r.nowFn().Sub(p.firstSent) > r.cfg.DeliveryTTL {
		delete(r.pending, id)
		r.metrics.SetPending(len(r.pending))
		r.mu.Unlock()
		r.metrics.IncDeliveryExpired()
		r.updateStatusAsync(p.envelope.ID, StatusFailed)
		r.logger.Warn("pending delivery dropped: ttl exceeded", "id", id, "to", p.envelope.To)
		return
	}

	if p.attempts >= r.cfg.MaxAttempts {
		delete(r.pending, id)
		r.metrics.SetPending(len(r.pending))
		r.mu.Unlock()
		r.metrics.IncDeliveryExpired()
		r.updateStatusAsync(p.envelope.ID, StatusFailed)
		r.logger.Warn("pending delivery dropped: attempts exhausted", "id", id, "to", p.envelope.To)
		return
	}

	if _, stillConnected := r.conns[p.connID]; !stillConnected {
		delete(r.pending, id)
		r.metrics.SetPending(len(r.pending))
		r.mu.Unlock()
		r.metrics.IncDeliveryExpired()
		r.updateStatusAsync(p.envelope.ID, StatusFailed)
		r.logger.Debug("pending delivery dropped: connection gone", "id", id, "to", p.envelope.To)
		return
	}

	p.attempts++
	p.target.Send(p.envelope)
	p.timer = time.AfterFunc(r.cfg.AckTimeout, func() { r.retryTick(id) })
	r.mu.Unlock()
	r.metrics.IncRetryAttempts()
}

// HandleAck processes an ACK arriving on connID. Acks are only accepted
// when connID matches the connection that originally received the
// DELIVER; otherwise (or for an unknown id) the ack is silently dropped.
func (r *Router) HandleAck(connID string, e envelope.Envelope) {
	if e.Ack == nil {
		return
	}
	r.mu.Lock()
	p, ok := r.pending[e.Ack.AckID]
	if !ok || p.connID != connID {
		r.mu.Unlock()
		r.logger.Debug("ack dropped", "ack_id", e.Ack.AckID, "conn", connID)
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(r.pending, e.Ack.AckID)
	r.metrics.SetPending(len(r.pending))
	r.mu.Unlock()

	r.metrics.ObserveAckLatency(r.nowFn().Sub(p.firstSent).Seconds())
	r.updateStatusAsync(e.Ack.AckID, StatusAcked)
}

// PendingCount reports the current pending-delivery set size; exported
// for tests asserting round-trip invariants.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Router) persistAsync(rec *MessageRecord) {
	if r.store == nil {
		return
	}
	go func() {
		if err := r.store.SaveMessage(context.Background(), rec); err != nil {
			r.logger.Error("saveMessage failed", "id", rec.ID, "err", err)
		}
	}()
}

func (r *Router) updateStatusAsync(id string, status MessageStatus) {
	if r.store == nil {
		return
	}
	go func() {
		if err := r.store.UpdateMessageStatus(context.Background(), id, status); err != nil {
			r.logger.Error("updateMessageStatus failed", "id", id, "err", err)
		}
	}()
}
