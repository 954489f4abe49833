// Package bus decouples a chat platform's own event loop (Slack's
// socket-mode receiver, Telegram's long-poll loop, ...) from the
// router: an adapter goroutine publishes InboundMessage as it receives
// platform events. DELIVERs are posted back by the adapter's Conn, not
// through the bus.
package bus

import (
	"context"
	"sync"
)

// InboundMessage is one message received from a bridged chat platform,
// not yet turned into a SEND envelope.
type InboundMessage struct {
	Channel    string // "slack", "discord", "telegram", "lark", "dingtalk", "wecom"
	SenderID   string
	ChatID     string
	Content    string
	Media      []string
	SessionKey string
	Metadata   map[string]string
}

// OutboundMessage is one DELIVER body destined for a bridged chat
// platform, not yet posted through its API.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// Handler processes one InboundMessage synchronously. Errors are the
// caller's concern; the bus itself never interprets a handler's
// return value.
type Handler func(msg InboundMessage) error

// MessageBus is an unbounded, goroutine-safe mailbox pair between
// platform adapters and the router, plus a by-channel handler
// registry an adapter can use to route work without its own dispatch.
type MessageBus struct {
	mu       sync.Mutex
	closed   bool
	inbound  []InboundMessage
	outbound []OutboundMessage
	wake     chan struct{} // closed and replaced on every publish, to wake waiters

	handlers map[string]Handler
}

// NewMessageBus constructs an empty, open MessageBus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		wake:     make(chan struct{}),
		handlers: make(map[string]Handler),
	}
}

// PublishInbound enqueues msg. A no-op, not an error, once the bus is
// closed — adapters shouldn't need to guard every publish call.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.inbound = append(mb.inbound, msg)
	mb.wakeLocked()
}

// PublishOutbound enqueues msg for delivery to a platform adapter.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.outbound = append(mb.outbound, msg)
	mb.wakeLocked()
}

// ConsumeInbound blocks until a message is available, ctx is done, or
// the bus closes.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	for {
		mb.mu.Lock()
		if len(mb.inbound) > 0 {
			msg := mb.inbound[0]
			mb.inbound = mb.inbound[1:]
			mb.mu.Unlock()
			return msg, true
		}
		if mb.closed {
			mb.mu.Unlock()
			return InboundMessage{}, false
		}
		wake := mb.wake
		mb.mu.Unlock()

		select {
		case <-ctx.Done():
			return InboundMessage{}, false
		case <-wake:
		}
	}
}

// SubscribeOutbound blocks until a message is available, ctx is done,
// or the bus closes.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	for {
		mb.mu.Lock()
		if len(mb.outbound) > 0 {
			msg := mb.outbound[0]
			mb.outbound = mb.outbound[1:]
			mb.mu.Unlock()
			return msg, true
		}
		if mb.closed {
			mb.mu.Unlock()
			return OutboundMessage{}, false
		}
		wake := mb.wake
		mb.mu.Unlock()

		select {
		case <-ctx.Done():
			return OutboundMessage{}, false
		case <-wake:
		}
	}
}

// RegisterHandler installs the handler for a given platform channel.
func (mb *MessageBus) RegisterHandler(channel string, h Handler) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.handlers[channel] = h
}

// GetHandler returns the handler registered for channel, if any.
func (mb *MessageBus) GetHandler(channel string) (Handler, bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	h, ok := mb.handlers[channel]
	return h, ok
}

// Close marks the bus closed; further publishes are silently dropped
// and blocked consumers/subscribers return false. Idempotent.
func (mb *MessageBus) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return
	}
	mb.closed = true
	mb.wakeLocked()
}

// wakeLocked closes the current wake channel (releasing every waiter)
// and installs a fresh one. Must be called with mb.mu held.
func (mb *MessageBus) wakeLocked() {
	close(mb.wake)
	mb.wake = make(chan struct{})
}
