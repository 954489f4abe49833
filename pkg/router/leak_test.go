package router

import (
	"testing"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/stretchr/testify/require"
)

// trackedTimers counts live pending + processing entries; each owns
// exactly one timer, so this is the router's outstanding timer count.
func trackedTimers(rt *Router) int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pending) + len(rt.processing)
}

// A full register/send/ack/unregister cycle must leave no live timer
// behind: the ack cancels the retry timer, the sender's next SEND (or
// unregister) clears the processing timer.
func TestNoTimersLeakAfterAckAndUnregister(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	rt.Register(a)
	rt.Register(b)

	rt.HandleSend(a.ID(), sendEnvelope("A", "B", "", "hi"))
	require.Equal(t, 2, trackedTimers(rt)) // one pending, one processing(B)

	deliver := b.sentCopy()[0]
	rt.HandleAck(b.ID(), envelope.NewAck("ack-1", "B", deliver.ID, deliver.Delivery.Seq))
	require.Equal(t, 1, trackedTimers(rt)) // B still marked processing

	rt.Unregister(b)
	rt.Unregister(a)
	require.Equal(t, 0, trackedTimers(rt))
}

// Once a pending delivery is acked, its retry timer must never fire a
// retransmission, even well past the ack timeout.
func TestNoRetransmitAfterAck(t *testing.T) {
	cfg := Config{AckTimeout: 5 * time.Millisecond, MaxAttempts: 5, DeliveryTTL: time.Second}
	rt := NewRouter(cfg)
	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	rt.Register(a)
	rt.Register(b)

	rt.HandleSend(a.ID(), sendEnvelope("A", "B", "", "hi"))
	deliver := b.sentCopy()[0]
	rt.HandleAck(b.ID(), envelope.NewAck("ack-1", "B", deliver.ID, deliver.Delivery.Seq))

	time.Sleep(50 * time.Millisecond)
	require.Len(t, b.sentCopy(), 1)
}

// Unregistering the recipient cancels its pending deliveries outright:
// no retry fires against the dead connection afterwards.
func TestNoRetryAfterRecipientUnregister(t *testing.T) {
	cfg := Config{AckTimeout: 5 * time.Millisecond, MaxAttempts: 5, DeliveryTTL: time.Second}
	store := newFakeStore()
	rt := NewRouter(cfg, WithStore(store))
	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	rt.Register(a)
	rt.Register(b)

	rt.HandleSend(a.ID(), sendEnvelope("A", "B", "", "hi"))
	require.Equal(t, 1, rt.PendingCount())

	rt.Unregister(b)
	require.Equal(t, 0, rt.PendingCount())

	time.Sleep(50 * time.Millisecond)
	require.Len(t, b.sentCopy(), 1) // only the initial transmission
}
