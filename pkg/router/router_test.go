package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	name   string
	et     EntityType
	sessID string

	mu       sync.Mutex
	sent     []envelope.Envelope
	seqs     map[string]uint64
	refuse   bool
	closed   bool
}

func newFakeConn(id, name string) *fakeConn {
	return &fakeConn{id: id, name: name, et: EntityAgent, sessID: id + "-sess", seqs: make(map[string]uint64)}
}

func (c *fakeConn) ID() string           { return c.id }
func (c *fakeConn) AgentName() string    { return c.name }
func (c *fakeConn) EntityType() EntityType { return c.et }
func (c *fakeConn) SessionID() string    { return c.sessID }
func (c *fakeConn) Metadata() ConnectionMetadata { return ConnectionMetadata{} }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
func (c *fakeConn) Send(e envelope.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refuse {
		return false
	}
	c.sent = append(c.sent, e)
	return true
}
func (c *fakeConn) NextSeq(topic, peer string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := topic + "|" + peer
	c.seqs[key]++
	return c.seqs[key]
}

func (c *fakeConn) sentCopy() []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope.Envelope, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeRecord struct {
	rec    MessageRecord
	status MessageStatus
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]*fakeRecord
	pending  map[string][]*MessageRecord // agentName+sessionID -> rows to replay
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*fakeRecord), pending: make(map[string][]*MessageRecord)}
}

func (s *fakeStore) SaveMessage(ctx context.Context, rec *MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.ID] = &fakeRecord{rec: cp, status: StatusUnread}
	return nil
}

func (s *fakeStore) UpdateMessageStatus(ctx context.Context, id string, status MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.status = status
	}
	return nil
}

func (s *fakeStore) statusOf(id string) MessageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		return r.status
	}
	return ""
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// replayStore wraps fakeStore to also satisfy SessionReplayStore.
type replayStore struct {
	*fakeStore
}

func (s *replayStore) GetPendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[agentName+"|"+sessionID], nil
}

type fakeCrossMachine struct {
	remotes map[string]*RemoteAgent
	calls   []string
	result  bool
}

func (c *fakeCrossMachine) IsRemoteAgent(name string) (*RemoteAgent, bool) {
	r, ok := c.remotes[name]
	return r, ok
}

func (c *fakeCrossMachine) SendCrossMachineMessage(ctx context.Context, daemonID, targetAgent, fromAgent, body string, meta map[string]any) <-chan bool {
	c.calls = append(c.calls, targetAgent)
	ch := make(chan bool, 1)
	ch <- c.result
	close(ch)
	return ch
}

type fakeRegistry struct {
	mu      sync.Mutex
	sends   map[string]int
	recvs   map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{sends: map[string]int{}, recvs: map[string]int{}}
}
func (f *fakeRegistry) RegisterOrUpdate(ctx context.Context, name string, meta ConnectionMetadata) {}
func (f *fakeRegistry) RecordSend(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends[name]++
}
func (f *fakeRegistry) RecordReceive(ctx context.Context, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recvs[name]++
}

func sendEnvelope(from, to, topic, body string) envelope.Envelope {
	return envelope.NewSend("req-"+from+"-"+to+"-"+body, from, to, topic, envelope.Payload{Kind: envelope.PayloadMessage, Body: body})
}

// Scenario 1: direct SEND -> DELIVER -> ACK cycle.
func TestDirectSendDeliverAck(t *testing.T) {
	store := newFakeStore()
	rt := NewRouter(DefaultConfig(), WithStore(store))

	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	rt.Register(a)
	rt.Register(b)

	rt.HandleSend(a.ID(), sendEnvelope("A", "B", "", "hi"))

	sent := b.sentCopy()
	require.Len(t, sent, 1)
	require.Equal(t, envelope.KindDeliver, sent[0].Type)
	require.EqualValues(t, 1, sent[0].Delivery.Seq)
	require.Equal(t, b.SessionID(), sent[0].Delivery.SessionID)
	require.Equal(t, 1, rt.PendingCount())

	ack := envelope.NewAck("ack-1", "B", sent[0].ID, sent[0].Delivery.Seq)
	rt.HandleAck(b.ID(), ack)

	require.Equal(t, 0, rt.PendingCount())
	require.Eventually(t, func() bool { return store.statusOf(sent[0].ID) == StatusAcked }, time.Second, time.Millisecond)
}

// Scenario 2: retries until max attempts then drop.
func TestRetryUntilDropped(t *testing.T) {
	store := newFakeStore()
	cfg := Config{AckTimeout: 5 * time.Millisecond, MaxAttempts: 3, DeliveryTTL: time.Second}
	rt := NewRouter(cfg, WithStore(store))

	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	rt.Register(a)
	rt.Register(b)

	rt.HandleSend(a.ID(), sendEnvelope("A", "B", "", "hi"))

	require.Eventually(t, func() bool { return rt.PendingCount() == 0 }, time.Second, 2*time.Millisecond)
	require.Len(t, b.sentCopy(), 3) // initial attempt + 2 retries
	deliverID := b.sentCopy()[0].ID
	require.Eventually(t, func() bool { return store.statusOf(deliverID) == StatusFailed }, time.Second, time.Millisecond)
}

// Scenario 3: topic-scoped broadcast.
func TestTopicBroadcast(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	c := newFakeConn("c-c", "C")
	rt.Register(a)
	rt.Register(b)
	rt.Register(c)

	rt.Subscribe("B", "news")
	rt.Subscribe("C", "news")

	rt.HandleSend(a.ID(), envelope.NewSend("req1", "A", envelope.Broadcast, "news", envelope.Payload{Kind: envelope.PayloadMessage, Body: "update"}))

	require.Empty(t, a.sentCopy())
	require.Len(t, b.sentCopy(), 1)
	require.Len(t, c.sentCopy(), 1)
	require.EqualValues(t, 1, b.sentCopy()[0].Delivery.Seq)
	require.EqualValues(t, 1, c.sentCopy()[0].Delivery.Seq)
	require.Equal(t, envelope.Broadcast, b.sentCopy()[0].Delivery.OriginalTo)
}

// Scenario 4: shadow copy on outgoing send, shadow not marked processing.
func TestShadowCopyOutgoing(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	s := newFakeConn("c-s", "S")
	rt.Register(a)
	rt.Register(b)
	rt.Register(s)

	rt.BindShadow("S", "A", ShadowOptions{SpeakOn: map[Trigger]bool{TriggerExplicitAsk: true}, ReceiveOutgoing: true, ReceiveIncoming: true})

	rt.HandleSend(a.ID(), sendEnvelope("A", "B", "", "hi"))

	shadowSent := s.sentCopy()
	require.Len(t, shadowSent, 1)
	require.Equal(t, true, shadowSent[0].Payload.Data["_shadowCopy"])
	require.Equal(t, "A", shadowSent[0].Payload.Data["_shadowOf"])
	require.Equal(t, "outgoing", shadowSent[0].Payload.Data["_shadowDirection"])
	require.False(t, rt.IsProcessing("S"))
}

// Scenario 5: cross-machine forward.
func TestCrossMachineForward(t *testing.T) {
	store := newFakeStore()
	cm := &fakeCrossMachine{
		remotes: map[string]*RemoteAgent{"remote": {Name: "remote", DaemonID: "d1", DaemonName: "m1"}},
		result:  true,
	}
	rt := NewRouter(DefaultConfig(), WithStore(store), WithCrossMachineHandler(cm))

	a := newFakeConn("c-a", "A")
	rt.Register(a)

	rt.HandleSend(a.ID(), sendEnvelope("A", "remote", "", "hello"))

	require.Equal(t, []string{"remote"}, cm.calls)
	require.Eventually(t, func() bool { return store.count() == 1 }, time.Second, time.Millisecond)
}

// Scenario 6: replay on reconnect.
func TestReplayOnResume(t *testing.T) {
	rs := &replayStore{fakeStore: newFakeStore()}
	rs.pending["B|sess-R"] = []*MessageRecord{{
		ID: "d1", From: "A", To: "B", DeliverySeq: 3, DeliverySessionID: "sess-R", SessionID: "sess-R",
		Body: "missed", Kind: envelope.PayloadMessage,
	}}
	rt := NewRouter(DefaultConfig(), WithStore(rs))

	b := newFakeConn("c-b", "B")
	b.sessID = "sess-R"
	rt.Register(b)

	require.Eventually(t, func() bool { return len(b.sentCopy()) == 1 }, time.Second, time.Millisecond)
	sent := b.sentCopy()[0]
	require.Equal(t, "d1", sent.ID)
	require.EqualValues(t, 3, sent.Delivery.Seq)
}

func TestChannelMessageFanOut(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	c := newFakeConn("c-c", "C")
	rt.Register(a)
	rt.Register(b)
	rt.Register(c)

	rt.HandleChannelJoin(envelope.NewChannelJoin("j1", "A", "ops"))
	rt.HandleChannelJoin(envelope.NewChannelJoin("j2", "B", "ops"))

	rt.HandleChannelMessage(envelope.NewChannelMessage("m1", "A", envelope.ChannelPayload{Channel: "ops", Body: "deploy done"}))

	require.Len(t, b.sentCopy(), 1)
	// A only hears that B joined; its own message is not echoed back.
	require.Len(t, a.sentCopy(), 1)
	require.Equal(t, envelope.KindChannelJoin, a.sentCopy()[0].Type)
	require.Empty(t, c.sentCopy())
}

func TestDuplicateNameEvictsPriorConnection(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	first := newFakeConn("c-1", "A")
	second := newFakeConn("c-2", "A")
	rt.Register(first)
	rt.Register(second)

	require.True(t, first.isClosed())
	require.False(t, second.isClosed())
}

func TestUnregisterClearsAllState(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	a := newFakeConn("c-a", "A")
	rt.Register(a)
	rt.Subscribe("A", "news")
	rt.HandleChannelJoin(envelope.NewChannelJoin("j1", "A", "ops"))
	rt.BindShadow("A", "primary", ShadowOptions{})

	rt.Unregister(a)

	rt.mu.Lock()
	_, inAgents := rt.agents["A"]
	_, inSubs := rt.subs["news"]
	_, inChannel := rt.channels["ops"]
	_, hasShadowBinding := rt.primaryOf["A"]
	rt.mu.Unlock()

	require.False(t, inAgents)
	require.False(t, inSubs)
	require.False(t, inChannel)
	require.False(t, hasShadowBinding)
}

type denyAllPolicy struct{}

func (denyAllPolicy) Allow(name, channel string) bool { return false }

func TestChannelJoinDeniedByPolicy(t *testing.T) {
	rt := NewRouter(DefaultConfig(), WithChannelPolicy(denyAllPolicy{}))
	a := newFakeConn("c-a", "A")
	rt.Register(a)

	rt.HandleChannelJoin(envelope.NewChannelJoin("j1", "A", "ops"))

	rt.mu.Lock()
	_, inChannel := rt.channels["ops"]
	rt.mu.Unlock()
	require.False(t, inChannel)
}

// A SEND with no payload should never reach the router in practice (the
// transport layer validates before calling HandleEnvelope), but the
// dispatcher must not panic if one does.
func TestDirectSendNilPayloadDoesNotPanic(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	rt.Register(a)
	rt.Register(b)

	nilPayloadSend := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.KindSend, ID: "no-payload", From: "A", To: "B"}

	require.NotPanics(t, func() { rt.HandleSend("c-a", nilPayloadSend) })

	sent := b.sentCopy()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Payload)
}

// Same guarantee for broadcast fan-out.
func TestBroadcastNilPayloadDoesNotPanic(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	a := newFakeConn("c-a", "A")
	b := newFakeConn("c-b", "B")
	rt.Register(a)
	rt.Register(b)

	nilPayloadSend := envelope.Envelope{V: envelope.ProtocolVersion, Type: envelope.KindSend, ID: "no-payload", From: "A", To: envelope.Broadcast}

	require.NotPanics(t, func() { rt.HandleSend("c-a", nilPayloadSend) })

	sent := b.sentCopy()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Payload)
}

// Unregistering a primary (an agent being watched by shadows) must drop its
// shadowsOf entry, not just the reverse primaryOf link that unbinding a
// shadow uses. Otherwise a later connection that reclaims the same name
// silently inherits a shadow relationship nobody configured for it.
func TestUnregisterClearsShadowsOfPrimary(t *testing.T) {
	rt := NewRouter(DefaultConfig())
	primary := newFakeConn("c-primary", "A")
	shadow := newFakeConn("c-shadow", "S")
	rt.Register(primary)
	rt.Register(shadow)
	rt.BindShadow("S", "A", ShadowOptions{})

	rt.Unregister(primary)

	rt.mu.Lock()
	_, stillHasShadows := rt.shadowsOf["A"]
	_, stillBound := rt.primaryOf["S"]
	rt.mu.Unlock()

	require.False(t, stillHasShadows)
	require.False(t, stillBound)

	reclaimed := newFakeConn("c-a2", "A")
	rt.Register(reclaimed)
	rt.HandleSend("c-a2", envelope.NewSend("m1", "A", "B", "", envelope.Payload{Kind: envelope.PayloadMessage, Body: "hi"}))

	require.Empty(t, shadow.sentCopy())
}
