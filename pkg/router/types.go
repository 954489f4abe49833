// Package router implements the relay daemon's core: name registration,
// subscription/channel tables, the shadow graph, per-stream sequence
// counters, the pending-delivery retry state machine, and the dispatch
// decision of whether to route a SEND locally, fan it out, copy it to
// shadows, or forward it to a remote daemon.
//
// A single mutex guards all tables; exported methods take it around their
// table accesses (HandleSend in several short sections), and no method
// blocks on I/O while holding it.
package router

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
)

// EntityType distinguishes the two disjoint name tables that share one
// connection set.
type EntityType string

const (
	EntityAgent EntityType = "agent"
	EntityUser  EntityType = "user"
)

// ConnectionMetadata carries informational fields reported once to the
// agent registry on registration; it has no effect on routing.
type ConnectionMetadata struct {
	CLI             string
	Program         string
	Model           string
	Task            string
	WorkingDir      string
}

// Connection is the interface a transport hands the router for every
// registered participant.
type Connection interface {
	ID() string
	AgentName() string
	EntityType() EntityType
	SessionID() string
	Metadata() ConnectionMetadata
	Close() error
	// Send is non-blocking and MUST NOT block the router's critical
	// section; it reports whether the underlying transport accepted the
	// envelope for delivery.
	Send(e envelope.Envelope) bool
	// NextSeq returns this connection's next delivery sequence number on
	// the stream keyed by (topic-or-"default", peer). It MUST be strictly
	// increasing per stream and MUST NOT skip.
	NextSeq(topic, peer string) uint64
}

// Store is the persistence collaborator. Calls are
// fire-and-forget from the router's point of view: errors are logged,
// never propagated, never awaited under the router's lock.
type Store interface {
	SaveMessage(ctx context.Context, rec *MessageRecord) error
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus) error
}

// SessionReplayStore is an optional capability of Store: when present,
// replay on reconnect is enabled.
type SessionReplayStore interface {
	GetPendingMessagesForSession(ctx context.Context, agentName, sessionID string) ([]*MessageRecord, error)
}

// MessageStatus is the lifecycle status stored alongside a persisted
// envelope.
type MessageStatus string

const (
	StatusUnread MessageStatus = "unread"
	StatusAcked  MessageStatus = "acked"
	StatusFailed MessageStatus = "failed"
)

// MessageRecord is what gets persisted for one DELIVER envelope.
type MessageRecord struct {
	ID               string
	TS               int64
	From             string
	To               string
	Topic            string
	Kind             envelope.PayloadKind
	Body             string
	Data             map[string]any
	Thread           string
	DeliverySeq      uint64
	DeliverySessionID string
	SessionID        string
	Status           MessageStatus
	IsUrgent         bool
	IsBroadcast      bool
}

// RemoteAgent describes a name the cross-machine handler reports as living
// on a peer daemon.
type RemoteAgent struct {
	Name       string
	Status     string
	DaemonID   string
	DaemonName string
	MachineID  string
}

// CrossMachineHandler is the pluggable collaborator consulted only when a
// name is absent from the local tables.
type CrossMachineHandler interface {
	IsRemoteAgent(name string) (*RemoteAgent, bool)
	// SendCrossMachineMessage dispatches a send to a peer daemon. The
	// returned channel is written to exactly once with the outcome.
	SendCrossMachineMessage(ctx context.Context, daemonID, targetAgent, fromAgent, body string, meta map[string]any) <-chan bool
}

// AgentRegistry is the pluggable collaborator for agent metadata and
// send/receive counters.
type AgentRegistry interface {
	RegisterOrUpdate(ctx context.Context, name string, meta ConnectionMetadata)
	RecordSend(ctx context.Context, name string)
	RecordReceive(ctx context.Context, name string)
}

// ChannelPolicy is the optional RBAC collaborator consulted on
// CHANNEL_JOIN. When absent, every join is allowed.
type ChannelPolicy interface {
	Allow(name, channel string) bool
}

// ProcessingObserver is notified whenever the processing map mutates.
// Registered once at construction — no dynamic subscriber list is
// needed for the core.
type ProcessingObserver interface {
	OnChange(name string, processing bool)
}

// ProcessingObserverFunc adapts a plain function to ProcessingObserver.
type ProcessingObserverFunc func(name string, processing bool)

func (f ProcessingObserverFunc) OnChange(name string, processing bool) { f(name, processing) }

// metricsHook is a no-op Metrics used whenever WithMetrics is omitted,
// so call sites never have to nil-check r.metrics.
type metricsHook struct{}

func (metricsHook) IncSends()                {}
func (metricsHook) IncBroadcasts()           {}
func (metricsHook) IncDeliveries()           {}
func (metricsHook) IncDeliveryErrors()       {}
func (metricsHook) IncRetryAttempts()        {}
func (metricsHook) IncDeliveryExpired()      {}
func (metricsHook) IncChannelJoins()         {}
func (metricsHook) IncChannelLeaves()        {}
func (metricsHook) IncChannelMessages()      {}
func (metricsHook) IncCrossMachineForwards() {}
func (metricsHook) IncCrossMachineErrors()   {}
func (metricsHook) SetPending(int)           {}
func (metricsHook) SetProcessing(int)        {}
func (metricsHook) ObserveAckLatency(float64) {}

// Metrics is the optional counters/gauges collaborator.
type Metrics interface {
	IncSends()
	IncBroadcasts()
	IncDeliveries()
	IncDeliveryErrors()
	IncRetryAttempts()
	IncDeliveryExpired()
	IncChannelJoins()
	IncChannelLeaves()
	IncChannelMessages()
	IncCrossMachineForwards()
	IncCrossMachineErrors()
	SetPending(n int)
	SetProcessing(n int)
	ObserveAckLatency(seconds float64)
}

// Trigger classifies why a shadow should speak up.
type Trigger string

const (
	TriggerExplicitAsk  Trigger = "EXPLICIT_ASK"
	TriggerAllMessages  Trigger = "ALL_MESSAGES"
)

// ShadowOptions configures one shadow binding.
type ShadowOptions struct {
	SpeakOn         map[Trigger]bool
	ReceiveIncoming bool
	ReceiveOutgoing bool
}

// DefaultShadowOptions returns the default shadow binding options.
func DefaultShadowOptions() ShadowOptions {
	return ShadowOptions{
		SpeakOn:         map[Trigger]bool{TriggerExplicitAsk: true},
		ReceiveIncoming: true,
		ReceiveOutgoing: true,
	}
}

// Config holds the router's reliability parameters and
// processing-timeout default.
type Config struct {
	AckTimeout        time.Duration
	MaxAttempts       int
	DeliveryTTL       time.Duration
	ProcessingTimeout time.Duration
}

// DefaultConfig returns the daemon's default reliability parameters.
func DefaultConfig() Config {
	return Config{
		AckTimeout:        5 * time.Second,
		MaxAttempts:       5,
		DeliveryTTL:       60 * time.Second,
		ProcessingTimeout: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.DeliveryTTL <= 0 {
		c.DeliveryTTL = d.DeliveryTTL
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
}

// pendingEntry tracks one in-flight DELIVER awaiting ACK.
type pendingEntry struct {
	envelope     envelope.Envelope
	connID       string
	target       Connection
	attempts     int
	firstSent    time.Time
	timer        *time.Timer
	isShadowCopy bool
}

// processingEntry tracks one name's busy state.
type processingEntry struct {
	startedAt time.Time
	messageID string
	timer     *time.Timer
}

// shadowBinding is one shadow→primary relationship.
type shadowBinding struct {
	shadow  string
	primary string
	opts    ShadowOptions
}

// Router owns every in-memory table the daemon needs for routing: name
// registry, subscriptions, channels, shadow bindings, sequence
// counters, and the pending-delivery and processing trackers. See
// NewRouter for construction; exported methods lock mu around their
// table accesses.
type Router struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger

	conns       map[string]Connection // connection id -> connection
	agents      map[string]Connection // agent name -> connection
	users       map[string]Connection // user name -> connection
	subs        map[string]map[string]bool // topic -> subscriber names
	channels    map[string]map[string]bool // channel -> member names
	memberOf    map[string]map[string]bool // member name -> channels

	shadowsOf   map[string][]shadowBinding // primary -> shadows of it
	primaryOf   map[string]shadowBinding   // shadow -> its one binding

	pending     map[string]*pendingEntry // envelope id -> pending entry
	processing  map[string]*processingEntry

	store     Store
	crossMach CrossMachineHandler
	agentReg  AgentRegistry
	observer  ProcessingObserver
	metrics   Metrics
	chanPolicy ChannelPolicy

	seqCounters map[string]*uint64 // allocated but not read; replay falls back to the connection's NextSeq

	idgen func() string
	nowFn func() time.Time
}

// Option configures a Router at construction.
type Option func(*Router)

// WithStore installs the persistence collaborator.
func WithStore(s Store) Option { return func(r *Router) { r.store = s } }

// WithCrossMachineHandler installs the cross-machine collaborator. Safe to
// call again later via SetCrossMachineHandler between dispatches.
func WithCrossMachineHandler(h CrossMachineHandler) Option { return func(r *Router) { r.crossMach = h } }

// WithAgentRegistry installs the agent-registry collaborator.
func WithAgentRegistry(a AgentRegistry) Option { return func(r *Router) { r.agentReg = a } }

// WithObserver installs the processing-state observer.
func WithObserver(o ProcessingObserver) Option { return func(r *Router) { r.observer = o } }

// WithMetrics installs the counters/gauges collaborator. When omitted,
// the no-op metricsHook is used.
func WithMetrics(m Metrics) Option { return func(r *Router) { r.metrics = m } }

// WithChannelPolicy installs the RBAC collaborator consulted on
// CHANNEL_JOIN. Omitted by default, which allows every join.
func WithChannelPolicy(p ChannelPolicy) Option { return func(r *Router) { r.chanPolicy = p } }

// WithLogger installs a structured logger; defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// WithIDGenerator overrides envelope id generation (tests use this for
// determinism).
func WithIDGenerator(f func() string) Option { return func(r *Router) { r.idgen = f } }

// WithClock overrides time.Now (tests use this for determinism).
func WithClock(f func() time.Time) Option { return func(r *Router) { r.nowFn = f } }

// NewRouter constructs a Router with the given reliability config and
// options.
func NewRouter(cfg Config, opts ...Option) *Router {
	cfg.applyDefaults()
	r := &Router{
		cfg:         cfg,
		logger:      slog.Default(),
		conns:       make(map[string]Connection),
		agents:      make(map[string]Connection),
		users:       make(map[string]Connection),
		subs:        make(map[string]map[string]bool),
		channels:    make(map[string]map[string]bool),
		memberOf:    make(map[string]map[string]bool),
		shadowsOf:   make(map[string][]shadowBinding),
		primaryOf:   make(map[string]shadowBinding),
		pending:     make(map[string]*pendingEntry),
		processing:  make(map[string]*processingEntry),
		seqCounters: make(map[string]*uint64),
		idgen:       defaultIDGen,
		nowFn:       time.Now,
		metrics:     metricsHook{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LocalAgentNames returns every agent name currently registered on this
// daemon, for a cross-machine collaborator's roster broadcast.
func (r *Router) LocalAgentNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}

// SetCrossMachineHandler swaps the cross-machine collaborator.
// Replacement is permitted between dispatches; the router lock keeps it
// from racing an in-flight dispatch.
func (r *Router) SetCrossMachineHandler(h CrossMachineHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.crossMach = h
}

var idCounter atomic.Uint64

func defaultIDGen() string {
	return "env-" + timeNowHex() + "-" + uintToString(idCounter.Add(1))
}
