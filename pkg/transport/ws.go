// Package transport implements the client-facing WebSocket listener:
// it upgrades connections, performs the hello handshake that gives a
// socket a name and session, adapts each socket into a router.Connection,
// and pumps envelope frames between the wire and the router.
package transport

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/observability"
	"github.com/freitascorp/agentrelayd/pkg/resilience"
	"github.com/freitascorp/agentrelayd/pkg/router"
	"github.com/freitascorp/agentrelayd/pkg/tlsconfig"
)

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	ListenAddr      string
	AuthToken       string
	TLSConfig       *tls.Config
	// RequireClientCert mirrors cfg.TLS.RequireClient: when true, a
	// connection with no verified client certificate is rejected even if
	// AuthToken is unset, instead of being silently accepted.
	RequireClientCert bool
	MaxConnections  int
	PingInterval    time.Duration
	HandshakeTimeout time.Duration

	// MetricsHandler, if set, is mounted at /relay/metrics. Typically
	// observability.MetricsHandler bound to the daemon's registry.
	MetricsHandler http.HandlerFunc

	// Tracer, if set, records a span per inbound envelope.
	Tracer *observability.Tracer
}

func (c *ServerConfig) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10000
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// helloMessage is the first frame a peer sends on a new socket, before
// any envelope traffic — it's how an anonymous WebSocket connection
// becomes a named router.Connection.
type helloMessage struct {
	Type       string                      `json:"type"` // "hello"
	Name       string                      `json:"name"`
	EntityType router.EntityType           `json:"entityType,omitempty"`
	SessionID  string                      `json:"sessionId"`
	Metadata   router.ConnectionMetadata   `json:"metadata,omitempty"`
}

type helloAck struct {
	Type string `json:"type"` // "hello_ack"
}

// Server accepts WebSocket connections and feeds their envelopes into a
// Router.
type Server struct {
	cfg    ServerConfig
	rt     *router.Router
	logger *slog.Logger

	mu      sync.RWMutex
	conns   map[string]*Conn
	httpSrv *http.Server

	// connectLimiters throttles hello attempts per remote host, so a
	// misbehaving or hostile peer can't burn CPU on repeated failed
	// handshakes faster than it could open legitimate connections.
	connectLimiters *resilience.RateLimiterRegistry

	// validator rejects a malformed envelope (missing/empty payload,
	// unknown protocol version, ...) before it ever reaches the router.
	validator *envelope.Registry
}

// NewServer constructs a Server bound to rt.
func NewServer(cfg ServerConfig, rt *router.Router, logger *slog.Logger) *Server {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg: cfg, rt: rt, logger: logger, conns: make(map[string]*Conn),
		connectLimiters: resilience.NewRateLimiterRegistry(5, 10),
		validator:       envelope.Default(),
	}
}

// Start serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/relay/connect", s.handleConnect)
	mux.HandleFunc("/relay/health", s.handleHealth)
	if s.cfg.MetricsHandler != nil {
		mux.HandleFunc("/relay/metrics", s.cfg.MetricsHandler)
	}

	s.httpSrv = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("transport server starting", "addr", s.cfg.ListenAddr)

	var err error
	if s.cfg.TLSConfig != nil {
		s.httpSrv.TLSConfig = s.cfg.TLSConfig
		var listener net.Listener
		listener, err = tls.Listen("tcp", s.cfg.ListenAddr, s.cfg.TLSConfig)
		if err != nil {
			return err
		}
		err = s.httpSrv.Serve(listener)
	} else {
		if !strings.HasPrefix(s.cfg.ListenAddr, "127.0.0.1") && !strings.HasPrefix(s.cfg.ListenAddr, "localhost") {
			s.logger.Warn("transport server starting without TLS on non-localhost address", "addr", s.cfg.ListenAddr)
		}
		err = s.httpSrv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes all connections and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.conns {
		c.wsConn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.conns = make(map[string]*Conn)
	s.mu.Unlock()

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.connectLimiters.Get(host).Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	// Prefer mTLS: only a connection that actually presented (and had
	// verified) a client certificate skips the bearer token check. A
	// connection that merely arrives over TLS without a client cert — the
	// common case for a server-cert-only listener — falls through to the
	// token check exactly as a plaintext connection would.
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		if _, err := tlsconfig.VerifyPeerCert(r.TLS); err != nil {
			s.logger.Warn("client certificate verification failed", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "certificate verification failed", http.StatusForbidden)
			return
		}
	} else if s.cfg.AuthToken != "" {
		token := r.Header.Get("Authorization")
		expected := "Bearer " + s.cfg.AuthToken
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	} else if s.cfg.RequireClientCert {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	s.mu.RLock()
	tooMany := len(s.conns) >= s.cfg.MaxConnections
	s.mu.RUnlock()
	if tooMany {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}

	ctx := r.Context()
	handshakeCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	var hello helloMessage
	err = wsjson.Read(handshakeCtx, wsConn, &hello)
	cancel()
	if err != nil || hello.Type != "hello" || hello.Name == "" {
		s.logger.Warn("handshake failed", "err", err, "remote", r.RemoteAddr)
		wsConn.Close(websocket.StatusProtocolError, "hello required")
		return
	}
	if hello.EntityType == "" {
		hello.EntityType = router.EntityAgent
	}
	if hello.SessionID == "" {
		hello.SessionID = hello.Name
	}

	c := &Conn{
		id:       connID(),
		name:     hello.Name,
		et:       hello.EntityType,
		sessID:   hello.SessionID,
		meta:     hello.Metadata,
		wsConn:   wsConn,
		seqs:     make(map[string]uint64),
		writeCtx: ctx,
	}

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	if err := wsjson.Write(ctx, wsConn, helloAck{Type: "hello_ack"}); err != nil {
		s.logger.Warn("hello ack failed", "err", err, "name", c.name)
	}

	s.rt.Register(c)
	s.logger.Info("connection registered", "name", c.name, "entityType", c.et, "remote", r.RemoteAddr)

	s.pump(ctx, c)

	s.rt.Unregister(c)
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.logger.Info("connection closed", "name", c.name)
}

func (s *Server) pump(ctx context.Context, c *Conn) {
	for {
		var e envelope.Envelope
		if err := wsjson.Read(ctx, c.wsConn, &e); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Error("read error", "name", c.name, "err", err)
			}
			return
		}
		if err := s.validator.CheckPayload(&e); err != nil {
			s.logger.Warn("envelope dropped: invalid payload", "name", c.name, "type", e.Type, "err", err)
			continue
		}
		if s.cfg.Tracer != nil {
			_, span := s.cfg.Tracer.StartSpan(ctx, "envelope."+string(e.Type), map[string]string{
				"from": e.From, "to": e.To, "conn": c.name,
			})
			s.rt.HandleEnvelope(c.id, e)
			s.cfg.Tracer.EndSpan(span, nil)
			continue
		}
		s.rt.HandleEnvelope(c.id, e)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	n := len(s.conns)
	s.mu.RUnlock()
	fmt.Fprintf(w, `{"status":"ok","connections":%d}`, n)
}

var connCounter uint64
var connCounterMu sync.Mutex

func connID() string {
	connCounterMu.Lock()
	defer connCounterMu.Unlock()
	connCounter++
	return fmt.Sprintf("ws-%d-%d", time.Now().UnixNano(), connCounter)
}
