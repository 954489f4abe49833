package bridge

import (
	"context"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/freitascorp/agentrelayd/pkg/tlsconfig"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// serve runs the inbound bridge listener until ctx is cancelled.
func (b *Bridge) serve(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", b.handleInbound)

	b.httpSrv = &http.Server{
		Addr:    b.cfg.ListenAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	if b.cfg.TLSConfig != nil {
		b.httpSrv.TLSConfig = b.cfg.TLSConfig
		listener, err := tlsListen(b.cfg.ListenAddr, b.cfg.TLSConfig)
		if err != nil {
			b.logger.Error("bridge listen failed", "err", err)
			return
		}
		if err := b.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			b.logger.Error("bridge serve failed", "err", err)
		}
		return
	}
	if err := b.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		b.logger.Error("bridge serve failed", "err", err)
	}
}

func (b *Bridge) handleInbound(w http.ResponseWriter, r *http.Request) {
	var peerDaemonID string
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		identity, err := tlsconfig.VerifyPeerCert(r.TLS)
		if err != nil {
			b.logger.Warn("bridge peer cert verification failed", "err", err, "remote", r.RemoteAddr)
			http.Error(w, "certificate verification failed", http.StatusForbidden)
			return
		}
		peerDaemonID = identity.DaemonID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("bridge upgrade failed", "err", err)
		return
	}

	if peerDaemonID == "" {
		// No mTLS configured: trust the first roster push to learn who
		// dialed in. Until then the tunnel is unaddressable by id.
		peerDaemonID = "unknown-" + r.RemoteAddr
	}

	t := newTunnel(peerDaemonID, conn)
	b.registerTunnel(peerDaemonID, t)
	b.logger.Info("bridge inbound tunnel established", "daemon", peerDaemonID, "remote", r.RemoteAddr)

	go b.rosterLoop(t)
	b.readLoop(t)
}
