package bridge

import (
	"context"
	"strings"
	"time"

	"github.com/freitascorp/agentrelayd/pkg/resilience"
)

// dialLoop maintains a reconnecting outbound tunnel to one configured
// peer. Dial attempts run through a per-peer circuit breaker: once a
// peer has failed enough consecutive dials it is left alone for
// ResetTimeout instead of being hammered every retryDelay.
func (b *Bridge) dialLoop(ctx context.Context, p PeerConfig) {
	const retryDelay = 5 * time.Second
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "bridge-peer-" + p.DaemonID, MaxFailures: 3, ResetTimeout: 30 * time.Second,
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		addr := p.Addr
		if !strings.Contains(addr, "/bridge") {
			addr = strings.TrimRight(addr, "/") + "/bridge"
		}

		err := cb.Execute(func() error {
			conn, _, err := b.websocketDialer().Dial(addr, nil)
			if err != nil {
				return err
			}
			t := newTunnel(p.DaemonID, conn)
			b.registerTunnel(p.DaemonID, t)
			b.logger.Info("bridge outbound tunnel established", "peer", p.DaemonID)
			go b.rosterLoop(t)
			b.readLoop(t)
			return nil
		})
		if err != nil {
			b.logger.Warn("bridge dial failed", "peer", p.DaemonID, "addr", addr, "err", err, "circuit", cb.State())
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}
