package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/freitascorp/agentrelayd/pkg/audit"
	"github.com/freitascorp/agentrelayd/pkg/bridge"
	"github.com/freitascorp/agentrelayd/pkg/config"
	"github.com/freitascorp/agentrelayd/pkg/dashboard"
	"github.com/freitascorp/agentrelayd/pkg/logger"
	"github.com/freitascorp/agentrelayd/pkg/maintenance"
	"github.com/freitascorp/agentrelayd/pkg/mcpserver"
	"github.com/freitascorp/agentrelayd/pkg/observability"
	"github.com/freitascorp/agentrelayd/pkg/rbac"
	"github.com/freitascorp/agentrelayd/pkg/registry"
	"github.com/freitascorp/agentrelayd/pkg/router"
	"github.com/freitascorp/agentrelayd/pkg/store"
	"github.com/freitascorp/agentrelayd/pkg/tlsconfig"
	"github.com/freitascorp/agentrelayd/pkg/transport"
)

var (
	flagConfigPath string
	flagDebug      bool
)

func getConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agentrelayd")
}

func loadConfig() (*config.Config, error) {
	path := flagConfigPath
	if path == "" {
		path = filepath.Join(getConfigDir(), "config.yaml")
	}
	return config.Load(path)
}

// daemonStack is every long-lived collaborator newRootCmd's subcommands
// wire together, built once per invocation that needs the full daemon.
type daemonStack struct {
	cfg     *config.Config
	log     *slog.Logger
	reg     *registry.Registry
	st      router.Store
	rt      *router.Router
	br      *bridge.Bridge
	xprt    *transport.Server
	metrics *observability.RelayMetrics
}

func newDaemonStack(cfg *config.Config, slogger *slog.Logger) (*daemonStack, error) {
	st, err := newStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	st = store.NewCircuitBreakerStore(st, slogger)

	reg := registry.New(slogger)
	auditStore := audit.NewFileStore(filepath.Join(getConfigDir(), "audit"))
	auditLog := audit.NewLogger(auditStore)
	reg.AddWatcher(newAuditWatcher(auditStore, slogger))

	metrics := observability.NewRelayMetrics()

	enforcer := rbac.NewEnforcer(rbac.NewStructuredAuditLogger(10000))
	chanGuard := rbac.NewChannelGuard(enforcer, cfg.RBAC.Enabled)

	rt := router.NewRouter(router.Config{
		AckTimeout:        cfg.Router.AckTimeout,
		MaxAttempts:       cfg.Router.MaxAttempts,
		DeliveryTTL:       cfg.Router.DeliveryTTL,
		ProcessingTimeout: cfg.Router.ProcessingTimeout,
	}, router.WithStore(st), router.WithAgentRegistry(reg), router.WithLogger(slogger),
		router.WithMetrics(metrics), router.WithChannelPolicy(chanGuard))

	var br *bridge.Bridge
	if cfg.Bridge.ListenAddr != "" || len(cfg.Bridge.Peers) > 0 {
		br, err = newBridge(cfg, slogger, rt)
		if err != nil {
			return nil, fmt.Errorf("init bridge: %w", err)
		}
		rt.SetCrossMachineHandler(br)
		br.SetForwardHandler(func(targetAgent, fromAgent, body string, meta map[string]any) bool {
			rt.HandleSend("bridge", envelopeFromForward(targetAgent, fromAgent, body, meta))
			auditLog.LogCrossMachineForward(context.Background(), fromAgent, targetAgent, cfg.Daemon.ID, true)
			return true
		})
		br.SetPeerObserver(func(daemonID string, up bool) {
			if up {
				metrics.BridgePeersConnected.Inc()
			} else {
				metrics.BridgePeersConnected.Dec()
			}
			if err := auditLog.LogBridgePeer(context.Background(), daemonID, up); err != nil {
				slogger.Warn("failed to write audit event", "daemon", daemonID, "error", err)
			}
		})
	}

	xprtCfg := transport.ServerConfig{
		ListenAddr:        cfg.Listen.Addr,
		AuthToken:         cfg.Listen.AuthToken,
		RequireClientCert: cfg.TLS.RequireClient,
		MetricsHandler:    observability.MetricsHandler(metrics.Registry),
		Tracer:            observability.NewTracer(10000, slogger),
	}
	if cfg.TLS.ServerCertFile != "" {
		serverTLS, err := tlsconfig.ServerConfig(tlsconfig.Config{
			CACertFile: cfg.TLS.CACertFile, ServerCertFile: cfg.TLS.ServerCertFile,
			ServerKeyFile: cfg.TLS.ServerKeyFile, RequireClientCert: cfg.TLS.RequireClient,
		})
		if err != nil {
			return nil, fmt.Errorf("init transport TLS: %w", err)
		}
		xprtCfg.TLSConfig = serverTLS
	}
	xprt := transport.NewServer(xprtCfg, rt, slogger)

	return &daemonStack{cfg: cfg, log: slogger, reg: reg, st: st, rt: rt, br: br, xprt: xprt, metrics: metrics}, nil
}

func newStore(cfg *config.Config) (router.Store, error) {
	switch cfg.Store.Backend {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.SQLite.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.Store.Postgres)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func newBridge(cfg *config.Config, slogger *slog.Logger, rt *router.Router) (*bridge.Bridge, error) {
	peers := make([]bridge.PeerConfig, 0, len(cfg.Bridge.Peers))
	for _, p := range cfg.Bridge.Peers {
		peers = append(peers, bridge.PeerConfig{DaemonID: p.DaemonID, Addr: p.Addr})
	}

	tc := tlsconfig.Config{
		CACertFile:        cfg.TLS.CACertFile,
		ServerCertFile:    cfg.TLS.ServerCertFile,
		ServerKeyFile:     cfg.TLS.ServerKeyFile,
		ClientCertFile:    cfg.TLS.ClientCertFile,
		ClientKeyFile:     cfg.TLS.ClientKeyFile,
		RequireClientCert: cfg.TLS.RequireClient,
	}

	bcfg := bridge.Config{
		SelfDaemonID:   cfg.Daemon.ID,
		SelfDaemonName: cfg.Daemon.Name,
		SelfMachineID:  cfg.Daemon.MachineID,
		ListenAddr:     cfg.Bridge.ListenAddr,
		Peers:          peers,
		RosterInterval: cfg.Bridge.RosterInterval,
		ForwardTimeout: cfg.Bridge.ForwardTimeout,
	}

	if cfg.TLS.CACertFile != "" {
		if bcfg.ListenAddr != "" {
			serverTLSConfig, err := tlsconfig.ServerConfig(tc)
			if err != nil {
				return nil, err
			}
			bcfg.TLSConfig = serverTLSConfig
		}
		clientTLSConfig, err := tlsconfig.ClientConfig(tc)
		if err != nil {
			return nil, err
		}
		bcfg.DialTLSConfig = clientTLSConfig
	}

	return bridge.New(bcfg, slogger, rt.LocalAgentNames), nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "relayd",
		Short:         "agentrelayd — local agent message-relay daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "Path to config.yaml (default ~/.agentrelayd/config.yaml)")
	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(
		newServeCmd(),
		newMCPCmd(),
		newAgentCmd(),
		newVersionCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	var withDashboard bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon: transport listener, bridge, and maintenance sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			level := "info"
			if flagDebug {
				level = "debug"
			}
			slogger := logger.New(logger.Options{Level: level})

			stack, err := newDaemonStack(cfg, slogger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go func() {
				sigCh := make(chan os.Signal, 1)
				signal.Notify(sigCh, os.Interrupt)
				<-sigCh
				slogger.Info("shutting down")
				cancel()
			}()

			sweeper := maintenance.NewSweeper(maintenance.DefaultConfig(), stack.reg, prunerOf(stack.st), slogger)
			go sweeper.Run(ctx)

			if stack.br != nil {
				go stack.br.Start(ctx)
			}

			startChatBridges(ctx, cfg, stack.rt, slogger)

			if withDashboard {
				go dashboard.Run(ctx, stack.reg, stack.rt)
			}

			slogger.Info("relay daemon listening", "addr", cfg.Listen.Addr, "store", cfg.Store.Backend)
			return stack.xprt.Start(ctx)
		},
	}

	cmd.Flags().BoolVar(&withDashboard, "dashboard", false, "Show the live roster dashboard in this terminal")
	return cmd
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP stdio server against an in-process router",
		RunE: func(cmd *cobra.Command, args []string) error {
			slogger := logger.New(logger.Options{Level: "warn"}) // stdout/in are the MCP channel; keep stderr quiet by default
			rt := router.NewRouter(router.DefaultConfig(), router.WithLogger(slogger))
			srv := mcpserver.NewServer(rt, slogger)
			return srv.Serve(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("agentrelayd %s\n", formatVersion())
			return nil
		},
	}
}

func prunerOf(s router.Store) store.Pruner {
	if p, ok := s.(store.Pruner); ok {
		return p
	}
	return nil
}
