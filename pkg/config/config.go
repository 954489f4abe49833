// Package config loads the daemon's configuration from a YAML file
// with environment-variable overrides (`env:"..."` on every scalar field
// except the bridge peer list's, which is read from the file only),
// collected into one top-level struct for the whole daemon.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/freitascorp/agentrelayd/pkg/store"
)

// Config is the top-level daemon configuration.
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Listen   ListenConfig   `yaml:"listen"`
	Store    StoreConfig    `yaml:"store"`
	TLS      TLSConfig      `yaml:"tls"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Router   RouterConfig   `yaml:"router"`
	RBAC     RBACConfig     `yaml:"rbac"`
	Chat     ChatConfig     `yaml:"chat"`
}

// ChatConfig wires external chat platforms into the user namespace.
// Each enabled platform runs its own event loop and message bus.
type ChatConfig struct {
	// DefaultTo is the agent a bridged chat message is delivered to
	// when the message doesn't open with "@name". Empty means
	// unaddressed messages are dropped (logged).
	DefaultTo string         `yaml:"default_to" env:"AGENTRELAYD_CHAT_DEFAULT_TO"`
	Slack     SlackConfig    `yaml:"slack"`
	Discord   DiscordConfig  `yaml:"discord"`
	Telegram  TelegramConfig `yaml:"telegram"`
	Lark      LarkConfig     `yaml:"lark"`
	DingTalk  DingTalkConfig `yaml:"dingtalk"`
	WeCom     WeComConfig    `yaml:"wecom"`
}

type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"   env:"AGENTRELAYD_SLACK_ENABLED"`
	BotToken string `yaml:"bot_token" env:"AGENTRELAYD_SLACK_BOT_TOKEN"`
	AppToken string `yaml:"app_token" env:"AGENTRELAYD_SLACK_APP_TOKEN"`
	ChatID   string `yaml:"chat_id"   env:"AGENTRELAYD_SLACK_CHAT_ID"`
}

type DiscordConfig struct {
	Enabled  bool   `yaml:"enabled"   env:"AGENTRELAYD_DISCORD_ENABLED"`
	BotToken string `yaml:"bot_token" env:"AGENTRELAYD_DISCORD_BOT_TOKEN"`
	ChatID   string `yaml:"chat_id"   env:"AGENTRELAYD_DISCORD_CHAT_ID"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"   env:"AGENTRELAYD_TELEGRAM_ENABLED"`
	BotToken string `yaml:"bot_token" env:"AGENTRELAYD_TELEGRAM_BOT_TOKEN"`
	ChatID   int64  `yaml:"chat_id"   env:"AGENTRELAYD_TELEGRAM_CHAT_ID"`
}

type LarkConfig struct {
	Enabled   bool   `yaml:"enabled"    env:"AGENTRELAYD_LARK_ENABLED"`
	AppID     string `yaml:"app_id"     env:"AGENTRELAYD_LARK_APP_ID"`
	AppSecret string `yaml:"app_secret" env:"AGENTRELAYD_LARK_APP_SECRET"`
	ChatID    string `yaml:"chat_id"    env:"AGENTRELAYD_LARK_CHAT_ID"`
}

type DingTalkConfig struct {
	Enabled      bool   `yaml:"enabled"       env:"AGENTRELAYD_DINGTALK_ENABLED"`
	ClientID     string `yaml:"client_id"     env:"AGENTRELAYD_DINGTALK_CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"AGENTRELAYD_DINGTALK_CLIENT_SECRET"`
}

type WeComConfig struct {
	Enabled   bool   `yaml:"enabled"    env:"AGENTRELAYD_WECOM_ENABLED"`
	AppID     string `yaml:"app_id"     env:"AGENTRELAYD_WECOM_APP_ID"`
	AppSecret string `yaml:"app_secret" env:"AGENTRELAYD_WECOM_APP_SECRET"`
	ChatID    string `yaml:"chat_id"    env:"AGENTRELAYD_WECOM_CHAT_ID"`
}

// RBACConfig toggles the per-channel join policy. Disabled by
// default: every name may join every channel.
type RBACConfig struct {
	Enabled bool `yaml:"enabled" env:"AGENTRELAYD_RBAC_ENABLED"`
}

// DaemonConfig names this daemon within its cross-machine roster.
type DaemonConfig struct {
	ID        string `yaml:"id"         env:"AGENTRELAYD_DAEMON_ID"`
	Name      string `yaml:"name"       env:"AGENTRELAYD_DAEMON_NAME"`
	MachineID string `yaml:"machine_id" env:"AGENTRELAYD_MACHINE_ID"`
}

// ListenConfig configures the client-facing transport.
type ListenConfig struct {
	Addr      string `yaml:"addr"       env:"AGENTRELAYD_LISTEN_ADDR"`
	AuthToken string `yaml:"auth_token" env:"AGENTRELAYD_AUTH_TOKEN"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend  string               `yaml:"backend" env:"AGENTRELAYD_STORE_BACKEND"` // "memory", "sqlite", "postgres"
	SQLite   SQLiteConfig         `yaml:"sqlite"`
	Postgres store.PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"AGENTRELAYD_SQLITE_PATH"`
}

// TLSConfig names certificate/key files for the client transport and
// the cross-machine bridge. Empty fields disable TLS for that surface.
type TLSConfig struct {
	CACertFile     string `yaml:"ca_cert"     env:"AGENTRELAYD_TLS_CA_CERT"`
	ServerCertFile string `yaml:"server_cert" env:"AGENTRELAYD_TLS_SERVER_CERT"`
	ServerKeyFile  string `yaml:"server_key"  env:"AGENTRELAYD_TLS_SERVER_KEY"`
	ClientCertFile string `yaml:"client_cert" env:"AGENTRELAYD_TLS_CLIENT_CERT"`
	ClientKeyFile  string `yaml:"client_key"  env:"AGENTRELAYD_TLS_CLIENT_KEY"`
	RequireClient  bool   `yaml:"require_client_cert" env:"AGENTRELAYD_TLS_REQUIRE_CLIENT_CERT"`
}

// BridgeConfig configures the daemon-to-daemon cross-machine link.
type BridgeConfig struct {
	ListenAddr     string            `yaml:"listen_addr"     env:"AGENTRELAYD_BRIDGE_LISTEN_ADDR"`
	Peers          []BridgePeer      `yaml:"peers"`
	RosterInterval time.Duration     `yaml:"roster_interval" env:"AGENTRELAYD_BRIDGE_ROSTER_INTERVAL"`
	ForwardTimeout time.Duration     `yaml:"forward_timeout" env:"AGENTRELAYD_BRIDGE_FORWARD_TIMEOUT"`
}

// BridgePeer names one peer daemon this bridge dials outbound.
type BridgePeer struct {
	DaemonID string `yaml:"daemon_id"`
	Addr     string `yaml:"addr"`
}

// RouterConfig carries the router's own reliability tunables.
type RouterConfig struct {
	AckTimeout        time.Duration `yaml:"ack_timeout"        env:"AGENTRELAYD_ACK_TIMEOUT"`
	MaxAttempts       int           `yaml:"max_attempts"       env:"AGENTRELAYD_MAX_ATTEMPTS"`
	DeliveryTTL       time.Duration `yaml:"delivery_ttl"       env:"AGENTRELAYD_DELIVERY_TTL"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout" env:"AGENTRELAYD_PROCESSING_TIMEOUT"`
}

// Load reads path (if it exists) as YAML, then applies environment
// overrides on top via struct `env` tags. A missing path is not an
// error: the daemon falls back to an all-default, env-only config.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(cfg)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	cfg.Listen.Addr = ":7190"
	cfg.Store.Backend = "sqlite"
	cfg.Store.SQLite.Path = "agentrelayd.db"
	cfg.Bridge.RosterInterval = 10 * time.Second
	cfg.Bridge.ForwardTimeout = 10 * time.Second
	cfg.Router.AckTimeout = 5 * time.Second
	cfg.Router.MaxAttempts = 5
	cfg.Router.DeliveryTTL = 60 * time.Second
	cfg.Router.ProcessingTimeout = 30 * time.Second
}
