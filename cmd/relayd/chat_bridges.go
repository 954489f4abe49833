package main

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	"github.com/mymmrac/telego"
	"github.com/slack-go/slack"
	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/token"

	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter/dingtalkbridge"
	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter/discordbridge"
	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter/larkbridge"
	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter/slackbridge"
	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter/telegrambridge"
	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter/wecombridge"
	"github.com/freitascorp/agentrelayd/pkg/bus"
	"github.com/freitascorp/agentrelayd/pkg/chatchannel"
	"github.com/freitascorp/agentrelayd/pkg/config"
	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// startChatBridges launches one event loop + message bus per enabled
// chat platform and pumps each platform's inbound messages into rt as
// SENDs from a user-namespace connection. Posting DELIVERs back is the
// per-platform Conn's job, so the pump only handles the inbound half.
func startChatBridges(ctx context.Context, cfg *config.Config, rt *router.Router, slogger *slog.Logger) {
	c := cfg.Chat

	if c.Slack.Enabled {
		api := slack.New(c.Slack.BotToken, slack.OptionAppLevelToken(c.Slack.AppToken))
		conns := map[string]*slackbridge.Conn{}
		launchBridge(ctx, rt, slogger, "slack", c.DefaultTo,
			func(ctx context.Context, mb *bus.MessageBus) error {
				return slackbridge.Run(ctx, slackbridge.Config{
					BotToken: c.Slack.BotToken, AppToken: c.Slack.AppToken, ChatID: c.Slack.ChatID,
				}, mb, slogger)
			},
			func(msg bus.InboundMessage) router.Connection {
				cn, ok := conns[msg.SenderID]
				if !ok {
					cn = slackbridge.NewConn(api, msg.SenderID, c.Slack.ChatID, slogger)
					conns[msg.SenderID] = cn
				}
				return cn
			})
	}

	if c.Discord.Enabled {
		sess, err := discordgo.New("Bot " + c.Discord.BotToken)
		if err != nil {
			slogger.Error("discord bridge disabled: bad token", "err", err)
		} else {
			conns := map[string]*discordbridge.Conn{}
			launchBridge(ctx, rt, slogger, "discord", c.DefaultTo,
				func(ctx context.Context, mb *bus.MessageBus) error {
					return discordbridge.Run(ctx, discordbridge.Config{
						BotToken: c.Discord.BotToken, ChatID: c.Discord.ChatID,
					}, mb, slogger)
				},
				func(msg bus.InboundMessage) router.Connection {
					cn, ok := conns[msg.SenderID]
					if !ok {
						cn = discordbridge.NewConn(sess, msg.SenderID, c.Discord.ChatID, slogger)
						conns[msg.SenderID] = cn
					}
					return cn
				})
		}
	}

	if c.Telegram.Enabled {
		bot, err := telego.NewBot(c.Telegram.BotToken)
		if err != nil {
			slogger.Error("telegram bridge disabled: bad token", "err", err)
		} else {
			conns := map[string]*telegrambridge.Conn{}
			launchBridge(ctx, rt, slogger, "telegram", c.DefaultTo,
				func(ctx context.Context, mb *bus.MessageBus) error {
					return telegrambridge.Run(ctx, telegrambridge.Config{
						BotToken: c.Telegram.BotToken, ChatID: c.Telegram.ChatID,
					}, mb, slogger)
				},
				func(msg bus.InboundMessage) router.Connection {
					cn, ok := conns[msg.SenderID]
					if !ok {
						userID, err := strconv.ParseInt(msg.SenderID, 10, 64)
						if err != nil {
							return nil
						}
						cn = telegrambridge.NewConn(bot, userID, c.Telegram.ChatID, slogger)
						conns[msg.SenderID] = cn
					}
					return cn
				})
		}
	}

	if c.Lark.Enabled {
		client := lark.NewClient(c.Lark.AppID, c.Lark.AppSecret)
		conns := map[string]*larkbridge.Conn{}
		launchBridge(ctx, rt, slogger, "lark", c.DefaultTo,
			func(ctx context.Context, mb *bus.MessageBus) error {
				return larkbridge.Run(ctx, larkbridge.Config{
					AppID: c.Lark.AppID, AppSecret: c.Lark.AppSecret, ChatID: c.Lark.ChatID,
				}, mb, slogger)
			},
			func(msg bus.InboundMessage) router.Connection {
				cn, ok := conns[msg.SenderID]
				if !ok {
					cn = larkbridge.NewConn(client, msg.SenderID, c.Lark.ChatID, slogger)
					conns[msg.SenderID] = cn
				}
				return cn
			})
	}

	if c.DingTalk.Enabled {
		conns := map[string]*dingtalkbridge.Conn{}
		launchBridge(ctx, rt, slogger, "dingtalk", c.DefaultTo,
			func(ctx context.Context, mb *bus.MessageBus) error {
				return dingtalkbridge.Run(ctx, dingtalkbridge.Config{
					ClientID: c.DingTalk.ClientID, ClientSecret: c.DingTalk.ClientSecret,
				}, mb, slogger)
			},
			func(msg bus.InboundMessage) router.Connection {
				cn, ok := conns[msg.SenderID]
				if !ok {
					cn = dingtalkbridge.NewConn(msg.SenderID, msg.Metadata["session_webhook"], slogger)
					conns[msg.SenderID] = cn
				}
				cn.SetSessionURL(msg.Metadata["session_webhook"])
				return cn
			})
	}

	if c.WeCom.Enabled {
		tk := token.New(&token.Config{AppID: c.WeCom.AppID, Secret: c.WeCom.AppSecret})
		api := botgo.NewOpenAPI(c.WeCom.AppID, tk)
		conns := map[string]*wecombridge.Conn{}
		launchBridge(ctx, rt, slogger, "wecom", c.DefaultTo,
			func(ctx context.Context, mb *bus.MessageBus) error {
				return wecombridge.Run(ctx, wecombridge.Config{
					AppID: c.WeCom.AppID, AppSecret: c.WeCom.AppSecret, ChatID: c.WeCom.ChatID,
				}, mb, slogger)
			},
			func(msg bus.InboundMessage) router.Connection {
				cn, ok := conns[msg.SenderID]
				if !ok {
					cn = wecombridge.NewConn(api, msg.SenderID, c.WeCom.ChatID, slogger)
					conns[msg.SenderID] = cn
				}
				return cn
			})
	}
}

// launchBridge starts one platform's event loop and the pump draining
// its bus into the router. connFor owns the per-sender connection
// cache; it runs only on the pump goroutine, so no locking is needed
// around the cache itself.
func launchBridge(ctx context.Context, rt *router.Router, slogger *slog.Logger,
	platform, defaultTo string,
	run func(context.Context, *bus.MessageBus) error,
	connFor func(bus.InboundMessage) router.Connection,
) {
	mb := bus.NewMessageBus()
	mb.RegisterHandler(platform, func(msg bus.InboundMessage) error {
		conn := connFor(msg)
		if conn == nil {
			slogger.Warn("chat bridge message dropped: no connection", "platform", platform, "sender", msg.SenderID)
			return nil
		}
		rt.Register(conn)

		to, body := parseDirected(msg.Content, defaultTo)
		if to == "" {
			slogger.Warn("chat bridge message dropped: no recipient", "platform", platform, "sender", msg.SenderID)
			return nil
		}
		e := envelope.NewSend(uuid.NewString(), conn.AgentName(), to, "", envelope.Payload{
			Kind: envelope.PayloadMessage, Body: body,
		})
		rt.HandleSend(conn.ID(), e)
		return nil
	})

	go func() {
		if err := run(ctx, mb); err != nil {
			slogger.Error("chat bridge stopped", "platform", platform, "err", err)
		}
		mb.Close()
	}()

	go func() {
		for {
			msg, ok := mb.ConsumeInbound(ctx)
			if !ok {
				return
			}
			// Internal surfaces (cli/system/subagent) publish on the bus
			// in-process and never round-trip through a platform pump.
			if chatchannel.IsInternalChannel(msg.Channel) {
				continue
			}
			h, ok := mb.GetHandler(msg.Channel)
			if !ok {
				continue
			}
			if err := h(msg); err != nil {
				slogger.Warn("chat bridge handler failed", "platform", platform, "err", err)
			}
		}
	}()
}

// parseDirected splits "@name rest of message" into its recipient and
// body, falling back to defaultTo for an unaddressed message.
func parseDirected(content, defaultTo string) (to, body string) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "@") {
		if idx := strings.IndexAny(trimmed, " \t"); idx > 1 {
			return trimmed[1:idx], strings.TrimSpace(trimmed[idx+1:])
		}
		if len(trimmed) > 1 {
			return trimmed[1:], ""
		}
	}
	return defaultTo, trimmed
}
