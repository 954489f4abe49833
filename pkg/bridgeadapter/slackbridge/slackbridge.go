// Package slackbridge bridges a linked Slack channel into the router's
// user namespace: each distinct Slack user who posts becomes a
// router.Connection, SENDs originate from socket-mode message events,
// and DELIVERs addressed back to that user are posted via
// chat.postMessage.
package slackbridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter"
	"github.com/freitascorp/agentrelayd/pkg/bus"
	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// Config configures one Slack workspace link.
type Config struct {
	BotToken string // xoxb-...
	AppToken string // xapp-... (socket mode)
	ChatID   string // the linked channel ID DELIVERs are posted into
}

// Conn is one Slack user's router.Connection; Send posts DELIVERs into
// the linked channel through the Slack Web API.
type Conn struct {
	bridgeadapter.BaseConn
	chatID string
	api    *slack.Client
	logger *slog.Logger
}

var _ router.Connection = (*Conn)(nil)

// NewConn builds a Conn for one Slack user ID.
func NewConn(api *slack.Client, userID, chatID string, logger *slog.Logger) *Conn {
	return &Conn{
		BaseConn: bridgeadapter.NewBaseConn(userID, userID, userID, router.ConnectionMetadata{CLI: "slack"}, nil),
		chatID:   chatID, api: api, logger: logger,
	}
}

// Send posts the DELIVER's body back into the linked Slack channel.
func (c *Conn) Send(e envelope.Envelope) bool {
	if e.Payload == nil {
		return false
	}
	_, _, err := c.api.PostMessage(c.chatID, slack.MsgOptionText(e.Payload.Body, false))
	if err != nil {
		c.logger.Warn("slack post failed", "err", err, "to", c.AgentName())
		return false
	}
	return true
}

// Run drives the socket-mode event loop, publishing InboundMessage for
// every channel message until ctx is cancelled.
func Run(ctx context.Context, cfg Config, mb *bus.MessageBus, logger *slog.Logger) error {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	client := socketmode.New(api)

	go func() {
		for evt := range client.Events {
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			outer, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if inner, ok := outer.InnerEvent.Data.(*slackevents.MessageEvent); ok && inner.BotID == "" {
				mb.PublishInbound(bus.InboundMessage{
					Channel: "slack", SenderID: inner.User, ChatID: inner.Channel,
					Content: inner.Text, SessionKey: inner.User,
				})
			}
			if evt.Request != nil {
				client.Ack(*evt.Request)
			}
		}
	}()

	if err := client.RunContext(ctx); err != nil {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	return nil
}
