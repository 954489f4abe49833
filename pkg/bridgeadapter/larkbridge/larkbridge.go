// Package larkbridge bridges a linked Lark/Feishu chat into the
// router's user namespace using github.com/larksuite/oapi-sdk-go/v3,
// driven by the SDK's long-connection event dispatcher rather than a
// public webhook endpoint.
package larkbridge

import (
	"context"
	"fmt"
	"log/slog"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter"
	"github.com/freitascorp/agentrelayd/pkg/bus"
	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// Config configures one Lark app link.
type Config struct {
	AppID     string
	AppSecret string
	ChatID    string
}

// Conn is one Lark user's router.Connection.
type Conn struct {
	bridgeadapter.BaseConn
	chatID string
	client *lark.Client
	logger *slog.Logger
}

var _ router.Connection = (*Conn)(nil)

// NewConn builds a Conn for one Lark user open_id.
func NewConn(client *lark.Client, userID, chatID string, logger *slog.Logger) *Conn {
	return &Conn{
		BaseConn: bridgeadapter.NewBaseConn(userID, userID, userID, router.ConnectionMetadata{CLI: "lark"}, nil),
		chatID:   chatID, client: client, logger: logger,
	}
}

// Send posts the DELIVER's body back into the linked Lark chat.
func (c *Conn) Send(e envelope.Envelope) bool {
	if e.Payload == nil {
		return false
	}
	content := larkim.NewTextMsgBuilder().Text(e.Payload.Body).Build()
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(c.chatID).MsgType("text").Content(content).Build()).
		Build()
	resp, err := c.client.Im.Message.Create(context.Background(), req)
	if err != nil || !resp.Success() {
		c.logger.Warn("lark post failed", "err", err, "to", c.AgentName())
		return false
	}
	return true
}

// Run opens the long-connection event dispatcher and publishes
// InboundMessage for every received im.message.receive_v1 event until
// ctx is cancelled.
func Run(ctx context.Context, cfg Config, mb *bus.MessageBus, logger *slog.Logger) error {
	// Confirm the app credential works before opening the long
	// connection; Lark's tenant_access_token endpoint is a standard
	// OAuth2 client-credentials grant.
	if _, err := bridgeadapter.ClientCredentialsToken(ctx,
		"https://open.larksuite.com/open-apis/auth/v3/tenant_access_token/internal",
		cfg.AppID, cfg.AppSecret, nil); err != nil {
		logger.Warn("lark credential preflight failed, continuing anyway", "err", err)
	}

	dispatcher := larkevent.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
			msg := event.Event.Message
			sender := event.Event.Sender
			if msg == nil || sender == nil || sender.SenderId == nil {
				return nil
			}
			mb.PublishInbound(bus.InboundMessage{
				Channel: "lark", SenderID: *sender.SenderId.OpenId,
				ChatID: *msg.ChatId, Content: *msg.Content, SessionKey: *sender.SenderId.OpenId,
			})
			return nil
		})

	cli := larkws.NewClient(cfg.AppID, cfg.AppSecret, larkws.WithEventHandler(dispatcher))
	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("lark ws client: %w", err)
	}
	return nil
}
