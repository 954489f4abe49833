// Package telegrambridge bridges a linked Telegram chat into the
// router's user namespace using github.com/mymmrac/telego.
package telegrambridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoutil"

	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter"
	"github.com/freitascorp/agentrelayd/pkg/bus"
	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// Config configures one Telegram bot link.
type Config struct {
	BotToken string
	ChatID   int64
}

// Conn is one Telegram user's router.Connection.
type Conn struct {
	bridgeadapter.BaseConn
	chatID int64
	bot    *telego.Bot
	logger *slog.Logger
}

var _ router.Connection = (*Conn)(nil)

// NewConn builds a Conn for one Telegram user ID.
func NewConn(bot *telego.Bot, userID int64, chatID int64, logger *slog.Logger) *Conn {
	name := strconv.FormatInt(userID, 10)
	return &Conn{
		BaseConn: bridgeadapter.NewBaseConn(name, name, name, router.ConnectionMetadata{CLI: "telegram"}, nil),
		chatID:   chatID, bot: bot, logger: logger,
	}
}

// Send posts the DELIVER's body back into the linked Telegram chat.
func (c *Conn) Send(e envelope.Envelope) bool {
	if e.Payload == nil {
		return false
	}
	_, err := c.bot.SendMessage(context.Background(), telegoutil.Message(telego.ChatID{ID: c.chatID}, e.Payload.Body))
	if err != nil {
		c.logger.Warn("telegram post failed", "err", err, "to", c.AgentName())
		return false
	}
	return true
}

// Run drives the long-poll update loop and publishes InboundMessage
// for every incoming text message until ctx is cancelled.
func Run(ctx context.Context, cfg Config, mb *bus.MessageBus, logger *slog.Logger) error {
	bot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}

	updates, err := bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("telegram long polling: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.From == nil {
				continue
			}
			senderID := strconv.FormatInt(update.Message.From.ID, 10)
			mb.PublishInbound(bus.InboundMessage{
				Channel: "telegram", SenderID: senderID,
				ChatID:     strconv.FormatInt(update.Message.Chat.ID, 10),
				Content:    update.Message.Text,
				SessionKey: senderID,
			})
		}
	}
}
