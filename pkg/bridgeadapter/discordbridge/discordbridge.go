// Package discordbridge bridges a linked Discord channel into the
// router's user namespace using github.com/bwmarrin/discordgo.
package discordbridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter"
	"github.com/freitascorp/agentrelayd/pkg/bus"
	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// Config configures one Discord bot link.
type Config struct {
	BotToken string
	ChatID   string // channel ID DELIVERs are posted into
}

// Conn is one Discord user's router.Connection.
type Conn struct {
	bridgeadapter.BaseConn
	chatID string
	sess   *discordgo.Session
	logger *slog.Logger
}

var _ router.Connection = (*Conn)(nil)

// NewConn builds a Conn for one Discord user ID.
func NewConn(sess *discordgo.Session, userID, chatID string, logger *slog.Logger) *Conn {
	return &Conn{
		BaseConn: bridgeadapter.NewBaseConn(userID, userID, userID, router.ConnectionMetadata{CLI: "discord"}, nil),
		chatID:   chatID, sess: sess, logger: logger,
	}
}

// Send posts the DELIVER's body back into the linked Discord channel.
func (c *Conn) Send(e envelope.Envelope) bool {
	if e.Payload == nil {
		return false
	}
	if _, err := c.sess.ChannelMessageSend(c.chatID, e.Payload.Body); err != nil {
		c.logger.Warn("discord post failed", "err", err, "to", c.AgentName())
		return false
	}
	return true
}

// Run opens the gateway session and publishes InboundMessage for every
// non-bot message until ctx is cancelled.
func Run(ctx context.Context, cfg Config, mb *bus.MessageBus, logger *slog.Logger) error {
	sess, err := discordgo.New("Bot " + cfg.BotToken)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages

	sess.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		mb.PublishInbound(bus.InboundMessage{
			Channel: "discord", SenderID: m.Author.ID, ChatID: m.ChannelID,
			Content: m.Content, SessionKey: m.Author.ID,
		})
	})

	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord gateway open: %w", err)
	}
	defer sess.Close()

	<-ctx.Done()
	return nil
}
