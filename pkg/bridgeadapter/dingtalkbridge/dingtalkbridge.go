// Package dingtalkbridge bridges a linked DingTalk chat into the
// router's user namespace using
// github.com/open-dingtalk/dingtalk-stream-sdk-go's stream client.
package dingtalkbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	dingclient "github.com/open-dingtalk/dingtalk-stream-sdk-go/client"
	dingchatbot "github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"

	"github.com/freitascorp/agentrelayd/pkg/bridgeadapter"
	"github.com/freitascorp/agentrelayd/pkg/bus"
	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
)

// Config configures one DingTalk stream app link.
type Config struct {
	ClientID     string
	ClientSecret string
}

// Conn is one DingTalk user's router.Connection. Replies are posted
// through the chatbot reply webhook carried on each inbound event
// rather than a standing chat ID, so SetSessionURL stores the most
// recent reply URL per user and Send posts to it.
type Conn struct {
	bridgeadapter.BaseConn
	logger *slog.Logger

	urlMu      sync.Mutex
	sessionURL string
}

var _ router.Connection = (*Conn)(nil)

// NewConn builds a Conn for one DingTalk user ID.
func NewConn(userID, sessionWebhookURL string, logger *slog.Logger) *Conn {
	return &Conn{
		BaseConn:   bridgeadapter.NewBaseConn(userID, userID, userID, router.ConnectionMetadata{CLI: "dingtalk"}, nil),
		logger:     logger,
		sessionURL: sessionWebhookURL,
	}
}

// SetSessionURL records the reply webhook carried on the user's most
// recent inbound event. DingTalk has no standing chat ID to post into;
// replies only work through this per-event URL while it's valid.
func (c *Conn) SetSessionURL(url string) {
	if url == "" {
		return
	}
	c.urlMu.Lock()
	c.sessionURL = url
	c.urlMu.Unlock()
}

// Send posts the DELIVER's body back via the stored session webhook.
func (c *Conn) Send(e envelope.Envelope) bool {
	c.urlMu.Lock()
	url := c.sessionURL
	c.urlMu.Unlock()
	if e.Payload == nil || url == "" {
		return false
	}
	replier := dingchatbot.NewChatbotReplier()
	if err := replier.SimpleReplyText(context.Background(), url, []byte(e.Payload.Body)); err != nil {
		c.logger.Warn("dingtalk reply failed", "err", err, "to", c.AgentName())
		return false
	}
	return true
}

// Run opens the stream client and publishes InboundMessage for every
// chatbot message callback until ctx is cancelled.
func Run(ctx context.Context, cfg Config, mb *bus.MessageBus, logger *slog.Logger) error {
	cli := dingclient.NewStreamClient(
		dingclient.WithAppCredential(dingclient.NewAppCredentialConfig(cfg.ClientID, cfg.ClientSecret)),
		dingclient.WithUserAgent(dingclient.NewDingtalkGoSDKUserAgent()),
	)

	cli.RegisterChatBotCallbackRouter(func(ctx context.Context, data *dingchatbot.BotCallbackDataModel) ([]byte, error) {
		mb.PublishInbound(bus.InboundMessage{
			Channel: "dingtalk", SenderID: data.SenderStaffId, ChatID: data.ConversationId,
			Content: data.Text.Content, SessionKey: data.SenderStaffId,
			Metadata: map[string]string{"session_webhook": data.SessionWebhook},
		})
		return []byte(""), nil
	})

	errCh := make(chan error, 1)
	go func() {
		if err := cli.Start(ctx); err != nil {
			errCh <- fmt.Errorf("dingtalk stream client: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
