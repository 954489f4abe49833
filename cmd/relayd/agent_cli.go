package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/freitascorp/agentrelayd/pkg/envelope"
	"github.com/freitascorp/agentrelayd/pkg/router"
	"github.com/freitascorp/agentrelayd/pkg/tui"
)

// agentHelloMessage mirrors transport.helloMessage, which is unexported
// and lives in a different package — the wire shape is the contract, not
// the Go type, so the reference agent declares its own copy.
type agentHelloMessage struct {
	Type       string                    `json:"type"`
	Name       string                    `json:"name"`
	EntityType router.EntityType         `json:"entityType,omitempty"`
	SessionID  string                    `json:"sessionId"`
	Metadata   router.ConnectionMetadata `json:"metadata,omitempty"`
}

type agentHelloAck struct {
	Type string `json:"type"`
}

func newAgentCmd() *cobra.Command {
	var (
		name string
		addr string
		auth string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Connect an interactive readline REPL to a relay daemon as a named agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return runAgentREPL(cmd.Context(), name, addr, auth)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Agent name to register as (required)")
	cmd.Flags().StringVar(&addr, "addr", "ws://127.0.0.1:7190/relay/connect", "Relay daemon WebSocket address")
	cmd.Flags().StringVar(&auth, "token", "", "Bearer token, if the daemon requires one")
	return cmd
}

func runAgentREPL(ctx context.Context, name, addr, token string) error {
	renderer := tui.NewChatRenderer()

	dialOpts := &websocket.DialOptions{}
	if token != "" {
		dialOpts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + token}}
	}

	conn, _, err := websocket.Dial(ctx, addr, dialOpts)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sessionID := name + "-" + uuid.NewString()[:8]
	hello := agentHelloMessage{
		Type: "hello", Name: name, EntityType: router.EntityAgent, SessionID: sessionID,
		Metadata: router.ConnectionMetadata{CLI: "relayd agent", Program: "relayd"},
	}
	if err := wsjson.Write(ctx, conn, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	var ack agentHelloAck
	if err := wsjson.Read(ctx, conn, &ack); err != nil || ack.Type != "hello_ack" {
		return fmt.Errorf("hello handshake failed: %w", err)
	}

	fmt.Print(renderer.RenderBanner(name, addr, sessionID))

	rl, err := readline.New(fmt.Sprintf("%s> ", name))
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go receiveLoop(recvCtx, conn, name, renderer, rl)

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := dispatchAgentLine(ctx, conn, name, line, renderer); err != nil {
			fmt.Print(renderer.RenderError(err.Error()))
		}
	}

	fmt.Print(renderer.RenderGoodbye())
	return nil
}

// dispatchAgentLine parses one REPL line into an outbound envelope and
// writes it to conn. Supported forms:
//
//	/to <name> <msg>       SEND to a single agent
//	/broadcast <msg>       SEND to envelope.Broadcast
//	/join <channel>        CHANNEL_JOIN
//	/leave <channel>       CHANNEL_LEAVE
//	/ch <channel> <msg>    CHANNEL_MESSAGE
func dispatchAgentLine(ctx context.Context, conn *websocket.Conn, from, line string, renderer *tui.ChatRenderer) error {
	switch {
	case strings.HasPrefix(line, "/to "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/to "))
		to, body, ok := strings.Cut(rest, " ")
		if !ok || to == "" || body == "" {
			return fmt.Errorf("usage: /to <name> <msg>")
		}
		e := envelope.NewSend(uuid.NewString(), from, to, "", envelope.Payload{Kind: envelope.PayloadMessage, Body: body})
		if err := wsjson.Write(ctx, conn, e); err != nil {
			return err
		}
		fmt.Print(renderer.RenderSent(to))
		return nil

	case strings.HasPrefix(line, "/broadcast "):
		body := strings.TrimSpace(strings.TrimPrefix(line, "/broadcast "))
		if body == "" {
			return fmt.Errorf("usage: /broadcast <msg>")
		}
		e := envelope.NewSend(uuid.NewString(), from, envelope.Broadcast, "", envelope.Payload{Kind: envelope.PayloadMessage, Body: body})
		if err := wsjson.Write(ctx, conn, e); err != nil {
			return err
		}
		fmt.Print(renderer.RenderSent(envelope.Broadcast))
		return nil

	case strings.HasPrefix(line, "/join "):
		ch := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
		if ch == "" {
			return fmt.Errorf("usage: /join <channel>")
		}
		return wsjson.Write(ctx, conn, envelope.NewChannelJoin(uuid.NewString(), from, ch))

	case strings.HasPrefix(line, "/leave "):
		ch := strings.TrimSpace(strings.TrimPrefix(line, "/leave "))
		if ch == "" {
			return fmt.Errorf("usage: /leave <channel>")
		}
		return wsjson.Write(ctx, conn, envelope.NewChannelLeave(uuid.NewString(), from, ch))

	case strings.HasPrefix(line, "/ch "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/ch "))
		ch, body, ok := strings.Cut(rest, " ")
		if !ok || ch == "" || body == "" {
			return fmt.Errorf("usage: /ch <channel> <msg>")
		}
		e := envelope.NewChannelMessage(uuid.NewString(), from, envelope.ChannelPayload{Channel: ch, Body: body})
		return wsjson.Write(ctx, conn, e)

	default:
		return fmt.Errorf("unrecognized command (try /to, /broadcast, /join, /leave, /ch)")
	}
}

// receiveLoop reads incoming frames until ctx is cancelled or the socket
// closes, rendering each and acking DELIVERs as they arrive.
func receiveLoop(ctx context.Context, conn *websocket.Conn, self string, renderer *tui.ChatRenderer, rl *readline.Instance) {
	for {
		var e envelope.Envelope
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			if ctx.Err() == nil {
				fmt.Print(renderer.RenderError(fmt.Sprintf("connection lost: %v", err)))
				rl.Clean()
			}
			return
		}

		switch e.Type {
		case envelope.KindDeliver:
			if e.Payload == nil || e.Delivery == nil {
				continue
			}
			shadowOf, _ := e.Payload.Data["_shadowOf"].(string)
			fmt.Print(renderer.RenderDeliver(e.From, e.Delivery.Seq, e.Topic, e.Payload.Body, shadowOf != "", shadowOf))

			ackCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(ackCtx, conn, envelope.NewAck(uuid.NewString(), self, e.ID, e.Delivery.Seq))
			cancel()
			if err == nil {
				fmt.Print(renderer.RenderAckSent(e.ID, e.Delivery.Seq))
			}

		case envelope.KindChannelMessage:
			if e.Channel == nil {
				continue
			}
			fmt.Print(renderer.RenderChannelMessage(e.Channel.Channel, e.From, e.Channel.Body))

		case envelope.KindChannelJoin:
			if e.Channel == nil || e.From == self {
				continue
			}
			fmt.Println(renderer.RenderChannelNotice(e.Channel.Channel, e.From, true))

		case envelope.KindChannelLeave:
			if e.Channel == nil || e.From == self {
				continue
			}
			fmt.Println(renderer.RenderChannelNotice(e.Channel.Channel, e.From, false))
		}

		rl.Refresh()
	}
}
