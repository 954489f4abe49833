// Package tui provides terminal UI components for the relay daemon.
// agent_chat.go renders the reference CLI agent's chat-style REPL output:
// incoming DELIVERs, channel traffic, and shadow markers.
package tui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// ─── Color palette ──────────────────────────────────────────────────

var (
	colorBanner = lipgloss.Color("#FF6B6B")
	colorPeer   = lipgloss.Color("#87CEEB")
	colorSelf   = lipgloss.Color("#B8BB26")
	colorShadow = lipgloss.Color("#D3869B")
	colorBorder = lipgloss.Color("#504945")
	colorDim    = lipgloss.Color("#7C6F64")
	colorSubtle = lipgloss.Color("#928374")
	colorWarn   = lipgloss.Color("#FE8019")
	colorErr    = lipgloss.Color("#FB4934")
)

// ─── Styles ─────────────────────────────────────────────────────────

var (
	sBanner = lipgloss.NewStyle().Bold(true).Foreground(colorBanner)
	sPeer   = lipgloss.NewStyle().Bold(true).Foreground(colorPeer)
	sSelf   = lipgloss.NewStyle().Bold(true).Foreground(colorSelf)
	sShadow = lipgloss.NewStyle().Bold(true).Foreground(colorShadow)
	sDim    = lipgloss.NewStyle().Foreground(colorDim)
	sSub    = lipgloss.NewStyle().Foreground(colorSubtle)
	sWarn   = lipgloss.NewStyle().Bold(true).Foreground(colorWarn)
	sErr    = lipgloss.NewStyle().Bold(true).Foreground(colorErr)
	sBorder = lipgloss.NewStyle().Foreground(colorBorder)

	sChannelBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1).
			MarginLeft(2)
)

// ─── Terminal width ─────────────────────────────────────────────────

// TermWidth returns the current terminal width, defaulting to 80.
func TermWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func thinLine() string {
	return sBorder.Render(strings.Repeat("─", TermWidth()-1))
}

// ─── ChatRenderer ───────────────────────────────────────────────────

// ChatRenderer handles styled output for the reference CLI agent's REPL.
type ChatRenderer struct {
	md *glamour.TermRenderer
}

// NewChatRenderer creates a renderer with glamour markdown support for
// message bodies.
func NewChatRenderer() *ChatRenderer {
	w := TermWidth() - 6
	if w < 40 {
		w = 40
	}
	r, _ := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(w))
	return &ChatRenderer{md: r}
}

// ─── Banner ─────────────────────────────────────────────────────────

// RenderBanner returns the styled startup header shown when the REPL
// connects to the daemon.
func (c *ChatRenderer) RenderBanner(name, addr, sessionID string) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(thinLine())
	b.WriteString("\n\n  ")
	b.WriteString(sBanner.Render("agentrelayd"))
	b.WriteString(" ")
	b.WriteString(sDim.Render("reference agent"))
	b.WriteString("\n\n  ")
	b.WriteString(sDim.Render(fmt.Sprintf("name     %s", name)))
	b.WriteString("\n  ")
	b.WriteString(sDim.Render(fmt.Sprintf("daemon   %s", addr)))
	b.WriteString("\n  ")
	b.WriteString(sDim.Render(fmt.Sprintf("session  %s", sessionID)))
	b.WriteString("\n\n")
	b.WriteString(thinLine())
	b.WriteString("\n")
	b.WriteString(sDim.Render("  tip: /to <name> <msg> · /broadcast <msg> · /join <ch> · /ch <ch> <msg> · ctrl-d to quit"))
	b.WriteString("\n\n")
	return b.String()
}

func (c *ChatRenderer) renderBody(body string) string {
	if body == "" {
		return ""
	}
	if c.md != nil {
		if rendered, err := c.md.Render(body); err == nil {
			return strings.TrimRight(rendered, "\n")
		}
	}
	return body
}

// RenderDeliver formats an incoming DELIVER: sender, sequence, and the
// markdown-rendered body. Shadow copies are flagged inline.
func (c *ChatRenderer) RenderDeliver(from string, seq uint64, topic, body string, isShadowCopy bool, shadowOf string) string {
	ts := sDim.Render(time.Now().Format("15:04:05"))
	label := sPeer.Render(from)
	if isShadowCopy {
		label = sShadow.Render(fmt.Sprintf("%s (shadow of %s)", from, shadowOf))
	}
	meta := sSub.Render(fmt.Sprintf("seq=%d", seq))
	if topic != "" {
		meta = sSub.Render(fmt.Sprintf("seq=%d topic=%s", seq, topic))
	}
	return fmt.Sprintf("\n%s %s %s\n%s\n", label, ts, meta, c.renderBody(body))
}

// RenderChannelMessage formats an incoming CHANNEL_MESSAGE.
func (c *ChatRenderer) RenderChannelMessage(channel, from, body string) string {
	ts := sDim.Render(time.Now().Format("15:04:05"))
	label := sPeer.Render(fmt.Sprintf("#%s  %s", channel, from))
	return fmt.Sprintf("\n%s %s\n%s\n", label, ts, sChannelBox.Render(c.renderBody(body)))
}

// RenderChannelNotice formats a server-originated CHANNEL_JOIN/LEAVE
// notification about another member.
func (c *ChatRenderer) RenderChannelNotice(channel, who string, joined bool) string {
	verb := "left"
	if joined {
		verb = "joined"
	}
	return sSub.Render(fmt.Sprintf("  · %s %s #%s", who, verb, channel))
}

// RenderSent formats the local echo for a message this REPL just sent.
func (c *ChatRenderer) RenderSent(to string) string {
	ts := sDim.Render(time.Now().Format("15:04:05"))
	return fmt.Sprintf("%s %s %s\n", sSelf.Render("❯ you"), sDim.Render("→"+to), ts)
}

// RenderAckSent formats the local confirmation that an ACK went out for
// a received DELIVER.
func (c *ChatRenderer) RenderAckSent(ackID string, seq uint64) string {
	return sDim.Render(fmt.Sprintf("  ✓ acked %s seq=%d", ackID, seq))
}

// RenderError formats an error message.
func (c *ChatRenderer) RenderError(msg string) string {
	return sErr.Render("  ✗ " + msg)
}

// RenderWarn formats a warning message.
func (c *ChatRenderer) RenderWarn(msg string) string {
	return sWarn.Render("  ! " + msg)
}

// RenderDivider returns a subtle horizontal rule.
func (c *ChatRenderer) RenderDivider() string {
	return thinLine()
}

// RenderGoodbye formats the exit message.
func (c *ChatRenderer) RenderGoodbye() string {
	return "\n" + sDim.Render("  disconnected") + "\n\n"
}
