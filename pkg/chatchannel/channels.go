// Package chatchannel classifies the origin of a user-namespace
// participant: one of the daemon's own internal surfaces (CLI, the
// daemon process itself, a spawned subagent) versus a bridged external
// chat platform (Slack, Discord, Telegram, Lark, DingTalk, WeCom).
package chatchannel

// Internal channel names. These never go through a bridgeadapter —
// they're local participants that happen to live in the user
// namespace (a CLI session, the daemon itself posting a system
// notice, a subagent process).
const (
	CLI      = "cli"
	System   = "system"
	Subagent = "subagent"
)

var internal = map[string]bool{
	CLI:      true,
	System:   true,
	Subagent: true,
}

// IsInternalChannel reports whether channel names one of the daemon's
// own internal surfaces rather than a bridged external platform.
// Comparison is case-sensitive: channel names are not user input, they
// come from the adapter that registered the connection.
func IsInternalChannel(channel string) bool {
	return internal[channel]
}
