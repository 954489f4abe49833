package rbac

import (
	"context"
	"fmt"
)

// ChannelGuard adapts an Enforcer into router.ChannelPolicy: it
// answers whether a name may CHANNEL_JOIN a given channel. Names
// that have never been explicitly registered are auto-provisioned
// with RoleAgent on first check, since the router has no separate
// identity/authentication step of its own — registering a named
// connection IS the identity a relay participant presents.
type ChannelGuard struct {
	enforcer    *Enforcer
	enabled     bool
	defaultRole RoleName
}

// NewChannelGuard wraps enforcer. If enabled is false, Allow always
// returns true without consulting the enforcer (RBAC off).
func NewChannelGuard(enforcer *Enforcer, enabled bool) *ChannelGuard {
	return &ChannelGuard{enforcer: enforcer, enabled: enabled, defaultRole: RoleAgent.Name}
}

// Allow reports whether name may join channel.
func (g *ChannelGuard) Allow(name, channel string) bool {
	if !g.enabled || g.enforcer == nil {
		return true
	}
	g.enforcer.EnsureUser(UserID(name), g.defaultRole)
	return g.enforcer.Check(context.Background(), UserID(name), PermChannelJoin, "channel:"+channel)
}

// CheckAccess returns nil if userID may perform perm on resource, or
// an error describing the denial, for callers that reject with a
// message rather than a bare bool.
func (g *ChannelGuard) CheckAccess(userID UserID, perm Permission, resource string) error {
	if !g.enabled || g.enforcer == nil {
		return nil
	}
	g.enforcer.EnsureUser(userID, g.defaultRole)
	if g.enforcer.Check(context.Background(), userID, perm, resource) {
		return nil
	}
	return fmt.Errorf("access denied: %s lacks permission %s on %s", userID, perm, resource)
}

// ResolveUser maps a chat platform sender ID to the relay name bound
// to it, falling back to the raw sender ID when RBAC is disabled or
// no binding exists.
func (g *ChannelGuard) ResolveUser(platform, senderID string) UserID {
	if !g.enabled || g.enforcer == nil {
		return UserID(senderID)
	}
	user, ok := g.enforcer.ResolveUserFromChannel(platform, senderID)
	if !ok || user == nil {
		return UserID(senderID)
	}
	return user.ID
}
