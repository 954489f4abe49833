// Package rbac provides role-based access control for the relay
// daemon: which names may send, broadcast, join/leave/post to a
// channel, forward across the cross-machine bridge, or read the audit
// log. Every decision is auditable.
//
// Design principles:
//   - Deny by default: no permission = denied
//   - Least privilege: grant only what's needed
//   - Audit everything: every decision is logged
package rbac

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ------------------------------------------------------------------
// Core types
// ------------------------------------------------------------------

// UserID identifies a participant by relay name.
type UserID string

// RoleName is a named permission set.
type RoleName string

// Permission is a specific action that can be allowed or denied.
type Permission string

// Pre-defined permissions following resource:action pattern.
const (
	PermRelaySend      Permission = "relay:send"
	PermRelayBroadcast Permission = "relay:broadcast"

	PermChannelJoin    Permission = "channel:join"
	PermChannelLeave   Permission = "channel:leave"
	PermChannelMessage Permission = "channel:message"

	PermBridgeForward Permission = "bridge:forward"

	PermAuditView Permission = "audit:view"

	PermAdmin Permission = "admin:*"
)

// Pre-defined roles.
var (
	RoleAdmin = Role{
		Name:        "admin",
		Description: "Full access to all operations",
		Permissions: []Permission{PermAdmin},
	}
	// RoleAgent is the default role bound to locally-registered
	// agents and MCP tool callers: every relay.* operation except
	// audit viewing — the daemon has no privileged operation an
	// ordinary agent shouldn't reach.
	RoleAgent = Role{
		Name:        "agent",
		Description: "Standard permissions for an agent participant",
		Permissions: []Permission{
			PermRelaySend, PermRelayBroadcast,
			PermChannelJoin, PermChannelLeave, PermChannelMessage,
		},
	}
	RoleViewer = Role{
		Name:        "viewer",
		Description: "No send/channel permissions; audit read-only",
		Permissions: []Permission{PermAuditView},
	}
)

// Role is a named collection of permissions.
type Role struct {
	Name        RoleName     `json:"name"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
}

// User represents a relay participant with role bindings.
type User struct {
	ID         UserID            `json:"id"`
	Roles      []RoleName        `json:"roles"`
	ChannelIDs map[string]string `json:"channel_ids"` // chat platform -> platform user ID
	CreatedAt  time.Time         `json:"created_at"`
	Disabled   bool              `json:"disabled"`
}

// ------------------------------------------------------------------
// Enforcer
// ------------------------------------------------------------------

// Enforcer evaluates access control decisions.
type Enforcer struct {
	mu    sync.RWMutex
	roles map[RoleName]*Role
	users map[UserID]*User
	audit AuditLogger
}

// AuditLogger records access control decisions.
type AuditLogger interface {
	LogDecision(entry AuditEntry)
}

// AuditEntry records a single access control decision.
type AuditEntry struct {
	Timestamp  time.Time  `json:"timestamp"`
	UserID     UserID     `json:"user_id"`
	Permission Permission `json:"permission"`
	Resource   string     `json:"resource"`
	Decision   string     `json:"decision"` // "allow", "deny"
	Reason     string     `json:"reason"`
}

// NewEnforcer creates an RBAC enforcer with the default roles
// (admin, agent, viewer) registered.
func NewEnforcer(audit AuditLogger) *Enforcer {
	e := &Enforcer{
		roles: make(map[RoleName]*Role),
		users: make(map[UserID]*User),
		audit: audit,
	}
	for _, r := range []Role{RoleAdmin, RoleAgent, RoleViewer} {
		r := r
		e.roles[r.Name] = &r
	}
	return e
}

// Check evaluates whether a user has a specific permission.
func (e *Enforcer) Check(ctx context.Context, userID UserID, perm Permission, resource string) bool {
	e.mu.RLock()
	user, ok := e.users[userID]
	e.mu.RUnlock()

	if !ok || user.Disabled {
		e.logDeny(userID, perm, resource, "user not found or disabled")
		return false
	}

	for _, roleName := range user.Roles {
		e.mu.RLock()
		role, exists := e.roles[roleName]
		e.mu.RUnlock()
		if !exists {
			continue
		}
		for _, p := range role.Permissions {
			if matchPermission(p, perm) {
				e.logAllow(userID, perm, resource)
				return true
			}
		}
	}

	e.logDeny(userID, perm, resource, "no matching permission")
	return false
}

// RegisterUser adds a user.
func (e *Enforcer) RegisterUser(user *User) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	e.users[user.ID] = user
}

// EnsureUser registers user with defaultRole if it isn't already
// known, and returns the existing registration otherwise. Used to
// auto-provision names that authenticate purely by registering a
// connection, with no separate identity step.
func (e *Enforcer) EnsureUser(id UserID, defaultRole RoleName) *User {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.users[id]; ok {
		return u
	}
	u := &User{ID: id, Roles: []RoleName{defaultRole}, CreatedAt: time.Now()}
	e.users[id] = u
	return u
}

// RegisterRole adds or updates a role.
func (e *Enforcer) RegisterRole(role *Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.roles[role.Name] = role
}

// ResolveUserFromChannel maps a chat platform + sender ID to a User.
func (e *Enforcer) ResolveUserFromChannel(platform, senderID string) (*User, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, u := range e.users {
		if cid, ok := u.ChannelIDs[platform]; ok && cid == senderID {
			return u, true
		}
	}
	return nil, false
}

// matchPermission checks if a granted permission covers the requested one.
// Supports wildcards: "admin:*" matches everything, "channel:*" matches "channel:join".
func matchPermission(granted, requested Permission) bool {
	if granted == requested {
		return true
	}
	if granted == PermAdmin {
		return true
	}
	gParts := strings.Split(string(granted), ":")
	rParts := strings.Split(string(requested), ":")
	for i, gp := range gParts {
		if gp == "*" {
			return true
		}
		if i >= len(rParts) {
			return false
		}
		if gp != rParts[i] {
			return false
		}
	}
	return len(gParts) == len(rParts)
}

func (e *Enforcer) logAllow(userID UserID, perm Permission, resource string) {
	if e.audit != nil {
		e.audit.LogDecision(AuditEntry{
			Timestamp: time.Now(), UserID: userID, Permission: perm,
			Resource: resource, Decision: "allow",
		})
	}
}

func (e *Enforcer) logDeny(userID UserID, perm Permission, resource, reason string) {
	if e.audit != nil {
		e.audit.LogDecision(AuditEntry{
			Timestamp: time.Now(), UserID: userID, Permission: perm,
			Resource: resource, Decision: "deny", Reason: reason,
		})
	}
}

// ------------------------------------------------------------------
// Default audit logger (in-memory, queryable)
// ------------------------------------------------------------------

// StructuredAuditLogger keeps access-control decisions in a bounded
// in-memory ring buffer.
type StructuredAuditLogger struct {
	mu      sync.Mutex
	entries []AuditEntry
	maxSize int
}

// NewStructuredAuditLogger creates an in-memory audit logger.
func NewStructuredAuditLogger(maxSize int) *StructuredAuditLogger {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &StructuredAuditLogger{entries: make([]AuditEntry, 0, maxSize), maxSize: maxSize}
}

func (l *StructuredAuditLogger) LogDecision(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.maxSize {
		drop := l.maxSize / 10
		if drop == 0 {
			drop = 1
		}
		l.entries = l.entries[drop:]
	}
	l.entries = append(l.entries, entry)
}

// Query returns audit entries matching the filter.
func (l *StructuredAuditLogger) Query(opts AuditQueryOptions) []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []AuditEntry
	for _, e := range l.entries {
		if opts.UserID != "" && e.UserID != opts.UserID {
			continue
		}
		if opts.Decision != "" && e.Decision != opts.Decision {
			continue
		}
		if !opts.Since.IsZero() && e.Timestamp.Before(opts.Since) {
			continue
		}
		if opts.Permission != "" && e.Permission != opts.Permission {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// AuditQueryOptions filters audit log queries.
type AuditQueryOptions struct {
	UserID     UserID
	Permission Permission
	Decision   string // "allow" or "deny"
	Since      time.Time
	Limit      int
}

// String returns a human-readable audit entry.
func (e AuditEntry) String() string {
	return fmt.Sprintf("[%s] user=%s perm=%s resource=%s decision=%s reason=%s",
		e.Timestamp.Format(time.RFC3339), e.UserID, e.Permission, e.Resource, e.Decision, e.Reason)
}
