package agent

import (
	"slices"
	"strings"
)

var (
	readOnlyTools = []string{"Read", "Grep", "Glob", "WebSearch", "WebFetch", "Task"}
	blockedTools  = []string{"Write", "Edit", "Bash", "NotebookEdit"}
)

const mcpToolPrefix = "mcp__"

// PermissionPolicy decides which tools an agent call may use.
type PermissionPolicy struct {
	AllowAll   bool
	Allowed    []string
	Disallowed []string
	AllowMCP   bool
}

// OwnerPolicy allows every tool.
func OwnerPolicy() PermissionPolicy {
	return PermissionPolicy{AllowAll: true}
}

// GuestPolicy allows read-only tools and MCP tools only.
func GuestPolicy() PermissionPolicy {
	return PermissionPolicy{
		Allowed:    slices.Clone(readOnlyTools),
		Disallowed: slices.Clone(blockedTools),
		AllowMCP:   true,
	}
}

// PolicyFor returns the policy for a caller.
func PolicyFor(isOwner bool) PermissionPolicy {
	if isOwner {
		return OwnerPolicy()
	}
	return GuestPolicy()
}

// IsOwner reports whether userID is the configured owner. An unset owner
// makes everyone an owner.
func IsOwner(ownerUserID, userID string) bool {
	return ownerUserID == "" || userID == ownerUserID
}

// Allows reports whether tool may be used. Unknown tools are denied.
func (p PermissionPolicy) Allows(tool string) bool {
	if p.AllowAll {
		return true
	}
	if slices.Contains(p.Disallowed, tool) {
		return false
	}
	if p.AllowMCP && strings.HasPrefix(tool, mcpToolPrefix) {
		return true
	}
	return slices.Contains(p.Allowed, tool)
}

// Flags renders the policy as claude CLI flags.
func (p PermissionPolicy) Flags() []string {
	if p.AllowAll {
		return []string{"--permission-mode", "bypassPermissions"}
	}
	var flags []string
	if len(p.Allowed) > 0 {
		flags = append(flags, "--allowedTools", strings.Join(p.Allowed, ","))
	}
	if len(p.Disallowed) > 0 {
		flags = append(flags, "--disallowedTools", strings.Join(p.Disallowed, ","))
	}
	return flags
}
