// Package acl holds the static topic permission table and the field
// classification used to redact payloads for low-clearance roles.
//
// Everything here is a pure function over fixed tables; the subscription
// manager and dispatcher consult it on every decision.
package acl

import (
	"sort"
	"strings"
)

type Role string

const (
	RoleViewer   Role = "VIEWER"
	RoleMonitor  Role = "MONITOR"
	RoleOperator Role = "OPERATOR"
	RoleAdmin    Role = "ADMIN"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleMonitor:  2,
	RoleOperator: 3,
	RoleAdmin:    4,
}

// ParseRole normalizes s; unknown roles return ok=false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := roleRank[r]
	return r, ok
}

// ParseRoles keeps the known roles of ss and drops the rest.
func ParseRoles(ss []string) Roles {
	out := make(Roles, 0, len(ss))
	for _, s := range ss {
		if r, ok := ParseRole(s); ok && !out.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

// Roles is the set of roles attached to an authenticated session.
type Roles []Role

func (rs Roles) Has(r Role) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

// Rank returns the highest rank among rs (0 when empty).
func (rs Roles) Rank() int {
	best := 0
	for _, r := range rs {
		if n := roleRank[r]; n > best {
			best = n
		}
	}
	return best
}

func (rs Roles) Strings() []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, string(r))
	}
	return out
}

type Topic string

const (
	TopicJobStatus      Topic = "job-status"
	TopicJobMetrics     Topic = "job-metrics"
	TopicSystemMetrics  Topic = "system-metrics"
	TopicSystemConfig   Topic = "system-config"
	TopicSecurityEvents Topic = "security-events"
)

// minRole is the Topic -> minimum Role table. A topic missing here is unknown.
var minRole = map[Topic]Role{
	TopicJobStatus:      RoleViewer,
	TopicJobMetrics:     RoleViewer,
	TopicSystemMetrics:  RoleMonitor,
	TopicSystemConfig:   RoleAdmin,
	TopicSecurityEvents: RoleAdmin,
}

// Known reports whether t is part of the topic vocabulary.
func Known(t Topic) bool {
	_, ok := minRole[t]
	return ok
}

// Topics returns the vocabulary in sorted order.
func Topics() []Topic {
	out := make([]Topic, 0, len(minRole))
	for t := range minRole {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Allowed reports whether any of roles satisfies the topic's minimum role.
func Allowed(t Topic, roles Roles) bool {
	need, ok := minRole[t]
	if !ok {
		return false
	}
	return roles.Rank() >= roleRank[need]
}

// Filter returns the requested topics the roles may see, deduplicated and
// sorted. Unknown and forbidden topics are dropped without error.
func Filter(requested []string, roles Roles) []Topic {
	seen := make(map[Topic]struct{}, len(requested))
	out := make([]Topic, 0, len(requested))
	for _, s := range requested {
		t := Topic(strings.TrimSpace(s))
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		if Allowed(t, roles) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
