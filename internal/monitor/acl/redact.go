package acl

import "strings"

// Masked replaces the value of a SENSITIVE field.
const Masked = "***"

// sensitive lists dotted field paths classified SENSITIVE per topic.
var sensitive = map[Topic][]string{
	TopicJobStatus:      {"parameters", "environment", "submittedBy"},
	TopicJobMetrics:     {"host"},
	TopicSystemMetrics:  {"hostname", "network.addresses"},
	TopicSystemConfig:   {"credentials", "datasource.password"},
	TopicSecurityEvents: {"sourceIp"},
}

// Cleared reports whether roles may see SENSITIVE fields unmasked.
func Cleared(roles Roles) bool {
	return roles.Rank() >= roleRank[RoleOperator]
}

// SensitivePaths returns the SENSITIVE field paths of t.
func SensitivePaths(t Topic) []string {
	return append([]string(nil), sensitive[t]...)
}

// Redact masks SENSITIVE fields of payload for roles without clearance.
// The input is never mutated; maps on a masked path are copied.
// Works for full payloads and delta change sets alike since both share the
// payload's shape.
func Redact(t Topic, roles Roles, payload any) any {
	paths := sensitive[t]
	if len(paths) == 0 || Cleared(roles) {
		return payload
	}
	switch v := payload.(type) {
	case map[string]any:
		return redactObject(v, paths)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			if m, ok := item.(map[string]any); ok {
				out[i] = redactObject(m, paths)
			} else {
				out[i] = item
			}
		}
		return out
	default:
		return payload
	}
}

func redactObject(m map[string]any, paths []string) map[string]any {
	out := m
	copied := false
	for _, p := range paths {
		head, rest, nested := strings.Cut(p, ".")
		v, ok := out[head]
		if !ok {
			continue
		}
		if !copied {
			out = shallowCopy(m)
			copied = true
		}
		if !nested {
			if v != nil {
				out[head] = Masked
			}
			continue
		}
		if child, ok := v.(map[string]any); ok {
			out[head] = redactObject(child, []string{rest})
		}
	}
	return out
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
