// Package identity provides the platform-prefixed identifier scheme
// shared by accounts, threads, and orphan-thread reconciliation.
package identity

import "strings"

// BuildAccountID constructs a platform-prefixed stable account ID such
// as "signal_15551234567" or "email_alice_example_com". The platform is
// lowercased; the handle is stripped down to the characters that are
// safe in a view-file path component (letters, digits, underscore), so
// "+15551234567" becomes "15551234567".
func BuildAccountID(platform, handle string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	h := sanitizeHandle(handle)
	if p == "" || h == "" {
		return ""
	}
	return p + "_" + h
}

// ParseAccountID splits a platform-prefixed account ID at its first
// underscore. Platform names never contain an underscore, so the split
// is unambiguous. Returns ok=false if the input has no separator or an
// empty part.
func ParseAccountID(id string) (platform, handle string, ok bool) {
	id = strings.TrimSpace(id)
	idx := strings.Index(id, "_")
	if idx <= 0 || idx == len(id)-1 {
		return "", "", false
	}
	return id[:idx], id[idx+1:], true
}

func sanitizeHandle(handle string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(handle) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		}
	}
	return b.String()
}

// ThreadKind describes the platform and conversation type inferred from a
// thread ID's prefix convention, used to synthesize orphan thread records
// during a view rebuild.
type ThreadKind struct {
	Platform string
	Type     string
}

// threadPrefixes maps a thread-ID prefix to its platform and conversation
// type, following the fixed-prefix-per-type scheme every thread ID is
// derived under (e.g. "signal_dm_", "discord_channel_").
var threadPrefixes = []struct {
	prefix string
	kind   ThreadKind
}{
	{"signal_dm_", ThreadKind{"signal", "dm"}},
	{"signal_group_", ThreadKind{"signal", "group"}},
	{"whatsapp_group_", ThreadKind{"whatsapp", "group"}},
	{"whatsapp_dm_", ThreadKind{"whatsapp", "dm"}},
	{"whatsapp_broadcast_", ThreadKind{"whatsapp", "broadcast"}},
	{"discord_thread_", ThreadKind{"discord", "topic"}},
	{"discord_channel_", ThreadKind{"discord", "channel"}},
	{"discord_dm_", ThreadKind{"discord", "dm"}},
	{"email_thread_", ThreadKind{"email", "topic"}},
	{"sms_thread_", ThreadKind{"sms", "dm"}},
}

// InferThreadFromID infers the platform and conversation type of a thread
// ID that has no corresponding thread.created event, by matching its
// longest known prefix. ok is false if no convention matches, in which
// case the caller should fall back to a generic/unknown classification
// rather than guessing further.
func InferThreadFromID(threadID string) (kind ThreadKind, ok bool) {
	bestLen := -1
	for _, p := range threadPrefixes {
		if strings.HasPrefix(threadID, p.prefix) && len(p.prefix) > bestLen {
			kind = p.kind
			bestLen = len(p.prefix)
			ok = true
		}
	}
	return kind, ok
}
