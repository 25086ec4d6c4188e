package discovery

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// MaxToolNameLen is the longest name providers accept for a function tool.
const MaxToolNameLen = 64

// QualifiedName namespaces a remote tool by the server that owns it.
func QualifiedName(server, tool string) string {
	return server + "." + tool
}

// safeName turns a qualified name into [a-zA-Z0-9_-]{1,64}. Collisions and
// overlong names get a short hash of the qualified name.
func safeName(qualified string, used map[string]struct{}) string {
	base := sanitize(qualified)
	name := base
	if len(name) > MaxToolNameLen {
		name = truncateWithHash(base, qualified)
	}
	if _, taken := used[name]; taken {
		name = truncateWithHash(base+"_"+nameHash(qualified), qualified)
	}
	used[name] = struct{}{}
	return name
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "tool"
	}
	return b.String()
}

func nameHash(qualified string) string {
	sum := sha1.Sum([]byte(qualified))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, qualified string) string {
	if len(base) <= MaxToolNameLen {
		return base
	}
	suffix := "_" + nameHash(qualified)
	return base[:MaxToolNameLen-len(suffix)] + suffix
}
