package invoker

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// MaxToolNameLen is the longest name function-calling APIs accept.
const MaxToolNameLen = 63

// serverPrefixLen is how much of the server name leads a tool name.
const serverPrefixLen = 7

var (
	invalidChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
	separatorRun = regexp.MustCompile(`[_-]{2,}`)
	validName    = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,62}$`)
)

// ToolDescriptor is one tool offered by one server.
type ToolDescriptor struct {
	ServerID    string          `json:"serverId"`
	ServerName  string          `json:"serverName"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// SanitizedName is the collision-free name assigned by AssignNames.
	SanitizedName string `json:"sanitizedName"`
}

// cleanServer normalizes a server name the same way the tool name will
// be, so the prefix check also holds on an already sanitized name.
func cleanServer(server string) string {
	s := strings.ReplaceAll(strings.TrimSpace(server), "-", "_")
	s = invalidChars.ReplaceAllString(s, "_")
	s = separatorRun.ReplaceAllString(s, "_")
	if len(s) > serverPrefixLen {
		s = s[:serverPrefixLen]
	}
	// A trailing underscore merges with the joiner and would not survive.
	return strings.TrimRight(s, "_")
}

// SanitizeToolName derives the name under which tool of server is
// exposed. The result matches ^[a-zA-Z][a-zA-Z0-9_-]{0,62}$ and feeding
// it back in returns it unchanged.
func SanitizeToolName(server, tool string) string {
	prefix := cleanServer(server)
	if isSanitized(tool, prefix) {
		return tool
	}
	t := strings.ReplaceAll(strings.TrimSpace(tool), "-", "_")

	// A prefix found only past the length limit does not count: it would
	// be truncated away and added back on the next pass.
	if strings.Contains(t, prefix) {
		if name := finishName(t); strings.Contains(name, prefix) {
			return name
		}
	}
	return finishName(prefix + "-" + t)
}

func finishName(name string) string {
	name = invalidChars.ReplaceAllString(name, "_")
	if !startsWithLetter(name) {
		name = "tool-" + name
	}
	name = separatorRun.ReplaceAllString(name, "_")
	return trimName(name, MaxToolNameLen)
}

// isSanitized reports whether name is already in final form for a
// server with the given prefix. Dashes are only allowed where
// SanitizeToolName itself puts them: after a leading "tool" and after
// the server prefix. Any other dash sends the name through the general
// path, which rewrites it.
func isSanitized(name, prefix string) bool {
	if !validName.MatchString(name) || separatorRun.MatchString(name) {
		return false
	}
	if strings.HasSuffix(name, "_") || strings.HasSuffix(name, "-") {
		return false
	}
	if !strings.Contains(name, prefix) {
		return false
	}

	rest := name
	if after, ok := strings.CutPrefix(rest, "tool-"); ok && !startsWithLetter(after) {
		rest = after
	}
	if prefix != "" {
		switch {
		case strings.HasPrefix(rest, prefix+"-"):
			rest = rest[len(prefix)+1:]
		case prefix[0] == '_' && strings.HasPrefix(rest, "tool"+prefix+"-"):
			// "tool-" merged into the prefix's leading underscore.
			rest = rest[len("tool")+len(prefix)+1:]
		}
	}
	return !strings.Contains(rest, "-")
}

func startsWithLetter(s string) bool {
	if s == "" {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// trimName truncates to max bytes and drops one trailing separator.
// Names are ASCII by this point.
func trimName(name string, max int) string {
	if len(name) > max {
		name = name[:max]
	}
	if strings.HasSuffix(name, "_") || strings.HasSuffix(name, "-") {
		name = name[:len(name)-1]
	}
	return name
}

// AssignNames sets SanitizedName on every tool. Tools are ordered by
// server id then raw name, so the same catalog always yields the same
// names; later tools whose names collide get _2, _3 and so on.
func AssignNames(tools []ToolDescriptor) []ToolDescriptor {
	out := make([]ToolDescriptor, len(tools))
	copy(out, tools)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ServerID != out[j].ServerID {
			return out[i].ServerID < out[j].ServerID
		}
		return out[i].Name < out[j].Name
	})

	used := make(map[string]bool, len(out))
	for i := range out {
		base := SanitizeToolName(out[i].ServerName, out[i].Name)
		name := base
		for n := 2; used[name]; n++ {
			suffix := "_" + strconv.Itoa(n)
			name = trimName(base, MaxToolNameLen-len(suffix)) + suffix
		}
		used[name] = true
		out[i].SanitizedName = name
	}
	return out
}

// Resolve finds the tool exposed as name within tools.
func Resolve(name string, tools []ToolDescriptor) (ToolDescriptor, bool) {
	for _, t := range AssignNames(tools) {
		if t.SanitizedName == name {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}
