package relay

import (
	"regexp"
	"strings"
)

// MentionGate decides whether a raw group message addresses the bot by name.
// Only one specially configured agent identity uses mention gating; all other
// agents respond in groups exclusively to replies targeting their own
// messages.
type MentionGate struct {
	re *regexp.Regexp
}

// NewMentionGate compiles a case-insensitive matcher from the configured
// mention tokens. Regex-special characters in tokens are escaped before
// compilation. An empty token list yields a gate that matches nothing.
func NewMentionGate(tokens []string) *MentionGate {
	var escaped []string
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		escaped = append(escaped, regexp.QuoteMeta(t))
	}
	if len(escaped) == 0 {
		return &MentionGate{}
	}
	re := regexp.MustCompile(`(?i)(^|\W)(` + strings.Join(escaped, "|") + `)(\W|$)`)
	return &MentionGate{re: re}
}

// Matches reports whether text contains any configured mention token.
func (g *MentionGate) Matches(text string) bool {
	if g.re == nil {
		return false
	}
	return g.re.MatchString(text)
}
