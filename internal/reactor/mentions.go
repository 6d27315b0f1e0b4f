package reactor

import (
	"regexp"
	"strings"
)

// mentionPattern matches @name tokens at a word boundary. The preceding
// character class excludes letters, digits, '@' and '.' so email-like
// strings (a@b.com) are not misread as mentions.
var mentionPattern = regexp.MustCompile(`(?:^|[^\w@.])@([\w-]+)`)

// MentionAll is the broadcast token. It resolves to the lead agent only,
// never to every known agent.
const MentionAll = "all"

// ExtractMentions returns the unique mention tokens in content, lowercased,
// in first-seen order.
func ExtractMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		token := strings.ToLower(m[1])
		if seen[token] {
			continue
		}
		seen[token] = true
		out = append(out, token)
	}
	return out
}

// truncate bounds s to limit runes, appending an ellipsis when cut.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
