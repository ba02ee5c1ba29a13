package matrix

import (
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// mentionMatcher recognises and removes references to the bot in a message.
// Clients mention a user three ways: the m.mentions list, the full user ID
// in the body, or a "Name: " prefix produced from a pill.
type mentionMatcher struct {
	userID id.UserID
	names  []string // localpart and display name, matched case-insensitively
}

func newMentionMatcher(userID id.UserID, names ...string) mentionMatcher {
	m := mentionMatcher{userID: userID}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || slices.ContainsFunc(m.names, func(have string) bool { return strings.EqualFold(have, n) }) {
			continue
		}
		m.names = append(m.names, n)
	}
	return m
}

// Mentioned reports whether the message addresses the bot.
func (m mentionMatcher) Mentioned(content *event.MessageEventContent) bool {
	if content == nil {
		return false
	}
	if content.Mentions != nil && slices.Contains(content.Mentions.UserIDs, m.userID) {
		return true
	}
	if strings.Contains(content.Body, string(m.userID)) {
		return true
	}
	if content.FormattedBody != "" && strings.Contains(content.FormattedBody, "matrix.to/#/"+string(m.userID)) {
		return true
	}
	_, ok := m.cutNamePrefix(content.Body)
	return ok
}

// Strip removes mention tokens and returns the trimmed remainder.
func (m mentionMatcher) Strip(body string) string {
	body = strings.ReplaceAll(body, string(m.userID), "")
	body = trimLeadingPunct(body)
	if rest, ok := m.cutNamePrefix(body); ok {
		body = rest
	}
	for _, n := range m.names {
		body = removeHandle(body, "@"+n)
	}
	return strings.TrimSpace(trimLeadingPunct(body))
}

// cutNamePrefix strips a leading "name:" or "name," (case-insensitive).
func (m mentionMatcher) cutNamePrefix(body string) (string, bool) {
	trimmed := strings.TrimLeft(body, " \t@")
	for _, n := range m.names {
		size, ok := foldPrefix(trimmed, n)
		if !ok {
			continue
		}
		rest := trimmed[size:]
		if strings.HasPrefix(rest, ":") || strings.HasPrefix(rest, ",") {
			return rest[1:], true
		}
	}
	return body, false
}

func trimLeadingPunct(s string) string {
	return strings.TrimLeft(s, " \t\n:,")
}

// removeHandle deletes every case-insensitive occurrence of handle in s that
// is not followed by a word character, so "@cooperbotfan" survives.
func removeHandle(s, handle string) string {
	var sb strings.Builder
	for i := 0; i < len(s); {
		if size, ok := foldPrefix(s[i:], handle); ok && wordBoundary(s[i+size:]) {
			i += size
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		sb.WriteString(s[i : i+size])
		i += size
	}
	return sb.String()
}

// foldPrefix reports whether s starts with prefix under simple case folding,
// and the byte length of the matching part of s. Offsets always come from s
// itself; case mapping can change a rune's encoded length.
func foldPrefix(s, prefix string) (int, bool) {
	n := 0
	for _, pr := range prefix {
		if n >= len(s) {
			return 0, false
		}
		sr, size := utf8.DecodeRuneInString(s[n:])
		if sr != pr && !strings.EqualFold(string(sr), string(pr)) {
			return 0, false
		}
		n += size
	}
	return n, true
}

func wordBoundary(rest string) bool {
	if rest == "" {
		return true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}
