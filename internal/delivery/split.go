package delivery

import "strings"

// MaxMessageLength is the Bot API limit on one message's text, counted
// here in runes.
const MaxMessageLength = 4096

// NormalizeNewlines turns CRLF and lone CR into LF.
func NormalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// Split cuts text into chunks of at most limit runes. A chunk ends just
// before the last newline that falls inside the limit; that newline opens
// the following chunk. Without such a newline the cut is exact. Joining
// the chunks reproduces text.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	rest := []rune(text)
	if len(rest) <= limit {
		return []string{text}
	}

	chunks := make([]string, 0, len(rest)/limit+1)
	for len(rest) > limit {
		cut := lastNewline(rest[:limit])
		if cut <= 0 {
			// A newline at position 0 would yield an empty chunk and no
			// progress, so it counts as absent.
			cut = limit
		}
		chunks = append(chunks, string(rest[:cut]))
		rest = rest[cut:]
	}
	return append(chunks, string(rest))
}

func lastNewline(rs []rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == '\n' {
			return i
		}
	}
	return -1
}
