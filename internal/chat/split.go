package chat

import "strings"

// SplitTextByBytes splits text into chunks of at most maxBytes each without
// cutting a rune in half. The platform rejects oversized message bodies.
func SplitTextByBytes(text string, maxBytes int) []string {
	if text == "" {
		return []string{}
	}
	chunks := []string{}
	var buf strings.Builder
	size := 0
	for _, ch := range text {
		n := len(string(ch))
		if size+n > maxBytes && buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			size = 0
		}
		buf.WriteRune(ch)
		size += n
	}
	if buf.Len() > 0 {
		chunks = append(chunks, buf.String())
	}
	return chunks
}

// TruncateByBytes caps text at maxBytes on a rune boundary, appending a
// marker when truncation happened.
func TruncateByBytes(text string, maxBytes int) string {
	if len(text) <= maxBytes {
		return text
	}
	const marker = "\n... (truncated)"
	budget := maxBytes - len(marker)
	if budget <= 0 {
		return marker
	}
	size := 0
	for i, ch := range text {
		n := len(string(ch))
		if size+n > budget {
			return text[:i] + marker
		}
		size += n
	}
	return text
}
