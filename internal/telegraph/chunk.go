package telegraph

import "strings"

// ChunkMessage splits text into chunks of at most maxLen bytes, preferring
// to break at a newline in the second half of each chunk.
func ChunkMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = 2000
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		chunk := text[:maxLen]
		breakAt := -1
		for i := maxLen - 1; i >= maxLen/2; i-- {
			if chunk[i] == '\n' {
				breakAt = i
				break
			}
		}

		if breakAt >= 0 {
			chunks = append(chunks, text[:breakAt])
			text = text[breakAt+1:]
		} else {
			chunks = append(chunks, chunk)
			text = text[maxLen:]
		}
	}
	return chunks
}

// OptionsFallback renders options as a bulleted text list for platforms
// without buttons.
func OptionsFallback(opts []Option) string {
	lines := make([]string, 0, len(opts))
	for _, o := range opts {
		lines = append(lines, "• "+o.Label)
	}
	return strings.Join(lines, "\n")
}
