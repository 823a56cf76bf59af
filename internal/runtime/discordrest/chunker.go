package discordrest

import (
	"strings"
	"unicode"
)

// maxMessageLen is Discord's hard content limit per message.
const maxMessageLen = 2000

// ChunkContent splits text into Discord-sized pieces, preferring to
// break at paragraph boundaries, then single newlines, then sentence
// endings, then spaces, with a hard break as the last resort. Breaks
// are computed on runes so multi-byte text never splits mid-character.
func ChunkContent(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) <= maxMessageLen {
		return []string{text}
	}

	var chunks []string
	for len(runes) > maxMessageLen {
		window := runes[:maxMessageLen]
		breakIdx := findBreakPoint(window)
		if breakIdx <= 0 {
			breakIdx = maxMessageLen
		}

		chunk := strings.TrimRightFunc(string(runes[:breakIdx]), unicode.IsSpace)
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		rest := strings.TrimLeftFunc(string(runes[breakIdx:]), unicode.IsSpace)
		runes = []rune(rest)
	}

	if rest := strings.TrimSpace(string(runes)); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func findBreakPoint(window []rune) int {
	if idx := lastIndexRunes(window, "\n\n"); idx > 0 {
		return idx + 1
	}
	if idx := lastIndexRunes(window, "\n"); idx > 0 {
		return idx
	}
	for i := len(window) - 1; i > 0; i-- {
		switch window[i] {
		case '.', '!', '?', '。', '！', '？':
			if i+1 < len(window) {
				return i + 1
			}
		}
	}
	for i := len(window) - 1; i > 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i
		}
	}
	return 0
}

func lastIndexRunes(window []rune, sep string) int {
	idx := strings.LastIndex(string(window), sep)
	if idx < 0 {
		return -1
	}
	return len([]rune(string(window)[:idx]))
}
