package render

import (
	"fmt"
	"strings"
)

// EmojiToTwemoji replaces emoji grapheme clusters in an HTML fragment
// with Twemoji <img> tags so the headless renderer does not depend on
// system emoji fonts. An empty or "off" base URL disables substitution.
func EmojiToTwemoji(html, baseURL string) string {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || strings.EqualFold(baseURL, "off") {
		return html
	}

	runes := []rune(html)
	var b strings.Builder
	b.Grow(len(html))

	for i := 0; i < len(runes); {
		if !isEmojiStart(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}

		// Collect the full cluster: emoji joined by ZWJ, plus variation
		// selectors and skin tone modifiers.
		cluster := []rune{runes[i]}
		j := i + 1
		for j < len(runes) {
			r := runes[j]
			switch {
			case r == 0x200D: // zero width joiner glues the next emoji on
				if j+1 < len(runes) && isEmojiStart(runes[j+1]) {
					cluster = append(cluster, r, runes[j+1])
					j += 2
					continue
				}
			case r == 0xFE0F || r == 0xFE0E:
				cluster = append(cluster, r)
				j++
				continue
			case r >= 0x1F3FB && r <= 0x1F3FF: // skin tone
				cluster = append(cluster, r)
				j++
				continue
			}
			break
		}

		b.WriteString(twemojiImg(cluster, baseURL))
		i = j
	}
	return b.String()
}

// isEmojiStart reports whether a rune can begin an emoji cluster. ASCII
// never qualifies, so digits and punctuation pass through untouched.
func isEmojiStart(r rune) bool {
	if r < 0x80 {
		return false
	}
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // pictographs, transport, symbols
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	case r >= 0x1F1E6 && r <= 0x1F1FF: // regional indicators
		return true
	case r == 0x2B50 || r == 0x2B55:
		return true
	case r >= 0x2190 && r <= 0x21FF: // arrows
		return false
	default:
		return false
	}
}

// twemojiImg builds the image tag for a cluster. Variation selectors
// are omitted from the code sequence, matching Twemoji's file naming.
func twemojiImg(cluster []rune, baseURL string) string {
	var codes []string
	for _, r := range cluster {
		if r == 0xFE0F || r == 0xFE0E {
			continue
		}
		codes = append(codes, fmt.Sprintf("%x", r))
	}
	if len(codes) == 0 {
		return string(cluster)
	}
	return fmt.Sprintf(
		`<img class="emoji" draggable="false" alt="" src="%s/%s.svg">`,
		baseURL, strings.Join(codes, "-"))
}
