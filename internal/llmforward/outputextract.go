package llmforward

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// maxExtractedURLs caps the link list appended to a report.
	maxExtractedURLs = 10
	// maxExtractedCodeBlocks caps the code blocks appended to a report.
	maxExtractedCodeBlocks = 3
	// supplementNodeLimit truncates each supplement node's content.
	supplementNodeLimit = 2800
)

// ExtractURLs pulls http(s) links out of model output. Links are
// trimmed of surrounding punctuation, deduplicated, sorted, and capped.
func ExtractURLs(text string) []string {
	seen := make(map[string]struct{})
	for _, token := range strings.Fields(text) {
		idx := strings.Index(token, "http://")
		if idx < 0 {
			idx = strings.Index(token, "https://")
		}
		if idx < 0 {
			continue
		}
		url := strings.TrimLeft(token[idx:], `([<"'`)
		url = strings.TrimRight(url, `,.;:!?)]>"'`)
		if url == "http://" || url == "https://" || url == "" {
			continue
		}
		seen[url] = struct{}{}
	}

	urls := make([]string, 0, len(seen))
	for url := range seen {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	if len(urls) > maxExtractedURLs {
		urls = urls[:maxExtractedURLs]
	}
	return urls
}

// ExtractCodeBlocks collects fenced code blocks from model output.
// Empty blocks are skipped and at most maxExtractedCodeBlocks are kept.
func ExtractCodeBlocks(text string) []string {
	var blocks []string
	var current []string
	inBlock := false

	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if inBlock {
				body := strings.TrimSpace(strings.Join(current, "\n"))
				if body != "" {
					blocks = append(blocks, body)
					if len(blocks) >= maxExtractedCodeBlocks {
						return blocks
					}
				}
				current = nil
				inBlock = false
			} else {
				inBlock = true
			}
			continue
		}
		if inBlock {
			current = append(current, line)
		}
	}
	return blocks
}

// PlainSupplementNodes renders extracted links and code blocks as
// copy-friendly plain text nodes to ride behind the image report.
func PlainSupplementNodes(text string) []string {
	var nodes []string
	if urls := ExtractURLs(text); len(urls) > 0 {
		nodes = append(nodes, truncateForNode("链接：\n"+strings.Join(urls, "\n")))
	}
	for i, block := range ExtractCodeBlocks(text) {
		nodes = append(nodes, truncateForNode(fmt.Sprintf("代码块 #%d：\n%s", i+1, block)))
	}
	return nodes
}

func truncateForNode(s string) string {
	runes := []rune(s)
	if len(runes) <= supplementNodeLimit {
		return s
	}
	return string(runes[:supplementNodeLimit]) + "\n...(truncated)..."
}
