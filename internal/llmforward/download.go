package llmforward

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"unicode"
)

// maxFilenameRunes bounds sanitized filenames.
const maxFilenameRunes = 120

// Download fetches a media URL, refusing bodies larger than maxBytes.
func Download(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > 0 && resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("download %s: %d bytes exceeds limit %d", url, resp.ContentLength, maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("download %s: body exceeds limit %d", url, maxBytes)
	}
	return data, nil
}

// SanitizeFilename reduces an attachment name to a safe basename:
// no path components, no control characters, bounded length.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	runes := []rune(out)
	if len(runes) > maxFilenameRunes {
		ext := filepath.Ext(out)
		keep := maxFilenameRunes - len([]rune(ext))
		if keep < 1 {
			keep = 1
		}
		out = string(runes[:keep]) + ext
	}
	return out
}
