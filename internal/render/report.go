package render

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// reportWidth is the render width for analysis reports.
	reportWidth = 520
	// reportQuality is the PNG quality for analysis reports.
	reportQuality = 92
)

// Renderer builds complete report and help images from the on-disk
// HTML templates.
type Renderer struct {
	client     *Client
	assetsDir  string
	twemojiURL string
}

// NewRenderer creates a renderer reading templates from assetsDir.
func NewRenderer(client *Client, assetsDir, twemojiURL string) *Renderer {
	return &Renderer{client: client, assetsDir: assetsDir, twemojiURL: twemojiURL}
}

// logoBase64 loads the bundled logo for template embedding. A missing
// logo renders as an empty image, not an error.
func (r *Renderer) logoBase64() string {
	data, err := os.ReadFile(filepath.Join(r.assetsDir, "logo.png"))
	if err != nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(data)
}

func (r *Renderer) template(name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(r.assetsDir, name))
	if err != nil {
		return "", fmt.Errorf("load template %s: %w", name, err)
	}
	return string(data), nil
}

// RenderMarkdownImage renders a markdown report into a base64 PNG with
// the report template's title bar and footer.
func (r *Renderer) RenderMarkdownImage(ctx context.Context, title, meta, markdown string, width int) (string, error) {
	content, err := MarkdownToHTML(markdown)
	if err != nil {
		return "", fmt.Errorf("markdown conversion failed: %w", err)
	}
	content = EmojiToTwemoji(content, r.twemojiURL)

	tpl, err := r.template("report_template.html")
	if err != nil {
		return "", err
	}

	page := strings.NewReplacer(
		"{title}", escapeHTML(title),
		"{meta}", escapeHTML(meta),
		"{time}", time.Now().Format("2006-01-02 15:04:05"),
		"{logo_base64}", r.logoBase64(),
		"{content}", content,
	).Replace(tpl)

	if width <= 0 {
		width = reportWidth
	}
	return r.client.RenderHTML(ctx, page, width, reportQuality)
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}
