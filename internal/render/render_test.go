package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/observability"
)

func TestMarkdownToHTMLExtensions(t *testing.T) {
	src := "# Title\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\n~~gone~~ https://example.com\n\n- [x] done\n"
	html, err := MarkdownToHTML(src)
	require.NoError(t, err)
	require.Contains(t, html, "<table>")
	require.Contains(t, html, "<del>gone</del>")
	require.Contains(t, html, `<a href="https://example.com"`)
	require.Contains(t, html, "checkbox")
}

func TestEmojiToTwemoji(t *testing.T) {
	base := "https://cdn.example/twemoji"

	got := EmojiToTwemoji("hi \U0001F600!", base)
	require.Contains(t, got, `src="https://cdn.example/twemoji/1f600.svg"`)
	require.True(t, strings.HasPrefix(got, "hi "))
	require.True(t, strings.HasSuffix(got, "!"))

	// ASCII and plain text pass through untouched.
	require.Equal(t, "2 + 2 = 4", EmojiToTwemoji("2 + 2 = 4", base))

	// Variation selectors are dropped from the code sequence.
	got = EmojiToTwemoji("❤️", base)
	require.Contains(t, got, "/2764.svg")
	require.NotContains(t, got, "fe0f")

	// Disabled base returns input unchanged.
	require.Equal(t, "\U0001F600", EmojiToTwemoji("\U0001F600", "off"))
	require.Equal(t, "\U0001F600", EmojiToTwemoji("\U0001F600", ""))
}

func TestEmojiToTwemojiZWJCluster(t *testing.T) {
	// Woman technologist: 1f469 zwj 1f4bb
	got := EmojiToTwemoji("\U0001F469‍\U0001F4BB", "https://t")
	require.Contains(t, got, "/1f469-200d-1f4bb.svg")
}

func newRenderService(t *testing.T, status, image, message string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "png", req.Format)
		require.GreaterOrEqual(t, req.Quality, 10)
		require.LessOrEqual(t, req.Quality, 100)
		_ = json.NewEncoder(w).Encode(renderResponse{Status: status, Image: image, Message: message})
	}))
	t.Cleanup(srv.Close)

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	cfg := config.RenderConfig{ServiceURL: srv.URL}
	require.NoError(t, cfg.Validate())
	return NewClient(cfg, logger)
}

func TestRenderHTMLSuccess(t *testing.T) {
	client := newRenderService(t, "success", "aW1n", "")
	img, err := client.RenderHTML(context.Background(), "<p>x</p>", 520, 92)
	require.NoError(t, err)
	require.Equal(t, "aW1n", img)
}

func TestRenderHTMLFailure(t *testing.T) {
	client := newRenderService(t, "error", "", "wkhtmltoimage crashed")
	_, err := client.RenderHTML(context.Background(), "<p>x</p>", 520, 92)
	require.ErrorContains(t, err, "wkhtmltoimage crashed")
}

func TestRenderHTMLClampsQuality(t *testing.T) {
	client := newRenderService(t, "success", "x", "")
	_, err := client.RenderHTML(context.Background(), "<p>x</p>", 520, 500)
	require.NoError(t, err)
	_, err = client.RenderHTML(context.Background(), "<p>x</p>", 520, -3)
	require.NoError(t, err)
}

func TestRenderMarkdownImageUsesTemplate(t *testing.T) {
	var gotHTML string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req renderRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotHTML = req.HTML
		require.Equal(t, 520, req.Width)
		require.Equal(t, 92, req.Quality)
		_ = json.NewEncoder(w).Encode(renderResponse{Status: "success", Image: "ok"})
	}))
	t.Cleanup(srv.Close)

	assets := t.TempDir()
	tpl := "<html><body><h1>{title}</h1><i>{meta}</i><span>{time}</span>{content}</body></html>"
	require.NoError(t, os.WriteFile(filepath.Join(assets, "report_template.html"), []byte(tpl), 0o644))

	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	cfg := config.RenderConfig{ServiceURL: srv.URL}
	require.NoError(t, cfg.Validate())
	renderer := NewRenderer(NewClient(cfg, logger), assets, "off")

	img, err := renderer.RenderMarkdownImage(context.Background(), "<标题>", "分析报告", "## section", 0)
	require.NoError(t, err)
	require.Equal(t, "ok", img)
	require.Contains(t, gotHTML, "&lt;标题&gt;")
	require.Contains(t, gotHTML, "分析报告")
	require.Contains(t, gotHTML, "<h2")
}

func TestRenderMarkdownImageMissingTemplate(t *testing.T) {
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	cfg := config.RenderConfig{ServiceURL: "http://localhost:1"}
	require.NoError(t, cfg.Validate())
	renderer := NewRenderer(NewClient(cfg, logger), t.TempDir(), "off")

	_, err := renderer.RenderMarkdownImage(context.Background(), "t", "m", "x", 520)
	require.Error(t, err)
}
