// Package render turns markdown reports and the command menu into PNG
// images via an external wkhtmltoimage render service.
package render

import (
	"bytes"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(
		extension.Table,
		extension.Linkify,
		extension.Strikethrough,
		extension.TaskList,
	),
	goldmark.WithRendererOptions(
		html.WithHardWraps(),
	),
)

// MarkdownToHTML converts a markdown document to an HTML fragment.
func MarkdownToHTML(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
