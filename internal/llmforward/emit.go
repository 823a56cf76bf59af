package llmforward

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/pkg/models"
)

// renderFailedReply is sent when the report image cannot be produced.
const renderFailedReply = "分析失败：结果渲染为图片失败（wkhtmltoimage 不可用或渲染报错）"

// fallbackUin stands in when a bot's QQ number is unknown. Forward
// nodes need a numeric uin so the client renders the card.
const fallbackUin = uint64(10000)

// ReportRenderer turns a markdown report into a base64 PNG.
type ReportRenderer interface {
	RenderMarkdownImage(ctx context.Context, title, meta, markdown string, width int) (string, error)
}

// botUin resolves the numeric account for forward node attribution.
// The stored QQ id wins, then a numeric suffix of the bot id, then the
// service account placeholder.
func botUin(bot models.BotInstance) uint64 {
	if n, err := strconv.ParseUint(bot.QQID, 10, 64); err == nil && n > 0 {
		return n
	}
	id := strings.TrimPrefix(bot.ID, "qq_")
	if n, err := strconv.ParseUint(id, 10, 64); err == nil && n > 0 {
		return n
	}
	return fallbackUin
}

func forwardNode(name string, uin uint64, content string) map[string]any {
	return map[string]any{
		"type": "node",
		"data": map[string]any{
			"name":    name,
			"uin":     uin,
			"content": content,
		},
	}
}

// EmitReport renders the analysis markdown as an image and sends it as
// a forward message: a header node, the image node, then plain-text
// supplements carrying any links and code blocks from the report.
func EmitReport(
	ctx context.Context,
	hub *runtime.Hub,
	renderer ReportRenderer,
	bot models.BotInstance,
	event models.Event,
	title, markdown string,
) error {
	markdown = hub.RedactForEvent(ctx, bot.ID, event, markdown)

	if renderer == nil {
		return hub.SendReply(ctx, bot.ID, event, renderFailedReply)
	}
	img, err := renderer.RenderMarkdownImage(ctx, title, "分析报告", markdown, 520)
	if err != nil || img == "" {
		return hub.SendReply(ctx, bot.ID, event, renderFailedReply)
	}

	name := bot.Name
	if name == "" {
		name = "nBot"
	}
	uin := botUin(bot)

	header := fmt.Sprintf("%s\nTime: %s", title, time.Now().Format("2006-01-02 15:04:05"))
	nodes := []map[string]any{
		forwardNode(name, uin, header),
		forwardNode(name, uin, fmt.Sprintf("[CQ:image,file=base64://%s]", img)),
	}
	for _, supplement := range PlainSupplementNodes(markdown) {
		nodes = append(nodes, forwardNode(name, uin, supplement))
	}

	return hub.SendForward(ctx, bot.ID, event, nodes)
}
