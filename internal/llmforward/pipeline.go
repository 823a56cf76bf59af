// Package llmforward analyzes user-shared media and documents with a
// chat model and forwards the rendered report back to the conversation.
// Inputs are untrusted: everything is fenced, redacted, and budgeted
// before it reaches the model.
package llmforward

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/nbot-io/nbot/internal/llm"
	"github.com/nbot-io/nbot/internal/modules"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/runtime"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/pkg/models"
)

const (
	// maxDownloadBytes bounds any single media download.
	maxDownloadBytes = 50 << 20
	// maxTextChars bounds document text by codepoints.
	maxTextChars = 200000
	// archiveSelectBudget bounds the total bytes pulled out of one
	// archive for analysis.
	archiveSelectBudget = 1 << 20
	// requestHeadroom is reserved for the prompt and JSON envelope when
	// sizing a base64 attachment against the request budget.
	requestHeadroom = 32 << 10
	// defaultFrameCount is used when the module config sets no
	// max_frames.
	defaultFrameCount = 8
	// defaultTaskPrompt is used when the triggering message has no text.
	defaultTaskPrompt = "请分析以下内容，给出客观的总结。"
)

// prepFailedReply and llmFailedReply are the user-facing failure
// messages for the two halves of the pipeline.
const (
	prepFailedReply = "分析失败：内容处理失败，请查看后台日志"
	llmFailedReply  = "分析失败：模型调用失败，请稍后再试"
)

var variantTitles = map[models.ForwardVariant]string{
	models.ForwardText:    "文本分析",
	models.ForwardTextURL: "文档分析",
	models.ForwardArchive: "日志分析",
	models.ForwardImage:   "图片分析",
	models.ForwardVideo:   "视频分析",
	models.ForwardAudio:   "语音分析",
	models.ForwardBundle:  "综合分析",
}

// Forwarder is the multi-modal analysis pipeline. It implements the
// runtime's MediaForwarder interface.
type Forwarder struct {
	hub        *runtime.Hub
	store      *state.Store
	modules    *modules.Registry
	gateway    *llm.Gateway
	renderer   ReportRenderer
	transcoder *Transcoder
	gate       *AbuseGate
	http       *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// SetMetrics attaches the metrics collectors. Nil leaves metrics off.
func (f *Forwarder) SetMetrics(m *observability.Metrics) {
	f.metrics = m
}

func (f *Forwarder) countRun(variant models.ForwardVariant, status string) {
	if f.metrics != nil {
		f.metrics.RecordAnalysis(string(variant), status)
	}
}

// NewForwarder wires the pipeline. renderer and transcoder may be nil;
// a nil transcoder disables video and audio preparation.
func NewForwarder(
	hub *runtime.Hub,
	store *state.Store,
	mods *modules.Registry,
	gateway *llm.Gateway,
	renderer ReportRenderer,
	transcoder *Transcoder,
	logger *observability.Logger,
) *Forwarder {
	return &Forwarder{
		hub:        hub,
		store:      store,
		modules:    mods,
		gateway:    gateway,
		renderer:   renderer,
		transcoder: transcoder,
		gate:       NewAbuseGate(DefaultAbuseConfig()),
		http:       &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// llmModuleConfig returns the effective llm module config for a bot.
func (f *Forwarder) llmModuleConfig(botID string) map[string]any {
	if mod, ok := f.modules.Effective(f.store, botID, "llm"); ok && mod.Enabled {
		return mod.Config
	}
	return nil
}

// MaybeHandle claims message events that carry analyzable media: an
// attachment on the message itself, media on a quoted message, or a
// link in the text. Group messages must mention the bot.
func (f *Forwarder) MaybeHandle(ctx context.Context, botID string, event models.Event) bool {
	req, ok := f.classify(ctx, botID, event)
	if !ok {
		return false
	}
	go f.HandleRequest(context.WithoutCancel(ctx), botID, event, req)
	return true
}

func (f *Forwarder) classify(ctx context.Context, botID string, event models.Event) (models.LLMForwardRequest, bool) {
	var req models.LLMForwardRequest

	if event.Str("message_type") == "group" && !f.mentionsSelf(botID, event) {
		return req, false
	}

	prompt := strings.TrimSpace(messageTextOf(event))
	req.SystemPrompt = prompt

	// Media on the message itself wins over quoted media.
	for _, seg := range event.Segments() {
		switch seg.Type {
		case "image", "video", "record", "file":
			url := seg.FirstStr("url", "file")
			if url == "" {
				continue
			}
			name := seg.FirstStr("file_name", "file")
			req.Variant = variantForMedia(seg.Type, name)
			req.URL = url
			req.FileName = name
			if seg.Type == "record" {
				req.RecordFile = seg.FirstStr("file")
			}
			return req, true
		}
	}

	// A merged forward becomes a bundle: the flattened transcript plus
	// the attachments it references.
	for _, seg := range event.Segments() {
		if seg.Type != "forward" {
			continue
		}
		id := seg.Str("id")
		if id == "" {
			continue
		}
		tr, err := f.hub.RenderForwardText(ctx, botID, id)
		if err != nil || tr.Text == "" {
			continue
		}
		req.Variant = models.ForwardBundle
		req.Content = tr.Text
		req.ForwardMediaTruncated = tr.MediaTruncated
		for _, m := range tr.Media {
			req.Attachments = append(req.Attachments, models.ForwardAttachment{
				Kind:     m.Kind,
				URL:      m.URL,
				FileName: m.Name,
			})
		}
		return req, true
	}

	// Quoted message media.
	replyID := ""
	for _, seg := range event.Segments() {
		if seg.Type == "reply" {
			replyID = seg.FirstStr("id", "message_id")
			break
		}
	}
	if replyID == "" {
		replyID, _ = runtime.ParseReplyID(event.Str("raw_message"))
	}
	if replyID != "" {
		if msg, err := f.hub.FetchRepliedMessage(ctx, botID, replyID); err == nil {
			rc := f.hub.ExtractReplyMedia(ctx, botID, msg, event.Uint("group_id"))
			if rc.MediaURL != "" {
				req.Variant = variantForMedia(rc.MediaKind, rc.FileName)
				req.URL = rc.MediaURL
				req.FileName = rc.FileName
				return req, true
			}
			// A quoted text message with a direct ask becomes a text
			// analysis of the quoted content. The bot's own reports are
			// not re-analyzed.
			if rc.Text != "" && prompt != "" && !rc.SenderIsBot {
				req.Variant = models.ForwardText
				req.Content = rc.Text
				if rc.SenderNickname != "" {
					req.Content = rc.SenderNickname + "：" + rc.Text
				}
				return req, true
			}
		}
	}

	// A link in the message text.
	if urls := ExtractURLs(prompt); len(urls) > 0 {
		req.Variant = models.ForwardTextURL
		req.URL = urls[0]
		return req, true
	}
	return req, false
}

func (f *Forwarder) mentionsSelf(botID string, event models.Event) bool {
	selfID, ok := f.hub.SelfIDs.Get(botID)
	if !ok || selfID == "" {
		return false
	}
	for _, seg := range event.Segments() {
		if seg.Type == "at" && seg.FirstStr("qq", "user_id") == selfID {
			return true
		}
	}
	return false
}

// variantForMedia maps a segment kind and filename to the analysis
// variant. Files dispatch by extension.
func variantForMedia(kind, name string) models.ForwardVariant {
	switch kind {
	case "image":
		return models.ForwardImage
	case "video":
		return models.ForwardVideo
	case "record":
		return models.ForwardAudio
	}
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".zip", ".jar", ".gz", ".tgz":
		return models.ForwardArchive
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp":
		return models.ForwardImage
	case ".mp4", ".mkv", ".webm", ".mov", ".avi":
		return models.ForwardVideo
	case ".mp3", ".wav", ".ogg", ".m4a", ".amr", ".silk":
		return models.ForwardAudio
	}
	return models.ForwardTextURL
}

// HandleRequest runs one analysis to completion and sends the result
// or a failure reply.
func (f *Forwarder) HandleRequest(ctx context.Context, botID string, event models.Event, req models.LLMForwardRequest) {
	ctx = observability.AddBotID(ctx, botID)

	bot, ok := f.store.Bot(botID)
	if !ok {
		return
	}
	modCfg := f.llmModuleConfig(botID)
	f.gate.SetConfig(AbuseConfigFromModule(modCfg))

	userID := event.Str("user_id")
	groupID := event.Str("group_id")
	release, err := f.gate.Acquire(userID, groupID)
	if err != nil {
		f.countRun(req.Variant, "rejected")
		f.reply(ctx, botID, event, err.Error())
		return
	}
	defer release()

	title := req.Title
	if title == "" {
		title = variantTitles[req.Variant]
	}
	if title == "" {
		title = "内容分析"
	}

	task := models.BackgroundTask{
		ID:        uuid.NewString(),
		Kind:      "analysis:" + string(req.Variant),
		Title:     title,
		State:     models.TaskRunning,
		CreatedAt: time.Now().Unix(),
		UpdatedAt: time.Now().Unix(),
	}
	f.store.PutTask(task)
	finishTask := func(state models.TaskState, detail string) {
		f.store.UpdateTask(task.ID, func(t *models.BackgroundTask) {
			t.State = state
			t.Detail = detail
			t.UpdatedAt = time.Now().Unix()
		})
	}

	profile := req.Profile
	if profile == "" {
		if p, ok := modCfg["profile"].(string); ok {
			profile = p
		}
	}
	if req.VideoMode == "" {
		if m, ok := modCfg["video_mode"].(string); ok {
			req.VideoMode = m
		}
	}
	if req.MaxFrames == 0 {
		if n, ok := numberField(modCfg, "max_frames"); ok {
			req.MaxFrames = n
		}
	}
	if req.Keyword == "" {
		if k, ok := modCfg["archive_keyword"].(string); ok {
			req.Keyword = k
		}
	}

	markdown, err := f.analyze(ctx, botID, req, profile, title)
	if err != nil {
		f.countRun(req.Variant, "error")
		finishTask(models.TaskError, err.Error())
		f.logger.Warn(ctx, "analysis failed",
			"variant", string(req.Variant), "title", title, "error", err)
		if llm.IsTooLarge(err) || isGatewayError(err) {
			f.reply(ctx, botID, event, llmFailedReply)
		} else {
			f.reply(ctx, botID, event, prepFailedReply)
		}
		return
	}
	f.countRun(req.Variant, "success")
	finishTask(models.TaskSuccess, "")

	if err := EmitReport(ctx, f.hub, f.renderer, bot, event, title, markdown); err != nil {
		f.logger.Warn(ctx, "report emission failed", "title", title, "error", err)
	}
}

func isGatewayError(err error) bool {
	var le *llm.Error
	return errors.As(err, &le)
}

func (f *Forwarder) reply(ctx context.Context, botID string, event models.Event, text string) {
	if err := f.hub.SendReply(ctx, botID, event, text); err != nil {
		f.logger.Warn(ctx, "pipeline reply failed", "error", err)
	}
}

// analyze prepares the request for a variant and runs the completion
// with budget-driven retries.
func (f *Forwarder) analyze(ctx context.Context, botID string, req models.LLMForwardRequest, profile, title string) (string, error) {
	budget := f.gateway.MaxRequestBytes(profile)

	switch req.Variant {
	case models.ForwardText:
		return f.analyzeText(ctx, req, profile, title, req.Content, "", false)
	case models.ForwardTextURL:
		data, err := Download(ctx, f.http, req.URL, maxDownloadBytes)
		if err != nil {
			return "", err
		}
		name := req.FileName
		if name == "" {
			name = SanitizeFilename(req.URL)
		}
		text, truncated := truncateRunes(string(data), maxTextChars)
		return f.analyzeText(ctx, req, profile, title, text, name, truncated)
	case models.ForwardArchive:
		return f.analyzeArchive(ctx, req, profile, title)
	case models.ForwardImage:
		return f.analyzeImage(ctx, req, profile, title, budget)
	case models.ForwardVideo:
		return f.analyzeVideo(ctx, req, profile, title, budget)
	case models.ForwardAudio:
		return f.analyzeAudio(ctx, botID, req, profile, title, budget)
	case models.ForwardBundle:
		return f.analyzeBundle(ctx, req, profile, title, budget)
	}
	return "", fmt.Errorf("unknown analysis variant %q", req.Variant)
}

// contextJSON builds the structured context text part.
func contextJSON(title string, document map[string]any) string {
	ctx := map[string]any{
		"task":     title,
		"document": document,
		"environment": map[string]any{
			"service": "nbot",
			"time":    time.Now().Format(time.RFC3339),
		},
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return ""
	}
	return "任务上下文（JSON）：\n" + string(data)
}

// baseMessages assembles the shared scaffold: the hardening guard, the
// caller's task prompt, and the context block.
func baseMessages(taskPrompt, ctxBlock string) []openai.ChatCompletionMessage {
	msgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: GuardSystemPrompt()},
	}
	if taskPrompt = strings.TrimSpace(taskPrompt); taskPrompt == "" {
		taskPrompt = defaultTaskPrompt
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: taskPrompt})
	if ctxBlock != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: ctxBlock})
	}
	return msgs
}

func (f *Forwarder) analyzeText(ctx context.Context, req models.LLMForwardRequest, profile, title, content, fileName string, truncated bool) (string, error) {
	content = runtime.RedactQQIDs(content)

	doc := map[string]any{"truncated": truncated}
	if fileName != "" {
		doc["file_name"] = SanitizeFilename(fileName)
	}
	doc["size_chars"] = len([]rune(content))

	for attempt := 0; ; attempt++ {
		nonce := NewDocNonce()
		msgs := baseMessages(req.SystemPrompt, contextJSON(title, doc))
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: WrapUntrusted(nonce, content),
		})

		out, err := f.gateway.Chat(ctx, profile, openai.ChatCompletionRequest{Messages: msgs})
		if err == nil {
			return out, nil
		}
		if !llm.IsTooLarge(err) || attempt >= 3 || len(content) < 2000 {
			return "", err
		}
		half := []rune(content)
		content = string(half[:len(half)/2])
		doc["truncated"] = true
		doc["size_chars"] = len(half) / 2
	}
}

func (f *Forwarder) analyzeArchive(ctx context.Context, req models.LLMForwardRequest, profile, title string) (string, error) {
	data, err := Download(ctx, f.http, req.URL, maxDownloadBytes)
	if err != nil {
		return "", err
	}
	name := req.FileName
	if name == "" {
		name = SanitizeFilename(req.URL)
	}

	entries, err := ExtractArchive(data, name)
	if err != nil {
		return "", err
	}
	entry, ok := SelectEntry(entries, req.Keyword, archiveSelectBudget)
	if !ok {
		return "", fmt.Errorf("archive %s has no readable entries", name)
	}

	text, truncated := truncateRunes(string(entry.Data), maxTextChars)
	return f.analyzeText(ctx, req, profile, title, text, name+"!"+entry.Path, truncated)
}

// attachmentRawBudget sizes one base64 attachment against the request
// budget, leaving envelope headroom. The clamp applies after the
// base64-to-raw conversion so both sides are raw bytes.
func attachmentRawBudget(requestBudget int) int {
	raw := ((requestBudget - requestHeadroom) / 4) * 3
	if raw < rawVideoMinBudget {
		return rawVideoMinBudget
	}
	return raw
}

func dataURLPart(mime string, raw []byte) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL: fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(raw)),
		},
	}
}

// chatWithParts runs one multi-part completion.
func (f *Forwarder) chatWithParts(ctx context.Context, profile, taskPrompt, ctxBlock string, parts []openai.ChatMessagePart) (string, error) {
	msgs := baseMessages(taskPrompt, ctxBlock)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	})
	return f.gateway.Chat(ctx, profile, openai.ChatCompletionRequest{Messages: msgs})
}

func (f *Forwarder) analyzeImage(ctx context.Context, req models.LLMForwardRequest, profile, title string, budget int) (string, error) {
	data, err := Download(ctx, f.http, req.URL, maxDownloadBytes)
	if err != nil {
		return "", err
	}

	rawBudget := attachmentRawBudget(budget)
	for attempt := 0; ; attempt++ {
		prepared, err := PrepareImage(data, rawBudget)
		if err != nil {
			return "", err
		}
		doc := map[string]any{"kind": "image", "size_bytes": len(prepared)}
		out, err := f.chatWithParts(ctx, profile, req.SystemPrompt, contextJSON(title, doc),
			[]openai.ChatMessagePart{dataURLPart("image/jpeg", prepared)})
		if err == nil {
			return out, nil
		}
		if !llm.IsTooLarge(err) || attempt >= 2 {
			return "", err
		}
		rawBudget = int(float64(rawBudget) * videoBudgetShrink)
	}
}

func (f *Forwarder) analyzeVideo(ctx context.Context, req models.LLMForwardRequest, profile, title string, budget int) (string, error) {
	if f.transcoder == nil {
		return "", fmt.Errorf("video analysis requires ffmpeg")
	}
	data, err := Download(ctx, f.http, req.URL, maxDownloadBytes)
	if err != nil {
		return "", err
	}
	if req.VideoMode == "frames" {
		return f.analyzeVideoFrames(ctx, req, profile, title, budget, data)
	}
	return f.analyzeVideoDirect(ctx, req, profile, title, budget, data)
}

func (f *Forwarder) analyzeVideoDirect(ctx context.Context, req models.LLMForwardRequest, profile, title string, budget int, data []byte) (string, error) {
	rawBudget := RawVideoBudget(budget - requestHeadroom)
	for attempt := 0; ; attempt++ {
		fitted, err := f.transcoder.FitVideo(ctx, data, rawBudget)
		if err != nil {
			return "", err
		}
		doc := map[string]any{"kind": "video", "size_bytes": len(fitted)}
		out, err := f.chatWithParts(ctx, profile, req.SystemPrompt, contextJSON(title, doc),
			[]openai.ChatMessagePart{dataURLPart("video/mp4", fitted)})
		if err == nil {
			return out, nil
		}
		if !llm.IsTooLarge(err) || attempt >= videoMaxTranscodeAttempts-1 {
			return "", err
		}
		rawBudget = int(float64(rawBudget) * videoBudgetShrink)
	}
}

func (f *Forwarder) analyzeVideoFrames(ctx context.Context, req models.LLMForwardRequest, profile, title string, budget int, data []byte) (string, error) {
	count := req.MaxFrames
	if count <= 0 {
		count = defaultFrameCount
	}
	if count > 24 {
		count = 24
	}
	frames, err := f.transcoder.ExtractFrames(ctx, data, count)
	if err != nil {
		return "", err
	}

	transcript, err := f.videoTranscript(ctx, profile, req, data)
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		perFrame := attachmentRawBudget(budget) / len(frames)
		parts := make([]openai.ChatMessagePart, 0, len(frames)*2+1)
		if transcript != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: "音频转写：" + transcript,
			})
		}
		kept := 0
		for _, frame := range frames {
			prepared, err := PrepareImage(frame.JPEG, perFrame)
			if err != nil {
				continue
			}
			parts = append(parts,
				openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: frame.Label},
				dataURLPart("image/jpeg", prepared))
			kept++
		}
		if kept == 0 {
			return "", fmt.Errorf("no frames fit the request budget")
		}

		doc := map[string]any{"kind": "video_frames", "frames": len(frames), "has_transcript": transcript != ""}
		out, err := f.chatWithParts(ctx, profile, req.SystemPrompt, contextJSON(title, doc), parts)
		if err == nil {
			return out, nil
		}
		if !llm.IsTooLarge(err) || attempt >= frameMaxAttempts-1 || len(frames) == 1 {
			return "", err
		}
		frames = HalveFrames(frames)
	}
}

// videoTranscript extracts the audio track and transcribes it. A
// missing or failed transcript is fatal only when the request demands
// one.
func (f *Forwarder) videoTranscript(ctx context.Context, profile string, req models.LLMForwardRequest, data []byte) (string, error) {
	wav, err := f.transcoder.ExtractWAV(ctx, data)
	if err != nil {
		if req.RequireTranscript {
			return "", fmt.Errorf("extract audio track: %w", err)
		}
		f.logger.Debug(ctx, "video has no usable audio track", "error", err)
		return "", nil
	}
	text, err := f.gateway.Transcribe(ctx, profile, "audio.wav", wav)
	if err != nil {
		if req.RequireTranscript {
			return "", fmt.Errorf("transcribe audio track: %w", err)
		}
		f.logger.Warn(ctx, "video transcript skipped", "error", err)
		return "", nil
	}
	return runtime.RedactQQIDs(text), nil
}

func (f *Forwarder) analyzeAudio(ctx context.Context, botID string, req models.LLMForwardRequest, profile, title string, budget int) (string, error) {
	if f.transcoder == nil {
		return "", fmt.Errorf("audio analysis requires ffmpeg")
	}
	data, err := f.fetchRecord(ctx, botID, req)
	if err != nil {
		return "", err
	}
	fitted, err := f.transcoder.FitAudio(ctx, data, attachmentRawBudget(budget))
	if err != nil {
		return "", err
	}

	doc := map[string]any{"kind": "audio", "size_bytes": len(fitted)}
	prompt := req.SystemPrompt
	if prompt != "" || req.RequireTranscript {
		if prompt == "" {
			prompt = defaultTaskPrompt
		}
		prompt = "先逐字转写音频内容，然后完成任务：" + prompt
	}
	return f.chatWithParts(ctx, profile, prompt, contextJSON(title, doc),
		[]openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeInputAudio,
			InputAudio: &openai.ChatMessageInputAudio{
				Data:   base64.StdEncoding.EncodeToString(fitted),
				Format: "mp3",
			},
		}})
}

// fetchRecord retrieves the audio bytes for a voice message. Platform
// record files go through get_record so silk and amr come back as WAV;
// anything else downloads directly.
func (f *Forwarder) fetchRecord(ctx context.Context, botID string, req models.LLMForwardRequest) ([]byte, error) {
	if req.RecordFile != "" {
		raw, err := f.hub.SendAPI(ctx, botID, "get_record", map[string]any{
			"file":       req.RecordFile,
			"out_format": "wav",
		})
		if err == nil {
			var resp struct {
				Base64 string `json:"base64"`
			}
			if jerr := json.Unmarshal(raw, &resp); jerr == nil && resp.Base64 != "" {
				if data, derr := base64.StdEncoding.DecodeString(resp.Base64); derr == nil {
					return data, nil
				}
			}
		} else {
			f.logger.Debug(ctx, "get_record failed, downloading instead", "error", err)
		}
	}
	if req.URL == "" {
		return nil, fmt.Errorf("voice message has no retrievable source")
	}
	return Download(ctx, f.http, req.URL, maxDownloadBytes)
}

func (f *Forwarder) analyzeBundle(ctx context.Context, req models.LLMForwardRequest, profile, title string, budget int) (string, error) {
	type preparedItem struct {
		attachment models.ForwardAttachment
		parts      []openai.ChatMessagePart
	}

	var (
		items   []preparedItem
		failed  []string
		dropped []string
	)
	perItem := attachmentRawBudget(budget)
	if n := len(req.Attachments); n > 1 {
		perItem /= n
	}

	for _, att := range req.Attachments {
		parts, err := f.prepareBundleItem(ctx, att, perItem)
		if err != nil {
			failed = append(failed, att.FileName)
			f.logger.Warn(ctx, "bundle item preparation failed",
				"kind", att.Kind, "name", att.FileName, "error", err)
			continue
		}
		items = append(items, preparedItem{attachment: att, parts: parts})
	}
	if len(items) == 0 && req.Content == "" {
		return "", fmt.Errorf("no bundle items could be prepared")
	}

	for attempt := 0; ; attempt++ {
		doc := map[string]any{
			"kind":         "bundle",
			"items":        len(items),
			"items_failed": failed,
		}
		if len(dropped) > 0 {
			doc["items_dropped_due_to_budget"] = dropped
		}
		if req.ForwardMediaTruncated {
			doc["forward_media_truncated"] = true
		}

		var parts []openai.ChatMessagePart
		if req.Content != "" {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: WrapUntrusted(NewDocNonce(), runtime.RedactQQIDs(req.Content)),
			})
		}
		for _, item := range items {
			parts = append(parts, item.parts...)
		}
		out, err := f.chatWithParts(ctx, profile, req.SystemPrompt, contextJSON(title, doc), parts)
		if err == nil {
			return out, nil
		}
		if !llm.IsTooLarge(err) || len(items) <= 1 {
			return "", err
		}
		last := items[len(items)-1]
		dropped = append(dropped, last.attachment.FileName)
		items = items[:len(items)-1]
	}
}

func (f *Forwarder) prepareBundleItem(ctx context.Context, att models.ForwardAttachment, rawBudget int) ([]openai.ChatMessagePart, error) {
	label := openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: fmt.Sprintf("附件 %s（%s）", SanitizeFilename(att.FileName), att.Kind),
	}

	switch att.Kind {
	case "image":
		data, err := Download(ctx, f.http, att.URL, maxDownloadBytes)
		if err != nil {
			return nil, err
		}
		prepared, err := PrepareImage(data, rawBudget)
		if err != nil {
			return nil, err
		}
		return []openai.ChatMessagePart{label, dataURLPart("image/jpeg", prepared)}, nil
	case "video":
		if f.transcoder == nil {
			return nil, fmt.Errorf("video item requires ffmpeg")
		}
		data, err := Download(ctx, f.http, att.URL, maxDownloadBytes)
		if err != nil {
			return nil, err
		}
		fitted, err := f.transcoder.FitVideo(ctx, data, rawBudget)
		if err != nil {
			return nil, err
		}
		return []openai.ChatMessagePart{label, dataURLPart("video/mp4", fitted)}, nil
	case "record":
		if f.transcoder == nil {
			return nil, fmt.Errorf("audio item requires ffmpeg")
		}
		data, err := Download(ctx, f.http, att.URL, maxDownloadBytes)
		if err != nil {
			return nil, err
		}
		fitted, err := f.transcoder.FitAudio(ctx, data, rawBudget)
		if err != nil {
			return nil, err
		}
		return []openai.ChatMessagePart{label, {
			Type: openai.ChatMessagePartTypeInputAudio,
			InputAudio: &openai.ChatMessageInputAudio{
				Data:   base64.StdEncoding.EncodeToString(fitted),
				Format: "mp3",
			},
		}}, nil
	}
	// Unrecognized kinds ride along as metadata only.
	return []openai.ChatMessagePart{label}, nil
}

// truncateRunes bounds a string by codepoints.
func truncateRunes(s string, max int) (string, bool) {
	runes := []rune(s)
	if len(runes) <= max {
		return s, false
	}
	return string(runes[:max]), true
}

// messageTextOf concatenates the text segments of a message event.
func messageTextOf(event models.Event) string {
	segments := event.Segments()
	if len(segments) == 0 {
		return event.Str("raw_message")
	}
	var b strings.Builder
	for _, seg := range segments {
		if seg.Type == "text" {
			b.WriteString(seg.Str("text"))
		}
	}
	return b.String()
}
