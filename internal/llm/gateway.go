// Package llm calls OpenAI-compatible chat completion endpoints. The
// request and response shapes come from go-openai, but transport is a
// plain HTTP client so oversized requests can be rejected before they
// leave the process and 413s can be told apart from other failures.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/observability"
)

// defaultMaxTokens is used when a request sets no completion budget.
const defaultMaxTokens = 4096

// ErrorKind classifies a gateway failure. Callers retry with smaller
// payloads on RequestTooLarge and give up on the rest.
type ErrorKind string

const (
	// KindRequestTooLarge means the serialized request exceeds the
	// profile budget or the upstream returned 413.
	KindRequestTooLarge ErrorKind = "request_too_large"
	// KindHTTPStatus means the upstream answered with a failure status.
	KindHTTPStatus ErrorKind = "http_status"
	// KindNetwork means the request never completed.
	KindNetwork ErrorKind = "network"
	// KindDecode means the response body was not a usable completion.
	KindDecode ErrorKind = "decode"
)

// Error is a classified gateway failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("llm %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTooLarge reports whether err means the request must shrink.
func IsTooLarge(err error) bool {
	var le *Error
	return errors.As(err, &le) && le.Kind == KindRequestTooLarge
}

// Gateway resolves profiles and performs completions.
type Gateway struct {
	cfg     config.LLMConfig
	http    *http.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// SetMetrics attaches the metrics collectors. Nil leaves metrics off.
func (g *Gateway) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

func (g *Gateway) record(profile, status string, start time.Time) {
	if g.metrics != nil {
		g.metrics.RecordLLMRequest(profile, status, time.Since(start).Seconds())
	}
}

// NewGateway creates a gateway over the configured profiles.
func NewGateway(cfg config.LLMConfig, logger *observability.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger,
	}
}

// MaxRequestBytes returns the request budget for a profile.
func (g *Gateway) MaxRequestBytes(profileName string) int {
	if p, ok := g.cfg.Profile(profileName); ok {
		return p.MaxRequestBytes
	}
	return 9 << 20
}

// Chat performs one chat completion against a profile's endpoint and
// returns the first choice's content.
func (g *Gateway) Chat(ctx context.Context, profileName string, req openai.ChatCompletionRequest) (string, error) {
	profile, ok := g.cfg.Profile(profileName)
	if !ok {
		return "", &Error{Kind: KindNetwork, Message: fmt.Sprintf("no llm profile %q configured", profileName)}
	}
	if req.Model == "" {
		req.Model = profile.Model
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = defaultMaxTokens
	}
	start := time.Now()

	body, err := json.Marshal(req)
	if err != nil {
		return "", &Error{Kind: KindDecode, Message: "marshal request failed", Err: err}
	}
	if len(body) > profile.MaxRequestBytes {
		g.record(profile.Name, "too_large", start)
		return "", &Error{
			Kind:    KindRequestTooLarge,
			Message: fmt.Sprintf("request is %d bytes, budget %d", len(body), profile.MaxRequestBytes),
		}
	}

	url := strings.TrimRight(profile.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindNetwork, Message: "build request failed", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+profile.APIKey)

	client := g.http
	if profile.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(profile.TimeoutSeconds)*time.Second)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindNetwork, Message: "response read failed", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		g.record(profile.Name, "too_large", start)
		return "", &Error{Kind: KindRequestTooLarge, Status: resp.StatusCode,
			Message: "upstream rejected request size"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindHTTPStatus, Status: resp.StatusCode,
			Message: fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, snippet(data, 300))}
	}

	var completion openai.ChatCompletionResponse
	if err := json.Unmarshal(data, &completion); err != nil {
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindDecode, Message: "malformed completion response", Err: err}
	}
	if len(completion.Choices) == 0 {
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindDecode, Message: "completion has no choices"}
	}
	g.record(profile.Name, "success", start)

	g.logger.Debug(ctx, "llm completion finished",
		"profile", profile.Name,
		"model", req.Model,
		"request_bytes", len(body),
		"duration", time.Since(start).String())
	return completion.Choices[0].Message.Content, nil
}

// Transcribe uploads an audio clip to a profile's transcription
// endpoint and returns the transcript text. Failures are classified
// the same way Chat classifies them.
func (g *Gateway) Transcribe(ctx context.Context, profileName, fileName string, audio []byte) (string, error) {
	profile, ok := g.cfg.Profile(profileName)
	if !ok {
		return "", &Error{Kind: KindNetwork, Message: fmt.Sprintf("no llm profile %q configured", profileName)}
	}
	if len(audio) > profile.MaxRequestBytes {
		return "", &Error{
			Kind:    KindRequestTooLarge,
			Message: fmt.Sprintf("audio is %d bytes, budget %d", len(audio), profile.MaxRequestBytes),
		}
	}
	start := time.Now()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", fileName)
	if err != nil {
		return "", &Error{Kind: KindDecode, Message: "build upload form failed", Err: err}
	}
	if _, err := part.Write(audio); err != nil {
		return "", &Error{Kind: KindDecode, Message: "build upload form failed", Err: err}
	}
	if err := form.WriteField("model", profile.Model); err != nil {
		return "", &Error{Kind: KindDecode, Message: "build upload form failed", Err: err}
	}
	if err := form.Close(); err != nil {
		return "", &Error{Kind: KindDecode, Message: "build upload form failed", Err: err}
	}

	url := strings.TrimRight(profile.BaseURL, "/") + "/audio/transcriptions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Message: "build request failed", Err: err}
	}
	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+profile.APIKey)

	if profile.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(profile.TimeoutSeconds)*time.Second)
		defer cancel()
		httpReq = httpReq.WithContext(ctx)
	}

	resp, err := g.http.Do(httpReq)
	if err != nil {
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindNetwork, Message: "response read failed", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		g.record(profile.Name, "too_large", start)
		return "", &Error{Kind: KindRequestTooLarge, Status: resp.StatusCode,
			Message: "upstream rejected audio size"}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindHTTPStatus, Status: resp.StatusCode,
			Message: fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, snippet(data, 300))}
	}

	var transcript struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &transcript); err != nil {
		g.record(profile.Name, "error", start)
		return "", &Error{Kind: KindDecode, Message: "malformed transcription response", Err: err}
	}
	g.record(profile.Name, "success", start)

	g.logger.Debug(ctx, "transcription finished",
		"profile", profile.Name,
		"audio_bytes", len(audio),
		"duration", time.Since(start).String())
	return transcript.Text, nil
}

// Complete runs a single-prompt text completion. It satisfies the
// runtime's LLMClient interface for plugin-initiated requests.
func (g *Gateway) Complete(ctx context.Context, model, prompt string) (string, error) {
	return g.Chat(ctx, g.cfg.DefaultProfile, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
}

// CompleteWithSearch runs a completion on the search-capable profile,
// degrading to the default profile when none is configured.
func (g *Gateway) CompleteWithSearch(ctx context.Context, model, prompt string) (string, error) {
	profile := g.cfg.SearchProfile
	if profile == "" {
		profile = g.cfg.DefaultProfile
	}
	return g.Chat(ctx, profile, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
}

func snippet(data []byte, max int) string {
	s := string(data)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
