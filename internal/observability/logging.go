// Package observability provides the logging and metrics plumbing shared
// by every nbot component.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stdout)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns applied on top of the
	// defaults
	RedactPatterns []string
}

// Logger wraps slog with secret redaction and bot/request correlation
// pulled from the context.
type Logger struct {
	slog   *slog.Logger
	scrubs []*regexp.Regexp
}

type contextKey string

const (
	ctxKeyBotID     contextKey = "bot_id"
	ctxKeyRequestID contextKey = "request_id"
)

// ctxFields maps context keys to the attribute name they surface as.
var ctxFields = []struct {
	key  contextKey
	name string
}{
	{ctxKeyBotID, "bot_id"},
	{ctxKeyRequestID, "request_id"},
}

const redactedMarker = "[REDACTED]"

// defaultScrubPatterns cover the secrets this system actually handles:
// WS access tokens, API keys, and bot tokens.
var defaultScrubPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-[a-zA-Z0-9]{32,}`,
	`[MNO][a-zA-Z0-9_-]{23,}\.[a-zA-Z0-9_-]{6}\.[a-zA-Z0-9_-]{27,}`,
	`(?i)(secret|key|token)[\s:=]+["']?([a-fA-F0-9]{32,})["']?`,
}

// scrubKeys are attribute map keys whose values are always masked.
var scrubKeys = map[string]struct{}{
	"password":      {},
	"secret":        {},
	"token":         {},
	"api_key":       {},
	"apikey":        {},
	"credential":    {},
	"authorization": {},
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// NewLogger creates a structured logger. Empty fields fall back to info
// level, JSON format, stdout. Invalid redact patterns are skipped.
func NewLogger(cfg LogConfig) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level, ok := levelNames[strings.ToLower(cfg.Level)]
	if !ok {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}

	var scrubs []*regexp.Regexp
	for _, pattern := range append(append([]string{}, defaultScrubPatterns...), cfg.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			scrubs = append(scrubs, re)
		}
	}

	return &Logger{slog: slog.New(handler), scrubs: scrubs}
}

// Debug logs at debug level with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args)
}

// Info logs at info level with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args)
}

// Warn logs at warn level with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args)
}

// Error logs at error level with optional key-value pairs.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args []any) {
	if !l.slog.Enabled(ctx, level) {
		return
	}

	attrs := make([]any, 0, len(args)+2*len(ctxFields))
	for _, f := range ctxFields {
		if v, ok := ctx.Value(f.key).(string); ok && v != "" {
			attrs = append(attrs, f.name, v)
		}
	}
	for _, arg := range args {
		attrs = append(attrs, l.scrub(arg))
	}

	l.slog.Log(ctx, level, l.scrubString(msg), attrs...)
}

func (l *Logger) scrub(v any) any {
	switch val := v.(type) {
	case string:
		return l.scrubString(val)
	case error:
		return l.scrubString(val.Error())
	case []byte:
		return l.scrubString(string(val))
	case map[string]any:
		return l.scrubMap(val)
	default:
		// Composite values are checked through their JSON form so a
		// secret inside a struct field still gets masked.
		if b, err := json.Marshal(v); err == nil && len(b) > 2 {
			if s := string(b); l.scrubString(s) != s {
				return l.scrubString(s)
			}
		}
		return v
	}
}

func (l *Logger) scrubString(s string) string {
	for _, re := range l.scrubs {
		s = re.ReplaceAllString(s, redactedMarker)
	}
	return s
}

func (l *Logger) scrubMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		norm := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if _, sensitive := scrubKeys[norm]; sensitive {
			out[k] = redactedMarker
			continue
		}
		out[k] = l.scrub(v)
	}
	return out
}

// With returns a logger that adds the given fields to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), scrubs: l.scrubs}
}

// AddBotID tags the context with a bot instance id for log correlation.
func AddBotID(ctx context.Context, botID string) context.Context {
	return context.WithValue(ctx, ctxKeyBotID, botID)
}

// AddRequestID tags the context with a request id for log correlation.
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}
