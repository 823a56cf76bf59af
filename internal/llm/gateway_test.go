package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/observability"
)

func testGateway(t *testing.T, handler http.HandlerFunc, maxBytes int) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.LLMConfig{
		Profiles: []config.LLMProfile{{
			Name:            "main",
			BaseURL:         srv.URL,
			APIKey:          "k",
			Model:           "test-model",
			MaxRequestBytes: maxBytes,
			TimeoutSeconds:  5,
		}},
	}
	require.NoError(t, cfg.Validate())
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Format: "text", Output: os.Stderr})
	return NewGateway(cfg, logger)
}

func completionHandler(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: "assistant", Content: content},
			}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestChatSuccess(t *testing.T) {
	g := testGateway(t, completionHandler("analysis done"), 1<<20)

	got, err := g.Chat(context.Background(), "main", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "analysis done", got)
}

func TestChatAppliesProfileModel(t *testing.T) {
	var gotModel string
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		completionHandler("x")(w, r)
	}, 1<<20)

	_, err := g.Chat(context.Background(), "", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	require.Equal(t, "test-model", gotModel)
}

func TestChatRequestTooLargeLocal(t *testing.T) {
	g := testGateway(t, completionHandler("never"), 64)

	_, err := g.Chat(context.Background(), "main", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: strings.Repeat("a", 500)}},
	})
	require.True(t, IsTooLarge(err), "err = %v", err)
}

func TestChatRequestTooLargeUpstream(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}, 1<<20)

	_, err := g.Chat(context.Background(), "main", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	require.True(t, IsTooLarge(err))
}

func TestChatHTTPStatusError(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}, 1<<20)

	_, err := g.Chat(context.Background(), "main", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, KindHTTPStatus, le.Kind)
	require.Equal(t, http.StatusUnauthorized, le.Status)
	require.False(t, IsTooLarge(err))
}

func TestChatEmptyChoices(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}, 1<<20)

	_, err := g.Chat(context.Background(), "main", openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "hi"}},
	})
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, KindDecode, le.Kind)
}

func TestChatUnknownProfile(t *testing.T) {
	g := testGateway(t, completionHandler("x"), 1<<20)
	_, err := g.Chat(context.Background(), "missing", openai.ChatCompletionRequest{})
	require.Error(t, err)
}

func TestTranscribeUploadsMultipart(t *testing.T) {
	var gotModel, gotName, gotAuth, gotPath string
	var gotAudio []byte
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, r.ParseMultipartForm(1<<20))
		gotModel = r.FormValue("model")
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		gotName = header.Filename
		gotAudio, _ = io.ReadAll(file)
		_, _ = w.Write([]byte(`{"text":"会议纪要如下"}`))
	}, 1<<20)

	got, err := g.Transcribe(context.Background(), "main", "voice.wav", []byte("RIFFdata"))
	require.NoError(t, err)
	require.Equal(t, "会议纪要如下", got)
	require.Equal(t, "/audio/transcriptions", gotPath)
	require.Equal(t, "Bearer k", gotAuth)
	require.Equal(t, "test-model", gotModel)
	require.Equal(t, "voice.wav", gotName)
	require.Equal(t, []byte("RIFFdata"), gotAudio)
}

func TestTranscribeTooLarge(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}, 1<<10)

	// Oversized input is rejected before any upload.
	_, err := g.Transcribe(context.Background(), "main", "voice.wav", make([]byte, 2<<10))
	require.True(t, IsTooLarge(err))

	// An upstream 413 classifies the same way.
	_, err = g.Transcribe(context.Background(), "main", "voice.wav", []byte("x"))
	require.True(t, IsTooLarge(err))
}

func TestTranscribeHTTPStatusError(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}, 1<<20)

	_, err := g.Transcribe(context.Background(), "main", "voice.wav", []byte("x"))
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, KindHTTPStatus, le.Kind)
	require.Equal(t, http.StatusUnauthorized, le.Status)
}
