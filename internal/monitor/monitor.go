// Package monitor watches NapCat side-cars: container state, WebUI
// login status, and QR code capture for account login.
package monitor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/container"
	"github.com/nbot-io/nbot/internal/observability"
	"github.com/nbot-io/nbot/internal/state"
	"github.com/nbot-io/nbot/pkg/models"
)

// failureLogWindow suppresses repeats of the same failure log line.
const failureLogWindow = 30 * time.Second

// webuiTokenLogTail is how far back container logs are searched for the
// WebUI token.
const webuiTokenLogTail = 5000

var (
	ansiRe       = regexp.MustCompile(`\x1b\[[0-9;]*m`)
	webuiTokenRe = regexp.MustCompile(`WebUi Token:\s*(\S+)`)
	tokenFieldRe = regexp.MustCompile(`"token"\s*:\s*"([^"]+)"`)
)

// Monitor polls NapCat WebUIs for login state and keeps container
// run-state in sync with the store.
type Monitor struct {
	store  *state.Store
	docker *container.Client
	cfg    config.DockerConfig
	http   *http.Client
	logger *observability.Logger

	mu          sync.Mutex
	credentials map[string]string
	lastFailure map[string]time.Time
}

// New creates a monitor.
func New(store *state.Store, docker *container.Client, cfg config.DockerConfig, logger *observability.Logger) *Monitor {
	return &Monitor{
		store:       store,
		docker:      docker,
		cfg:         cfg,
		http:        &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
		credentials: make(map[string]string),
		lastFailure: make(map[string]time.Time),
	}
}

// logFailure logs a failure at most once per window per key.
func (m *Monitor) logFailure(ctx context.Context, key, msg string, err error) {
	m.mu.Lock()
	last, seen := m.lastFailure[key]
	now := time.Now()
	if seen && now.Sub(last) < failureLogWindow {
		m.mu.Unlock()
		return
	}
	m.lastFailure[key] = now
	m.mu.Unlock()
	m.logger.Warn(ctx, msg, "key", key, "error", err)
}

// passwordHash derives the WebUI login hash from the token.
func passwordHash(token string) string {
	sum := sha256.Sum256([]byte(token + ".napcat"))
	return hex.EncodeToString(sum[:])
}

// RunLoginPoll polls each QQ bot's WebUI login status until ctx ends.
func (m *Monitor) RunLoginPoll(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.LoginPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, bot := range m.store.Bots() {
				if bot.Platform != models.PlatformQQ || !bot.IsRunning {
					continue
				}
				m.pollBot(ctx, bot)
			}
		}
	}
}

func (m *Monitor) pollBot(ctx context.Context, bot models.BotInstance) {
	cred, err := m.credential(ctx, bot)
	if err != nil {
		m.logFailure(ctx, "login:"+bot.ID, "webui login failed", err)
		return
	}

	status, err := m.checkLoginStatus(ctx, bot, cred)
	if err != nil {
		m.logFailure(ctx, "status:"+bot.ID, "login status check failed", err)
		return
	}
	if status.Code == -1 {
		// Credential expired; drop it so the next poll logs in again.
		m.mu.Lock()
		delete(m.credentials, bot.ID)
		m.mu.Unlock()
		return
	}

	if status.Data.IsLogin {
		m.store.SetConnected(bot.ID, true)
		m.store.SetLatestQR("", "")
		return
	}

	m.store.SetConnected(bot.ID, false)
	if status.Data.QRCodeURL != "" {
		m.captureQR(ctx, bot.ID, status.Data.QRCodeURL)
	}
}

func (m *Monitor) webuiBase(bot models.BotInstance) string {
	host := bot.WebUIHost
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, bot.WebUIPort)
}

// credential returns a cached WebUI credential or logs in with the best
// token available.
func (m *Monitor) credential(ctx context.Context, bot models.BotInstance) (string, error) {
	m.mu.Lock()
	if cred, ok := m.credentials[bot.ID]; ok {
		m.mu.Unlock()
		return cred, nil
	}
	m.mu.Unlock()

	var lastErr error
	for _, token := range m.candidateTokens(ctx, bot) {
		cred, err := m.login(ctx, bot, token)
		if err != nil {
			lastErr = err
			continue
		}
		m.mu.Lock()
		m.credentials[bot.ID] = cred
		m.mu.Unlock()
		if token != bot.WebUIToken {
			m.store.UpdateBot(bot.ID, func(b *models.BotInstance) bool {
				if b.WebUIToken == token {
					return false
				}
				b.WebUIToken = token
				return true
			})
		}
		return cred, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no webui token available")
	}
	return "", lastErr
}

// candidateTokens lists login tokens from most to least trustworthy:
// the persisted token, the one announced in container logs, then the
// one stored in the container's webui config file.
func (m *Monitor) candidateTokens(ctx context.Context, bot models.BotInstance) []string {
	var tokens []string
	seen := make(map[string]bool)
	add := func(t string) {
		t = strings.TrimSpace(t)
		if t != "" && !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}

	add(bot.WebUIToken)

	if logs, err := m.docker.Logs(ctx, bot.ID, webuiTokenLogTail); err == nil {
		clean := ansiRe.ReplaceAllString(logs, "")
		matches := webuiTokenRe.FindAllStringSubmatch(clean, -1)
		if len(matches) > 0 {
			add(matches[len(matches)-1][1])
		}
	}

	for _, path := range []string{"/app/napcat/config/webui.json", "/app/napcat/config/webui.jsonc"} {
		out, err := m.docker.Exec(ctx, bot.ID, "cat", path)
		if err != nil {
			continue
		}
		if match := tokenFieldRe.FindStringSubmatch(out); match != nil {
			add(match[1])
			break
		}
	}
	return tokens
}

type loginResponse struct {
	Code int `json:"code"`
	Data struct {
		Credential string `json:"Credential"`
	} `json:"data"`
}

func (m *Monitor) login(ctx context.Context, bot models.BotInstance, token string) (string, error) {
	body, _ := json.Marshal(map[string]string{"hash": passwordHash(token)})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.webuiBase(bot)+"/api/auth/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var parsed loginResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("malformed login response: %w", err)
	}
	if parsed.Code != 0 || parsed.Data.Credential == "" {
		return "", fmt.Errorf("login rejected with code %d", parsed.Code)
	}
	return parsed.Data.Credential, nil
}

type loginStatusResponse struct {
	Code int `json:"code"`
	Data struct {
		IsLogin   bool   `json:"isLogin"`
		QRCodeURL string `json:"qrcodeurl"`
	} `json:"data"`
}

func (m *Monitor) checkLoginStatus(ctx context.Context, bot models.BotInstance, credential string) (*loginStatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		m.webuiBase(bot)+"/api/QQLogin/CheckLoginStatus", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed loginStatusResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("malformed status response: %w", err)
	}
	return &parsed, nil
}

// captureQR stores the login QR as a data URL. The image is fetched
// from the WebUI when possible; otherwise the URL itself is rendered as
// a QR code locally.
func (m *Monitor) captureQR(ctx context.Context, botID, qrURL string) {
	if req, err := http.NewRequestWithContext(ctx, http.MethodGet, qrURL, nil); err == nil {
		if resp, err := m.http.Do(req); err == nil {
			data, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr == nil && resp.StatusCode == http.StatusOK && len(data) > 0 {
				m.store.SetLatestQR(qrURL,
					"data:image/png;base64,"+base64.StdEncoding.EncodeToString(data))
				return
			}
		}
	}

	png, err := qrcode.Encode(qrURL, qrcode.Medium, 256)
	if err != nil {
		m.logFailure(ctx, "qr:"+botID, "qr rendering failed", err)
		return
	}
	m.store.SetLatestQR(qrURL,
		"data:image/png;base64,"+base64.StdEncoding.EncodeToString(png))
}

// RunStatusSync mirrors container run-state into the store until ctx
// ends. Discord bots have no container and are skipped.
func (m *Monitor) RunStatusSync(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.StatusSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			states, err := m.docker.States(ctx)
			if err != nil {
				m.logFailure(ctx, "docker:ps", "docker state listing failed", err)
				continue
			}
			for _, bot := range m.store.Bots() {
				if bot.Platform == models.PlatformDiscord {
					continue
				}
				running := states[container.ContainerName(bot.ID)] == "running"
				m.store.UpdateBot(bot.ID, func(b *models.BotInstance) bool {
					if b.IsRunning == running {
						return false
					}
					b.IsRunning = running
					if !running {
						b.IsConnected = false
					}
					return true
				})
			}
		}
	}
}
