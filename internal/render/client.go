package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/nbot-io/nbot/internal/config"
	"github.com/nbot-io/nbot/internal/observability"
)

// Client calls the wkhtmltoimage render side-car.
type Client struct {
	base   string
	http   *http.Client
	logger *observability.Logger
}

// NewClient creates a render client from config.
func NewClient(cfg config.RenderConfig, logger *observability.Logger) *Client {
	return &Client{
		base:   strings.TrimRight(cfg.ServiceURL, "/"),
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type renderRequest struct {
	HTML    string `json:"html"`
	Width   int    `json:"width"`
	Quality int    `json:"quality"`
	Format  string `json:"format"`
}

type renderResponse struct {
	Status  string `json:"status"`
	Image   string `json:"image"`
	Message string `json:"message"`
}

// RenderHTML renders an HTML document to a base64 PNG at the given
// width. Quality is clamped to the service's accepted range.
func (c *Client) RenderHTML(ctx context.Context, html string, width, quality int) (string, error) {
	if quality < 10 {
		quality = 10
	}
	if quality > 100 {
		quality = 100
	}

	body, err := json.Marshal(renderRequest{
		HTML:    html,
		Width:   width,
		Quality: quality,
		Format:  "png",
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/render", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("render service unreachable: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("render response read failed: %w", err)
	}

	var parsed renderResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("malformed render response: %w", err)
	}
	if parsed.Status != "success" || parsed.Image == "" {
		return "", fmt.Errorf("render failed: %s", parsed.Message)
	}
	return parsed.Image, nil
}
