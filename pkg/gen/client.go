package gen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kryahq/kryad/pkg/joblog"
)

// Settings are the backend parameters for one generation call. They may be
// updated at runtime through the config surface; the client reads a
// snapshot per call.
type Settings struct {
	BaseURL         string  `json:"base_url"`
	Model           string  `json:"model"`
	APIKey          string  `json:"-"`
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
	TopP            float64 `json:"top_p"`
	TopK            int     `json:"top_k"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	http   *http.Client
	events Sink

	mu       sync.RWMutex
	settings Settings
}

// NewClient builds a generation client. timeout bounds one round-trip;
// events receives the per-job INFO/ERROR markers.
func NewClient(settings Settings, timeout time.Duration, events Sink) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	settings.BaseURL = normalizeBaseURL(settings.BaseURL)
	return &Client{
		settings: settings,
		events:   events,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          100,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// Settings returns the current backend settings snapshot.
func (c *Client) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// UpdateSettings applies fn to the current settings under the lock.
func (c *Client) UpdateSettings(fn func(*Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.settings)
	c.settings.BaseURL = normalizeBaseURL(c.settings.BaseURL)
}

// Generate performs one chat completion call and returns cleaned source
// code. It never retries; classification of the failure is the caller's
// signal for whether another attempt makes sense.
func (c *Client) Generate(ctx context.Context, jobID, prompt string, prior *FailureContext) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("prompt is empty")}
	}
	settings := c.Settings()

	c.publish(joblog.Event{
		Level:   joblog.LevelInfo,
		Message: fmt.Sprintf("generating code (model %s)", settings.Model),
		JobID:   jobID,
	})

	code, err := c.generate(ctx, settings, prompt, prior)
	if err != nil {
		c.publish(joblog.Event{
			Level:   joblog.LevelError,
			Message: "code generation failed",
			JobID:   jobID,
		})
		return "", err
	}
	return code, nil
}

func (c *Client) generate(ctx context.Context, settings Settings, prompt string, prior *FailureContext) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       settings.Model,
		Messages:    buildMessages(prompt, prior),
		Temperature: settings.Temperature,
		MaxTokens:   settings.MaxOutputTokens,
		TopP:        settings.TopP,
		TopK:        settings.TopK,
	})
	if err != nil {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("marshal request: %w", err)}
	}

	endpoint := settings.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Kind: KindNetwork, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+settings.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusPaymentRequired:
		return "", &Error{Kind: KindQuota, Err: fmt.Errorf("status %s", resp.Status)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", &Error{Kind: KindNetwork, Err: fmt.Errorf("status %s", resp.Status)}
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(decoded.Choices) == 0 {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("response missing choices")}
	}

	code := CleanCodeResponse(decoded.Choices[0].Message.Content)
	if code == "" {
		return "", &Error{Kind: KindInvalidResponse, Err: fmt.Errorf("response empty")}
	}
	return code, nil
}

func (c *Client) publish(ev joblog.Event) {
	if c.events != nil {
		c.events.Publish(ev)
	}
}

func normalizeBaseURL(baseURL string) string {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	return strings.TrimRight(trimmed, "/")
}
