// Package providers contains LLM provider implementations.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jcleary/sigscan/internal/analyzer"
)

const (
	claudeAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
)

// ClaudeProvider implements analyzer.Provider against the Anthropic messages API.
type ClaudeProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

// NewClaudeProvider creates a new Claude provider
func NewClaudeProvider(apiKey, model string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		model:   model,
		baseURL: claudeAPIURL,
		client: &http.Client{
			Timeout: 180 * time.Second, // LLM calls can be slow
		},
	}
}

// SetBaseURL overrides the API endpoint; used by tests.
func (c *ClaudeProvider) SetBaseURL(url string) {
	c.baseURL = url
}

// claudeRequest represents the request body for the messages API
type claudeRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    []claudeSystem  `json:"system,omitempty"`
	Messages  []claudeMessage `json:"messages"`
	Stream    bool            `json:"stream"`
}

type claudeSystem struct {
	Type         string           `json:"type"`
	Text         string           `json:"text"`
	CacheControl *claudeCacheHint `json:"cache_control,omitempty"`
}

type claudeCacheHint struct {
	Type string `json:"type"`
}

type claudeMessage struct {
	Role    string       `json:"role"`
	Content []claudePart `json:"content"`
}

type claudePart struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeImageSource struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Complete sends the batch to the model and streams the response, invoking
// onDelta per text fragment. Errors are tagged at this boundary and nowhere
// else; callers match on the kind, never the message.
func (c *ClaudeProvider) Complete(ctx context.Context, req analyzer.CompletionRequest, onDelta func(string)) (analyzer.CompletionResult, error) {
	var result analyzer.CompletionResult

	if c.apiKey == "" {
		return result, &analyzer.APIError{Kind: analyzer.KindAuth, Detail: "API key not configured"}
	}

	parts := []claudePart{{Type: "text", Text: req.Content}}
	for _, u := range req.ImageURLs {
		parts = append(parts, claudePart{
			Type:   "image",
			Source: &claudeImageSource{Type: "url", URL: u},
		})
	}

	body := claudeRequest{
		Model:     c.model,
		MaxTokens: 8192,
		Messages:  []claudeMessage{{Role: "user", Content: parts}},
		Stream:    true,
	}
	if req.System != "" {
		body.System = []claudeSystem{{
			Type:         "text",
			Text:         req.System,
			CacheControl: &claudeCacheHint{Type: "ephemeral"},
		}}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return result, &analyzer.APIError{Kind: analyzer.KindInvalidRequest, Detail: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(jsonBody))
	if err != nil {
		return result, &analyzer.APIError{Kind: analyzer.KindInvalidRequest, Detail: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return result, classifyHTTP(resp.StatusCode, raw)
	}

	return c.readStream(ctx, resp.Body, onDelta)
}

// readStream consumes the SSE stream, accumulating text and token usage.
func (c *ClaudeProvider) readStream(ctx context.Context, body io.Reader, onDelta func(string)) (analyzer.CompletionResult, error) {
	var result analyzer.CompletionResult
	var text strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var evt struct {
			Type  string `json:"type"`
			Delta *struct {
				Type string `json:"type"`
				Text string `json:"text,omitempty"`
			} `json:"delta,omitempty"`
			Message *struct {
				Usage struct {
					InputTokens int `json:"input_tokens"`
				} `json:"usage"`
			} `json:"message,omitempty"`
			Usage *struct {
				OutputTokens int `json:"output_tokens"`
			} `json:"usage,omitempty"`
			Error *claudeError `json:"error,omitempty"`
		}
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}

		switch {
		case evt.Error != nil:
			return result, classifyAPIType(evt.Error.Type, evt.Error.Message)
		case evt.Type == "message_start" && evt.Message != nil:
			result.InputTokens = evt.Message.Usage.InputTokens
		case evt.Type == "message_delta" && evt.Usage != nil:
			result.OutputTokens = evt.Usage.OutputTokens
		case evt.Type == "content_block_delta" && evt.Delta != nil && evt.Delta.Text != "":
			text.WriteString(evt.Delta.Text)
			if onDelta != nil {
				onDelta(evt.Delta.Text)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, &analyzer.APIError{Kind: analyzer.KindTransient, Detail: fmt.Sprintf("stream read failed: %v", err)}
	}

	result.Text = strings.TrimSpace(text.String())
	return result, nil
}

// classifyHTTP maps an HTTP status plus the error payload into a tagged error.
func classifyHTTP(status int, raw []byte) *analyzer.APIError {
	var payload struct {
		Error *claudeError `json:"error"`
	}
	errType := ""
	detail := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &payload) == nil && payload.Error != nil {
		errType = payload.Error.Type
		detail = payload.Error.Message
	}

	switch status {
	case http.StatusTooManyRequests:
		return &analyzer.APIError{Kind: analyzer.KindRateLimit, Detail: detail}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &analyzer.APIError{Kind: analyzer.KindAuth, Detail: detail}
	case http.StatusNotFound:
		return &analyzer.APIError{Kind: analyzer.KindModelNotFound, Detail: detail}
	case http.StatusRequestEntityTooLarge:
		return &analyzer.APIError{Kind: analyzer.KindInputTooLarge, Detail: detail}
	case http.StatusBadRequest:
		if errType == "invalid_request_error" && strings.Contains(detail, "prompt is too long") {
			return &analyzer.APIError{Kind: analyzer.KindInputTooLarge, Detail: detail}
		}
		return &analyzer.APIError{Kind: analyzer.KindInvalidRequest, Detail: detail}
	case http.StatusServiceUnavailable, 529:
		return &analyzer.APIError{Kind: analyzer.KindOverloaded, Detail: detail}
	}
	if errType != "" {
		return classifyAPIType(errType, detail)
	}
	return &analyzer.APIError{Kind: analyzer.KindTransient, Detail: fmt.Sprintf("status %d: %s", status, detail)}
}

// classifyAPIType maps the upstream's error type string into a tagged error.
func classifyAPIType(errType, detail string) *analyzer.APIError {
	switch errType {
	case "rate_limit_error":
		return &analyzer.APIError{Kind: analyzer.KindRateLimit, Detail: detail}
	case "overloaded_error":
		return &analyzer.APIError{Kind: analyzer.KindOverloaded, Detail: detail}
	case "billing_error":
		return &analyzer.APIError{Kind: analyzer.KindQuota, Detail: detail}
	case "authentication_error", "permission_error":
		return &analyzer.APIError{Kind: analyzer.KindAuth, Detail: detail}
	case "invalid_request_error":
		return &analyzer.APIError{Kind: analyzer.KindInvalidRequest, Detail: detail}
	case "not_found_error":
		return &analyzer.APIError{Kind: analyzer.KindModelNotFound, Detail: detail}
	default:
		return &analyzer.APIError{Kind: analyzer.KindTransient, Detail: detail}
	}
}

// classifyTransport maps transport-level failures into tagged errors.
func classifyTransport(err error) *analyzer.APIError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &analyzer.APIError{Kind: analyzer.KindTimeout, Detail: err.Error()}
	}
	return &analyzer.APIError{Kind: analyzer.KindTransient, Detail: err.Error()}
}
