package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcleary/sigscan/internal/analyzer"
)

func sseBody(deltas ...string) string {
	var sb strings.Builder
	sb.WriteString(`data: {"type":"message_start","message":{"usage":{"input_tokens":120}}}` + "\n\n")
	for _, d := range deltas {
		sb.WriteString(fmt.Sprintf(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":%q}}`+"\n\n", d))
	}
	sb.WriteString(`data: {"type":"message_delta","usage":{"output_tokens":42}}` + "\n\n")
	sb.WriteString(`data: {"type":"message_stop"}` + "\n\n")
	return sb.String()
}

func newTestProvider(t *testing.T, handler http.HandlerFunc) *ClaudeProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewClaudeProvider("test-key", "claude-sonnet-4-20250514")
	p.SetBaseURL(srv.URL)
	return p
}

func TestCompleteAccumulatesStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sseBody(`[{"title":"t",`, `"summary":"s"}]`))
	})

	var deltas []string
	res, err := p.Complete(context.Background(), analyzer.CompletionRequest{
		System:  "extract signals",
		Content: "posts",
	}, func(d string) { deltas = append(deltas, d) })

	require.NoError(t, err)
	assert.Equal(t, `[{"title":"t","summary":"s"}]`, res.Text)
	assert.Equal(t, 120, res.InputTokens)
	assert.Equal(t, 42, res.OutputTokens)
	assert.Len(t, deltas, 2)
}

func TestCompleteMissingAPIKey(t *testing.T) {
	p := NewClaudeProvider("", "claude-sonnet-4-20250514")

	_, err := p.Complete(context.Background(), analyzer.CompletionRequest{Content: "posts"}, nil)
	assert.Equal(t, analyzer.KindAuth, analyzer.ErrKind(err))
}

func TestCompleteErrorEventInStream(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"type":"error","error":{"type":"overloaded_error","message":"busy"}}`+"\n\n")
	})

	_, err := p.Complete(context.Background(), analyzer.CompletionRequest{Content: "posts"}, nil)
	assert.Equal(t, analyzer.KindOverloaded, analyzer.ErrKind(err))
}

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   analyzer.ErrorKind
	}{
		{429, `{"error":{"type":"rate_limit_error","message":"slow down"}}`, analyzer.KindRateLimit},
		{401, ``, analyzer.KindAuth},
		{403, ``, analyzer.KindAuth},
		{404, `{"error":{"type":"not_found_error","message":"no such model"}}`, analyzer.KindModelNotFound},
		{413, ``, analyzer.KindInputTooLarge},
		{400, `{"error":{"type":"invalid_request_error","message":"prompt is too long: 250000 tokens"}}`, analyzer.KindInputTooLarge},
		{400, `{"error":{"type":"invalid_request_error","message":"bad schema"}}`, analyzer.KindInvalidRequest},
		{503, ``, analyzer.KindOverloaded},
		{529, `{"error":{"type":"overloaded_error","message":"busy"}}`, analyzer.KindOverloaded},
		{500, `{"error":{"type":"billing_error","message":"credit exhausted"}}`, analyzer.KindQuota},
		{500, `oops`, analyzer.KindTransient},
	}

	for _, c := range cases {
		got := classifyHTTP(c.status, []byte(c.body))
		assert.Equal(t, c.want, got.Kind, "status %d body %s", c.status, c.body)
	}
}

func TestClassifyHTTPEndToEnd(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	})

	_, err := p.Complete(context.Background(), analyzer.CompletionRequest{Content: "posts"}, nil)
	var apiErr *analyzer.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, analyzer.KindRateLimit, apiErr.Kind)
	assert.True(t, apiErr.Retryable())
}
