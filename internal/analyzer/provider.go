package analyzer

import "context"

// CompletionRequest is one prompt-completion call.
type CompletionRequest struct {
	// System carries the analysis prompt; providers send it as the system
	// message so provider-side prompt caching can apply.
	System string
	// Content is the batch text.
	Content string
	// ImageURLs are attached as image parts when non-empty.
	ImageURLs []string
}

// CompletionResult is the completed model output plus token usage.
type CompletionResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Provider defines the interface for LLM providers. onDelta is invoked with
// each streamed text fragment; it may be nil. Failures are tagged APIErrors.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest, onDelta func(string)) (CompletionResult, error)
}
