package types

import (
	"fmt"
	"time"
)

// PostRef is a lightweight reference to another post (quote or reply target).
type PostRef struct {
	Author string `json:"author"`
	URL    string `json:"url"`
}

// Post represents one fetched social-media item in canonical form.
// Immutable once fetched.
type Post struct {
	ID           string    `json:"id"`
	AuthorHandle string    `json:"author_handle"`
	AuthorName   string    `json:"author_name"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
	Likes        int       `json:"likes"`
	Reposts      int       `json:"reposts"`
	Replies      int       `json:"replies"`
	MediaURL     string    `json:"media_url,omitempty"`
	Quoted       *PostRef  `json:"quoted,omitempty"`
	ReplyTo      *PostRef  `json:"reply_to,omitempty"`
	// ExpandedLinks maps shortened links appearing in Text to their targets.
	ExpandedLinks map[string]string `json:"expanded_links,omitempty"`
	FetchedAt     time.Time         `json:"fetched_at"`
}

// URL returns the canonical post URL used as the universal cache key.
func (p Post) URL() string {
	return fmt.Sprintf("https://x.com/%s/status/%s", p.AuthorHandle, p.ID)
}

// Category classifies a signal.
type Category string

const (
	CategoryMacro     Category = "macro"
	CategoryEquity    Category = "equity"
	CategoryCrypto    Category = "crypto"
	CategoryCommodity Category = "commodity"
	CategoryForex     Category = "forex"
	CategoryOther     Category = "other"
)

// Action is the recommended action attached to a ticker reference.
type Action string

const (
	ActionBuy   Action = "buy"
	ActionSell  Action = "sell"
	ActionHold  Action = "hold"
	ActionWatch Action = "watch"
	ActionMixed Action = "mixed"
)

// TickerRef is one ticker mentioned by a signal.
type TickerRef struct {
	Symbol string `json:"symbol"`
	Action Action `json:"action"`
}

// Signal is one extracted structured insight, attributable to exactly one post.
type Signal struct {
	Title    string      `json:"title"`
	Summary  string      `json:"summary"`
	Category Category    `json:"category"`
	Source   string      `json:"source"`
	Tickers  []TickerRef `json:"tickers,omitempty"`
	PostURL  string      `json:"post_url,omitempty"`
	Links    []string    `json:"links,omitempty"`
}

// ScanRequest describes one scan invocation.
type ScanRequest struct {
	Accounts  []string `json:"accounts"`
	RangeDays int      `json:"range_days"`
	// PromptID is a hash combining the active analysis prompt text and the
	// chosen model id; a change to either changes every cache key.
	PromptID  string `json:"prompt_id"`
	UserID    string `json:"user_id"`
	Scheduled bool   `json:"scheduled"`
	// SelfCredentials marks users that supply their own upstream/LLM keys
	// and therefore bypass the credit ledger.
	SelfCredentials bool `json:"self_credentials"`
}

// ScanResult is what a completed scan returns to its caller.
type ScanResult struct {
	Signals       []Signal          `json:"signals"`
	TotalPosts    int               `json:"total_posts"`
	Warnings      []string          `json:"warnings,omitempty"`
	FetchErrors   map[string]string `json:"fetch_errors,omitempty"`
	BatchesFailed int               `json:"batches_failed,omitempty"`
	FromCache     bool              `json:"from_cache"`
	CreditsUsed   int               `json:"credits_used"`
	ScanID        string            `json:"scan_id,omitempty"`
}

// AnalysisEntry is one per-post cache record. An empty Signals slice means
// the post was analyzed and yielded nothing, which is itself cacheable.
type AnalysisEntry struct {
	Signals  []Signal  `json:"signals"`
	CachedAt time.Time `json:"cached_at"`
}
