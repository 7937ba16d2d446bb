package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// PromptID hashes the analysis prompt text together with the model id.
// Editing either changes every per-post cache key, which is how a prompt
// change invalidates prior analyses without touching stored values.
func PromptID(promptText, model string) string {
	h := sha256.New()
	h.Write([]byte(promptText))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// DefaultPrompt is the built-in signal-extraction prompt.
func DefaultPrompt() string {
	var sb strings.Builder

	sb.WriteString("You are a financial analyst extracting trading signals from social media posts.\n\n")
	sb.WriteString("You will receive posts grouped by account. Each post includes its timestamp, text, engagement counts, and canonical URL.\n\n")

	sb.WriteString("## Task\n\n")
	sb.WriteString("Extract every concrete trading signal. For each signal provide:\n")
	sb.WriteString("1. title (string): short headline for the signal\n")
	sb.WriteString("2. summary (string): one or two sentences of substance\n")
	sb.WriteString("3. category (string): one of macro, equity, crypto, commodity, forex, other\n")
	sb.WriteString("4. source (string): the posting account's handle\n")
	sb.WriteString("5. tickers (array): {symbol, action} with action one of buy, sell, hold, watch\n")
	sb.WriteString("6. post_url (string): the URL of the single post the signal came from\n")
	sb.WriteString("7. links (array, optional): external links referenced by the post\n\n")

	sb.WriteString("Rules:\n")
	sb.WriteString("- Attribute each signal to exactly one post; never merge facts across posts.\n")
	sb.WriteString("- Skip posts with no actionable content. Do not invent signals.\n\n")

	sb.WriteString("Respond with a JSON array in this exact format:\n")
	sb.WriteString("```json\n")
	sb.WriteString("[\n")
	sb.WriteString("  {\n")
	sb.WriteString("    \"title\": \"...\",\n")
	sb.WriteString("    \"summary\": \"...\",\n")
	sb.WriteString("    \"category\": \"equity\",\n")
	sb.WriteString("    \"source\": \"handle\",\n")
	sb.WriteString("    \"tickers\": [{\"symbol\": \"NVDA\", \"action\": \"buy\"}],\n")
	sb.WriteString("    \"post_url\": \"https://x.com/handle/status/123\"\n")
	sb.WriteString("  }\n")
	sb.WriteString("]\n")
	sb.WriteString("```\n")
	sb.WriteString("Return an empty array if no posts contain signals.\n")

	return sb.String()
}
