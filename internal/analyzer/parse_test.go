package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcleary/sigscan/internal/types"
)

func TestParseSignalsPlainArray(t *testing.T) {
	raw := `[{"title":"Fed pause","summary":"Rate cut odds rising","category":"macro","source":"alice","post_url":"https://x.com/alice/status/1"}]`

	signals, err := ParseSignals(raw)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "Fed pause", signals[0].Title)
	assert.Equal(t, types.CategoryMacro, signals[0].Category)
	assert.Equal(t, "https://x.com/alice/status/1", signals[0].PostURL)
}

func TestParseSignalsStripsCodeFence(t *testing.T) {
	raw := "```json\n[{\"title\":\"NVDA earnings\",\"summary\":\"beat\",\"category\":\"equity\"}]\n```"

	signals, err := ParseSignals(raw)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "NVDA earnings", signals[0].Title)
}

func TestParseSignalsExtractsArrayFromProse(t *testing.T) {
	raw := `Here are the signals I found:

[{"title":"Oil supply cut","summary":"OPEC news","category":"commodity"}]

Let me know if you need more detail.`

	signals, err := ParseSignals(raw)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.CategoryCommodity, signals[0].Category)
}

func TestParseSignalsFixesTrailingCommas(t *testing.T) {
	raw := `[{"title":"BTC breakout","summary":"new high","category":"crypto",},]`

	signals, err := ParseSignals(raw)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.CategoryCrypto, signals[0].Category)
}

func TestParseSignalsSanitizesControlChars(t *testing.T) {
	raw := "[{\"title\":\"split\x00title\",\"summary\":\"has\x07bell\",\"category\":\"other\",}]"

	signals, err := ParseSignals(raw)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "splittitle", signals[0].Title)
}

func TestParseSignalsDiscardsEmptySignals(t *testing.T) {
	raw := `[
		{"title":"","summary":"","category":"macro"},
		{"title":"kept","summary":"","category":"macro"}
	]`

	signals, err := ParseSignals(raw)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "kept", signals[0].Title)
}

func TestParseSignalsNormalizesTickers(t *testing.T) {
	raw := `[{"title":"t","summary":"s","tickers":[
		{"symbol":"$tsla","action":"BUY"},
		{"symbol":"","action":"buy"},
		{"symbol":"aapl","action":"moon"}
	]}]`

	signals, err := ParseSignals(raw)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Len(t, signals[0].Tickers, 2)
	assert.Equal(t, types.TickerRef{Symbol: "TSLA", Action: types.ActionBuy}, signals[0].Tickers[0])
	assert.Equal(t, types.TickerRef{Symbol: "AAPL", Action: types.ActionWatch}, signals[0].Tickers[1])
}

func TestParseSignalsUnknownCategoryBecomesOther(t *testing.T) {
	raw := `[{"title":"t","summary":"s","category":"astrology"}]`

	signals, err := ParseSignals(raw)
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.CategoryOther, signals[0].Category)
}

func TestParseSignalsUnparseable(t *testing.T) {
	_, err := ParseSignals("I could not find any structured signals, sorry.")
	assert.Error(t, err)
}

func TestPromptIDChangesWithModel(t *testing.T) {
	a := PromptID("extract signals", "claude-sonnet-4-20250514")
	b := PromptID("extract signals", "claude-opus-4")
	c := PromptID("extract signals v2", "claude-sonnet-4-20250514")

	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, a, PromptID("extract signals", "claude-sonnet-4-20250514"))
}
