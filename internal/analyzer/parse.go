package analyzer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jcleary/sigscan/internal/types"
)

// wireSignal is the Signal shape expected in the model's JSON output.
type wireSignal struct {
	Title    string `json:"title"`
	Summary  string `json:"summary"`
	Category string `json:"category"`
	Source   string `json:"source"`
	Tickers  []struct {
		Symbol string `json:"symbol"`
		Action string `json:"action"`
	} `json:"tickers"`
	PostURL string   `json:"post_url"`
	Links   []string `json:"links"`
}

// ParseSignals extracts signals from raw model output using a pipeline of
// progressively more forgiving steps: strip code fences, extract the first
// top-level JSON array, strict parse, trailing-comma fixup, then a
// control-character-sanitizing parse. Signals missing both a title and a
// summary are discarded.
func ParseSignals(raw string) ([]types.Signal, error) {
	text := stripFences(raw)
	text = extractArray(text)

	wires, err := tryParse(text)
	if err != nil {
		wires, err = tryParse(fixTrailingCommas(text))
	}
	if err != nil {
		wires, err = tryParse(sanitizeControlChars(fixTrailingCommas(text)))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse model output: %w", err)
	}

	signals := make([]types.Signal, 0, len(wires))
	for _, w := range wires {
		if strings.TrimSpace(w.Title) == "" && strings.TrimSpace(w.Summary) == "" {
			continue
		}
		s := types.Signal{
			Title:    strings.TrimSpace(w.Title),
			Summary:  strings.TrimSpace(w.Summary),
			Category: normalizeCategory(w.Category),
			Source:   strings.TrimPrefix(w.Source, "@"),
			PostURL:  strings.TrimSpace(w.PostURL),
			Links:    w.Links,
		}
		for _, t := range w.Tickers {
			if t.Symbol == "" {
				continue
			}
			s.Tickers = append(s.Tickers, types.TickerRef{
				Symbol: strings.ToUpper(strings.TrimPrefix(t.Symbol, "$")),
				Action: normalizeAction(t.Action),
			})
		}
		signals = append(signals, s)
	}

	return signals, nil
}

func tryParse(text string) ([]wireSignal, error) {
	var wires []wireSignal
	if err := json.Unmarshal([]byte(text), &wires); err != nil {
		return nil, err
	}
	return wires, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// extractArray returns the first top-level JSON array in text, found by
// bracket matching that is aware of strings and escapes. Falls back to the
// input when no balanced array is found.
func extractArray(text string) string {
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return text
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '[':
			if !inString {
				depth++
			}
		case ']':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1]
				}
			}
		}
	}

	return text
}

var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// fixTrailingCommas removes commas immediately preceding a closing brace or
// bracket, a common model output defect.
func fixTrailingCommas(text string) string {
	return trailingCommaRe.ReplaceAllString(text, "$1")
}

// sanitizeControlChars strips raw control characters (except whitespace the
// parser accepts between tokens) that models occasionally emit inside
// string literals.
func sanitizeControlChars(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for _, r := range text {
		if r < 0x20 && r != '\n' && r != '\t' && r != '\r' {
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func normalizeCategory(c string) types.Category {
	switch types.Category(strings.ToLower(strings.TrimSpace(c))) {
	case types.CategoryMacro, types.CategoryEquity, types.CategoryCrypto,
		types.CategoryCommodity, types.CategoryForex:
		return types.Category(strings.ToLower(strings.TrimSpace(c)))
	default:
		return types.CategoryOther
	}
}

func normalizeAction(a string) types.Action {
	switch types.Action(strings.ToLower(strings.TrimSpace(a))) {
	case types.ActionBuy, types.ActionSell, types.ActionHold, types.ActionMixed:
		return types.Action(strings.ToLower(strings.TrimSpace(a)))
	default:
		return types.ActionWatch
	}
}
