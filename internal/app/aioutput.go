package app

import (
	"bytes"
	"encoding/json"
	"strings"

	"storyforge/api/internal/content"
)

// candidateItem is one suggestion as returned by a generation provider.
type candidateItem struct {
	Title         string
	Summary       string
	Content       content.Doc
	Refs          json.RawMessage
	RiskFlags     []string
	TargetEntryID string
}

type rawCandidateItem struct {
	Title         string          `json:"title"`
	Summary       string          `json:"summary"`
	Content       json.RawMessage `json:"content"`
	Refs          json.RawMessage `json:"refs"`
	RiskFlags     []string        `json:"riskFlags"`
	TargetEntryID string          `json:"targetEntryId"`
}

// parseCandidateOutput pulls candidate items out of raw provider text. The
// text may wrap the JSON in prose or code fences; the JSON itself is either
// {"items":[...]} or a bare array. Each JSON value found is tried in order
// until one yields at least one item. Items that cannot be decoded, or have
// neither a title nor content, are counted as skipped.
func parseCandidateOutput(output string) ([]candidateItem, int) {
	skipped := 0
	for _, payload := range jsonValuesIn(output) {
		items, n := decodeCandidatePayload(payload)
		if len(items) > 0 {
			return items, n
		}
		if skipped == 0 {
			skipped = n
		}
	}
	return nil, skipped
}

func decodeCandidatePayload(payload json.RawMessage) ([]candidateItem, int) {
	var rawItems []json.RawMessage
	switch payload[0] {
	case '[':
		if err := json.Unmarshal(payload, &rawItems); err != nil {
			return nil, 0
		}
	case '{':
		var envelope struct {
			Items      []json.RawMessage `json:"items"`
			Candidates []json.RawMessage `json:"candidates"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			return nil, 0
		}
		switch {
		case envelope.Items != nil:
			rawItems = envelope.Items
		case envelope.Candidates != nil:
			rawItems = envelope.Candidates
		default:
			rawItems = []json.RawMessage{payload}
		}
	}

	items := make([]candidateItem, 0, len(rawItems))
	skipped := 0
	for _, raw := range rawItems {
		item, ok := decodeCandidateItem(raw)
		if !ok {
			skipped++
			continue
		}
		items = append(items, item)
	}
	return items, skipped
}

func decodeCandidateItem(raw json.RawMessage) (candidateItem, bool) {
	var decoded rawCandidateItem
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return candidateItem{}, false
	}
	doc, ok := decodeItemContent(decoded.Content)
	if !ok {
		return candidateItem{}, false
	}
	title := strings.TrimSpace(decoded.Title)
	if title == "" && len(doc.Nodes) == 0 {
		return candidateItem{}, false
	}
	flags := make([]string, 0, len(decoded.RiskFlags))
	for _, flag := range decoded.RiskFlags {
		if flag = strings.TrimSpace(flag); flag != "" {
			flags = append(flags, flag)
		}
	}
	refs := decoded.Refs
	if len(bytes.TrimSpace(refs)) == 0 || string(bytes.TrimSpace(refs)) == "null" {
		refs = nil
	}
	return candidateItem{
		Title:         title,
		Summary:       summaryOrExcerpt(decoded.Summary, doc),
		Content:       doc,
		Refs:          refs,
		RiskFlags:     flags,
		TargetEntryID: strings.TrimSpace(decoded.TargetEntryID),
	}, true
}

// decodeItemContent accepts a doc object, a bare node array or plain text.
func decodeItemContent(raw json.RawMessage) (content.Doc, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return content.Doc{}, true
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return content.Doc{}, false
		}
		return content.FromText(text), true
	case '[':
		wrapped := append(append([]byte(`{"type":"doc","content":`), trimmed...), '}')
		doc, err := content.ParseDoc(wrapped)
		return doc, err == nil
	case '{':
		doc, err := content.ParseDoc(trimmed)
		return doc, err == nil
	default:
		return content.Doc{}, false
	}
}

// jsonValuesIn returns every complete JSON object or array in text, in order.
// Values inside fenced blocks come before values in the surrounding prose.
func jsonValuesIn(text string) []json.RawMessage {
	var values []json.RawMessage
	for _, block := range fencedBlocks(text) {
		values = append(values, scanJSONValues(block)...)
	}
	return append(values, scanJSONValues(text)...)
}

func fencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return blocks
		}
		rest = rest[start+3:]
		// Skip a language tag such as ```json.
		if newline := strings.IndexByte(rest, '\n'); newline >= 0 && !strings.ContainsAny(rest[:newline], "{[") {
			rest = rest[newline+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			return append(blocks, rest)
		}
		blocks = append(blocks, rest[:end])
		rest = rest[end+3:]
	}
}

func scanJSONValues(text string) []json.RawMessage {
	var values []json.RawMessage
	for i := 0; i < len(text); i++ {
		if text[i] != '{' && text[i] != '[' {
			continue
		}
		decoder := json.NewDecoder(strings.NewReader(text[i:]))
		var value json.RawMessage
		if err := decoder.Decode(&value); err != nil {
			continue
		}
		values = append(values, value)
		i += int(decoder.InputOffset()) - 1
	}
	return values
}

const summaryExcerptRunes = 160

// summaryOrExcerpt falls back to the first line of the content when the
// provider sent no summary.
func summaryOrExcerpt(summary string, doc content.Doc) string {
	if summary = strings.TrimSpace(summary); summary != "" {
		return summary
	}
	line, _, _ := strings.Cut(doc.PlainText(), "\n")
	if runes := []rune(line); len(runes) > summaryExcerptRunes {
		return string(runes[:summaryExcerptRunes])
	}
	return line
}
