package collab

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// contentMatcher recognizes one historical shape of a stored note body.
type contentMatcher struct {
	name  string
	match func(value any) (string, bool)
}

// contentMatchers are evaluated in order; the first match wins.
var contentMatchers = []contentMatcher{
	{name: "plain_string", match: matchPlainString},
	{name: "data_field", match: matchDataField},
	{name: "text_field", match: matchTextField},
	{name: "prosemirror_doc", match: matchProseMirrorDoc},
}

// FromStoredContent normalizes a stored note body into plain text. Bodies that
// are not JSON at all are treated as legacy plain text. Unrecognized JSON
// values are stringified so nothing silently disappears.
func FromStoredContent(raw []byte) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return string(raw)
	}
	return normalizeContent(value)
}

func normalizeContent(value any) string {
	if value == nil {
		return ""
	}
	for _, matcher := range contentMatchers {
		if text, ok := matcher.match(value); ok {
			return text
		}
	}
	return stringifyContent(value)
}

func matchPlainString(value any) (string, bool) {
	text, ok := value.(string)
	return text, ok
}

func matchDataField(value any) (string, bool) {
	object, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	data, ok := object["data"].(string)
	if !ok || data == "" {
		return "", false
	}
	return data, true
}

func matchTextField(value any) (string, bool) {
	object, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	switch text := object["text"].(type) {
	case nil:
		return "", false
	case string:
		if text == "" {
			return "", false
		}
		return text, true
	case bool:
		if !text {
			return "", false
		}
		return stringifyContent(text), true
	case float64:
		if text == 0 {
			return "", false
		}
		return stringifyContent(text), true
	default:
		return stringifyContent(text), true
	}
}

func matchProseMirrorDoc(value any) (string, bool) {
	object, ok := value.(map[string]any)
	if !ok {
		return "", false
	}
	if docType, _ := object["type"].(string); docType != "doc" {
		return "", false
	}
	blocks, ok := object["content"].([]any)
	if !ok {
		return "", false
	}
	lines := make([]string, 0, len(blocks))
	for _, block := range blocks {
		lines = append(lines, proseMirrorText(block))
	}
	return strings.Join(lines, "\n"), true
}

// proseMirrorText concatenates the text leaves below node without separators.
func proseMirrorText(node any) string {
	object, ok := node.(map[string]any)
	if !ok {
		return ""
	}
	if nodeType, _ := object["type"].(string); nodeType == "text" {
		text, _ := object["text"].(string)
		return text
	}
	children, ok := object["content"].([]any)
	if !ok {
		return ""
	}
	var builder strings.Builder
	for _, child := range children {
		builder.WriteString(proseMirrorText(child))
	}
	return builder.String()
}

func stringifyContent(value any) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// EncodeStoredText produces the note body written back on flush: the merged
// text as a JSON string.
func EncodeStoredText(text string) []byte {
	encoded, _ := json.Marshal(text)
	return encoded
}

// LoadStoredDocument materializes whatever a DocumentStore returned. A full
// encoded state is decoded directly; anything else is read as a note body and
// seeded into a fresh document. Seed items belong to a client derived from the
// text, so every process seeding the same body produces the same items.
func LoadStoredDocument(clientID string, stored []byte, logger *zap.Logger) *Document {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(stored) == 0 {
		return NewDocument(clientID)
	}
	if ValidateUpdate(stored) == nil {
		return DecodeDocument(clientID, stored, logger)
	}
	text := FromStoredContent(stored)
	if text == "" {
		return NewDocument(clientID)
	}
	seed := NewDocument(seedClientID(text))
	if _, err := seed.Insert(0, text); err != nil {
		logger.Error("seed document from stored content failed",
			zap.String("client_id", clientID),
			zap.Error(err))
		return NewDocument(clientID)
	}
	return DecodeDocument(clientID, seed.EncodeStateAsUpdate(), logger)
}

func seedClientID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "seed-" + hex.EncodeToString(sum[:8])
}
