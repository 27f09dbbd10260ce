// Package transcript turns speech-backend results into plain speaker-attributed text.
package transcript

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Normalize unwraps a decoded transcription result into newline-joined
// "<speaker>: <text>" lines. Shapes are tried in a fixed order and the first
// match wins. An unrecognized shape yields "".
func Normalize(v any) string {
	text, _ := build(v)
	return text
}

// Lookup is Normalize that also reports whether any known shape matched.
func Lookup(v any) (string, bool) {
	return build(v)
}

// Parse decodes raw JSON and normalizes it. Invalid JSON yields "".
func Parse(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return Normalize(v)
}

func build(v any) (string, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	if result, ok := obj["Result"].(map[string]any); ok {
		if tr, ok := result["Transcription"].(map[string]any); ok {
			return build(tr)
		}
	}
	if tr, ok := obj["Transcription"].(map[string]any); ok {
		return build(tr)
	}
	if items, ok := obj["Paragraphs"].([]any); ok {
		return joinLines(items), true
	}
	if items, ok := obj["Sentences"].([]any); ok {
		return joinLines(items), true
	}
	if s, ok := obj["Transcript"].(string); ok {
		return s, true
	}
	return "", false
}

func joinLines(items []any) string {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		if line := extractLine(item); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func extractLine(item map[string]any) string {
	text := extractText(item)
	if text == "" {
		return ""
	}
	if speaker := extractSpeaker(item); speaker != "" {
		return speaker + ": " + text
	}
	return text
}

func extractText(item map[string]any) string {
	if s, ok := item["Text"].(string); ok && s != "" {
		return s
	}
	if s, ok := item["text"].(string); ok && s != "" {
		return s
	}
	words, ok := item["Words"].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, w := range words {
		word, ok := w.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := word["Text"].(string); ok {
			b.WriteString(s)
		} else if s, ok := word["text"].(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}

func extractSpeaker(item map[string]any) string {
	if s, ok := item["SpeakerName"].(string); ok && s != "" {
		return s
	}
	if s, ok := item["Speaker"].(string); ok && s != "" {
		return s
	}
	for _, key := range []string{"SpeakerId", "SpeakerID"} {
		if id, ok := item[key]; ok && id != nil {
			return "Speaker " + idString(id)
		}
	}
	return ""
}

// idString renders a speaker id the way it appeared in the payload.
// JSON numbers decode as float64, so 1 must print as "1", not "1.000000".
func idString(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}
