package transcript

import "strings"

const (
	speaker1Heading = "### Speaker 1 (Local)"
	speaker2Heading = "### Speaker 2 (Remote)"
)

// Fuse merges the two speaker transcripts into one labelled document. Only
// non-empty inputs get a section. The result depends on the inputs alone, so
// fusing again after a retry replaces the previous document instead of
// growing it.
func Fuse(speaker1, speaker2 string) string {
	var b strings.Builder
	if strings.TrimSpace(speaker1) != "" {
		b.WriteString(speaker1Heading)
		b.WriteString("\n")
		b.WriteString(speaker1)
		b.WriteString("\n\n")
	}
	if strings.TrimSpace(speaker2) != "" {
		b.WriteString(speaker2Heading)
		b.WriteString("\n")
		b.WriteString(speaker2)
		b.WriteString("\n")
	}
	return b.String()
}

// Summary joins a summarization title and body.
func Summary(title, body string) string {
	parts := make([]string, 0, 2)
	if t := strings.TrimSpace(title); t != "" {
		parts = append(parts, t)
	}
	if s := strings.TrimSpace(body); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n\n")
}
