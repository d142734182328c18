package moderation

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/whisper/llm-moderator/internal/forum"
)

// SanitizeText strips markup from user content, keeping line breaks. Text
// inside script and style elements is dropped, entities are decoded, runs of
// spaces collapse to one, and blank leading and trailing lines are removed.
func SanitizeText(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))

	var (
		b    strings.Builder
		skip int
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF or a malformed tail; keep what was read.
			return normalizeLines(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li":
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			if name, _ := z.TagName(); string(name) == "br" {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func normalizeLines(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// ClassifiableText returns the sanitized text sent to the classifier: title
// and body for topic kinds, body only for posts.
func ClassifiableText(kind forum.Kind, c *forum.Content) string {
	if kind.IsTopic() {
		return SanitizeText(c.Title) + "\n\n" + SanitizeText(c.Body)
	}
	return SanitizeText(c.Body)
}
