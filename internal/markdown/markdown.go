// Package markdown reads the legacy Markdown dialect accepted by Telegram
// bots: *bold*, _italic_, `code`, ```pre``` and [text](url).
package markdown

import "strings"

// Span represents a styled slice of text.
type Span struct {
	Text   string
	Bold   bool
	Italic bool
	Code   bool
	URL    string
}

// ParseInline splits input into styled spans. Backslash escapes the next
// marker. A marker without a closing partner is kept as literal text.
func ParseInline(input string) []Span {
	if input == "" {
		return nil
	}
	var spans []Span
	var buf strings.Builder
	bold := false
	italic := false
	code := false

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		spans = append(spans, Span{
			Text:   buf.String(),
			Bold:   bold,
			Italic: italic,
			Code:   code,
		})
		buf.Reset()
	}

	for i := 0; i < len(input); {
		ch := input[i]
		if ch == '\\' && i+1 < len(input) && !code {
			buf.WriteByte(input[i+1])
			i += 2
			continue
		}
		if ch == '`' {
			marker := "`"
			if strings.HasPrefix(input[i:], "```") {
				marker = "```"
			}
			if code {
				flush()
				code = false
				i += len(marker)
				continue
			}
			if hasClosing(input[i+len(marker):], marker) {
				flush()
				code = true
				i += len(marker)
				continue
			}
		}
		if !code && ch == '[' {
			if text, url, n, ok := parseLink(input[i:]); ok {
				flush()
				spans = append(spans, Span{Text: text, Bold: bold, Italic: italic, URL: url})
				i += n
				continue
			}
		}
		if !code && ch == '*' {
			if bold {
				flush()
				bold = false
				i++
				continue
			}
			if hasClosing(input[i+1:], "*") {
				flush()
				bold = true
				i++
				continue
			}
		}
		if !code && ch == '_' {
			if italic {
				flush()
				italic = false
				i++
				continue
			}
			if hasClosing(input[i+1:], "_") {
				flush()
				italic = true
				i++
				continue
			}
		}
		buf.WriteByte(ch)
		i++
	}
	flush()
	return spans
}

// Plain drops the markup and renders links as "text (url)".
func Plain(input string) string {
	var b strings.Builder
	for _, span := range ParseInline(input) {
		b.WriteString(span.Text)
		if span.URL != "" && span.URL != span.Text {
			b.WriteString(" (")
			b.WriteString(span.URL)
			b.WriteString(")")
		}
	}
	return b.String()
}

func parseLink(s string) (text, url string, n int, ok bool) {
	closeText := strings.Index(s, "](")
	if closeText < 1 || strings.ContainsAny(s[1:closeText], "\n[") {
		return "", "", 0, false
	}
	closeURL := strings.IndexByte(s[closeText+2:], ')')
	if closeURL < 0 {
		return "", "", 0, false
	}
	url = s[closeText+2 : closeText+2+closeURL]
	if url == "" || strings.ContainsAny(url, " \n") {
		return "", "", 0, false
	}
	return s[1:closeText], url, closeText + 3 + closeURL, true
}

func hasClosing(remaining, marker string) bool {
	if remaining == "" || marker == "" {
		return false
	}
	return strings.Contains(remaining, marker)
}
