package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	transcriptTagPattern  = regexp.MustCompile(`<[a-zA-Z_]+>`)
	transcriptCodePattern = regexp.MustCompile("(?s)```.*?```")
	transcriptLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)
)

// cleanTranscript normalizes provider transcript text before it is stored:
// annotation tags such as <noise>, markdown emphasis and links, control
// characters and runs of whitespace are removed.
func cleanTranscript(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = transcriptCodePattern.ReplaceAllString(raw, " ")
	raw = transcriptLinkPattern.ReplaceAllString(raw, "$1")
	raw = transcriptTagPattern.ReplaceAllString(raw, " ")
	raw = strings.NewReplacer("**", "", "__", "", "`", "").Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), r == '\u200b', r == '\ufeff':
			continue
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
