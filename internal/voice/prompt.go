package voice

import (
	"strings"

	"github.com/ent0n29/voicebridge/internal/store"
)

const basePrompt = "You are a friendly voice companion speaking through a small device. " +
	"Keep replies short and conversational, and never use markdown or lists."

// BuildSystemPrompt combines the personality prompt with the user's name and the
// most recent stored turns, oldest first.
func BuildSystemPrompt(u store.User, history []store.TurnRecord) string {
	var b strings.Builder
	if u.Personality != nil && strings.TrimSpace(u.Personality.Prompt) != "" {
		b.WriteString(strings.TrimSpace(u.Personality.Prompt))
	} else {
		b.WriteString(basePrompt)
	}
	if name := strings.TrimSpace(u.Name); name != "" {
		b.WriteString("\n\nThe user's name is ")
		b.WriteString(name)
		b.WriteString(".")
	}

	wrote := false
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		if !wrote {
			b.WriteString("\n\nRecent conversation:")
			wrote = true
		}
		b.WriteString("\n")
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(content)
	}
	return b.String()
}
