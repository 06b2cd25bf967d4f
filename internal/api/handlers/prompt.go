package handlers

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// FlattenPrompt folds a chat transcript into the single prompt the CLI
// accepts. A lone user message with no system text passes through verbatim;
// anything richer becomes a role-prefixed transcript so the CLI sees the
// whole conversation.
func FlattenPrompt(system string, messages []gjson.Result) string {
	if system == "" && len(messages) == 1 && messages[0].Get("role").String() == "user" {
		return MessageText(messages[0].Get("content"))
	}

	var b strings.Builder
	if system != "" {
		fmt.Fprintf(&b, "system: %s\n\n", system)
	}
	for _, msg := range messages {
		role := msg.Get("role").String()
		text := MessageText(msg.Get("content"))
		if role == "" || text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, text)
	}
	return strings.TrimSpace(b.String())
}

// MessageText extracts the text of a message content field. Content is
// either a plain string or an array of parts whose text fields are
// concatenated; non-text parts are skipped.
func MessageText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var b strings.Builder
		for _, part := range content.Array() {
			if text := part.Get("text"); text.Exists() {
				b.WriteString(text.String())
			}
		}
		return b.String()
	}
	return ""
}
