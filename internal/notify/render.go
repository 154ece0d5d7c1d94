package notify

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/channels"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/hook"
	"github.com/Rokurolize/claude-code-event-notifier-sub002/internal/persistence"
)

// excerptLimit caps how much task text or response goes into a message.
const excerptLimit = 500

func renderThreadTitle(sessionID string) string {
	return fmt.Sprintf("Session %s", sessionID)
}

func renderStart(rec persistence.TaskRecord) string {
	title := rec.Title
	if title == "" {
		title = rec.TaskID
	}
	return fmt.Sprintf("▶ %s\nstarted", channels.Truncate(title, excerptLimit))
}

func renderCompletion(rec persistence.TaskRecord) string {
	title := rec.Title
	if title == "" {
		title = rec.TaskID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✔ %s\ncompleted", channels.Truncate(title, excerptLimit))
	if excerpt := responseExcerpt(rec.Response); excerpt != "" {
		b.WriteString("\n\n")
		b.WriteString(excerpt)
	}
	return b.String()
}

func renderUnmatched(ev hook.Event) string {
	var b strings.Builder
	b.WriteString("✔ a task completed (no recorded start)")
	if excerpt := responseExcerpt(ev.Response); excerpt != "" {
		b.WriteString("\n\n")
		b.WriteString(excerpt)
	}
	return b.String()
}

// responseExcerpt pulls human-readable text out of the stored response
// payload. Tool responses vary in shape; try the common fields, fall back
// to the raw document.
func responseExcerpt(payload string) string {
	if payload == "" {
		return ""
	}
	doc := gjson.Parse(payload)
	inner := doc.Get("response")
	if !inner.Exists() {
		inner = doc
	}

	for _, field := range []string{"result", "content", "text", "message"} {
		if v := inner.Get(field); v.Exists() && v.Type == gjson.String && v.String() != "" {
			return channels.Truncate(strings.TrimSpace(v.String()), excerptLimit)
		}
	}
	if inner.Type == gjson.String {
		return channels.Truncate(strings.TrimSpace(inner.String()), excerptLimit)
	}
	return channels.Truncate(inner.Raw, excerptLimit)
}
