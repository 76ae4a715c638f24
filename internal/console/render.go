package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/antonitor/gotchat/pkg/feed"
	"github.com/antonitor/gotchat/pkg/models"
)

// FormatMessage renders one confirmed or pending message as a single line.
func FormatMessage(m models.Message, loc *time.Location) string {
	ts := "--:--"
	if m.TS > models.PendingTS {
		ts = time.UnixMilli(m.TS).In(loc).Format("15:04")
	}
	body := m.Text
	if m.IsPhoto() {
		body = "[photo] " + m.DisplayPhoto()
	}
	return fmt.Sprintf("%s %s: %s", ts, m.Author, body)
}

// FormatItem is FormatMessage plus the delivery state of local rows.
func FormatItem(it feed.Item, loc *time.Location) string {
	line := FormatMessage(it.Message, loc)
	switch it.State {
	case feed.Sending:
		line += "  (sending)"
	case feed.Acknowledged:
		line += "  (sent)"
	case feed.Failed:
		reason := "unknown error"
		if it.Err != nil {
			reason = it.Err.Error()
		}
		line += "  (failed: " + reason + ", /retry or /dismiss)"
	}
	return line
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func header(title string) string {
	line := "== " + title + " "
	const width = 60
	if len(line) < width {
		line += strings.Repeat("=", width-len(line))
	}
	return line
}
