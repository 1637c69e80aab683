package cli

import (
	"fmt"
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"github.com/npezzotti/message-lounge/internal/types"
)

var strict = bluemonday.StrictPolicy()

// sanitize strips markup and terminal control characters from names
// received from other users.
func sanitize(s string) string {
	return stripControl(html.UnescapeString(strict.Sanitize(s)))
}

// sanitizeText keeps message text as typed, only terminal control
// characters are removed.
func sanitizeText(s string) string {
	return stripControl(s)
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

func formatMessage(m types.ChatMessage) string {
	return fmt.Sprintf("[%s] %s: %s", m.Time().Format("15:04"), sanitize(m.Author), sanitizeText(m.Content))
}

func formatNotification(n types.Notification) string {
	return fmt.Sprintf("%s: %s", sanitizeText(n.Title), sanitizeText(n.Description))
}
