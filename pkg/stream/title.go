package stream

import (
	"strings"
	"unicode/utf8"
)

const (
	maxTitleRunes = 50
	fallbackTitle = "New conversation"
)

// deriveTitle turns the first prompt of a conversation into its title.
func deriveTitle(prompt string) string {
	title := strings.Join(strings.Fields(prompt), " ")
	if title == "" {
		return fallbackTitle
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}
