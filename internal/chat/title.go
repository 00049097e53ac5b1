package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/suPer8Hu/healthchat/internal/common"
)

const (
	DefaultTitle   = "New conversation"
	maxTitleRunes  = 50
	truncatedRunes = 47
)

// SessionTitle derives a title from the first user message: whitespace is
// collapsed and long text is cut to 47 runes plus "...".
func SessionTitle(firstMessage string) string {
	title := strings.Join(strings.Fields(firstMessage), " ")
	if title == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		r := []rune(title)
		return string(r[:truncatedRunes]) + "..."
	}
	return title
}

func NewSessionID() (string, error) {
	return common.NewULID()
}
