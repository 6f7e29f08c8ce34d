package dispatch

import (
	"regexp"
	"strings"
)

var (
	greetingPattern = regexp.MustCompile(`(?i)^(halo|hai|hello|oi|oii+)$`)
	urlPattern      = regexp.MustCompile(`https?://\S+`)
	mentionPrefix   = regexp.MustCompile(`^(@\S+\s*)+`)
)

// command is a parsed prefix command such as "!ai jelasin nodejs".
type command struct {
	Name string
	Args string
}

// parseCommand returns nil unless text starts with prefix followed by a letter.
func parseCommand(text, prefix string) *command {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) || len(text) == len(prefix) {
		return nil
	}
	next := text[len(prefix)]
	if !(next >= 'a' && next <= 'z') && !(next >= 'A' && next <= 'Z') {
		return nil
	}
	name, args := splitCommandArgs(text[len(prefix):])
	return &command{Name: name, Args: args}
}

// splitCommandArgs splits command text into a lowercased name and its args.
func splitCommandArgs(text string) (name, args string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}

	parts := strings.SplitN(text, " ", 2)
	name = strings.ToLower(strings.TrimSpace(parts[0]))
	if len(parts) > 1 {
		args = strings.TrimSpace(parts[1])
	}
	return name, args
}

// normalize case-folds and trims text for trigger matching.
func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// stripMentions drops leading @mentions so "@bot 2" reads as "2".
func stripMentions(text string) string {
	return strings.TrimSpace(mentionPrefix.ReplaceAllString(strings.TrimSpace(text), ""))
}

func isGreeting(text string) bool {
	return greetingPattern.MatchString(strings.TrimSpace(text))
}

// findURL returns the first http(s) URL in text.
func findURL(text string) (string, bool) {
	u := urlPattern.FindString(text)
	return u, u != ""
}
