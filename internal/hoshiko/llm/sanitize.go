package llm

import (
	"regexp"
	"strings"
)

var (
	// otherSpeaker matches the model beginning to write the other side of
	// the conversation. Everything from the first match onward is dropped.
	otherSpeaker = regexp.MustCompile(`(?i)\n(?:Me|User|You):`)

	leadingMarkdown  = regexp.MustCompile(`^[\*_]{1,3}\s*`)
	leadingOrphans   = regexp.MustCompile(`^[:\-\s]+`)
	trailingMarkdown = regexp.MustCompile(`\s*[\*_]{1,3}$`)
	excessNewlines   = regexp.MustCompile(`\n{3,}`)
)

// Sanitize cleans a raw completion for delivery: it keeps only the first
// reply, strips any leading "BotName:" self-attribution (with or without
// markdown around the name), and collapses runs of blank lines.
func Sanitize(response, botName string) string {
	reply := response
	if loc := otherSpeaker.FindStringIndex(reply); loc != nil {
		reply = reply[:loc[0]]
	}

	if botName != "" {
		namePrefix := regexp.MustCompile(
			`(?i)^[\*_\[\]]*\s*` + regexp.QuoteMeta(botName) + `\s*[\*_\[\]]*\s*[:\-]\s*`)
		reply = namePrefix.ReplaceAllString(reply, "")
	}
	reply = strings.TrimSpace(reply)

	reply = leadingMarkdown.ReplaceAllString(reply, "")
	reply = leadingOrphans.ReplaceAllString(reply, "")
	reply = trailingMarkdown.ReplaceAllString(reply, "")
	reply = excessNewlines.ReplaceAllString(reply, "\n\n")

	return strings.TrimSpace(reply)
}
