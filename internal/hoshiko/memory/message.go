// Package memory implements Hoshiko's conversational memory: the bounded
// per-conversation history cache, the personality-notes enrichment pipeline,
// the shared world-state pipeline, and the context assembler that merges all
// of it into the prompt sent to the model.
package memory

import "strings"

// Role identifies the author class of a message in model terms.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a single turn in a conversation. Immutable once appended;
// messages only leave a history by whole-message trimming or cache eviction.
type Message struct {
	Role string // "user", "assistant" or "system"
	Name string // display name of the author; empty for assistant/system turns
	Text string
}

// estimateTokens returns a rough token count for one message. It uses the
// ~4 characters per token English heuristic with a small per-message overhead
// for role framing, floored at the whitespace word count so that degenerate
// content (long runs of single-character words, empty strings) never
// underestimates to zero. The budget this feeds is a soft limit.
func estimateTokens(m Message) int {
	const charsPerToken = 4
	const perMessageOverhead = 4 // role label, delimiters

	est := len(m.Text) / charsPerToken
	if words := len(strings.Fields(m.Text)); words > est {
		est = words
	}
	return est + perMessageOverhead
}

// estimateTotal sums the token estimate over a message slice.
func estimateTotal(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m)
	}
	return total
}

// userAuthored collects the text of messages authored by the named user,
// oldest first. Assistant and system turns are skipped, as are user turns
// attributed to other speakers.
func userAuthored(history []Message, username string) []string {
	var texts []string
	for _, m := range history {
		if m.Role == RoleUser && m.Name == username {
			texts = append(texts, m.Text)
		}
	}
	return texts
}

// lastN returns the trailing n elements of texts (all of them when fewer).
func lastN(texts []string, n int) []string {
	if len(texts) <= n {
		return texts
	}
	return texts[len(texts)-n:]
}
