package llm

import (
	"fmt"
	"strings"

	"github.com/pikobot/piko/pkg/types"
)

// BuildSummaryPrompt renders the compaction prompt for a slice of turns. The
// model is asked to keep the facts and preferences that matter for later
// conversation.
func BuildSummaryPrompt(turns []*types.TurnRecord) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation concisely, keeping the key facts and preferences of the user:\n\n")
	for _, t := range turns {
		b.WriteString(strings.ToUpper(t.Role))
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

// BuildSystemPrompt composes the full system prompt for one turn: the
// persona, who the robot is talking to, and the most relevant memories.
func BuildSystemPrompt(persona string, entityName string, memories []*types.MemoryRecord) string {
	var b strings.Builder
	b.WriteString(persona)

	if entityName != "" {
		fmt.Fprintf(&b, "\n\nYou are currently talking to %s.", entityName)
	} else {
		b.WriteString("\n\nYou do not know who you are talking to yet. If they tell you their name, remember it with a person_name marker.")
	}

	if len(memories) > 0 {
		b.WriteString("\n\nThings you remember:")
		for _, m := range memories {
			fmt.Fprintf(&b, "\n- (%s) %s", m.MemoryType, m.Content)
		}
	}
	return b.String()
}
