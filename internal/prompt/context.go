// Package prompt assembles the bounded message list sent to the generation
// backend.
package prompt

import (
	"fmt"
	"strings"

	"ragops-api/internal/shared"
)

const DefaultSystemInstructions = "You are a helpful assistant."

func trimSnippet(text string) string {
	t := strings.ReplaceAll(strings.TrimSpace(text), "\r", " ")
	return shared.Truncate(t, shared.SnippetCharLimit)
}

// BuildContext renders retrieved snippets into a single block, each prefixed
// with its source and similarity score and trimmed to the snippet budget.
func BuildContext(results []shared.RetrievalResult) string {
	if len(results) == 0 {
		return ""
	}
	lines := []string{"--- Retrieved Documents ---"}
	for i, r := range results {
		score := ""
		if r.Score != nil {
			score = fmt.Sprintf(" [sim=%.3f]", *r.Score)
		}
		lines = append(lines, fmt.Sprintf("[%d] (%s)%s\n%s", i+1, r.Source(), score, trimSnippet(r.PageContent)))
	}
	return strings.Join(lines, "\n\n")
}

// BuildMessages assembles the bounded prompt: system instruction, the last
// few history messages, a synthesized tool message carrying the retrieved
// context, then the user question.
func BuildMessages(question string, history []shared.Message, context, systemInstructions string) []shared.Message {
	var messages []shared.Message
	if systemInstructions != "" {
		messages = append(messages, shared.Message{Role: shared.RoleSystem, Content: systemInstructions})
	}
	if len(history) > shared.PromptHistoryWindow {
		history = history[len(history)-shared.PromptHistoryWindow:]
	}
	messages = append(messages, history...)
	if context != "" {
		messages = append(messages, shared.Message{Role: shared.RoleTool, Content: context, Name: "search_docs"})
	}
	messages = append(messages, shared.Message{Role: shared.RoleUser, Content: question})
	return messages
}
