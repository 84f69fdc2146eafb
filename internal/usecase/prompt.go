package usecase

import (
	"strings"

	"telegram-concierge/internal/domain"
)

// buildContextMessages assembles the completion context: the fixed system
// instruction, an optional memory block when a compressed digest exists, and
// the most recent stored messages oldest-first. The inbound user message is
// already in the store when this runs, so it arrives as the tail of recent.
func buildContextMessages(systemPrompt, memory string, recent []domain.Message) []domain.ChatMessage {
	messages := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: strings.TrimSpace(systemPrompt)},
	}
	if strings.TrimSpace(memory) != "" {
		messages = append(messages, domain.ChatMessage{
			Role:    domain.RoleSystem,
			Content: "Notes from earlier in this conversation:\n" + strings.TrimSpace(memory),
		})
	}
	for _, m := range recent {
		if !promptRole(m.Role) {
			continue
		}
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: m.Role, Content: content})
	}
	return messages
}

// promptRole filters stored messages down to the roles the completion
// service accepts in conversation position.
func promptRole(role string) bool {
	return role == domain.RoleUser || role == domain.RoleAssistant
}

// summarizationInstruction is the system prompt used by the memory
// compressor. The output contract keeps the digest terse and bounded.
func summarizationInstruction() string {
	return strings.Join([]string{
		"Condense the following conversation into a short digest.",
		"Capture only the user's goals, stated preferences, and constraints.",
		"Output terse bullet points, no preamble, no commentary.",
	}, "\n")
}

// buildSummarizationMessages renders history as compressor input.
func buildSummarizationMessages(history []domain.Message) []domain.ChatMessage {
	var b strings.Builder
	for _, m := range history {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: summarizationInstruction()},
		{Role: domain.RoleUser, Content: b.String()},
	}
}
