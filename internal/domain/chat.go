package domain

// Message roles accepted by the completion service.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is the provider-agnostic chat message shape sent to the
// completion service.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
