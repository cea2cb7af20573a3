package domain

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the assistant conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
