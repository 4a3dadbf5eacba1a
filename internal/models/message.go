// internal/models/message.go
package models

// Role identifies the speaker of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Image is an image attached to a message. Data holds the encoded bytes that
// are sent to the model; Source and Path only describe where they came from.
type Image struct {
	Source   string `json:"source,omitempty"`
	Path     string `json:"path,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`
	Data     []byte `json:"-"`
}

// Message is one entry of the multimodal conversation history.
type Message struct {
	Role    Role    `json:"role"`
	Content string  `json:"content"`
	Images  []Image `json:"images,omitempty"`
}

// UserMessage builds a user-role message with optional image attachments.
func UserMessage(content string, images ...Image) Message {
	return Message{Role: RoleUser, Content: content, Images: images}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// ImageCount returns the number of images attached across all messages.
func ImageCount(history []Message) int {
	n := 0
	for _, m := range history {
		n += len(m.Images)
	}
	return n
}
