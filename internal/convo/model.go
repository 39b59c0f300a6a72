package convo

import "time"

type Conversation struct {
	ID              int        `json:"id"`
	HandleA         string     `json:"handle_a"`
	HandleB         string     `json:"handle_b"`
	LastMessageText string     `json:"last_message_text"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Peer returns the other participant from the viewpoint of handle.
func (c *Conversation) Peer(handle string) string {
	if c.HandleA == handle {
		return c.HandleB
	}
	return c.HandleA
}

// HasParticipant reports whether handle is one of the two participants.
func (c *Conversation) HasParticipant(handle string) bool {
	return c.HandleA == handle || c.HandleB == handle
}

type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Receiver       string    `json:"receiver"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}
