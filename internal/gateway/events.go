package gateway

import (
	"encoding/json"

	"social-chat/internal/convo"
)

// Wire event names. The only client -> server event is "register"; everything
// else flows server -> client. Chat messages never travel over the socket:
// they go through the REST append so they are durable before any push.
const (
	EventRegister         = "register"
	EventPresenceSnapshot = "presence-snapshot"
	EventHandleOnline     = "handle-online"
	EventHandleOffline    = "handle-offline"
	EventMessageDelivered = "message-delivered"
)

// Frame is the envelope for every event on the socket. Unused fields are
// omitted per event type.
type Frame struct {
	Type           string         `json:"type"`
	Handle         string         `json:"handle,omitempty"`
	Handles        []string       `json:"handles,omitempty"`
	ConversationID int            `json:"conversation_id,omitempty"`
	Message        *convo.Message `json:"message,omitempty"`
}

func marshalFrame(f Frame) []byte {
	b, _ := json.Marshal(f)
	return b
}

func snapshotFrame(handles []string) []byte {
	return marshalFrame(Frame{Type: EventPresenceSnapshot, Handles: handles})
}

func presenceFrame(handle string, online bool) []byte {
	t := EventHandleOffline
	if online {
		t = EventHandleOnline
	}
	return marshalFrame(Frame{Type: t, Handle: handle})
}

func deliveryFrame(conversationID int, msg *convo.Message) []byte {
	return marshalFrame(Frame{Type: EventMessageDelivered, ConversationID: conversationID, Message: msg})
}
