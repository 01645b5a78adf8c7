package domain

import "encoding/json"

// MessageType identifies the kind of a presence message on the wire
type MessageType string

const (
	// Client -> server
	MessageTypeJoin       MessageType = "join"
	MessageTypeCursorMove MessageType = "cursor-move"

	// Server -> client
	MessageTypeOthersPresent MessageType = "others-present"
	MessageTypeUserJoined    MessageType = "user-joined"
	MessageTypeCursorUpdate  MessageType = "cursor-update"
	MessageTypeUserLeave     MessageType = "user-leave"
)

// Envelope is the frame every message travels in
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// JoinPayload announces a client's identity. BoardID is optional and lets
// the connection receive same-board updates before its first move.
type JoinPayload struct {
	ID        string `json:"id"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Color     string `json:"color,omitempty"`
	BoardID   string `json:"boardId,omitempty"`
}

// CursorPayload is used both for inbound cursor-move and outbound cursor-update
type CursorPayload struct {
	ID      string `json:"id"`
	Cursor  Cursor `json:"cursor"`
	BoardID string `json:"boardId"`
}

// LeavePayload tells clients a user is gone
type LeavePayload struct {
	ID string `json:"id"`
}

// Encode wraps payload in an Envelope and marshals it
func Encode(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

// Decode parses a frame into its envelope
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
