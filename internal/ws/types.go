package ws

import (
	"encoding/json"
	"errors"
)

// Inbound event types.
const (
	TypeSendText       = "send_text"
	TypeSendFile       = "send_file"
	TypeTyping         = "typing"
	TypeStopTyping     = "stop_typing"
	TypeHistoryRequest = "history_request"
	TypeLanguageUpdate = "language_update"
	TypeProfileUpdated = "profile_updated"
)

// Outbound event types not owned by relay.
const (
	TypeChatHistory      = "chat_history"
	TypeChatHistoryError = "chat_history_error"
	TypeMessageError     = "message_error"
	TypeUserDisconnected = "user_disconnected"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SendTextPayload struct {
	To   string `json:"to"`
	Text string `json:"text"`
	Lang string `json:"lang"`
}

type SendFilePayload struct {
	To       string `json:"to"`
	FileURL  string `json:"fileUrl"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileType string `json:"fileType"`
	Format   string `json:"format"`
	Time     string `json:"time"`
	Lang     string `json:"lang"`
}

type TargetPayload struct {
	To string `json:"to"`
}

type FromPayload struct {
	From string `json:"from"`
}

type HistoryRequestPayload struct {
	With string `json:"with"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type UserPayload struct {
	Username string `json:"username"`
}

type LanguagePayload struct {
	Username string `json:"username,omitempty"`
	Language string `json:"language"`
}

type ProfilePayload struct {
	Username string `json:"username,omitempty"`
	ImageURL string `json:"imageUrl"`
}

var errEmptyPayload = errors.New("empty payload")

func parsePayload(raw json.RawMessage, result interface{}) error {
	if len(raw) == 0 {
		return errEmptyPayload
	}
	return json.Unmarshal(raw, result)
}
