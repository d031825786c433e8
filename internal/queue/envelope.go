// Package queue holds the durable inbound and outbound envelope queues.
// Each queue is one JSON array file; whatever is on disk at construction
// is live work, which is the crash-recovery contract.
package queue

// MediaKind values mirror the upstream attachment types the worker handles.
const (
	MediaVoice    = "voice"
	MediaAudio    = "audio"
	MediaPhoto    = "photo"
	MediaDocument = "document"
)

type MediaRef struct {
	Kind     string `json:"kind"`
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// InboundEnvelope is one authorized update waiting to be processed. It is
// removed after a single attempt, success or reported failure; it is never
// silently requeued. Optional fields (Date, Media) may be absent on items
// written by an older schema and must load with safe defaults.
type InboundEnvelope struct {
	UpdateID     int64     `json:"update_id"`
	ChatID       int64     `json:"chat_id"`
	ChatType     string    `json:"chat_type,omitempty"`
	UserID       int64     `json:"user_id,omitempty"`
	UserDisplay  string    `json:"user_display,omitempty"`
	MessageID    int64     `json:"message_id,omitempty"`
	Date         int64     `json:"date,omitempty"`
	Text         string    `json:"text,omitempty"`
	Media        *MediaRef `json:"media,omitempty"`
	IsReplyToBot bool      `json:"is_reply_to_bot,omitempty"`
	SessionKey   string    `json:"session_key"`
	SessionFile  string    `json:"session_file"`
}

// OutboundEnvelope is one computed reply waiting to be sent. Retryable
// send failures re-persist it with Attempt incremented; non-retryable
// failures drop it.
type OutboundEnvelope struct {
	ChatID           int64  `json:"chat_id"`
	Payload          string `json:"payload"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
	Attempt          int    `json:"attempt,omitempty"`
}
