package bus

import "time"

// InboundMessage represents a message arriving from a channel adapter,
// destined for the agent loop. MessageID and Timestamp are optional: a
// channel adapter that doesn't generate them leaves the zero value, which
// the Bus Adapter and Session Queue treat as "no correlation id available".
type InboundMessage struct {
	MessageID  string            `json:"message_id,omitempty"`
	Channel    string            `json:"channel"`
	ChatID     string            `json:"chat_id"`
	SenderID   string            `json:"sender_id"`
	Content    string            `json:"content"`
	SessionKey string            `json:"session_key"`
	Timestamp  time.Time         `json:"timestamp,omitempty"`
	Media      []string          `json:"media,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage represents a message produced by the agent loop, destined
// for delivery back through a channel adapter. Metadata carries out-of-band
// signals such as "batched": "true" or "error": "true" that a channel may
// use to suppress text delivery or style the message differently.
type OutboundMessage struct {
	Channel            string            `json:"channel"`
	ChatID             string            `json:"chat_id"`
	Content            string            `json:"content"`
	InReplyToMessageID string            `json:"in_reply_to_message_id,omitempty"`
	Media              []string          `json:"media,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}
