package entities

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type MessageType string

const (
	MessageText        MessageType = "text"
	MessageAudio       MessageType = "audio"
	MessageImage       MessageType = "image"
	MessageDocument    MessageType = "document"
	MessageUnsupported MessageType = "unsupported"
)

type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation is the thread between a business and one external contact.
type Conversation struct {
	ID             string             `json:"id"`
	BusinessID     string             `json:"business_id"`
	ContactID      string             `json:"whatsapp_contact_id"`
	ContactPhone   string             `json:"contact_phone"`
	ContactName    string             `json:"contact_name"`
	Status         ConversationStatus `json:"status"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Message is one persisted turn. Rows are append-only.
type Message struct {
	ID                  string      `json:"id"`
	ConversationID      string      `json:"conversation_id"`
	Direction           Direction   `json:"direction"`
	Type                MessageType `json:"message_type"`
	Content             string      `json:"content"`
	MediaURL            string      `json:"media_url"` // provider media id or public audio URL
	Transcription       string      `json:"transcription"`
	AIResponseGenerated bool        `json:"ai_response_generated"`
	ProcessingTimeMs    *int64      `json:"processing_time_ms"`
	ProviderMessageID   string      `json:"whatsapp_message_id"` // empty for outbound rows
	CreatedAt           time.Time   `json:"created_at"`
}

// Role tags one turn sent to a completion backend.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role    Role
	Content string
}

// Media is a binary payload with its content type.
type Media struct {
	Data     []byte
	MimeType string
}

// OutboundAudio is a synthesized reply ready to dispatch. Cloud transports send the URL,
// device transports upload Data.
type OutboundAudio struct {
	URL   string
	Media Media
}
