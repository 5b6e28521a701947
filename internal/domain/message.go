package domain

import "time"

// Message delivery status transitions: pending -> sent -> delivered -> read.
const (
	MessageStatusPending   = "pending"
	MessageStatusSent      = "sent"
	MessageStatusDelivered = "delivered"
	MessageStatusRead      = "read"
)

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Message payload variants.
const (
	MessageKindText     = "text"
	MessageKindMedia    = "media"
	MessageKindLocation = "location"
	MessageKindContact  = "contact"
	MessageKindReaction = "reaction"
)

// Message is one protocol message, immutable once persisted except for status
// transitions and the soft-delete flag. MessageID is the protocol message id,
// unique per tenant.
type Message struct {
	ID         int64     `json:"id,string" form:"id"`
	MessageID  string    `gorm:"uniqueIndex" json:"message_id" form:"message_id"`
	ChatKey    string    `gorm:"index" json:"chat_key" form:"chat_key"` // Canonical, post identity resolution
	SenderID   string    `json:"sender_id" form:"sender_id"`            // Raw sender identifier as seen
	SenderName string    `json:"sender_name" form:"sender_name"`
	Direction  string    `json:"direction" form:"direction"` // inbound / outbound
	Kind       string    `json:"kind" form:"kind"`           // text / media / location / contact / reaction
	Body       string    `json:"body" form:"body"`
	MediaURL   string    `json:"media_url" form:"media_url"` // Durable URL only, never raw bytes
	QuotedID   string    `json:"quoted_id" form:"quoted_id"` // Protocol id of the quoted message, if any
	Status     string    `json:"status" form:"status"`
	Deleted    bool      `json:"deleted"`
	Timestamp  time.Time `json:"timestamp"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
