package domain

import "time"

// Chat categories.
const (
	ChatCategoryNormal   = "normal"
	ChatCategoryCampaign = "campaign"
	ChatCategoryArchived = "archived"
	ChatCategoryGroup    = "group"
)

// Contact is one known counterpart, keyed by the raw identifier exactly as the
// protocol addressed it. Phone number stays empty for anonymized-only contacts.
// Stored in phone-scoped tables; table names come from the tenant router.
type Contact struct {
	ID          int64     `json:"id,string" form:"id"`
	Identifier  string    `gorm:"uniqueIndex" json:"identifier" form:"identifier"`
	DisplayName string    `json:"display_name" form:"display_name"`
	PhoneNumber string    `gorm:"index" json:"phone_number" form:"phone_number"`
	Blocked     bool      `json:"blocked" form:"blocked"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Chat groups all messages with one counterpart under the canonical chat key
// resolved by the identity resolver.
type Chat struct {
	ID            int64      `json:"id,string" form:"id"`
	ChatKey       string     `gorm:"uniqueIndex" json:"chat_key" form:"chat_key"`
	DisplayName   string     `json:"display_name" form:"display_name"`
	PhoneNumber   string     `json:"phone_number" form:"phone_number"`
	Archived      bool       `json:"archived" form:"archived"`
	Muted         bool       `json:"muted" form:"muted"`
	Pinned        bool       `json:"pinned" form:"pinned"`
	UnreadCount   int        `json:"unread_count"`
	AIEnabled     bool       `json:"ai_enabled" form:"ai_enabled"`
	Category      string     `json:"category" form:"category"` // normal / campaign / archived / group
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
