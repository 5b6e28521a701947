package domain

import "time"

// Campaign states: DRAFT -> SCHEDULED|RUNNING -> COMPLETED, with PAUSED and
// FAILED as side transitions from RUNNING.
const (
	CampaignDraft     = "DRAFT"
	CampaignScheduled = "SCHEDULED"
	CampaignRunning   = "RUNNING"
	CampaignPaused    = "PAUSED"
	CampaignCompleted = "COMPLETED"
	CampaignFailed    = "FAILED"
)

// CampaignJob states.
const (
	JobPending    = "PENDING"
	JobProcessing = "PROCESSING"
	JobSent       = "SENT"
	JobFailed     = "FAILED"
	JobSkipped    = "SKIPPED"
)

// Campaign channels.
const (
	ChannelMessaging = "messaging"
	ChannelEmail     = "email"
)

// Campaign is one outbound bulk send. Aggregate counters are updated only via
// atomic increments, never read-then-write.
type Campaign struct {
	ID           int64      `json:"id,string" form:"id"`
	Name         string     `json:"name" form:"name"`
	Channel      string     `json:"channel" form:"channel"` // messaging / email
	Status       string     `gorm:"index" json:"status" form:"status"`
	Subject      string     `json:"subject" form:"subject"` // Email channel only
	BodyTemplate string     `json:"body_template" form:"body_template"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	StatsTotal   int64      `json:"stats_total"`
	StatsSent    int64      `json:"stats_sent"`
	StatsFailed  int64      `json:"stats_failed"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CampaignJob is one recipient's unit of work within a campaign. Recipient
// fields are a snapshot taken at creation time; the live contact is never
// re-read during dispatch.
type CampaignJob struct {
	ID                int64      `json:"id,string" form:"id"`
	CampaignID        int64      `gorm:"index" json:"campaign_id,string" form:"campaign_id"`
	Status            string     `gorm:"index" json:"status" form:"status"`
	RecipientName     string     `json:"recipient_name" form:"recipient_name"`
	RecipientPhone    string     `json:"recipient_phone" form:"recipient_phone"`
	RecipientEmail    string     `json:"recipient_email" form:"recipient_email"`
	Attributes        string     `json:"attributes" form:"attributes"` // JSON snapshot of custom attributes
	ProviderMessageID string     `json:"provider_message_id"`
	FailReason        string     `json:"fail_reason"`
	SentAt            *time.Time `json:"sent_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
