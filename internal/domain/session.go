package domain

import "time"

// Protocol session lifecycle states.
const (
	SessionDisconnected = "disconnected"
	SessionConnecting   = "connecting"
	SessionQRReady      = "qr_ready"
	SessionConnected    = "connected"
)

// ProtocolSession is the persisted state of a tenant's messaging-protocol
// session. Exactly one row per tenant database; intentionally NOT phone-scoped
// so it stays discoverable before a phone number is known.
type ProtocolSession struct {
	ID                int64      `json:"id,string" form:"id"`
	TenantID          int64      `gorm:"uniqueIndex" json:"tenant_id,string"`
	PhoneNumber       string     `json:"phone_number"`     // Linked phone number, empty until paired
	Status            string     `json:"status"`           // disconnected / connecting / qr_ready / connected
	PairingArtifact   string     `json:"pairing_artifact"` // Renderable QR data URI while pairing
	Credentials       []byte     `json:"-"`                // Encrypted credential blob
	LastConnectedAt   *time.Time `json:"last_connected_at"`
	ReconnectAttempts int        `json:"reconnect_attempts"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TableName Specify table name
func (ProtocolSession) TableName() string {
	return "protocol_sessions"
}
