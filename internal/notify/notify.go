package notify

import (
	"time"
)

// Event names published on the notification fabric. In-process subscribers
// (future HTTP/websocket surfaces) and the AMQP exchange both receive them.
const (
	EventQRReady        = "session.qr_ready"
	EventConnected      = "session.connected"
	EventDisconnected   = "session.disconnected"
	EventLoggedOut      = "session.logged_out"
	EventMessage        = "message.received"
	EventMessageStatus  = "message.status"
	EventContactUpdated = "contact.updated"
	EventCampaignDone   = "campaign.completed"
)

// Event is one realtime notification.
type Event struct {
	Name     string                 `json:"name"`
	TenantID int64                  `json:"tenant_id,string"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	At       time.Time              `json:"at"`
}

// Notifier fans events out to subscribers. Publish must never block the
// caller for long and never returns an error; delivery is best effort.
type Notifier interface {
	Publish(evt Event)
}

// Nop drops every event. Used in tests and when no fabric is configured.
type Nop struct{}

func (Nop) Publish(Event) {}

// Fanout publishes to every member in order.
type Fanout []Notifier

func (f Fanout) Publish(evt Event) {
	for _, n := range f {
		n.Publish(evt)
	}
}
