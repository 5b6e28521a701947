package protocol

import (
	"context"
	"time"
)

// Credentials is the portable snapshot of a paired device's registration
// state. Serialized, encrypted and stored per tenant; feeding a snapshot back
// into a Dialer resumes the session without re-pairing.
type Credentials struct {
	Registered     bool              `json:"registered"`
	DeviceJID      string            `json:"device_jid,omitempty"`
	RegistrationID uint32            `json:"registration_id,omitempty"`
	NoiseKey       []byte            `json:"noise_key,omitempty"`
	IdentityKey    []byte            `json:"identity_key,omitempty"`
	AdvSecretKey   []byte            `json:"adv_secret_key,omitempty"`
	Account        []byte            `json:"account,omitempty"`
	SessionKeys    map[string][]byte `json:"session_keys,omitempty"`
}

// Fresh returns unregistered credentials that force a new pairing flow.
func Fresh() *Credentials {
	return &Credentials{Registered: false}
}

// PairingEvent carries the raw pairing code to be rendered for the operator.
type PairingEvent struct {
	Code    string
	Timeout time.Duration
}

// ConnectedEvent fires when the session is authenticated and online.
type ConnectedEvent struct {
	DeviceJID   string
	PhoneNumber string
}

// DisconnectedEvent fires when the transport drops. LoggedOut means the
// remote side invalidated the pairing and stored credentials are dead.
type DisconnectedEvent struct {
	LoggedOut bool
	Reason    string
}

// CredentialsEvent fires whenever the registration state changes and should
// be re-persisted.
type CredentialsEvent struct {
	Credentials *Credentials
}

// Reaction is an emoji applied to an earlier message. Empty Emoji removes it.
type Reaction struct {
	TargetMessageID string
	Emoji           string
}

// InboundMessage is a received protocol message normalized for storage.
type InboundMessage struct {
	MessageID   string
	ChatID      string
	SenderID    string
	SenderAltID string
	SenderName  string
	IsGroup     bool
	FromSelf    bool
	Internal    bool // protocol bookkeeping, not user content
	Kind        string
	Body        string
	MediaRef    string
	QuotedID    string
	Reaction    *Reaction
	Timestamp   time.Time
}

// ContactEvent fires when the remote roster pushes a name for a peer.
type ContactEvent struct {
	ChatID   string
	PushName string
	FullName string
}

// StatusEvent fires on delivery and read receipts for sent messages.
type StatusEvent struct {
	ChatID     string
	MessageIDs []string
	Status     string // delivered / read
	Timestamp  time.Time
}

// SendPayload is an outbound message request.
type SendPayload struct {
	Kind     string
	Body     string
	MediaRef string
	Caption  string
	QuotedID string
	Campaign bool // marks the chat as campaign-originated on first contact
}

// SendResult reports the provider-assigned id of a sent message.
type SendResult struct {
	MessageID string
	Timestamp time.Time
}

// Handlers receives session events. Nil members are skipped.
type Handlers struct {
	OnPairing      func(PairingEvent)
	OnConnected    func(ConnectedEvent)
	OnDisconnected func(DisconnectedEvent)
	OnCredentials  func(CredentialsEvent)
	OnMessage      func(InboundMessage)
	OnContact      func(ContactEvent)
	OnStatus       func(StatusEvent)
}

// Client is one live protocol connection.
type Client interface {
	// Connect starts the transport. For unregistered credentials the
	// pairing handler fires with codes until paired or timed out.
	Connect(ctx context.Context) error
	// Send delivers an outbound message to a chat id.
	Send(ctx context.Context, chatID string, payload SendPayload) (*SendResult, error)
	// Logout invalidates the pairing on the remote side and disconnects.
	Logout(ctx context.Context) error
	// Disconnect closes the transport without touching the pairing.
	Disconnect()
	// Connected reports whether the transport is currently up.
	Connected() bool
}

// Dialer builds clients from stored credentials. The session manager holds
// exactly one Dialer; tests inject fakes.
type Dialer interface {
	Dial(ctx context.Context, tenantID int64, creds *Credentials, handlers Handlers) (Client, error)
}
