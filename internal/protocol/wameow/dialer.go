package wameow

import (
	"context"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/blipline/blipline/internal/protocol"
)

// Dialer builds live WhatsApp clients on top of a shared whatsmeow sqlstore.
// Device records for every tenant live in the one store container; the
// encrypted per-tenant credential blob carries the device jid that selects
// the right record on restore.
type Dialer struct {
	container *sqlstore.Container
	mediaDir  string
}

// NewDialer opens the shared device store. driver is "pgx" or "sqlite".
func NewDialer(ctx context.Context, driver, dsn, mediaDir string) (*Dialer, error) {
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Noop)
	if err != nil {
		return nil, errors.Wrap(err, "open device store")
	}
	return &Dialer{container: container, mediaDir: mediaDir}, nil
}

// Dial resolves the device record for the credentials and wraps it in a
// connected-capable client. Unregistered credentials get a brand new device,
// which forces the pairing flow on Connect.
func (d *Dialer) Dial(ctx context.Context, tenantID int64, creds *protocol.Credentials, handlers protocol.Handlers) (protocol.Client, error) {
	device, err := d.deviceFor(ctx, creds)
	if err != nil {
		return nil, err
	}

	store.DeviceProps.Os = proto.String("Blipline")
	store.DeviceProps.RequireFullSync = proto.Bool(false)

	wm := whatsmeow.NewClient(device, waLog.Noop)
	wm.EnableAutoReconnect = false // reconnects are owned by the session manager

	client := &Client{
		tenantID: tenantID,
		wm:       wm,
		handlers: handlers,
		mediaDir: d.mediaDir,
	}
	wm.AddEventHandler(client.handleEvent)
	return client, nil
}

func (d *Dialer) deviceFor(ctx context.Context, creds *protocol.Credentials) (*store.Device, error) {
	if creds != nil && creds.Registered && creds.DeviceJID != "" {
		jid, err := types.ParseJID(creds.DeviceJID)
		if err == nil {
			device, err := d.container.GetDevice(ctx, jid)
			if err == nil && device != nil {
				return device, nil
			}
		}
		// Stored jid no longer resolvable; fall through to a fresh device
		// so the tenant re-pairs instead of failing hard.
	}
	return d.container.NewDevice(), nil
}

// snapshot captures the registration state of a paired device for the
// credential store.
func snapshot(device *store.Device) *protocol.Credentials {
	creds := &protocol.Credentials{
		Registered:     device.ID != nil,
		RegistrationID: device.RegistrationID,
		AdvSecretKey:   device.AdvSecretKey,
	}
	if device.ID != nil {
		creds.DeviceJID = device.ID.String()
	}
	if device.NoiseKey != nil {
		creds.NoiseKey = device.NoiseKey.Priv[:]
	}
	if device.IdentityKey != nil {
		creds.IdentityKey = device.IdentityKey.Priv[:]
	}
	if device.Account != nil {
		if raw, err := proto.Marshal(device.Account); err == nil {
			creds.Account = raw
		}
	}
	return creds
}

var _ protocol.Dialer = (*Dialer)(nil)
