package wameow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/blipline/blipline/internal/protocol"
)

const pairingTimeout = 2 * time.Minute

// Client adapts one whatsmeow connection to the protocol.Client surface.
type Client struct {
	tenantID int64
	wm       *whatsmeow.Client
	handlers protocol.Handlers
	mediaDir string
}

// Connect brings the transport up. A device without a stored registration
// goes through the pairing channel first; codes are forwarded to the pairing
// handler as they rotate.
func (c *Client) Connect(ctx context.Context) error {
	if c.wm.Store.ID == nil {
		qrChan, err := c.wm.GetQRChannel(ctx)
		if err != nil {
			return errors.Wrap(err, "open pairing channel")
		}
		if err := c.wm.Connect(); err != nil {
			return errors.Wrap(err, "connect")
		}
		go c.pumpPairing(qrChan)
		return nil
	}
	return errors.Wrap(c.wm.Connect(), "connect")
}

func (c *Client) pumpPairing(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			if c.handlers.OnPairing != nil {
				c.handlers.OnPairing(protocol.PairingEvent{Code: item.Code, Timeout: pairingTimeout})
			}
		case "timeout":
			if c.handlers.OnDisconnected != nil {
				c.handlers.OnDisconnected(protocol.DisconnectedEvent{Reason: "pairing timeout"})
			}
		}
		// "success" surfaces through events.Connected.
	}
}

// Send delivers a text or media payload to a chat. Bare phone numbers are
// normalized to user jids.
func (c *Client) Send(ctx context.Context, chatID string, payload protocol.SendPayload) (*protocol.SendResult, error) {
	jid, err := parseChatJID(chatID)
	if err != nil {
		return nil, err
	}

	msg, err := c.buildMessage(ctx, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.wm.SendMessage(ctx, jid, msg)
	if err != nil {
		return nil, errors.Wrap(err, "send message")
	}
	return &protocol.SendResult{MessageID: resp.ID, Timestamp: resp.Timestamp}, nil
}

func (c *Client) buildMessage(ctx context.Context, payload protocol.SendPayload) (*waE2E.Message, error) {
	switch payload.Kind {
	case "", "text":
		if payload.QuotedID != "" {
			return &waE2E.Message{
				ExtendedTextMessage: &waE2E.ExtendedTextMessage{
					Text: proto.String(payload.Body),
					ContextInfo: &waE2E.ContextInfo{
						StanzaID: proto.String(payload.QuotedID),
					},
				},
			}, nil
		}
		return &waE2E.Message{Conversation: proto.String(payload.Body)}, nil
	case "media":
		data, err := os.ReadFile(payload.MediaRef)
		if err != nil {
			return nil, errors.Wrap(err, "read media")
		}
		uploaded, err := c.wm.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return nil, errors.Wrap(err, "upload media")
		}
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				Caption:       proto.String(payload.Caption),
				URL:           proto.String(uploaded.URL),
				DirectPath:    proto.String(uploaded.DirectPath),
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    proto.Uint64(uploaded.FileLength),
				Mimetype:      proto.String("image/jpeg"),
			},
		}, nil
	default:
		return nil, errors.Errorf("unsupported payload kind %q", payload.Kind)
	}
}

// Logout invalidates the pairing remotely and drops the transport.
func (c *Client) Logout(ctx context.Context) error {
	return errors.Wrap(c.wm.Logout(ctx), "logout")
}

// Disconnect drops the transport. The pairing stays valid.
func (c *Client) Disconnect() {
	c.wm.Disconnect()
}

// Connected reports transport liveness.
func (c *Client) Connected() bool {
	return c.wm.IsConnected()
}

func (c *Client) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		c.onConnected()
	case *events.PairSuccess:
		if c.handlers.OnCredentials != nil {
			c.handlers.OnCredentials(protocol.CredentialsEvent{Credentials: snapshot(c.wm.Store)})
		}
	case *events.LoggedOut:
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(protocol.DisconnectedEvent{LoggedOut: true, Reason: evt.Reason.String()})
		}
	case *events.Disconnected:
		if c.handlers.OnDisconnected != nil {
			c.handlers.OnDisconnected(protocol.DisconnectedEvent{Reason: "stream closed"})
		}
	case *events.Message:
		c.onMessage(evt)
	case *events.Receipt:
		c.onReceipt(evt)
	case *events.PushName:
		if c.handlers.OnContact != nil {
			c.handlers.OnContact(protocol.ContactEvent{
				ChatID:   evt.JID.ToNonAD().String(),
				PushName: evt.NewPushName,
			})
		}
	case *events.Contact:
		if c.handlers.OnContact != nil {
			c.handlers.OnContact(protocol.ContactEvent{
				ChatID:   evt.JID.ToNonAD().String(),
				FullName: evt.Action.GetFullName(),
			})
		}
	}
}

func (c *Client) onConnected() {
	if c.wm.Store.ID == nil {
		return
	}
	evt := protocol.ConnectedEvent{
		DeviceJID:   c.wm.Store.ID.String(),
		PhoneNumber: c.wm.Store.ID.User,
	}
	if c.handlers.OnCredentials != nil {
		c.handlers.OnCredentials(protocol.CredentialsEvent{Credentials: snapshot(c.wm.Store)})
	}
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(evt)
	}
}

func (c *Client) onMessage(evt *events.Message) {
	if c.handlers.OnMessage == nil {
		return
	}
	switch evt.Info.Chat.Server {
	case types.BroadcastServer, "newsletter":
		return
	}

	in := protocol.InboundMessage{
		MessageID:  evt.Info.ID,
		ChatID:     evt.Info.Chat.ToNonAD().String(),
		SenderID:   evt.Info.Sender.ToNonAD().String(),
		SenderName: evt.Info.PushName,
		IsGroup:    evt.Info.IsGroup,
		FromSelf:   evt.Info.IsFromMe,
		Timestamp:  evt.Info.Timestamp,
	}
	if !evt.Info.SenderAlt.IsEmpty() {
		in.SenderAltID = evt.Info.SenderAlt.ToNonAD().String()
	}

	if reaction := evt.Message.GetReactionMessage(); reaction != nil {
		in.Kind = "reaction"
		in.Reaction = &protocol.Reaction{
			TargetMessageID: reaction.GetKey().GetID(),
			Emoji:           reaction.GetText(),
		}
		c.handlers.OnMessage(in)
		return
	}
	if evt.Message.GetProtocolMessage() != nil {
		in.Kind = "text"
		in.Internal = true
		c.handlers.OnMessage(in)
		return
	}

	in.Kind, in.Body, in.MediaRef = c.extractContent(evt)
	in.QuotedID = quotedID(evt.Message)
	c.handlers.OnMessage(in)
}

func (c *Client) extractContent(evt *events.Message) (kind, body, mediaRef string) {
	msg := evt.Message
	switch {
	case msg.GetConversation() != "":
		return "text", msg.GetConversation(), ""
	case msg.GetExtendedTextMessage() != nil:
		return "text", msg.GetExtendedTextMessage().GetText(), ""
	case msg.GetImageMessage() != nil:
		img := msg.GetImageMessage()
		return "media", img.GetCaption(), c.storeMedia(evt.Info.ID, img, ".jpg")
	case msg.GetVideoMessage() != nil:
		vid := msg.GetVideoMessage()
		return "media", vid.GetCaption(), c.storeMedia(evt.Info.ID, vid, ".mp4")
	case msg.GetAudioMessage() != nil:
		return "media", "", c.storeMedia(evt.Info.ID, msg.GetAudioMessage(), ".ogg")
	case msg.GetDocumentMessage() != nil:
		doc := msg.GetDocumentMessage()
		ext := filepath.Ext(doc.GetFileName())
		if ext == "" {
			ext = ".bin"
		}
		return "media", doc.GetFileName(), c.storeMedia(evt.Info.ID, doc, ext)
	case msg.GetLocationMessage() != nil:
		return "location", msg.GetLocationMessage().GetName(), ""
	case msg.GetContactMessage() != nil:
		return "contact", msg.GetContactMessage().GetDisplayName(), ""
	default:
		return "text", "", ""
	}
}

// storeMedia downloads the attachment into the media directory and returns
// its path. Failures degrade to an empty ref; the message row still lands.
func (c *Client) storeMedia(msgID string, msg whatsmeow.DownloadableMessage, ext string) string {
	if c.mediaDir == "" {
		return ""
	}
	data, err := c.wm.Download(context.Background(), msg)
	if err != nil {
		zap.L().Warn("media download failed",
			zap.Int64("tenant_id", c.tenantID), zap.String("message_id", msgID), zap.Error(err))
		return ""
	}
	path := filepath.Join(c.mediaDir, msgID+ext)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		zap.L().Warn("media write failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return path
}

func (c *Client) onReceipt(evt *events.Receipt) {
	if c.handlers.OnStatus == nil {
		return
	}
	status := "delivered"
	if evt.Type == types.ReceiptTypeRead {
		status = "read"
	}
	c.handlers.OnStatus(protocol.StatusEvent{
		ChatID:     evt.Chat.ToNonAD().String(),
		MessageIDs: evt.MessageIDs,
		Status:     status,
		Timestamp:  evt.Timestamp,
	})
}

func quotedID(msg *waE2E.Message) string {
	var ctxInfo *waE2E.ContextInfo
	switch {
	case msg.GetExtendedTextMessage() != nil:
		ctxInfo = msg.GetExtendedTextMessage().GetContextInfo()
	case msg.GetImageMessage() != nil:
		ctxInfo = msg.GetImageMessage().GetContextInfo()
	case msg.GetVideoMessage() != nil:
		ctxInfo = msg.GetVideoMessage().GetContextInfo()
	case msg.GetDocumentMessage() != nil:
		ctxInfo = msg.GetDocumentMessage().GetContextInfo()
	}
	return ctxInfo.GetStanzaID()
}

func parseChatJID(chatID string) (types.JID, error) {
	if !strings.Contains(chatID, "@") {
		return types.NewJID(chatID, types.DefaultUserServer), nil
	}
	jid, err := types.ParseJID(chatID)
	if err != nil {
		return types.EmptyJID, errors.Wrapf(err, "invalid chat id %q", chatID)
	}
	return jid, nil
}

var _ protocol.Client = (*Client)(nil)
