package identity

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/internal/protocol"
	"github.com/blipline/blipline/internal/tenantdb"
	"github.com/blipline/blipline/pkg/common"
)

const (
	anonymizedSuffix = "@lid"
	userSuffix       = "@s.whatsapp.net"
	groupSuffix      = "@g.us"
)

// Resolution is the canonical identity of a peer for one inbound message.
// ChatKey is stable across the anonymized and phone-linked forms of the same
// peer, so both land in one conversation.
type Resolution struct {
	ChatKey     string
	SenderKey   string
	DisplayName string
	PhoneNumber string
	IsGroup     bool
	Anonymized  bool
}

// Resolver maps wire identifiers to canonical chat keys and display names,
// keeping the contact roster current as names arrive.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve computes the canonical identity for an inbound message. When a chat
// arrives under an anonymized id but the transport exposes the phone-linked
// alternative, the phone-linked form wins as the canonical key. Group chats
// keep the group id; the sender key tracks the individual participant.
func (r *Resolver) Resolve(ctx context.Context, models *tenantdb.ModelSet, msg protocol.InboundMessage) (Resolution, error) {
	res := Resolution{
		ChatKey:    msg.ChatID,
		SenderKey:  msg.SenderID,
		IsGroup:    msg.IsGroup,
		Anonymized: strings.HasSuffix(msg.ChatID, anonymizedSuffix),
	}

	if !msg.IsGroup && res.Anonymized && msg.SenderAltID != "" && strings.HasSuffix(msg.SenderAltID, userSuffix) {
		res.ChatKey = msg.SenderAltID
		res.SenderKey = msg.SenderAltID
		res.Anonymized = false
	} else if !msg.IsGroup && msg.SenderAltID != "" && strings.HasSuffix(msg.SenderID, anonymizedSuffix) {
		res.SenderKey = msg.SenderAltID
	}

	res.PhoneNumber = phoneFrom(res.ChatKey)

	name, err := r.displayName(ctx, models, res, msg)
	if err != nil {
		return Resolution{}, err
	}
	res.DisplayName = name
	return res, nil
}

// displayName applies the precedence chain: a name the operator stored on the
// contact, then the name pushed by the peer, then the bare phone number, and
// finally the raw wire id. The raw id fallback keeps unknown peers visible
// rather than dropping them.
func (r *Resolver) displayName(ctx context.Context, models *tenantdb.ModelSet, res Resolution, msg protocol.InboundMessage) (string, error) {
	var contact domain.Contact
	err := models.Contacts().WithContext(ctx).
		Where("identifier = ?", res.SenderKey).First(&contact).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.NewUnavailableError("contact lookup", err)
	}
	if err == nil && contact.DisplayName != "" {
		return contact.DisplayName, nil
	}
	if msg.SenderName != "" {
		return msg.SenderName, nil
	}
	if phone := phoneFrom(res.SenderKey); phone != "" {
		return phone, nil
	}
	return res.SenderKey, nil
}

// UpsertContact records or refreshes the roster entry for a resolved peer.
// A pushed name never overwrites a name the operator set by hand.
func (r *Resolver) UpsertContact(ctx context.Context, models *tenantdb.ModelSet, identifier, pushedName string) error {
	var contact domain.Contact
	err := models.Contacts().WithContext(ctx).
		Where("identifier = ?", identifier).First(&contact).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		contact = domain.Contact{
			ID:          common.UUIDint64(),
			Identifier:  identifier,
			DisplayName: pushedName,
			PhoneNumber: phoneFrom(identifier),
		}
		err = models.Contacts().Create(&contact).Error
		if err != nil {
			return domain.NewUnavailableError("contact create", err)
		}
		return nil
	}
	if err != nil {
		return domain.NewUnavailableError("contact lookup", err)
	}
	if contact.DisplayName != "" || pushedName == "" {
		return nil
	}
	err = models.Contacts().Where("identifier = ?", identifier).
		Updates(map[string]interface{}{"display_name": pushedName}).Error
	if err != nil {
		return domain.NewUnavailableError("contact update", err)
	}
	return nil
}

// phoneFrom extracts the phone number from a phone-linked wire id. Anonymized
// and group ids have no phone component.
func phoneFrom(id string) string {
	if strings.HasSuffix(id, userSuffix) {
		return strings.TrimSuffix(id, userSuffix)
	}
	return ""
}

// ChatCategoryFor classifies a chat key for roster grouping.
func ChatCategoryFor(chatKey string) string {
	if strings.HasSuffix(chatKey, groupSuffix) {
		return domain.ChatCategoryGroup
	}
	return domain.ChatCategoryNormal
}
