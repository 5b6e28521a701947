package session

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/internal/identity"
	"github.com/blipline/blipline/internal/notify"
	"github.com/blipline/blipline/internal/protocol"
	"github.com/blipline/blipline/internal/tenantdb"
	"github.com/blipline/blipline/pkg/common"
)

// handlersFor binds the transport callbacks to one tenant's handle. Callbacks
// run on the transport's goroutines, so every DB touch gets its own context.
func (m *Manager) handlersFor(tenantID int64, h *handle) protocol.Handlers {
	return protocol.Handlers{
		OnPairing:      func(evt protocol.PairingEvent) { m.onPairing(tenantID, evt) },
		OnConnected:    func(evt protocol.ConnectedEvent) { m.onConnected(tenantID, h, evt) },
		OnDisconnected: func(evt protocol.DisconnectedEvent) { m.onDisconnected(tenantID, h, evt) },
		OnCredentials:  func(evt protocol.CredentialsEvent) { m.onCredentials(tenantID, evt) },
		OnMessage:      func(in protocol.InboundMessage) { m.onMessage(tenantID, h, in) },
		OnContact:      func(evt protocol.ContactEvent) { m.onContact(tenantID, h, evt) },
		OnStatus:       func(evt protocol.StatusEvent) { m.onStatus(tenantID, h, evt) },
	}
}

func (m *Manager) onPairing(tenantID int64, evt protocol.PairingEvent) {
	ctx, cancel := eventContext()
	defer cancel()

	artifact, err := pairingArtifact(evt.Code)
	if err != nil {
		zap.L().Error("pairing artifact render failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}
	err = m.setStatus(ctx, tenantID, domain.SessionQRReady, map[string]interface{}{
		"pairing_artifact": artifact,
	})
	if err != nil {
		zap.L().Error("pairing status write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}
	m.notifier.Publish(notify.Event{
		Name:     notify.EventQRReady,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"pairing_artifact": artifact},
	})
	zap.L().Info("pairing code ready", zap.Int64("tenant_id", tenantID))
}

func (m *Manager) onConnected(tenantID int64, h *handle, evt protocol.ConnectedEvent) {
	ctx, cancel := eventContext()
	defer cancel()

	h.setPhone(evt.PhoneNumber)
	now := time.Now()
	err := m.setStatus(ctx, tenantID, domain.SessionConnected, map[string]interface{}{
		"phone_number":       evt.PhoneNumber,
		"pairing_artifact":   "",
		"last_connected_at":  now,
		"reconnect_attempts": 0,
	})
	if err != nil {
		zap.L().Error("connected status write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
	if err := m.router.SetTenantConnected(ctx, tenantID, true); err != nil {
		zap.L().Warn("tenant connected flag write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
	m.notifier.Publish(notify.Event{
		Name:     notify.EventConnected,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"phone_number": evt.PhoneNumber},
	})
	zap.L().Info("session connected",
		zap.Int64("tenant_id", tenantID), zap.String("device", evt.DeviceJID))
}

func (m *Manager) onDisconnected(tenantID int64, h *handle, evt protocol.DisconnectedEvent) {
	ctx, cancel := eventContext()
	defer cancel()

	// The handle is dead the moment the transport closes. Releasing the slot
	// here means a fresh Connect is never blocked while a reconnect is pending.
	m.removeHandleIf(tenantID, h)

	if evt.LoggedOut {
		// Remote side killed the pairing; stored credentials are dead.
		if err := m.creds.Clear(ctx, tenantID); err != nil {
			zap.L().Error("credential clear failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
		err := m.setStatus(ctx, tenantID, domain.SessionDisconnected, map[string]interface{}{
			"phone_number":     "",
			"pairing_artifact": "",
		})
		if err != nil {
			zap.L().Warn("session status write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
		if err := m.router.SetTenantConnected(ctx, tenantID, false); err != nil {
			zap.L().Warn("tenant connected flag write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
		m.notifier.Publish(notify.Event{Name: notify.EventLoggedOut, TenantID: tenantID,
			Payload: map[string]interface{}{"reason": evt.Reason}})
		zap.L().Warn("session logged out remotely",
			zap.Int64("tenant_id", tenantID), zap.String("reason", evt.Reason))
		return
	}

	if err := m.setStatus(ctx, tenantID, domain.SessionDisconnected, nil); err != nil {
		zap.L().Warn("session status write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
	if err := m.router.SetTenantConnected(ctx, tenantID, false); err != nil {
		zap.L().Warn("tenant connected flag write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
	m.notifier.Publish(notify.Event{Name: notify.EventDisconnected, TenantID: tenantID,
		Payload: map[string]interface{}{"reason": evt.Reason}})

	if h.isManualClose() {
		return
	}
	m.scheduleReconnect(tenantID, h, evt.Reason)
}

// scheduleReconnect retries the connection once after the configured delay.
// The old handle was already released on close; if the operator reconnected
// in the meantime, Connect sees the occupied slot and backs off.
func (m *Manager) scheduleReconnect(tenantID int64, h *handle, reason string) {
	zap.L().Info("scheduling session reconnect",
		zap.Int64("tenant_id", tenantID),
		zap.Duration("delay", m.cfg.ReconnectDelay),
		zap.String("reason", reason))

	time.AfterFunc(m.cfg.ReconnectDelay, func() {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("reconnect panic", zap.Int64("tenant_id", tenantID), zap.Any("panic", r))
			}
		}()
		if h.isManualClose() {
			return
		}

		ctx, cancel := eventContext()
		defer cancel()
		m.bumpReconnectAttempts(ctx, tenantID)
		if err := m.Connect(ctx, tenantID); err != nil {
			zap.L().Warn("session reconnect failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
	})
}

func (m *Manager) bumpReconnectAttempts(ctx context.Context, tenantID int64) {
	models, err := m.router.Resolve(ctx, tenantID)
	if err != nil {
		return
	}
	err = models.Sessions().Where("tenant_id = ?", tenantID).
		UpdateColumn("reconnect_attempts", gorm.Expr("reconnect_attempts + ?", 1)).Error
	if err != nil {
		zap.L().Warn("reconnect counter write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
}

func (m *Manager) onCredentials(tenantID int64, evt protocol.CredentialsEvent) {
	ctx, cancel := eventContext()
	defer cancel()

	if err := m.creds.Save(ctx, tenantID, evt.Credentials); err != nil {
		var encErr *domain.EncryptionError
		if errors.As(err, &encErr) {
			// The live session keeps its in-memory state; the next
			// credential change retries the save.
			zap.L().Error("credential encryption failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
			return
		}
		zap.L().Error("credential save failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
}

func (m *Manager) onMessage(tenantID int64, h *handle, in protocol.InboundMessage) {
	if in.Internal {
		return
	}
	ctx, cancel := eventContext()
	defer cancel()

	models, err := m.router.ResolveScoped(ctx, tenantID, h.getPhone())
	if err != nil {
		zap.L().Error("inbound resolve failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}

	res, err := m.resolver.Resolve(ctx, models, in)
	if err != nil {
		zap.L().Error("identity resolution failed",
			zap.Int64("tenant_id", tenantID), zap.String("chat", in.ChatID), zap.Error(err))
		return
	}

	if !in.FromSelf && in.SenderName != "" {
		// Inbound names refresh the roster alongside roster pushes.
		if err := m.resolver.UpsertContact(ctx, models, res.SenderKey, in.SenderName); err != nil {
			zap.L().Warn("contact upsert failed",
				zap.Int64("tenant_id", tenantID), zap.String("sender", res.SenderKey), zap.Error(err))
		}
	}

	if err := m.upsertChat(ctx, models, res, in, identity.ChatCategoryFor(res.ChatKey)); err != nil {
		zap.L().Error("chat upsert failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}

	msg := domain.Message{
		ID:         common.UUIDint64(),
		MessageID:  in.MessageID,
		ChatKey:    res.ChatKey,
		SenderID:   in.SenderID,
		SenderName: res.DisplayName,
		Direction:  domain.DirectionInbound,
		Kind:       in.Kind,
		Body:       in.Body,
		MediaURL:   in.MediaRef,
		QuotedID:   in.QuotedID,
		Status:     domain.MessageStatusDelivered,
		Timestamp:  in.Timestamp,
	}
	if in.FromSelf {
		msg.Direction = domain.DirectionOutbound
		msg.Status = domain.MessageStatusSent
	}
	if in.Reaction != nil {
		// A new reaction replaces the sender's previous one on the same
		// target; an empty emoji is a plain removal.
		err := models.Messages().
			Where("kind = ? AND sender_id = ? AND quoted_id = ?",
				domain.MessageKindReaction, in.SenderID, in.Reaction.TargetMessageID).
			Delete(&domain.Message{}).Error
		if err != nil {
			zap.L().Warn("reaction cleanup failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		}
		if in.Reaction.Emoji == "" {
			return
		}
		msg.Kind = domain.MessageKindReaction
		msg.Body = in.Reaction.Emoji
		msg.QuotedID = in.Reaction.TargetMessageID
	}

	if err := models.Messages().Create(&msg).Error; err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return // transport replayed a message we already hold
		}
		zap.L().Error("inbound message persist failed",
			zap.Int64("tenant_id", tenantID), zap.String("message_id", in.MessageID), zap.Error(err))
		return
	}

	m.notifier.Publish(notify.Event{
		Name:     notify.EventMessage,
		TenantID: tenantID,
		Payload: map[string]interface{}{
			"chat_key":   res.ChatKey,
			"message_id": in.MessageID,
			"kind":       msg.Kind,
		},
	})
}

func (m *Manager) upsertChat(ctx context.Context, models *tenantdb.ModelSet, res identity.Resolution, in protocol.InboundMessage, category string) error {
	now := in.Timestamp
	var chat domain.Chat
	err := models.Chats().WithContext(ctx).Where("chat_key = ?", res.ChatKey).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		chat = domain.Chat{
			ID:            common.UUIDint64(),
			ChatKey:       res.ChatKey,
			DisplayName:   res.DisplayName,
			PhoneNumber:   res.PhoneNumber,
			Category:      category,
			LastMessageAt: &now,
		}
		if !in.FromSelf {
			chat.UnreadCount = 1
		}
		return models.Chats().Create(&chat).Error
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"last_message_at": now}
	if chat.DisplayName == "" && res.DisplayName != "" {
		updates["display_name"] = res.DisplayName
	}
	if !in.FromSelf {
		updates["unread_count"] = gorm.Expr("unread_count + ?", 1)
	}
	return models.Chats().Where("chat_key = ?", res.ChatKey).Updates(updates).Error
}

func (m *Manager) onContact(tenantID int64, h *handle, evt protocol.ContactEvent) {
	ctx, cancel := eventContext()
	defer cancel()

	models, err := m.router.ResolveScoped(ctx, tenantID, h.getPhone())
	if err != nil {
		return
	}
	name := evt.FullName
	if name == "" {
		name = evt.PushName
	}
	if err := m.resolver.UpsertContact(ctx, models, evt.ChatID, name); err != nil {
		zap.L().Warn("contact upsert failed",
			zap.Int64("tenant_id", tenantID), zap.String("chat", evt.ChatID), zap.Error(err))
		return
	}
	m.notifier.Publish(notify.Event{
		Name:     notify.EventContactUpdated,
		TenantID: tenantID,
		Payload:  map[string]interface{}{"identifier": evt.ChatID, "name": name},
	})
}

// onStatus applies delivery receipts. Transitions only move forward: a read
// receipt beats delivered, but delivered never downgrades read.
func (m *Manager) onStatus(tenantID int64, h *handle, evt protocol.StatusEvent) {
	ctx, cancel := eventContext()
	defer cancel()

	models, err := m.router.ResolveScoped(ctx, tenantID, h.getPhone())
	if err != nil {
		return
	}

	eligible := []string{domain.MessageStatusSent}
	if evt.Status == domain.MessageStatusRead {
		eligible = append(eligible, domain.MessageStatusDelivered)
	}
	err = models.Messages().
		Where("message_id IN ? AND direction = ? AND status IN ?",
			evt.MessageIDs, domain.DirectionOutbound, eligible).
		Updates(map[string]interface{}{"status": evt.Status}).Error
	if err != nil {
		zap.L().Warn("receipt apply failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
		return
	}

	m.notifier.Publish(notify.Event{
		Name:     notify.EventMessageStatus,
		TenantID: tenantID,
		Payload: map[string]interface{}{
			"chat_key":    evt.ChatID,
			"message_ids": evt.MessageIDs,
			"status":      evt.Status,
		},
	})
}

// persistOutbound records a successfully sent message.
func (m *Manager) persistOutbound(ctx context.Context, tenantID int64, phone, chatKey string,
	payload protocol.SendPayload, result *protocol.SendResult) error {
	models, err := m.router.ResolveScoped(ctx, tenantID, phone)
	if err != nil {
		return err
	}

	in := protocol.InboundMessage{ChatID: chatKey, FromSelf: true, Timestamp: result.Timestamp}
	res := identity.Resolution{ChatKey: chatKey, PhoneNumber: chatPhone(chatKey)}
	category := identity.ChatCategoryFor(chatKey)
	if payload.Campaign {
		category = domain.ChatCategoryCampaign
	}
	if err := m.upsertChat(ctx, models, res, in, category); err != nil {
		return err
	}

	kind := payload.Kind
	if kind == "" {
		kind = domain.MessageKindText
	}
	msg := domain.Message{
		ID:        common.UUIDint64(),
		MessageID: result.MessageID,
		ChatKey:   chatKey,
		Direction: domain.DirectionOutbound,
		Kind:      kind,
		Body:      payload.Body,
		MediaURL:  payload.MediaRef,
		QuotedID:  payload.QuotedID,
		Status:    domain.MessageStatusSent,
		Timestamp: result.Timestamp,
	}
	if err := models.Messages().Create(&msg).Error; err != nil {
		return err
	}
	return nil
}

func chatPhone(chatKey string) string {
	if strings.HasSuffix(chatKey, "@s.whatsapp.net") {
		return strings.TrimSuffix(chatKey, "@s.whatsapp.net")
	}
	return ""
}

func eventContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
