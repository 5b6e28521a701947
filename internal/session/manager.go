package session

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/blipline/blipline/internal/credstore"
	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/internal/identity"
	"github.com/blipline/blipline/internal/notify"
	"github.com/blipline/blipline/internal/protocol"
	"github.com/blipline/blipline/internal/tenantdb"
	"github.com/blipline/blipline/pkg/common"
)

// Config tunes session lifecycle timing.
type Config struct {
	ReconnectDelay time.Duration
	RestoreDelay   time.Duration
	RestoreWorkers int
}

// Manager owns at most one live protocol handle per tenant and keeps the
// persisted session row in step with the transport.
type Manager struct {
	router   *tenantdb.Router
	creds    *credstore.Store
	dialer   protocol.Dialer
	resolver *identity.Resolver
	notifier notify.Notifier
	cfg      Config

	mu      sync.Mutex
	handles map[int64]*handle
	closing bool
}

type handle struct {
	tenantID int64

	mu          sync.Mutex
	client      protocol.Client
	phone       string
	manualClose bool
}

func (h *handle) setClient(c protocol.Client) {
	h.mu.Lock()
	h.client = c
	h.mu.Unlock()
}

func (h *handle) getClient() protocol.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

func (h *handle) setPhone(p string) {
	h.mu.Lock()
	h.phone = p
	h.mu.Unlock()
}

func (h *handle) getPhone() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phone
}

func (h *handle) markManualClose() {
	h.mu.Lock()
	h.manualClose = true
	h.mu.Unlock()
}

func (h *handle) isManualClose() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manualClose
}

// NewManager wires the session layer together.
func NewManager(router *tenantdb.Router, creds *credstore.Store, dialer protocol.Dialer,
	resolver *identity.Resolver, notifier notify.Notifier, cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.RestoreWorkers <= 0 {
		cfg.RestoreWorkers = 8
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Manager{
		router:   router,
		creds:    creds,
		dialer:   dialer,
		resolver: resolver,
		notifier: notifier,
		cfg:      cfg,
		handles:  make(map[int64]*handle),
	}
}

// Connect establishes the tenant's protocol session. The handle slot is
// reserved before any I/O so concurrent calls cannot race a second client
// into existence; callers landing on an existing slot return immediately.
func (m *Manager) Connect(ctx context.Context, tenantID int64) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return errors.New("session manager is shutting down")
	}
	if _, ok := m.handles[tenantID]; ok {
		m.mu.Unlock()
		return nil
	}
	h := &handle{tenantID: tenantID}
	m.handles[tenantID] = h
	m.mu.Unlock()

	creds, err := m.creds.Load(ctx, tenantID)
	if err != nil {
		m.removeHandleIf(tenantID, h)
		return err
	}

	client, err := m.dialer.Dial(ctx, tenantID, creds, m.handlersFor(tenantID, h))
	if err != nil {
		m.removeHandleIf(tenantID, h)
		return domain.NewUnavailableError("protocol dial", err)
	}
	h.setClient(client)

	if err := m.setStatus(ctx, tenantID, domain.SessionConnecting, nil); err != nil {
		zap.L().Warn("session status write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}

	if err := client.Connect(ctx); err != nil {
		m.removeHandleIf(tenantID, h)
		if serr := m.setStatus(ctx, tenantID, domain.SessionDisconnected, nil); serr != nil {
			zap.L().Warn("session status write failed", zap.Int64("tenant_id", tenantID), zap.Error(serr))
		}
		return domain.NewUnavailableError("protocol connect", err)
	}

	zap.L().Info("session connecting", zap.Int64("tenant_id", tenantID),
		zap.Bool("registered", creds.Registered))
	return nil
}

// Disconnect drops the tenant's transport, keeping the pairing valid. Safe to
// call repeatedly and for tenants that were never connected.
func (m *Manager) Disconnect(ctx context.Context, tenantID int64) {
	m.mu.Lock()
	h := m.handles[tenantID]
	delete(m.handles, tenantID)
	m.mu.Unlock()

	if h != nil {
		h.markManualClose()
		if client := h.getClient(); client != nil {
			client.Disconnect()
		}
	}
	if err := m.setStatus(ctx, tenantID, domain.SessionDisconnected, nil); err != nil {
		zap.L().Warn("session status write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
	if err := m.router.SetTenantConnected(ctx, tenantID, false); err != nil {
		zap.L().Warn("tenant connected flag write failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
	}
}

// Logout invalidates the pairing and wipes stored credentials. The next
// Connect goes through the pairing flow again.
func (m *Manager) Logout(ctx context.Context, tenantID int64) error {
	m.mu.Lock()
	h := m.handles[tenantID]
	delete(m.handles, tenantID)
	m.mu.Unlock()

	if h != nil {
		h.markManualClose()
		if client := h.getClient(); client != nil {
			if err := client.Logout(ctx); err != nil {
				zap.L().Warn("remote logout failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
			}
			client.Disconnect()
		}
	}

	if err := m.creds.Clear(ctx, tenantID); err != nil {
		return err
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
	m.notifier.Publish(notify.Event{Name: notify.EventLoggedOut, TenantID: tenantID})
	zap.L().Info("session logged out", zap.Int64("tenant_id", tenantID))
	return nil
}

// Status returns the persisted session row for the tenant.
func (m *Manager) Status(ctx context.Context, tenantID int64) (*domain.ProtocolSession, error) {
	models, err := m.router.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var session domain.ProtocolSession
	err = models.Sessions().WithContext(ctx).Where("tenant_id = ?", tenantID).First(&session).Error
	if err != nil {
		return nil, domain.NewUnavailableError("session lookup", err)
	}
	return &session, nil
}

// Send delivers an outbound message on the tenant's live session and persists
// the sent row. Persistence failures are logged, never surfaced: the message
// already left, so the caller gets the successful result.
func (m *Manager) Send(ctx context.Context, tenantID int64, chatKey string, payload protocol.SendPayload) (*protocol.SendResult, error) {
	m.mu.Lock()
	h := m.handles[tenantID]
	m.mu.Unlock()
	if h == nil {
		return nil, &domain.NotConnectedError{TenantID: tenantID}
	}
	client := h.getClient()
	if client == nil || !client.Connected() {
		return nil, &domain.NotConnectedError{TenantID: tenantID}
	}

	result, err := client.Send(ctx, chatKey, payload)
	if err != nil {
		return nil, domain.NewUnavailableError("protocol send", err)
	}

	if err := m.persistOutbound(ctx, tenantID, h.getPhone(), chatKey, payload, result); err != nil {
		zap.L().Error("outbound message persist failed",
			zap.Int64("tenant_id", tenantID),
			zap.String("message_id", result.MessageID),
			zap.Error(err))
	}
	return result, nil
}

// RestoreAll reconnects every tenant that has a stored registration. Runs
// once at startup after a settle delay, with a bounded worker pool so a large
// fleet does not stampede the transport.
func (m *Manager) RestoreAll(ctx context.Context) {
	if m.cfg.RestoreDelay > 0 {
		select {
		case <-time.After(m.cfg.RestoreDelay):
		case <-ctx.Done():
			return
		}
	}

	var tenants []domain.Tenant
	if err := m.router.Master().WithContext(ctx).Where("infra_ready = ?", true).Find(&tenants).Error; err != nil {
		zap.L().Error("restore tenant scan failed", zap.Error(err))
		return
	}

	pool, err := ants.NewPool(m.cfg.RestoreWorkers)
	if err != nil {
		zap.L().Error("restore pool init failed", zap.Error(err))
		return
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for _, tenant := range tenants {
		tenantID := tenant.ID
		creds, err := m.creds.Load(ctx, tenantID)
		if err != nil || !creds.Registered {
			continue
		}
		wg.Add(1)
		submitErr := pool.Submit(func() {
			defer wg.Done()
			if err := m.Connect(ctx, tenantID); err != nil {
				zap.L().Warn("session restore failed", zap.Int64("tenant_id", tenantID), zap.Error(err))
			}
		})
		if submitErr != nil {
			wg.Done()
			zap.L().Warn("restore submit failed", zap.Int64("tenant_id", tenantID), zap.Error(submitErr))
		}
	}
	wg.Wait()
	zap.L().Info("session restore sweep finished", zap.Int("tenants", len(tenants)))
}

// Close disconnects every live handle. Used on shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[int64]*handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.markManualClose()
		if client := h.getClient(); client != nil {
			client.Disconnect()
		}
	}
}

// Connected reports whether the tenant currently holds a live handle.
func (m *Manager) Connected(tenantID int64) bool {
	m.mu.Lock()
	h := m.handles[tenantID]
	m.mu.Unlock()
	if h == nil {
		return false
	}
	client := h.getClient()
	return client != nil && client.Connected()
}

// removeHandleIf drops the handle slot only when it still holds the same
// reservation, so a newer connect attempt is never evicted by a stale one.
func (m *Manager) removeHandleIf(tenantID int64, h *handle) {
	m.mu.Lock()
	if cur, ok := m.handles[tenantID]; ok && cur == h {
		delete(m.handles, tenantID)
	}
	m.mu.Unlock()
}

// setStatus writes the session status, creating the row on first contact.
// Writing "connecting" is guarded so it can never clobber a live pairing
// code: once qr_ready is up, only a terminal transition replaces it.
func (m *Manager) setStatus(ctx context.Context, tenantID int64, status string, extra map[string]interface{}) error {
	models, err := m.router.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{"status": status}
	for k, v := range extra {
		updates[k] = v
	}

	query := models.Sessions().Where("tenant_id = ?", tenantID)
	if status == domain.SessionConnecting {
		query = query.Where("status <> ?", domain.SessionQRReady)
	}
	result := query.Updates(updates)
	if result.Error != nil {
		return domain.NewUnavailableError("session status", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := models.Sessions().Where("tenant_id = ?", tenantID).Count(&count).Error; err != nil {
		return domain.NewUnavailableError("session status", err)
	}
	if count > 0 {
		// Row exists but the qr_ready guard held it back.
		return nil
	}
	session := domain.ProtocolSession{
		ID:       common.UUIDint64(),
		TenantID: tenantID,
		Status:   status,
	}
	if artifact, ok := extra["pairing_artifact"].(string); ok {
		session.PairingArtifact = artifact
	}
	if err := models.Sessions().Create(&session).Error; err != nil {
		return domain.NewUnavailableError("session status", err)
	}
	return nil
}

// pairingArtifact renders a pairing code as an inline PNG data URI.
func pairingArtifact(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", errors.Wrap(err, "encode pairing code")
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
