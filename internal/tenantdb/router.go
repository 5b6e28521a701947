package tenantdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blipline/blipline/internal/domain"
)

// Scope addresses one tenant's model set, optionally partitioned by the phone
// number the tenant is currently paired with. Re-pairing to a different number
// therefore never mixes histories. An empty PhoneScope is the unpartitioned
// namespace.
type Scope struct {
	TenantID   int64
	PhoneScope string
}

// Table returns the scoped table name for a base entity table.
func (s Scope) Table(base string) string {
	if s.PhoneScope == "" {
		return base
	}
	return base + "_" + sanitizeScope(s.PhoneScope)
}

// sanitizeScope keeps only characters valid in a table name suffix.
func sanitizeScope(scope string) string {
	var b strings.Builder
	for _, r := range scope {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Router resolves tenants to live database connections and scoped model sets.
// One pooled connection per tenant, created lazily and evicted when unhealthy.
type Router struct {
	master         *gorm.DB
	mu             sync.Mutex
	conns          map[int64]*gorm.DB
	migrated       map[string]bool // conn+scope pairs already migrated
	connectTimeout time.Duration
}

// NewRouter builds a Router over the master catalog database.
func NewRouter(master *gorm.DB, connectTimeout time.Duration) *Router {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &Router{
		master:         master,
		conns:          make(map[int64]*gorm.DB),
		migrated:       make(map[string]bool),
		connectTimeout: connectTimeout,
	}
}

// Master exposes the catalog database (tenants, settings, credit balances).
func (r *Router) Master() *gorm.DB {
	return r.master
}

// Resolve returns the tenant's connection with the unpartitioned model set.
func (r *Router) Resolve(ctx context.Context, tenantID int64) (*ModelSet, error) {
	return r.ResolveScoped(ctx, tenantID, "")
}

// ResolveScoped returns the tenant's connection with a phone-scoped model set.
// Fails with ConfigurationError when the tenant is missing or has no
// connection descriptor, and with UnavailableError when the connection cannot
// be established within the bounded timeout. Callers must not retry within
// the same call.
func (r *Router) ResolveScoped(ctx context.Context, tenantID int64, phoneScope string) (*ModelSet, error) {
	var tenant domain.Tenant
	if err := r.master.WithContext(ctx).First(&tenant, tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.NewConfigurationError(tenantID, "tenant not found")
		}
		return nil, domain.NewUnavailableError("tenant lookup", err)
	}
	if strings.TrimSpace(tenant.DatabaseDSN) == "" {
		return nil, domain.NewConfigurationError(tenantID, "no database connection descriptor")
	}

	conn, err := r.connection(ctx, &tenant)
	if err != nil {
		return nil, err
	}

	scope := Scope{TenantID: tenantID, PhoneScope: phoneScope}
	if err := r.migrate(conn, tenantID, scope); err != nil {
		return nil, domain.NewUnavailableError("tenant migration", err)
	}
	return &ModelSet{db: conn, scope: scope}, nil
}

// connection returns the cached handle for the tenant, evicting and recreating
// it if the pool is no longer healthy.
func (r *Router) connection(ctx context.Context, tenant *domain.Tenant) (*gorm.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.conns[tenant.ID]; ok {
		if r.healthy(ctx, conn) {
			return conn, nil
		}
		zap.L().Warn("evicting unhealthy tenant connection", zap.Int64("tenant_id", tenant.ID))
		r.closeLocked(tenant.ID, conn)
	}

	conn, err := r.open(ctx, tenant)
	if err != nil {
		return nil, err
	}
	r.conns[tenant.ID] = conn
	zap.L().Info("tenant connection established",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("driver", tenant.DatabaseDriver))
	return conn, nil
}

func (r *Router) healthy(ctx context.Context, conn *gorm.DB) bool {
	sqlDB, err := conn.DB()
	if err != nil {
		return false
	}
	pingCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	return sqlDB.PingContext(pingCtx) == nil
}

func (r *Router) open(ctx context.Context, tenant *domain.Tenant) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(tenant.DatabaseDriver) {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(tenant.DatabaseDSN)
	default:
		dialector = postgres.Open(tenant.DatabaseDSN)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, domain.NewUnavailableError("tenant connect", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, domain.NewUnavailableError("tenant connect", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(4)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, r.connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, domain.NewUnavailableError("tenant connect", err)
	}
	return conn, nil
}

// migrate ensures the session table (unscoped) and the scoped entity tables
// exist on the tenant connection. Runs once per connection+scope.
func (r *Router) migrate(conn *gorm.DB, tenantID int64, scope Scope) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	connKey := fmt.Sprintf("%d", tenantID)
	if !r.migrated[connKey] {
		if err := conn.AutoMigrate(&domain.ProtocolSession{}); err != nil {
			return err
		}
		r.migrated[connKey] = true
	}

	scopeKey := fmt.Sprintf("%d|%s", tenantID, scope.PhoneScope)
	if r.migrated[scopeKey] {
		return nil
	}
	for base, model := range domain.ScopedTables {
		if err := conn.Table(scope.Table(base)).AutoMigrate(model); err != nil {
			return err
		}
	}
	r.migrated[scopeKey] = true
	return nil
}

// Disconnect closes and evicts the tenant's pooled connection. Safe to call
// when none exists.
func (r *Router) Disconnect(tenantID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[tenantID]; ok {
		r.closeLocked(tenantID, conn)
	}
}

func (r *Router) closeLocked(tenantID int64, conn *gorm.DB) {
	if sqlDB, err := conn.DB(); err == nil {
		_ = sqlDB.Close()
	}
	delete(r.conns, tenantID)
	for key := range r.migrated {
		if strings.HasPrefix(key, fmt.Sprintf("%d|", tenantID)) || key == fmt.Sprintf("%d", tenantID) {
			delete(r.migrated, key)
		}
	}
}

// Close tears down every pooled tenant connection.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, conn := range r.conns {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
		delete(r.conns, id)
	}
	r.migrated = make(map[string]bool)
}

// ModelSet is a tenant connection bound to one scope. Each accessor returns a
// query builder already pointed at the scoped table.
type ModelSet struct {
	db    *gorm.DB
	scope Scope
}

// Scope returns the scope this model set was resolved for.
func (m *ModelSet) Scope() Scope { return m.scope }

// DB exposes the underlying tenant connection.
func (m *ModelSet) DB() *gorm.DB { return m.db }

func (m *ModelSet) Messages() *gorm.DB {
	return m.db.Table(m.scope.Table("messages"))
}

func (m *ModelSet) Chats() *gorm.DB {
	return m.db.Table(m.scope.Table("chats"))
}

func (m *ModelSet) Contacts() *gorm.DB {
	return m.db.Table(m.scope.Table("contacts"))
}

func (m *ModelSet) Campaigns() *gorm.DB {
	return m.db.Table(m.scope.Table("campaigns"))
}

func (m *ModelSet) CampaignJobs() *gorm.DB {
	return m.db.Table(m.scope.Table("campaign_jobs"))
}

// Sessions is intentionally not phone-scoped: the session record must be
// discoverable before a phone number is known.
func (m *ModelSet) Sessions() *gorm.DB {
	return m.db.Table(domain.ProtocolSession{}.TableName())
}

// RecentChats lists chats newest-first. The name captured on the chat row
// wins; the contact roster fills the gap for chats that never resolved one.
func (m *ModelSet) RecentChats(ctx context.Context, limit int) ([]domain.Chat, error) {
	chats := m.scope.Table("chats")
	contacts := m.scope.Table("contacts")

	var out []domain.Chat
	err := m.db.WithContext(ctx).Table(chats).
		Select(chats+".*, COALESCE(NULLIF("+chats+".display_name, ''), "+contacts+".display_name, "+chats+".chat_key) AS display_name").
		Joins("LEFT JOIN "+contacts+" ON "+contacts+".identifier = "+chats+".chat_key").
		Where(chats+".archived = ?", false).
		Order(chats + ".last_message_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
