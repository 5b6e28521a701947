package app

import (
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"github.com/blipline/blipline/config"
	"github.com/blipline/blipline/internal/session"
)

// DBProvider provides master database access
type DBProvider interface {
	DB() *gorm.DB
}

// ConfigProvider provides application configuration
type ConfigProvider interface {
	Config() *config.AppConfig
}

// SettingsProvider provides system settings access
type SettingsProvider interface {
	GetSettingsStringValue(category, name string) string
	GetSettingsInt64Value(category, name string) int64
	GetSettingsBoolValue(category, name string) bool
	SaveSettings(settings map[string]interface{}) error
}

// SchedulerProvider provides task scheduling capability
type SchedulerProvider interface {
	Scheduler() *cron.Cron
}

// SessionProvider provides protocol session manager access
type SessionProvider interface {
	SessionManager() *session.Manager
}

// AppContext combines all provider interfaces for full application context
// Services should depend on specific providers or this combined interface
type AppContext interface {
	DBProvider
	ConfigProvider
	SettingsProvider
	SchedulerProvider
	SessionProvider

	// Application lifecycle methods
	MigrateDB(track bool) error
	InitDb()
	DropAll()
}
