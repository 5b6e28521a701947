package app

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/blipline/blipline/config"
)

// getDatabase opens the master database. Tenant databases are opened lazily by
// the tenant router from the catalog rows stored here.
func getDatabase(cfg config.DBConfig, workdir string) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		name := cfg.Name
		if name == "" {
			name = "blipline.db"
		}
		dialector = sqlite.Open(filepath.Join(workdir, name))
	default:
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.User, cfg.Passwd, cfg.Name)
		dialector = postgres.Open(dsn)
	}

	loglevel := logger.Warn
	if cfg.Debug {
		loglevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(loglevel),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		zap.S().Fatalf("database connect failed: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		zap.S().Fatalf("database handle failed: %v", err)
	}
	if cfg.MaxConn > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConn)
	}
	if cfg.IdleConn > 0 {
		sqlDB.SetMaxIdleConns(cfg.IdleConn)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db
}
