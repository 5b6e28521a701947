package app

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/blipline/blipline/internal/domain"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func (a *Application) initJob() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSyncConnectedFlags()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		go a.SchedClearExpiredMedia()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSyncConnectedFlags reconciles the catalog's connected mirror with the
// live session table. Repairs drift after a crash mid-status-write.
func (a *Application) SchedSyncConnectedFlags() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	var tenants []domain.Tenant
	if err := a.gormDB.Where("infra_ready = ?", true).Find(&tenants).Error; err != nil {
		return
	}

	for _, tenant := range tenants {
		live := a.sessions.Connected(tenant.ID)
		if live == tenant.Connected {
			continue
		}
		if err := a.router.SetTenantConnected(context.Background(), tenant.ID, live); err != nil {
			zap.L().Warn("connected flag repair failed",
				zap.Int64("tenant_id", tenant.ID), zap.Error(err))
		}
	}
}

// SchedClearExpiredMedia deletes downloaded media files older than the
// configured retention window.
func (a *Application) SchedClearExpiredMedia() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	idays := a.GetSettingsInt64Value("messaging", "MediaRetentionDays")
	if idays == 0 {
		idays = 30
	}
	cutoff := time.Now().Add(-time.Hour * 24 * time.Duration(idays))

	mediaDir := filepath.Join(a.appConfig.System.Workdir, "media")
	entries, err := os.ReadDir(mediaDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(mediaDir, entry.Name()))
		}
	}
}
