package app

import (
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/blipline/blipline/internal/domain"
	"github.com/blipline/blipline/pkg/common"
)

type settingSchema struct {
	Type        string
	Name        string
	Default     string
	Description string
}

// defaultSettings are seeded into the master settings table on first boot.
// Operators tune them at runtime without a redeploy.
var defaultSettings = []settingSchema{
	{"system", "SystemTitle", "Blipline", "Display name used in notification payloads"},
	{"messaging", "MediaRetentionDays", "30", "Days to keep downloaded media files on disk"},
	{"queue", "DispatchEnabled", "enabled", "Master switch for the campaign dispatch queue"},
}

func (a *Application) checkSettings() {
	for sortid, schema := range defaultSettings {
		var count int64
		a.gormDB.Model(&domain.Setting{}).
			Where("type = ? and name = ?", schema.Type, schema.Name).
			Count(&count)

		if count == 0 {
			a.gormDB.Create(&domain.Setting{
				ID:     common.UUIDint64(),
				Sort:   sortid,
				Type:   schema.Type,
				Name:   schema.Name,
				Value:  schema.Default,
				Remark: schema.Description,
			})
			zap.L().Info("initialized config",
				zap.String("key", schema.Type+"."+schema.Name),
				zap.String("default", schema.Default))
		}
	}
}

// GetSettingsStringValue retrieves a string configuration value
func (a *Application) GetSettingsStringValue(category, name string) string {
	var cfg domain.Setting
	err := a.gormDB.Where("type = ? and name = ?", category, name).First(&cfg).Error
	if err != nil {
		return ""
	}
	return cfg.Value
}

// GetSettingsInt64Value retrieves an int64 configuration value
func (a *Application) GetSettingsInt64Value(category, name string) int64 {
	return cast.ToInt64(a.GetSettingsStringValue(category, name))
}

// GetSettingsBoolValue retrieves a boolean configuration value
func (a *Application) GetSettingsBoolValue(category, name string) bool {
	v := a.GetSettingsStringValue(category, name)
	return v == "enabled" || cast.ToBool(v)
}

// SaveSettings updates configuration values keyed by "category.name"
func (a *Application) SaveSettings(settings map[string]interface{}) error {
	for key, value := range settings {
		category, name, ok := splitSettingKey(key)
		if !ok {
			continue
		}
		err := a.gormDB.Model(&domain.Setting{}).
			Where("type = ? and name = ?", category, name).
			Updates(map[string]interface{}{
				"value":      cast.ToString(value),
				"updated_at": time.Now(),
			}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func splitSettingKey(key string) (category, name string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
