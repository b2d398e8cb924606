package teams

import (
	"maps"
	"time"

	"gorm.io/datatypes"
)

// TeamPluginSettings is the per-team plugin enablement and config override
// record.
type TeamPluginSettings struct {
	TeamID         string                      `gorm:"primaryKey;column:team_id;type:varchar(64)" json:"team_id"`
	EnabledPlugins datatypes.JSONSlice[string] `gorm:"column:enabled_plugins" json:"enabled_plugins"`
	PluginConfig   datatypes.JSONMap           `gorm:"column:plugin_config" json:"plugin_config"`
	CreatedAt      time.Time                   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time                   `gorm:"column:updated_at" json:"updated_at"`
}

// TableName returns the GORM table name.
func (TeamPluginSettings) TableName() string { return "team_plugin_settings" }

// Override returns the config override stored for pluginName, or nil.
func (s *TeamPluginSettings) Override(pluginName string) map[string]any {
	if s == nil || s.PluginConfig == nil {
		return nil
	}
	o, ok := s.PluginConfig[pluginName].(map[string]any)
	if !ok {
		return nil
	}
	return maps.Clone(o)
}
