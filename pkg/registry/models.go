package registry

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sbomify/assessments/pkg/plugin"
)

// RegisteredPlugin is the GORM model of a catalog entry.
type RegisteredPlugin struct {
	ID                    string            `gorm:"primaryKey;column:id;type:varchar(36)" json:"id"`
	Name                  string            `gorm:"column:name;uniqueIndex:idx_registered_plugin_name;not null" json:"name"`
	DisplayName           string            `gorm:"column:display_name;not null" json:"display_name"`
	Description           string            `gorm:"column:description" json:"description"`
	Category              plugin.Category   `gorm:"column:category;index;not null" json:"category"`
	Version               string            `gorm:"column:version;not null" json:"version"`
	ImplementationLocator string            `gorm:"column:implementation_locator" json:"implementation_locator"`
	IsEnabled             bool              `gorm:"column:is_enabled;index;not null" json:"is_enabled"`
	IsBeta                bool              `gorm:"column:is_beta;not null" json:"is_beta"`
	DefaultConfig         datatypes.JSONMap `gorm:"column:default_config" json:"default_config"`
	CreatedAt             time.Time         `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"column:updated_at" json:"updated_at"`
}

// TableName returns the GORM table name.
func (RegisteredPlugin) TableName() string { return "registered_plugins" }

// BeforeCreate assigns an id.
func (p *RegisteredPlugin) BeforeCreate(*gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Defaults returns a copy of the default config.
func (p *RegisteredPlugin) Defaults() map[string]any {
	out := make(map[string]any, len(p.DefaultConfig))
	for k, v := range p.DefaultConfig {
		out[k] = v
	}
	return out
}
