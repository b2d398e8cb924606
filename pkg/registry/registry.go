// Package registry is the persisted catalog of known plugins and the
// startup-time table that maps plugin names to factories.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sbomify/assessments/pkg/plugin"
)

var (
	// ErrPluginNotFound is returned for names absent from the catalog or
	// without a registered factory.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrPluginDisabled is returned for globally disabled plugins. It
	// matches ErrPluginNotFound under errors.Is.
	ErrPluginDisabled = fmt.Errorf("%w: plugin disabled", ErrPluginNotFound)
)

// Descriptor is the registration record of a plugin.
type Descriptor struct {
	Name                  string
	DisplayName           string
	Description           string
	Category              plugin.Category
	Version               string
	ImplementationLocator string
	Enabled               bool
	Beta                  bool
	DefaultConfig         map[string]any
}

// Factories maps plugin names to constructors. It is filled once at process
// start and only read afterwards.
type Factories struct {
	mu sync.RWMutex
	m  map[string]plugin.Factory
}

// NewFactories returns an empty factory table.
func NewFactories() *Factories {
	return &Factories{m: map[string]plugin.Factory{}}
}

// Add registers fn under name. Registering a name twice is an error.
func (f *Factories) Add(name string, fn plugin.Factory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.m[name]; exists {
		return fmt.Errorf("factory for plugin %q already registered", name)
	}
	f.m[name] = fn
	return nil
}

// Lookup returns the factory for name.
func (f *Factories) Lookup(name string) (plugin.Factory, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.m[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (f *Factories) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for n := range f.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry reads and writes the plugin catalog.
type Registry struct {
	db        *gorm.DB
	factories *Factories
	logger    *slog.Logger
}

// New creates a Registry.
func New(db *gorm.DB, factories *Factories, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if factories == nil {
		factories = NewFactories()
	}
	return &Registry{db: db, factories: factories, logger: logger}
}

// Factories returns the factory table the registry resolves against.
func (r *Registry) Factories() *Factories { return r.factories }

// WithTx returns a copy of the registry that reads and writes through tx.
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	cp := *r
	cp.db = tx
	return &cp
}

// Register upserts d by name. Descriptive fields and the default config are
// overwritten; is_enabled is only set on first insert so an operator's kill
// switch survives restarts. Safe to call concurrently from many processes.
func (r *Registry) Register(ctx context.Context, d Descriptor) (*RegisteredPlugin, error) {
	if d.Name == "" {
		return nil, errors.New("register plugin: name is required")
	}
	if !d.Category.Valid() {
		return nil, fmt.Errorf("register plugin %s: invalid category %q", d.Name, d.Category)
	}
	if d.DisplayName == "" {
		d.DisplayName = d.Name
	}

	row := &RegisteredPlugin{
		Name:                  d.Name,
		DisplayName:           d.DisplayName,
		Description:           d.Description,
		Category:              d.Category,
		Version:               d.Version,
		ImplementationLocator: d.ImplementationLocator,
		IsEnabled:             d.Enabled,
		IsBeta:                d.Beta,
		DefaultConfig:         d.DefaultConfig,
	}
	if row.DefaultConfig == nil {
		row.DefaultConfig = map[string]any{}
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "description", "category", "version",
			"implementation_locator", "is_beta", "default_config", "updated_at",
		}),
	}).Create(row).Error
	if err != nil {
		return nil, fmt.Errorf("register plugin %s: %w", d.Name, err)
	}
	return r.Get(ctx, d.Name)
}

// RegisterAll registers every descriptor.
func (r *Registry) RegisterAll(ctx context.Context, descriptors []Descriptor) error {
	for _, d := range descriptors {
		if _, err := r.Register(ctx, d); err != nil {
			return err
		}
		r.logger.Debug("registered plugin", "plugin", d.Name, "version", d.Version)
	}
	return nil
}

// Get returns the catalog entry for name, or ErrPluginNotFound.
func (r *Registry) Get(ctx context.Context, name string) (*RegisteredPlugin, error) {
	var row RegisteredPlugin
	if err := r.db.WithContext(ctx).First(&row, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
		}
		return nil, fmt.Errorf("get plugin: %w", err)
	}
	return &row, nil
}

// List returns every catalog entry ordered by name.
func (r *Registry) List(ctx context.Context) ([]RegisteredPlugin, error) {
	var rows []RegisteredPlugin
	if err := r.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	return rows, nil
}

// ListEnabled returns the globally enabled entries ordered by name.
func (r *Registry) ListEnabled(ctx context.Context) ([]RegisteredPlugin, error) {
	var rows []RegisteredPlugin
	if err := r.db.WithContext(ctx).Where("is_enabled = ?", true).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list enabled plugins: %w", err)
	}
	return rows, nil
}

// SetEnabled flips the global kill switch of name.
func (r *Registry) SetEnabled(ctx context.Context, name string, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&RegisteredPlugin{}).Where("name = ?", name).
		Update("is_enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("set plugin enabled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return nil
}

// Resolve returns a fresh plugin instance for name together with its catalog
// entry. The factory is looked up by name; the stored implementation locator
// is informational only.
func (r *Registry) Resolve(ctx context.Context, name string) (plugin.Plugin, *RegisteredPlugin, error) {
	row, err := r.Get(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	if !row.IsEnabled {
		return nil, row, fmt.Errorf("%w: %s", ErrPluginDisabled, name)
	}
	factory, ok := r.factories.Lookup(name)
	if !ok {
		return nil, row, fmt.Errorf("%w: no factory registered for %s (locator %q)",
			ErrPluginNotFound, name, row.ImplementationLocator)
	}
	return factory(), row, nil
}
