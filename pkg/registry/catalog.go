package registry

import (
	"context"
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sbomify/assessments/pkg/plugin"
)

const (
	CatalogAPIVersion = "assessments.sbomify.io/v1"
	CatalogKind       = "PluginCatalog"
)

// CatalogFile is the operator-maintained plugins.yaml.
type CatalogFile struct {
	APIVersion string         `yaml:"apiVersion"`
	Kind       string         `yaml:"kind"`
	Plugins    []CatalogEntry `yaml:"plugins"`
}

// CatalogEntry overrides or adds one descriptor. Pointer fields left unset
// keep the builtin value.
type CatalogEntry struct {
	Name                  string         `yaml:"name"`
	DisplayName           string         `yaml:"displayName,omitempty"`
	Description           string         `yaml:"description,omitempty"`
	Category              string         `yaml:"category,omitempty"`
	Version               string         `yaml:"version,omitempty"`
	ImplementationLocator string         `yaml:"implementationLocator,omitempty"`
	Enabled               *bool          `yaml:"enabled,omitempty"`
	Beta                  *bool          `yaml:"beta,omitempty"`
	DefaultConfig         map[string]any `yaml:"defaultConfig,omitempty"`
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin catalog: %w", err)
	}
	var c CatalogFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse plugin catalog: %w", err)
	}
	return &c, nil
}

// ValidateCatalog returns human-readable problems; an empty slice means the
// catalog can be applied. builtins supplies the fields an entry may omit.
func ValidateCatalog(c *CatalogFile, builtins []Descriptor, factories *Factories) []string {
	var errs []string

	if c.APIVersion == "" {
		errs = append(errs, "apiVersion is required")
	} else if c.APIVersion != CatalogAPIVersion {
		errs = append(errs, fmt.Sprintf("apiVersion must be %s, got %q", CatalogAPIVersion, c.APIVersion))
	}
	if c.Kind != CatalogKind {
		errs = append(errs, fmt.Sprintf("kind must be %s, got %q", CatalogKind, c.Kind))
	}

	seen := map[string]bool{}
	for i, e := range c.Plugins {
		prefix := fmt.Sprintf("plugins[%d]", i)
		if e.Name == "" {
			errs = append(errs, prefix+".name is required")
			continue
		}
		if seen[e.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", prefix, e.Name))
		}
		seen[e.Name] = true

		d := mergeEntry(findDescriptor(builtins, e.Name), e)
		if factories != nil {
			if _, ok := factories.Lookup(e.Name); !ok {
				errs = append(errs, fmt.Sprintf("%s: no factory registered for %q", prefix, e.Name))
			}
		}
		if !d.Category.Valid() {
			errs = append(errs, fmt.Sprintf("%s.category %q must be one of compliance, security, other", prefix, d.Category))
		}
		if d.Version == "" {
			errs = append(errs, prefix+".version is required")
		} else if _, _, _, err := ParseSemver(d.Version); err != nil {
			errs = append(errs, fmt.Sprintf("%s.version is not valid semver: %v", prefix, err))
		}
	}
	return errs
}

// ApplyCatalog registers every entry of c on top of the matching builtin
// descriptor. An explicit enabled flag is applied to existing rows too.
func (r *Registry) ApplyCatalog(ctx context.Context, c *CatalogFile, builtins []Descriptor) error {
	if errs := ValidateCatalog(c, builtins, r.factories); len(errs) > 0 {
		return fmt.Errorf("invalid plugin catalog: %s", strings.Join(errs, "; "))
	}
	for _, e := range c.Plugins {
		d := mergeEntry(findDescriptor(builtins, e.Name), e)
		if _, err := r.Register(ctx, d); err != nil {
			return err
		}
		if e.Enabled != nil {
			if err := r.SetEnabled(ctx, e.Name, *e.Enabled); err != nil {
				return err
			}
		}
		r.logger.Info("applied catalog entry", "plugin", e.Name, "enabled", d.Enabled)
	}
	return nil
}

func findDescriptor(builtins []Descriptor, name string) Descriptor {
	for _, d := range builtins {
		if d.Name == name {
			d.DefaultConfig = maps.Clone(d.DefaultConfig)
			return d
		}
	}
	return Descriptor{Name: name, Enabled: true}
}

func mergeEntry(d Descriptor, e CatalogEntry) Descriptor {
	if e.DisplayName != "" {
		d.DisplayName = e.DisplayName
	}
	if e.Description != "" {
		d.Description = e.Description
	}
	if e.Category != "" {
		d.Category = plugin.Category(e.Category)
	}
	if e.Version != "" {
		d.Version = e.Version
	}
	if e.ImplementationLocator != "" {
		d.ImplementationLocator = e.ImplementationLocator
	}
	if e.Enabled != nil {
		d.Enabled = *e.Enabled
	}
	if e.Beta != nil {
		d.Beta = *e.Beta
	}
	if e.DefaultConfig != nil {
		d.DefaultConfig = plugin.MergeConfig(d.DefaultConfig, e.DefaultConfig)
	}
	return d
}

// ParseSemver parses "major.minor.patch" with an optional leading "v".
// Pre-release and build metadata suffixes are not supported.
func ParseSemver(version string) (major, minor, patch int, err error) {
	version = strings.TrimPrefix(version, "v")

	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected 3 dot-separated components, got %d in %q", len(parts), version)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("invalid version component %q: %w", p, err)
		}
		if n < 0 {
			return 0, 0, 0, fmt.Errorf("version components must be non-negative")
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], nil
}
