// Package plugins holds the registration table of the analyzers compiled
// into this binary.
package plugins

import (
	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/plugins/checksum"
	"github.com/sbomify/assessments/pkg/plugins/ntia"
	"github.com/sbomify/assessments/pkg/plugins/osv"
	"github.com/sbomify/assessments/pkg/registry"
)

type builtin struct {
	descriptor registry.Descriptor
	factory    plugin.Factory
}

var builtins = []builtin{
	{
		descriptor: registry.Descriptor{
			Name:                  ntia.Name,
			DisplayName:           "NTIA Minimum Elements",
			Description:           "Checks the seven NTIA minimum elements (2021) in SPDX and CycloneDX documents.",
			Category:              plugin.CategoryCompliance,
			Version:               ntia.Version,
			ImplementationLocator: "builtin:ntia",
			Enabled:               true,
			DefaultConfig:         map[string]any{"severity": "medium"},
		},
		factory: ntia.New,
	},
	{
		descriptor: registry.Descriptor{
			Name:                  osv.Name,
			DisplayName:           "OSV Vulnerability Scan",
			Description:           "Looks up every component with a purl in the OSV database.",
			Category:              plugin.CategorySecurity,
			Version:               osv.Version,
			ImplementationLocator: "builtin:osv",
			Enabled:               true,
			DefaultConfig: map[string]any{
				"api_url":    "https://api.osv.dev",
				"batch_size": 1000,
				"hydrate":    true,
				"timeout":    "30s",
			},
		},
		factory: func() plugin.Plugin { return osv.New() },
	},
	{
		descriptor: registry.Descriptor{
			Name:                  checksum.Name,
			DisplayName:           "Artifact Checksums",
			Description:           "Records SHA-256 and SHA-512 digests of the artifact.",
			Category:              plugin.CategoryOther,
			Version:               checksum.Version,
			ImplementationLocator: "builtin:checksum",
			Enabled:               true,
			Beta:                  true,
			DefaultConfig:         map[string]any{"report_missing_hashes": false},
		},
		factory: checksum.New,
	},
}

// Builtins returns the descriptors of the compiled-in plugins.
func Builtins() []registry.Descriptor {
	out := make([]registry.Descriptor, 0, len(builtins))
	for _, b := range builtins {
		out = append(out, b.descriptor)
	}
	return out
}

// RegisterFactories adds every compiled-in factory to f.
func RegisterFactories(f *registry.Factories) error {
	for _, b := range builtins {
		if err := f.Add(b.descriptor.Name, b.factory); err != nil {
			return err
		}
	}
	return nil
}
