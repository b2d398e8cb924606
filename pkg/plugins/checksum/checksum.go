// Package checksum records artifact digests and, optionally, flags components
// that carry no hash of their own.
package checksum

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"

	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/sbom"
)

const (
	Name    = "checksum"
	Version = "1.0.0"
)

type Plugin struct{}

func New() plugin.Plugin { return &Plugin{} }

func (*Plugin) Name() string              { return Name }
func (*Plugin) Version() string           { return Version }
func (*Plugin) Category() plugin.Category { return plugin.CategoryOther }

// Assess reports the SHA-256 and SHA-512 of data in the result metadata.
// With report_missing_hashes set, every component lacking a hash yields an
// info finding.
func (p *Plugin) Assess(ctx context.Context, data []byte, format sbom.Format, cfg plugin.Config) (*plugin.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s256 := sha256.Sum256(data)
	s512 := sha512.Sum512(data)

	result := plugin.NewResult(p)
	result.Metadata = map[string]any{
		"sha256": hex.EncodeToString(s256[:]),
		"sha512": hex.EncodeToString(s512[:]),
		"size":   len(data),
	}

	if !cfg.Bool("report_missing_hashes", false) {
		return result, nil
	}

	doc, resolved, err := sbom.Load(data, format)
	if err != nil {
		return nil, plugin.Unparseable(Name, err)
	}
	comps, err := sbom.Components(doc, resolved)
	if err != nil {
		return nil, plugin.Unsupported(Name, resolved)
	}
	for _, c := range comps {
		if c.HasHash {
			continue
		}
		result.Add(plugin.Finding{
			ID:        "checksum:missing:" + c.Name,
			Title:     "Component has no checksum",
			Severity:  plugin.SeverityInfo,
			Component: &plugin.Component{Name: c.Name, Version: c.Version, Ecosystem: c.Ecosystem, PURL: c.PURL},
		})
	}
	result.Metadata["components_total"] = len(comps)
	return result, nil
}
