package ntia

import (
	"context"
	"errors"

	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/sbom"
)

const (
	// Name is the registry slug of the validator.
	Name    = "ntia"
	Version = "1.0.0"
)

// Plugin adapts Validate to the plugin contract. Every validation error
// becomes one finding; a compliant document yields zero findings.
type Plugin struct{}

// New returns the NTIA plugin.
func New() plugin.Plugin { return &Plugin{} }

func (*Plugin) Name() string              { return Name }
func (*Plugin) Version() string           { return Version }
func (*Plugin) Category() plugin.Category { return plugin.CategoryCompliance }

// Assess implements plugin.Plugin. Config key "severity" sets the severity of
// the emitted findings (default medium).
func (p *Plugin) Assess(ctx context.Context, data []byte, format sbom.Format, cfg plugin.Config) (*plugin.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, resolved, err := sbom.Load(data, format)
	if err != nil {
		return nil, plugin.Unparseable(Name, err)
	}

	report, err := Validate(doc, resolved)
	if err != nil {
		if errors.Is(err, ErrUnsupportedFormat) {
			return nil, plugin.Unsupported(Name, resolved)
		}
		return nil, plugin.Unparseable(Name, err)
	}

	severity := plugin.ParseSeverity(cfg.String("severity", string(plugin.SeverityMedium)))

	result := plugin.NewResult(p)
	for _, e := range report.Errors {
		result.Add(plugin.Finding{
			ID:          "ntia:" + string(e.Field),
			Title:       e.Message,
			Description: e.Suggestion,
			Severity:    severity,
			Metadata:    map[string]any{"field": string(e.Field)},
		})
	}
	result.Metadata = map[string]any{
		"standard":        "NTIA Minimum Elements (2021)",
		"status":          string(report.Status),
		"is_compliant":    report.IsCompliant,
		"error_count":     report.ErrorCount,
		"format":          string(report.Format),
		"component_count": report.ComponentCount,
	}
	return result, nil
}
