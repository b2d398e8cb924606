// Package plugin defines the contract every assessment analyzer implements.
//
// A plugin receives the raw artifact bytes, the declared SBOM format and its
// effective configuration, and returns a schema-versioned Result. Plugins must
// be deterministic for identical inputs: the orchestrator reuses a completed
// run whenever the artifact digest and the config hash match.
package plugin

import (
	"context"
	"errors"
	"fmt"

	"github.com/sbomify/assessments/pkg/sbom"
)

// Category groups plugins for display and scheduled refresh selection.
type Category string

const (
	CategoryCompliance Category = "compliance"
	CategorySecurity   Category = "security"
	CategoryOther      Category = "other"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryCompliance, CategorySecurity, CategoryOther:
		return true
	}
	return false
}

// Plugin is implemented by every analyzer.
type Plugin interface {
	// Name returns the registry slug, e.g. "ntia".
	Name() string

	// Version returns the semantic version captured on every run.
	Version() string

	// Category returns the plugin category.
	Category() Category

	// Assess analyzes data and returns a result. A document with nothing to
	// report yields a Result with zero findings, never an error. Input the
	// plugin cannot understand yields an error wrapping ErrUnsupportedFormat
	// or ErrUnparseable.
	Assess(ctx context.Context, data []byte, format sbom.Format, cfg Config) (*Result, error)
}

// Factory builds a plugin instance. Factories are registered by name at
// process start; nothing is ever resolved from a persisted string.
type Factory func() Plugin

var (
	// ErrUnsupportedFormat is returned when a plugin does not handle the
	// artifact's SBOM format.
	ErrUnsupportedFormat = errors.New("unsupported sbom format")

	// ErrUnparseable is returned when the artifact bytes cannot be decoded.
	ErrUnparseable = errors.New("unparseable sbom document")
)

// AnalysisError is the typed error plugins return for input they cannot
// assess. The orchestrator records it on a failed run and never retries it.
type AnalysisError struct {
	Plugin string
	Kind   error
	Detail string
}

func (e *AnalysisError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Plugin, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Plugin, e.Kind, e.Detail)
}

func (e *AnalysisError) Unwrap() error { return e.Kind }

// Unsupported returns an AnalysisError wrapping ErrUnsupportedFormat.
func Unsupported(pluginName string, format sbom.Format) error {
	return &AnalysisError{Plugin: pluginName, Kind: ErrUnsupportedFormat, Detail: string(format)}
}

// Unparseable returns an AnalysisError wrapping ErrUnparseable.
func Unparseable(pluginName string, cause error) error {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	return &AnalysisError{Plugin: pluginName, Kind: ErrUnparseable, Detail: detail}
}

// IsAnalysisError reports whether err is an analysis failure.
func IsAnalysisError(err error) bool {
	var ae *AnalysisError
	return errors.As(err, &ae) || errors.Is(err, ErrUnsupportedFormat) || errors.Is(err, ErrUnparseable)
}
