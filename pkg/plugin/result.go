package plugin

import (
	"strings"
	"time"
)

// SchemaVersion is the version of the persisted result document.
const SchemaVersion = "1.0"

// Severity of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
	SeverityUnknown  Severity = "unknown"
)

// Severities lists every severity in descending order.
var Severities = []Severity{
	SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo, SeverityUnknown,
}

// ParseSeverity maps advisory vocabularies onto Severity. "moderate" is an
// alias for medium; anything unrecognized is unknown.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high", "important":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational", "none", "negligible":
		return SeverityInfo
	}
	return SeverityUnknown
}

// SeverityFromCVSS maps a CVSS v3 base score to a severity band.
func SeverityFromCVSS(score float64) Severity {
	switch {
	case score >= 9.0:
		return SeverityCritical
	case score >= 7.0:
		return SeverityHigh
	case score >= 4.0:
		return SeverityMedium
	case score > 0:
		return SeverityLow
	case score == 0:
		return SeverityInfo
	}
	return SeverityUnknown
}

// Component identifies the package a finding applies to.
type Component struct {
	Name      string `json:"name"`
	Version   string `json:"version,omitempty"`
	Ecosystem string `json:"ecosystem,omitempty"`
	PURL      string `json:"purl,omitempty"`
}

// Finding is one analyzer observation.
type Finding struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Severity    Severity       `json:"severity"`
	Component   *Component     `json:"component,omitempty"`
	CVSSScore   *float64       `json:"cvss_score,omitempty"`
	References  []string       `json:"references,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Summary aggregates findings by severity.
type Summary struct {
	TotalFindings int              `json:"total_findings"`
	BySeverity    map[Severity]int `json:"by_severity"`
}

// Result is the schema-versioned output of a plugin.
type Result struct {
	SchemaVersion string         `json:"schema_version"`
	PluginName    string         `json:"plugin_name"`
	PluginVersion string         `json:"plugin_version"`
	Category      Category       `json:"category"`
	AssessedAt    time.Time      `json:"assessed_at"`
	Summary       Summary        `json:"summary"`
	Findings      []Finding      `json:"findings"`
	Metadata      map[string]any `json:"metadata"`
}

// NewResult returns an empty result stamped with the plugin's identity.
func NewResult(p Plugin) *Result {
	return &Result{
		SchemaVersion: SchemaVersion,
		PluginName:    p.Name(),
		PluginVersion: p.Version(),
		Category:      p.Category(),
		AssessedAt:    time.Now().UTC(),
		Summary:       Summary{BySeverity: emptyBySeverity()},
		Findings:      []Finding{},
		Metadata:      map[string]any{},
	}
}

// Add appends a finding and counts it in the summary. Normalize recounts
// from scratch, so plugins that append to Findings directly stay correct.
func (r *Result) Add(f Finding) {
	if f.Severity == "" {
		f.Severity = SeverityUnknown
	}
	r.Findings = append(r.Findings, f)
	if r.Summary.BySeverity == nil {
		r.Summary.BySeverity = emptyBySeverity()
	}
	sev := f.Severity
	if _, ok := r.Summary.BySeverity[sev]; !ok {
		sev = SeverityUnknown
	}
	r.Summary.TotalFindings++
	r.Summary.BySeverity[sev]++
}

// Summarize recomputes the summary from the findings.
func (r *Result) Summarize() {
	r.Summary = Summary{TotalFindings: len(r.Findings), BySeverity: emptyBySeverity()}
	for _, f := range r.Findings {
		sev := f.Severity
		if _, ok := r.Summary.BySeverity[sev]; !ok {
			sev = SeverityUnknown
		}
		r.Summary.BySeverity[sev]++
	}
}

// Normalize fills the envelope fields a plugin may have left empty.
func (r *Result) Normalize(p Plugin) {
	if r.SchemaVersion == "" {
		r.SchemaVersion = SchemaVersion
	}
	if r.PluginName == "" {
		r.PluginName = p.Name()
	}
	if r.PluginVersion == "" {
		r.PluginVersion = p.Version()
	}
	if r.Category == "" {
		r.Category = p.Category()
	}
	if r.AssessedAt.IsZero() {
		r.AssessedAt = time.Now().UTC()
	}
	if r.Findings == nil {
		r.Findings = []Finding{}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Summarize()
}

func emptyBySeverity() map[Severity]int {
	m := make(map[Severity]int, len(Severities))
	for _, s := range Severities {
		m[s] = 0
	}
	return m
}
