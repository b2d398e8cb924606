// Package ntia checks SBOM documents against the NTIA minimum elements
// (2021): supplier, component name, version, unique identifier, dependency
// relationship, SBOM author and timestamp.
package ntia

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sbomify/assessments/pkg/sbom"
	"github.com/sbomify/assessments/pkg/sbom/spdx3"
)

// Field names one of the seven minimum elements.
type Field string

const (
	FieldSupplier      Field = "supplier"
	FieldComponentName Field = "component_name"
	FieldVersion       Field = "version"
	FieldUniqueID      Field = "unique_id"
	FieldDependencies  Field = "dependencies"
	FieldAuthor        Field = "sbom_author"
	FieldTimestamp     Field = "timestamp"
)

// Fields lists the elements in report order.
var Fields = []Field{
	FieldSupplier, FieldComponentName, FieldVersion, FieldUniqueID,
	FieldDependencies, FieldAuthor, FieldTimestamp,
}

// Status of a validation.
type Status string

const (
	StatusCompliant    Status = "compliant"
	StatusNonCompliant Status = "non_compliant"
	// StatusUnknown means the document could not be assessed at all.
	StatusUnknown Status = "unknown"
)

// ValidationError describes one missing or malformed element.
type ValidationError struct {
	Field      Field  `json:"field"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion"`
}

// Report is the outcome of Validate.
type Report struct {
	Status         Status            `json:"status"`
	IsCompliant    bool              `json:"is_compliant"`
	ErrorCount     int               `json:"error_count"`
	Errors         []ValidationError `json:"errors"`
	Format         sbom.Format       `json:"format"`
	ComponentCount int               `json:"component_count"`
}

// ErrUnsupportedFormat is returned for documents that are neither SPDX nor
// CycloneDX.
var ErrUnsupportedFormat = errors.New("ntia: unsupported sbom format")

// Validate checks doc. The returned error is reserved for documents the
// validator cannot assess; an understood document that lacks elements yields
// a non-compliant report and a nil error.
func Validate(doc sbom.Document, format sbom.Format) (*Report, error) {
	if doc == nil {
		return &Report{Status: StatusUnknown, Format: format, Errors: []ValidationError{}},
			fmt.Errorf("validate: %w", sbom.ErrNotJSONObject)
	}

	var c checker
	switch format {
	case sbom.FormatCycloneDX:
		c = checkCycloneDX(doc)
	case sbom.FormatSPDX:
		c = checkSPDX2(doc)
	case sbom.FormatSPDX3:
		c = checkSPDX3(doc)
	default:
		return &Report{Status: StatusUnknown, Format: format, Errors: []ValidationError{}},
			fmt.Errorf("validate %q: %w", format, ErrUnsupportedFormat)
	}

	r := c.report()
	r.Format = format
	return r, nil
}

// component is the subset of a package the checks read.
type component struct {
	name        string
	version     string
	supplier    string
	hasUniqueID bool
}

// checker collects the raw observations of one document.
type checker struct {
	components      []component
	hasDependencies bool
	authors         []string
	timestamp       string
	timestampSet    bool
}

func (c checker) report() *Report {
	r := &Report{Errors: []ValidationError{}, ComponentCount: len(c.components)}

	var noSupplier, noVersion, noID []string
	unnamed := 0
	for i, comp := range c.components {
		label := comp.name
		if label == "" {
			unnamed++
			label = fmt.Sprintf("#%d", i+1)
		}
		if comp.supplier == "" {
			noSupplier = append(noSupplier, label)
		}
		if comp.version == "" {
			noVersion = append(noVersion, label)
		}
		if !comp.hasUniqueID {
			noID = append(noID, label)
		}
	}

	if len(noSupplier) > 0 {
		r.add(FieldSupplier,
			"Missing supplier information for components: "+joinNames(noSupplier),
			"Add a supplier (SPDX: supplier; CycloneDX: supplier.name or publisher) to every component.")
	}
	switch {
	case len(c.components) == 0:
		r.add(FieldComponentName,
			"No components found in the SBOM",
			"List every package shipped in the artifact with its name.")
	case unnamed > 0:
		r.add(FieldComponentName,
			fmt.Sprintf("%d component(s) are missing a name", unnamed),
			"Set a non-empty name on every component.")
	}
	if len(noVersion) > 0 {
		r.add(FieldVersion,
			"Missing version information for components: "+joinNames(noVersion),
			"Add a version (SPDX: versionInfo; CycloneDX: version) to every component.")
	}
	if len(noID) > 0 {
		r.add(FieldUniqueID,
			"Missing unique identifiers for components: "+joinNames(noID),
			"Add a purl, CPE or SWID reference, or a checksum, to every component.")
	}
	if !c.hasDependencies {
		r.add(FieldDependencies,
			"Missing dependency relationships",
			"Describe how components relate (SPDX: DEPENDS_ON/CONTAINS relationships; CycloneDX: dependencies).")
	}
	if len(c.authors) == 0 {
		r.add(FieldAuthor,
			"Missing SBOM author information",
			"Record who produced the SBOM (SPDX: creationInfo.creators; CycloneDX: metadata.authors or metadata.tools).")
	}
	switch {
	case !c.timestampSet || assertion(c.timestamp) == "":
		r.add(FieldTimestamp,
			"Missing SBOM creation timestamp",
			"Record when the SBOM was created as an ISO-8601 timestamp.")
	case !validTimestamp(c.timestamp):
		r.add(FieldTimestamp,
			fmt.Sprintf("Invalid timestamp format: %q is not ISO-8601", c.timestamp),
			"Use an ISO-8601 timestamp such as 2023-01-01T00:00:00Z.")
	}

	r.ErrorCount = len(r.Errors)
	r.IsCompliant = r.ErrorCount == 0
	if r.IsCompliant {
		r.Status = StatusCompliant
	} else {
		r.Status = StatusNonCompliant
	}
	return r
}

func (r *Report) add(f Field, msg, suggestion string) {
	r.Errors = append(r.Errors, ValidationError{Field: f, Message: msg, Suggestion: suggestion})
}

const maxListedNames = 10

func joinNames(names []string) string {
	if len(names) <= maxListedNames {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(names[:maxListedNames], ", "), len(names)-maxListedNames)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func validTimestamp(s string) bool {
	for _, layout := range timestampLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}

func checkCycloneDX(doc sbom.Document) checker {
	var c checker

	var walk func(items []any)
	walk = func(items []any) {
		for _, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			comp := component{
				name:    sbom.Str(m, "name"),
				version: sbom.Str(m, "version"),
			}
			if s := sbom.Map(m, "supplier"); s != nil {
				comp.supplier = sbom.Str(s, "name")
			}
			if comp.supplier == "" {
				comp.supplier = sbom.Str(m, "publisher")
			}
			comp.hasUniqueID = sbom.Str(m, "purl") != "" ||
				sbom.Str(m, "cpe") != "" ||
				len(sbom.Map(m, "swid")) > 0 ||
				len(sbom.List(m, "hashes")) > 0
			c.components = append(c.components, comp)
			walk(sbom.List(m, "components"))
		}
	}
	walk(sbom.List(doc, "components"))

	for _, d := range sbom.List(doc, "dependencies") {
		if m, ok := d.(map[string]any); ok && sbom.Str(m, "ref") != "" {
			c.hasDependencies = true
			break
		}
	}

	meta := sbom.Map(doc, "metadata")
	for _, a := range sbom.List(meta, "authors") {
		if m, ok := a.(map[string]any); ok {
			if name := firstNonEmpty(sbom.Str(m, "name"), sbom.Str(m, "email")); name != "" {
				c.authors = append(c.authors, name)
			}
		}
	}
	c.authors = append(c.authors, cyclonedxTools(meta)...)

	if ts, ok := meta["timestamp"]; ok && ts != nil {
		c.timestampSet = true
		c.timestamp, _ = ts.(string)
		c.timestamp = strings.TrimSpace(c.timestamp)
	}
	return c
}

// cyclonedxTools reads metadata.tools in both the legacy array form and the
// 1.5 object form.
func cyclonedxTools(meta map[string]any) []string {
	var out []string
	collect := func(items []any) {
		for _, t := range items {
			if m, ok := t.(map[string]any); ok {
				if name := sbom.Str(m, "name"); name != "" {
					out = append(out, name)
				}
			}
		}
	}
	switch tools := meta["tools"].(type) {
	case []any:
		collect(tools)
	case map[string]any:
		collect(sbom.List(tools, "components"))
		collect(sbom.List(tools, "services"))
	}
	return out
}

func checkSPDX2(doc sbom.Document) checker {
	var c checker

	fileChecksums := map[string]bool{}
	for _, f := range sbom.List(doc, "files") {
		if m, ok := f.(map[string]any); ok && len(sbom.List(m, "checksums")) > 0 {
			fileChecksums[sbom.Str(m, "SPDXID")] = true
		}
	}

	for _, p := range sbom.List(doc, "packages") {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		comp := component{
			name:     sbom.Str(m, "name"),
			version:  sbom.Str(m, "versionInfo"),
			supplier: assertion(sbom.Str(m, "supplier")),
		}
		comp.hasUniqueID = len(sbom.List(m, "checksums")) > 0 ||
			len(sbom.Map(m, "packageVerificationCode")) > 0
		for _, ref := range sbom.List(m, "externalRefs") {
			r, ok := ref.(map[string]any)
			if !ok {
				continue
			}
			typ := strings.ToLower(sbom.Str(r, "referenceType"))
			if typ == "purl" || strings.HasPrefix(typ, "cpe") || typ == "swid" {
				comp.hasUniqueID = true
			}
		}
		for _, f := range sbom.List(m, "hasFiles") {
			if id, ok := f.(string); ok && fileChecksums[id] {
				comp.hasUniqueID = true
			}
		}
		c.components = append(c.components, comp)
	}

	for _, rel := range sbom.List(doc, "relationships") {
		if m, ok := rel.(map[string]any); ok && isDependencyKind(sbom.Str(m, "relationshipType")) {
			c.hasDependencies = true
			break
		}
	}

	ci := sbom.Map(doc, "creationInfo")
	for _, cr := range sbom.List(ci, "creators") {
		if s, ok := cr.(string); ok && strings.TrimSpace(s) != "" {
			c.authors = append(c.authors, strings.TrimSpace(s))
		}
	}
	if ts, ok := ci["created"]; ok && ts != nil {
		c.timestampSet = true
		c.timestamp, _ = ts.(string)
		c.timestamp = strings.TrimSpace(c.timestamp)
	}
	return c
}

func checkSPDX3(doc sbom.Document) checker {
	var c checker
	elems := spdx3.ExtractElements(doc)

	for _, p := range elems.Packages {
		f := spdx3.PackageFields(p)
		comp := component{
			name:        f.Name,
			version:     f.Version,
			hasUniqueID: f.HasUniqueID || f.HasHash || f.PackageURL != "",
		}
		for _, name := range spdx3.AgentNames(f.SupplierRefs, elems.Agents) {
			if name = assertion(name); name != "" {
				comp.supplier = name
				break
			}
		}
		c.components = append(c.components, comp)
	}

	for _, rel := range elems.Relationships {
		if isDependencyKind(sbom.Str(rel, "relationshipType")) {
			c.hasDependencies = true
			break
		}
	}

	creation := spdx3.CreationInfoFields(elems.CreationInfo, elems.Agents, elems.Tools)
	c.authors = append(c.authors, creation.Creators...)
	c.authors = append(c.authors, creation.Tools...)
	if elems.CreationInfo != nil {
		if _, ok := elems.CreationInfo["created"]; ok {
			c.timestampSet = true
			c.timestamp = creation.Timestamp
		}
	}
	return c
}

// isDependencyKind matches the depends-on and contains relationship families
// of both SPDX generations (DEPENDS_ON, CONTAINED_BY, dependsOn, contains...).
func isDependencyKind(t string) bool {
	t = strings.ToLower(t)
	return strings.Contains(t, "depend") || strings.Contains(t, "contain")
}

// assertion treats the SPDX NOASSERTION/NONE markers as absent.
func assertion(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NOASSERTION", "NONE":
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// MissingFields returns the distinct fields reported in r, sorted.
func (r *Report) MissingFields() []Field {
	seen := map[Field]bool{}
	var out []Field
	for _, e := range r.Errors {
		if !seen[e.Field] {
			seen[e.Field] = true
			out = append(out, e.Field)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
