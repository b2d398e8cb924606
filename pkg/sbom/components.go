package sbom

import (
	"fmt"
	"strings"

	"github.com/package-url/packageurl-go"

	"github.com/sbomify/assessments/pkg/sbom/spdx3"
)

// Component is the format-independent view of a package entry.
type Component struct {
	Ref       string
	Name      string
	Version   string
	PURL      string
	Ecosystem string
	HasHash   bool
}

// Components lists the packages of doc regardless of SBOM dialect.
func Components(doc Document, format Format) ([]Component, error) {
	switch format {
	case FormatCycloneDX:
		return cyclonedxComponents(doc), nil
	case FormatSPDX:
		return spdx2Components(doc), nil
	case FormatSPDX3:
		return spdx3Components(doc), nil
	}
	return nil, fmt.Errorf("list components: unsupported format %q", format)
}

func cyclonedxComponents(doc Document) []Component {
	var out []Component
	var walk func(items []any)
	walk = func(items []any) {
		for _, item := range items {
			c, ok := item.(map[string]any)
			if !ok {
				continue
			}
			comp := Component{
				Ref:     Str(c, "bom-ref"),
				Name:    Str(c, "name"),
				Version: Str(c, "version"),
				PURL:    Str(c, "purl"),
				HasHash: len(List(c, "hashes")) > 0,
			}
			comp.Ecosystem = EcosystemFromPURL(comp.PURL)
			out = append(out, comp)
			walk(List(c, "components"))
		}
	}
	walk(List(doc, "components"))
	return out
}

func spdx2Components(doc Document) []Component {
	var out []Component
	for _, item := range List(doc, "packages") {
		p, ok := item.(map[string]any)
		if !ok {
			continue
		}
		comp := Component{
			Ref:     Str(p, "SPDXID"),
			Name:    Str(p, "name"),
			Version: Str(p, "versionInfo"),
			HasHash: len(List(p, "checksums")) > 0,
		}
		for _, ref := range List(p, "externalRefs") {
			r, ok := ref.(map[string]any)
			if !ok {
				continue
			}
			if strings.EqualFold(Str(r, "referenceType"), "purl") {
				comp.PURL = Str(r, "referenceLocator")
				break
			}
		}
		comp.Ecosystem = EcosystemFromPURL(comp.PURL)
		out = append(out, comp)
	}
	return out
}

func spdx3Components(doc Document) []Component {
	elems := spdx3.ExtractElements(doc)
	out := make([]Component, 0, len(elems.Packages))
	for _, p := range elems.Packages {
		f := spdx3.PackageFields(p)
		comp := Component{
			Ref:     spdx3.ID(p),
			Name:    f.Name,
			Version: f.Version,
			PURL:    f.PackageURL,
			HasHash: f.HasHash,
		}
		comp.Ecosystem = EcosystemFromPURL(comp.PURL)
		out = append(out, comp)
	}
	return out
}

// osvEcosystems maps purl types to the ecosystem names OSV uses.
var osvEcosystems = map[string]string{
	packageurl.TypeNPM:      "npm",
	packageurl.TypePyPi:     "PyPI",
	packageurl.TypeMaven:    "Maven",
	packageurl.TypeGolang:   "Go",
	packageurl.TypeCargo:    "crates.io",
	packageurl.TypeGem:      "RubyGems",
	packageurl.TypeNuget:    "NuGet",
	packageurl.TypeComposer: "Packagist",
	packageurl.TypeHex:      "Hex",
	packageurl.TypeDebian:   "Debian",
	packageurl.TypeApk:      "Alpine",
	"pub":                   "Pub",
	"swift":                 "SwiftURL",
	"cran":                  "CRAN",
}

// EcosystemFromPURL returns the OSV ecosystem of a package URL, or "" when
// the purl is empty, malformed or of an unmapped type.
func EcosystemFromPURL(purl string) string {
	if purl == "" {
		return ""
	}
	p, err := packageurl.FromString(purl)
	if err != nil {
		return ""
	}
	return osvEcosystems[strings.ToLower(p.Type)]
}

// Str returns m[key] as a trimmed string, or "".
func Str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// List returns m[key] as a slice, or nil.
func List(m map[string]any, key string) []any {
	l, _ := m[key].([]any)
	return l
}

// Map returns m[key] as an object, or nil.
func Map(m map[string]any, key string) map[string]any {
	o, _ := m[key].(map[string]any)
	return o
}
