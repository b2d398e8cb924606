// Package sbom decodes SBOM documents and exposes the format-independent
// views plugins need.
package sbom

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sbomify/assessments/pkg/sbom/spdx3"
)

// Format identifies the SBOM dialect of a document.
type Format string

const (
	FormatUnknown   Format = ""
	FormatCycloneDX Format = "cyclonedx"
	FormatSPDX      Format = "spdx"
	FormatSPDX3     Format = "spdx3"
)

// ParseFormat normalizes a declared format label. Unrecognized labels map to
// FormatUnknown so the caller falls back to sniffing.
func ParseFormat(s string) Format {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cyclonedx", "cdx", "cyclonedx-json":
		return FormatCycloneDX
	case "spdx", "spdx2", "spdx-2", "spdx-json":
		return FormatSPDX
	case "spdx3", "spdx-3", "spdx3-jsonld":
		return FormatSPDX3
	}
	return FormatUnknown
}

// Document is a decoded JSON SBOM.
type Document map[string]any

// ErrNotJSONObject is returned when the bytes decode to something other than
// a JSON object.
var ErrNotJSONObject = errors.New("sbom document is not a JSON object")

// Decode parses data as a JSON object.
func Decode(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode sbom: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotJSONObject
	}
	return Document(obj), nil
}

// Detect sniffs the format of a decoded document.
func Detect(doc Document) Format {
	if doc == nil {
		return FormatUnknown
	}
	if bf, _ := doc["bomFormat"].(string); strings.EqualFold(bf, "CycloneDX") {
		return FormatCycloneDX
	}
	if v, _ := doc["spdxVersion"].(string); strings.HasPrefix(v, "SPDX-2") {
		return FormatSPDX
	}
	if spdx3.IsSPDX3(doc) {
		return FormatSPDX3
	}
	return FormatUnknown
}

// Load decodes data and resolves its format. A declared format wins over
// sniffing; FormatUnknown triggers detection.
func Load(data []byte, declared Format) (Document, Format, error) {
	doc, err := Decode(data)
	if err != nil {
		return nil, FormatUnknown, err
	}
	format := declared
	if format == FormatUnknown {
		format = Detect(doc)
	}
	// SPDX 3 is often declared as plain "spdx"; the graph model decides.
	if format == FormatSPDX && spdx3.IsSPDX3(doc) {
		format = FormatSPDX3
	}
	return doc, format, nil
}
