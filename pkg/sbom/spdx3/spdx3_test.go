package spdx3

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGraph = `{
  "@context": "https://spdx.org/rdf/3.0.1/spdx-context.jsonld",
  "@graph": [
    {"type": "CreationInfo", "@id": "_:creationinfo", "specVersion": "3.0.1",
     "created": "2024-03-01T12:00:00Z",
     "createdBy": ["urn:spdx:person-jane"],
     "createdUsing": ["urn:spdx:tool-syft"]},
    {"type": "Person", "spdxId": "urn:spdx:person-jane", "name": "Jane Doe", "creationInfo": "_:creationinfo"},
    {"type": "Tool", "spdxId": "urn:spdx:tool-syft", "name": "syft-1.0", "creationInfo": "_:creationinfo"},
    {"type": "software_Package", "spdxId": "urn:spdx:pkg-lodash", "name": "lodash",
     "software_packageVersion": "4.17.21",
     "software_downloadLocation": "https://registry.npmjs.org/lodash",
     "suppliedBy": "urn:spdx:person-jane",
     "externalIdentifier": [{"type": "ExternalIdentifier", "externalIdentifierType": "packageUrl", "identifier": "pkg:npm/lodash@4.17.21"}],
     "verifiedUsing": [{"type": "Hash", "algorithm": "sha256", "hashValue": "abc"}]},
    {"type": "Relationship", "spdxId": "urn:spdx:rel-1", "from": "urn:spdx:doc", "relationshipType": "contains", "to": ["urn:spdx:pkg-lodash"]}
  ]
}`

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &doc))
	return doc
}

func TestIsSPDX3(t *testing.T) {
	assert.True(t, IsSPDX3(decode(t, sampleGraph)))
	assert.True(t, IsSPDX3(map[string]any{
		"@context": []any{map[string]any{"x": "y"}, "https://spdx.org/rdf/3.0.0/spdx-context.jsonld"},
	}))
	assert.False(t, IsSPDX3(map[string]any{"spdxVersion": "SPDX-2.3"}))
	assert.False(t, IsSPDX3(map[string]any{"@context": "https://schema.org"}))
}

func TestExtractAndResolveCreationInfo(t *testing.T) {
	elems := ExtractElements(decode(t, sampleGraph))

	require.NotNil(t, elems.CreationInfo)
	require.Len(t, elems.Packages, 1)
	require.Len(t, elems.Relationships, 1)
	assert.Contains(t, elems.Agents, "urn:spdx:person-jane")
	assert.Contains(t, elems.Tools, "urn:spdx:tool-syft")

	ci := CreationInfoFields(elems.CreationInfo, elems.Agents, elems.Tools)
	assert.Equal(t, []string{"Jane Doe"}, ci.Creators)
	assert.Equal(t, []string{"syft-1.0"}, ci.Tools)
	assert.Equal(t, "2024-03-01T12:00:00Z", ci.Timestamp)
}

func TestCreationInfoFallsBackToRawID(t *testing.T) {
	ci := CreationInfoFields(Node{
		"createdBy":    []any{"urn:spdx:missing-org"},
		"createdUsing": "urn:spdx:missing-tool",
	}, map[string]Node{}, map[string]Node{})
	assert.Equal(t, []string{"urn:spdx:missing-org"}, ci.Creators)
	assert.Equal(t, []string{"urn:spdx:missing-tool"}, ci.Tools)
}

func TestCreationInfoInlinedOnDocument(t *testing.T) {
	doc := map[string]any{
		"@context": "https://spdx.org/rdf/3.0.1/spdx-context.jsonld",
		"elements": []any{
			map[string]any{
				"type":         "SpdxDocument",
				"spdxId":       "urn:doc",
				"creationInfo": map[string]any{"created": "2024-01-01T00:00:00Z", "createdBy": []any{"urn:org"}},
			},
		},
	}
	elems := ExtractElements(doc)
	require.NotNil(t, elems.CreationInfo)
	assert.Equal(t, "2024-01-01T00:00:00Z", CreationInfoFields(elems.CreationInfo, nil, nil).Timestamp)
}

func TestPackageFields(t *testing.T) {
	elems := ExtractElements(decode(t, sampleGraph))
	p := PackageFields(elems.Packages[0])

	assert.Equal(t, "lodash", p.Name)
	assert.Equal(t, "4.17.21", p.Version)
	assert.Equal(t, []string{"urn:spdx:person-jane"}, p.SupplierRefs)
	assert.Equal(t, "https://registry.npmjs.org/lodash", p.DownloadLocation)
	assert.Equal(t, "pkg:npm/lodash@4.17.21", p.PackageURL)
	assert.True(t, p.HasUniqueID)
	assert.True(t, p.HasHash)
	assert.Len(t, p.ExternalIdentifiers, 1)
}

func TestPackageFieldsUniqueIDRequiresIdentifierType(t *testing.T) {
	pkg := Node{
		"type":                "software_Package",
		"name":                "x",
		"software_packageUrl": "pkg:npm/x@1",
		"externalIdentifier": []any{
			map[string]any{"externalIdentifierType": "email", "identifier": "a@b.c"},
		},
	}
	p := PackageFields(pkg)
	assert.False(t, p.HasUniqueID)
	assert.Equal(t, "pkg:npm/x@1", p.PackageURL)

	pkg["externalIdentifier"] = []any{
		map[string]any{"externalIdentifierType": "cpe23", "identifier": "cpe:2.3:a:x:x:1:*:*:*:*:*:*:*"},
	}
	assert.True(t, PackageFields(pkg).HasUniqueID)
}
