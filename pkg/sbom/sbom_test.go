package sbom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cdxDoc = `{
  "bomFormat": "CycloneDX", "specVersion": "1.5",
  "components": [
    {"bom-ref": "a", "name": "lodash", "version": "4.17.21", "purl": "pkg:npm/lodash@4.17.21",
     "components": [{"name": "nested", "version": "1.0.0", "purl": "pkg:pypi/nested@1.0.0",
                     "hashes": [{"alg": "SHA-256", "content": "00"}]}]}
  ]
}`

const spdx2Doc = `{
  "spdxVersion": "SPDX-2.3",
  "packages": [
    {"SPDXID": "SPDXRef-1", "name": "gin", "versionInfo": "v1.9.1",
     "externalRefs": [{"referenceCategory": "PACKAGE-MANAGER", "referenceType": "purl", "referenceLocator": "pkg:golang/github.com/gin-gonic/gin@v1.9.1"}]}
  ]
}`

func TestDetect(t *testing.T) {
	doc, format, err := Load([]byte(cdxDoc), FormatUnknown)
	require.NoError(t, err)
	assert.Equal(t, FormatCycloneDX, format)
	assert.NotNil(t, doc)

	_, format, err = Load([]byte(spdx2Doc), FormatUnknown)
	require.NoError(t, err)
	assert.Equal(t, FormatSPDX, format)

	_, format, err = Load([]byte(`{"@context": "https://spdx.org/rdf/3.0.1/spdx-context.jsonld", "@graph": []}`), FormatSPDX)
	require.NoError(t, err)
	assert.Equal(t, FormatSPDX3, format)

	_, format, err = Load([]byte(`{"hello": "world"}`), FormatUnknown)
	require.NoError(t, err)
	assert.Equal(t, FormatUnknown, format)
}

func TestDeclaredFormatWins(t *testing.T) {
	_, format, err := Load([]byte(spdx2Doc), FormatCycloneDX)
	require.NoError(t, err)
	assert.Equal(t, FormatCycloneDX, format)
}

func TestDecodeRejectsNonObjects(t *testing.T) {
	_, err := Decode([]byte(`[1,2,3]`))
	assert.ErrorIs(t, err, ErrNotJSONObject)

	_, err = Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatCycloneDX, ParseFormat("CycloneDX"))
	assert.Equal(t, FormatSPDX, ParseFormat("spdx"))
	assert.Equal(t, FormatSPDX3, ParseFormat("spdx3"))
	assert.Equal(t, FormatUnknown, ParseFormat("swid"))
}

func TestComponents(t *testing.T) {
	doc, _, err := Load([]byte(cdxDoc), FormatUnknown)
	require.NoError(t, err)
	comps, err := Components(doc, FormatCycloneDX)
	require.NoError(t, err)
	require.Len(t, comps, 2)
	assert.Equal(t, "npm", comps[0].Ecosystem)
	assert.Equal(t, "PyPI", comps[1].Ecosystem)
	assert.True(t, comps[1].HasHash)

	doc, _, err = Load([]byte(spdx2Doc), FormatUnknown)
	require.NoError(t, err)
	comps, err = Components(doc, FormatSPDX)
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, "Go", comps[0].Ecosystem)
	assert.Equal(t, "v1.9.1", comps[0].Version)

	_, err = Components(doc, FormatUnknown)
	assert.Error(t, err)
}

func TestEcosystemFromPURL(t *testing.T) {
	assert.Equal(t, "crates.io", EcosystemFromPURL("pkg:cargo/serde@1.0.0"))
	assert.Equal(t, "Maven", EcosystemFromPURL("pkg:maven/org.apache/commons@1.0"))
	assert.Equal(t, "", EcosystemFromPURL("not a purl"))
	assert.Equal(t, "", EcosystemFromPURL(""))
}
