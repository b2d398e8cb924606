package ntia

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sbomify/assessments/pkg/plugin"
	"github.com/sbomify/assessments/pkg/sbom"
)

const compliantCycloneDX = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "metadata": {
    "timestamp": "2023-01-01T00:00:00Z",
    "authors": [{"name": "Build Team"}]
  },
  "components": [
    {"bom-ref": "pkg:npm/left-pad@1.3.0", "name": "left-pad", "version": "1.3.0",
     "publisher": "left-pad maintainers", "purl": "pkg:npm/left-pad@1.3.0"}
  ],
  "dependencies": [{"ref": "pkg:npm/left-pad@1.3.0", "dependsOn": []}]
}`

const nonCompliantCycloneDX = `{
  "bomFormat": "CycloneDX",
  "specVersion": "1.5",
  "metadata": {},
  "components": [{"name": "mystery"}]
}`

func load(t *testing.T, raw string) (sbom.Document, sbom.Format) {
	t.Helper()
	doc, format, err := sbom.Load([]byte(raw), sbom.FormatUnknown)
	require.NoError(t, err)
	return doc, format
}

func TestValidateCompliantCycloneDX(t *testing.T) {
	doc, format := load(t, compliantCycloneDX)

	report, err := Validate(doc, format)
	require.NoError(t, err)
	assert.True(t, report.IsCompliant)
	assert.Equal(t, 0, report.ErrorCount)
	assert.Equal(t, StatusCompliant, report.Status)
	assert.Equal(t, 1, report.ComponentCount)
}

func TestValidateNonCompliantCycloneDX(t *testing.T) {
	doc, format := load(t, nonCompliantCycloneDX)

	report, err := Validate(doc, format)
	require.NoError(t, err)
	assert.False(t, report.IsCompliant)
	assert.Equal(t, StatusNonCompliant, report.Status)
	assert.GreaterOrEqual(t, report.ErrorCount, 4)
	assert.Equal(t, len(report.Errors), report.ErrorCount)

	for _, e := range report.Errors {
		assert.Contains(t, Fields, e.Field)
		assert.NotEmpty(t, e.Message)
		assert.NotEmpty(t, e.Suggestion)
	}
	assert.ElementsMatch(t,
		[]Field{FieldSupplier, FieldVersion, FieldUniqueID, FieldDependencies, FieldAuthor, FieldTimestamp},
		report.MissingFields())
}

func TestMalformedTimestampDistinctFromAbsent(t *testing.T) {
	absentDoc, format := load(t, nonCompliantCycloneDX)
	absent, err := Validate(absentDoc, format)
	require.NoError(t, err)

	malformedDoc, format := load(t, `{
	  "bomFormat": "CycloneDX",
	  "metadata": {"timestamp": "not-a-date", "authors": [{"name": "x"}]},
	  "components": [{"name": "a", "version": "1", "publisher": "p", "purl": "pkg:npm/a@1"}],
	  "dependencies": [{"ref": "a"}]
	}`)
	malformed, err := Validate(malformedDoc, format)
	require.NoError(t, err)

	assert.False(t, malformed.IsCompliant)
	require.Len(t, malformed.Errors, 1)
	assert.Equal(t, FieldTimestamp, malformed.Errors[0].Field)

	var absentMsg string
	for _, e := range absent.Errors {
		if e.Field == FieldTimestamp {
			absentMsg = e.Message
		}
	}
	require.NotEmpty(t, absentMsg)
	assert.NotEqual(t, absentMsg, malformed.Errors[0].Message)
	assert.Contains(t, malformed.Errors[0].Message, "not-a-date")
}

func TestBlankTimestampIsAbsent(t *testing.T) {
	for _, ts := range []string{`""`, `"  "`, `"NOASSERTION"`} {
		doc, format := load(t, `{
		  "bomFormat": "CycloneDX",
		  "metadata": {"timestamp": `+ts+`, "authors": [{"name": "x"}]},
		  "components": [{"name": "a", "version": "1", "publisher": "p", "purl": "pkg:npm/a@1"}],
		  "dependencies": [{"ref": "a"}]
		}`)
		res, err := Validate(doc, format)
		require.NoError(t, err)
		require.Len(t, res.Errors, 1, ts)
		assert.Equal(t, FieldTimestamp, res.Errors[0].Field)
		assert.Equal(t, "Missing SBOM creation timestamp", res.Errors[0].Message, ts)
	}
}

func TestCycloneDXToolsCountAsAuthor(t *testing.T) {
	doc, format := load(t, `{
	  "bomFormat": "CycloneDX",
	  "metadata": {"timestamp": "2024-05-01T10:00:00+02:00",
	               "tools": {"components": [{"type": "application", "name": "cdxgen"}]}},
	  "components": [{"name": "a", "version": "1", "supplier": {"name": "Acme"},
	                  "hashes": [{"alg": "SHA-256", "content": "ff"}]}],
	  "dependencies": [{"ref": "a"}]
	}`)
	report, err := Validate(doc, format)
	require.NoError(t, err)
	assert.True(t, report.IsCompliant, "%+v", report.Errors)
}

func TestNoComponentsReportsComponentName(t *testing.T) {
	doc, format := load(t, `{"bomFormat": "CycloneDX", "metadata": {"timestamp": "2023-01-01T00:00:00Z", "authors": [{"name": "x"}]}, "dependencies": [{"ref": "x"}]}`)
	report, err := Validate(doc, format)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, FieldComponentName, report.Errors[0].Field)
}

func TestValidateSPDX2(t *testing.T) {
	doc, format := load(t, `{
	  "spdxVersion": "SPDX-2.3",
	  "creationInfo": {"created": "2023-06-01T00:00:00Z", "creators": ["Tool: syft-0.90"]},
	  "packages": [
	    {"SPDXID": "SPDXRef-a", "name": "a", "versionInfo": "1.0", "supplier": "Organization: Acme",
	     "externalRefs": [{"referenceType": "purl", "referenceLocator": "pkg:npm/a@1.0"}]},
	    {"SPDXID": "SPDXRef-b", "name": "b", "versionInfo": "2.0", "supplier": "NOASSERTION",
	     "hasFiles": ["SPDXRef-file"]}
	  ],
	  "files": [{"SPDXID": "SPDXRef-file", "checksums": [{"algorithm": "SHA1", "checksumValue": "00"}]}],
	  "relationships": [{"spdxElementId": "SPDXRef-a", "relationshipType": "DEPENDS_ON", "relatedSpdxElement": "SPDXRef-b"}]
	}`)
	require.Equal(t, sbom.FormatSPDX, format)

	report, err := Validate(doc, format)
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, FieldSupplier, report.Errors[0].Field)
	assert.Contains(t, report.Errors[0].Message, "b")
}

func TestValidateSPDX3(t *testing.T) {
	doc, format := load(t, `{
	  "@context": "https://spdx.org/rdf/3.0.1/spdx-context.jsonld",
	  "@graph": [
	    {"type": "CreationInfo", "@id": "_:ci", "created": "2024-03-01T12:00:00Z", "createdBy": ["urn:org"]},
	    {"type": "Organization", "spdxId": "urn:org", "name": "Acme"},
	    {"type": "software_Package", "spdxId": "urn:pkg", "name": "lib", "software_packageVersion": "3.1",
	     "suppliedBy": ["urn:org"],
	     "externalIdentifier": [{"externalIdentifierType": "packageUrl", "identifier": "pkg:npm/lib@3.1"}]},
	    {"type": "Relationship", "spdxId": "urn:rel", "from": "urn:doc", "relationshipType": "contains", "to": ["urn:pkg"]}
	  ]
	}`)
	require.Equal(t, sbom.FormatSPDX3, format)

	report, err := Validate(doc, format)
	require.NoError(t, err)
	assert.True(t, report.IsCompliant, "%+v", report.Errors)
}

func TestValidateUnsupportedFormatIsNotNonCompliant(t *testing.T) {
	report, err := Validate(sbom.Document{"hello": "world"}, sbom.FormatUnknown)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, StatusUnknown, report.Status)
	assert.False(t, report.IsCompliant)
}

func TestPluginAssess(t *testing.T) {
	p := New()
	assert.Equal(t, Name, p.Name())
	assert.Equal(t, plugin.CategoryCompliance, p.Category())

	result, err := p.Assess(context.Background(), []byte(compliantCycloneDX), sbom.FormatCycloneDX, plugin.Config{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Summary.TotalFindings)
	assert.Equal(t, true, result.Metadata["is_compliant"])
	assert.Equal(t, plugin.SchemaVersion, result.SchemaVersion)

	result, err = p.Assess(context.Background(), []byte(nonCompliantCycloneDX), sbom.FormatCycloneDX, plugin.Config{"severity": "high"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Summary.TotalFindings, 4)
	assert.Equal(t, result.Summary.TotalFindings, result.Summary.BySeverity[plugin.SeverityHigh])
	assert.Equal(t, "ntia:supplier", result.Findings[0].ID)
}

func TestPluginAssessTypedErrors(t *testing.T) {
	p := New()

	_, err := p.Assess(context.Background(), []byte("{broken"), sbom.FormatUnknown, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugin.ErrUnparseable))

	_, err = p.Assess(context.Background(), []byte(`{"hello": "world"}`), sbom.FormatUnknown, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, plugin.ErrUnsupportedFormat))
}
