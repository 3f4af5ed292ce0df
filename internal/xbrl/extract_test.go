package xbrl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlab/fundreport-cli/internal/model"
)

const sampleInstance = `<?xml version="1.0" encoding="UTF-8"?>
<xbrli:xbrl xmlns:xbrli="http://www.xbrl.org/2003/instance"
            xmlns:link="http://www.xbrl.org/2003/linkbase"
            xmlns:xlink="http://www.w3.org/1999/xlink"
            xmlns:xbrldi="http://xbrl.org/2006/xbrldi"
            xmlns:cmf="http://www.csrc.gov.cn/taxonomy/csrc-mf">
  <link:schemaRef xlink:type="simple" xlink:href="http://www.csrc.gov.cn/taxonomy/csrc-mf-2021.xsd"/>
  <xbrli:context id="c_instant">
    <xbrli:entity>
      <xbrli:identifier scheme="http://www.csrc.gov.cn">000001</xbrli:identifier>
    </xbrli:entity>
    <xbrli:period>
      <xbrli:instant>2023-12-31</xbrli:instant>
    </xbrli:period>
  </xbrli:context>
  <xbrli:context id="c_duration">
    <xbrli:entity>
      <xbrli:identifier scheme="http://www.csrc.gov.cn">000001</xbrli:identifier>
    </xbrli:entity>
    <xbrli:period>
      <xbrli:startDate>2023-01-01</xbrli:startDate>
      <xbrli:endDate>2023-12-31</xbrli:endDate>
    </xbrli:period>
  </xbrli:context>
  <xbrli:context id="c_industry">
    <xbrli:entity>
      <xbrli:identifier scheme="http://www.csrc.gov.cn">000001</xbrli:identifier>
    </xbrli:entity>
    <xbrli:period>
      <xbrli:instant>2023-12-31</xbrli:instant>
    </xbrli:period>
    <xbrli:scenario>
      <xbrldi:explicitMember dimension="cmf:IndustryAxis">cmf:ManufacturingMember</xbrldi:explicitMember>
    </xbrli:scenario>
  </xbrli:context>
  <xbrli:unit id="CNY">
    <xbrli:measure>iso4217:CNY</xbrli:measure>
  </xbrli:unit>
  <cmf:FundCode contextRef="c_instant">000001</cmf:FundCode>
  <cmf:NetAssetValue contextRef="c_instant" unitRef="CNY" decimals="4">1.0521</cmf:NetAssetValue>
  <cmf:TotalNetAssets contextRef="c_instant" unitRef="CNY" decimals="-2">1234567800</cmf:TotalNetAssets>
  <cmf:IndustryMarketValue contextRef="c_industry" unitRef="CNY" decimals="2">500000.00</cmf:IndustryMarketValue>
</xbrli:xbrl>`

func TestExtractFacts(t *testing.T) {
	doc, err := Extract([]byte(sampleInstance))
	require.NoError(t, err)

	require.Len(t, doc.Facts, 4)

	byConcept := make(map[string]Fact)
	for _, f := range doc.Facts {
		byConcept[f.ConceptID] = f
	}

	fc, ok := byConcept["cmf:FundCode"]
	require.True(t, ok, "concept ids keep their document prefix")
	assert.Equal(t, "000001", fc.Value)
	assert.Equal(t, "c_instant", fc.ContextRef)
	assert.Empty(t, fc.UnitRef)

	nav := byConcept["cmf:NetAssetValue"]
	assert.Equal(t, "1.0521", nav.Value)
	assert.Equal(t, "CNY", nav.UnitRef)
	assert.Equal(t, "4", nav.Decimals)

	tna := byConcept["cmf:TotalNetAssets"]
	assert.Equal(t, "-2", tna.Decimals)
}

func TestExtractContexts(t *testing.T) {
	doc, err := Extract([]byte(sampleInstance))
	require.NoError(t, err)

	require.Len(t, doc.Contexts, 3)

	inst := doc.Contexts["c_instant"]
	assert.Equal(t, "000001", inst.EntityIdentifier)
	assert.Equal(t, "2023-12-31", inst.Period.Instant)
	assert.Empty(t, inst.Period.StartDate)

	dur := doc.Contexts["c_duration"]
	assert.Equal(t, "2023-01-01", dur.Period.StartDate)
	assert.Equal(t, "2023-12-31", dur.Period.EndDate)

	ind := doc.Contexts["c_industry"]
	require.Len(t, ind.Dimensions, 1)
	assert.Equal(t, "cmf:ManufacturingMember", ind.Dimensions["cmf:IndustryAxis"])
}

func TestExtractUnitsAndSchemaRefs(t *testing.T) {
	doc, err := Extract([]byte(sampleInstance))
	require.NoError(t, err)

	require.Contains(t, doc.Units, "CNY")
	assert.Equal(t, "iso4217:CNY", doc.Units["CNY"].Measure)

	require.Len(t, doc.SchemaRefs, 1)
	assert.Contains(t, doc.SchemaRefs[0], "csrc-mf-2021.xsd")
}

func TestExtractLowercasedAttributes(t *testing.T) {
	// Inline-XBRL subtrees pass through an HTML parser that lowercases
	// tags and attributes.
	lowered := `<cmf:xbrl xmlns:cmf="http://example.com/cmf">
	  <cmf:fundcode contextref="c1" unitref="u1" decimals="0">000001</cmf:fundcode>
	</cmf:xbrl>`
	doc, err := Extract([]byte(lowered))
	require.NoError(t, err)
	require.Len(t, doc.Facts, 1)
	assert.Equal(t, "c1", doc.Facts[0].ContextRef)
	assert.Equal(t, "u1", doc.Facts[0].UnitRef)
}

func TestExtractUndeclaredPrefix(t *testing.T) {
	raw := `<xbrl><cmf:fundcode contextRef="c1">000001</cmf:fundcode></xbrl>`
	doc, err := Extract([]byte(raw))
	require.NoError(t, err)
	require.Len(t, doc.Facts, 1)
	assert.Equal(t, "cmf:fundcode", doc.Facts[0].ConceptID)
}

func TestExtractEmptyInput(t *testing.T) {
	_, err := Extract([]byte("   "))
	require.Error(t, err)
	var pe *model.ParseError
	assert.ErrorAs(t, err, &pe)
}

func TestFactsByContext(t *testing.T) {
	doc, err := Extract([]byte(sampleInstance))
	require.NoError(t, err)
	groups := doc.FactsByContext()
	assert.Len(t, groups["c_instant"], 3)
	assert.Len(t, groups["c_industry"], 1)
}
