package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/taxonomy"
)

const facadeMappingConfig = `
concept_mappings:
  scalars:
    fund_code: ["FundCode"]
    fund_name: ["FundName"]
    report_period_end: ["DocumentPeriodEndDate"]
    net_asset_value: ["NetAssetValuePerUnit"]
`

const facadeXBRLInstance = `<?xml version="1.0" encoding="UTF-8"?>
<xbrl xmlns="http://www.xbrl.org/2003/instance"
      xmlns:link="http://www.xbrl.org/2003/linkbase"
      xmlns:xlink="http://www.w3.org/1999/xlink"
      xmlns:cmf="http://example.com/cmf">
  <link:schemaRef xlink:href="generic-fund.xsd"/>
  <context id="c0">
    <entity><identifier scheme="fund">000001</identifier></entity>
    <period><instant>2023-12-31</instant></period>
  </context>
  <cmf:FundCode contextRef="c0">000001</cmf:FundCode>
  <cmf:FundName contextRef="c0">华夏成长混合</cmf:FundName>
  <cmf:DocumentPeriodEndDate contextRef="c0">2023-12-31</cmf:DocumentPeriodEndDate>
  <cmf:NetAssetValuePerUnit contextRef="c0" decimals="4">1.0521</cmf:NetAssetValuePerUnit>
</xbrl>`

const facadeInlineDocument = `<!DOCTYPE html>
<html><head><title>report</title></head>
<body>
<div>
<xbrl xmlns="http://www.xbrl.org/2003/instance" xmlns:cmf="http://example.com/cmf">
  <context id="c0"><period><instant>2023-12-31</instant></period></context>
  <cmf:FundCode contextRef="c0">000001</cmf:FundCode>
  <cmf:DocumentPeriodEndDate contextRef="c0">2023-12-31</cmf:DocumentPeriodEndDate>
</xbrl>
</div>
</body></html>`

func newTestEngine(t *testing.T, llm *LLMExtractor) *Engine {
	t.Helper()
	cfgDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "default.yaml"), []byte(facadeMappingConfig), 0o644))

	tm := taxonomy.NewManager(t.TempDir(), "default")
	return NewEngine(tm, taxonomy.NewMapper(cfgDir), llm)
}

func TestEngineParseXBRL(t *testing.T) {
	e := newTestEngine(t, nil)
	result := e.Parse(context.Background(), []byte(facadeXBRLInstance), "report.xml", nil)

	require.True(t, result.Success)
	require.NotNil(t, result.Report)
	assert.Equal(t, "000001", result.Report.FundCode)
	assert.Equal(t, model.ParserXBRL, result.Report.ParserKind)
	assert.Equal(t, 2023, result.Report.ReportPeriodEnd.Year())

	require.Len(t, result.Attempted, 1)
	assert.Equal(t, model.ParserXBRL, result.Attempted[0].Kind)
	assert.Equal(t, "ok", result.Attempted[0].Outcome)
}

func TestEngineParseInlineXBRL(t *testing.T) {
	e := newTestEngine(t, nil)
	result := e.Parse(context.Background(), []byte(facadeInlineDocument), "report.html", nil)

	require.True(t, result.Success)
	require.NotNil(t, result.Report)
	// The unwrap path still yields an XBRL-parsed report.
	assert.Equal(t, model.ParserXBRL, result.Report.ParserKind)

	require.Len(t, result.Attempted, 1)
	assert.Equal(t, model.ParserIXBRL, result.Attempted[0].Kind)
	assert.Equal(t, "ok", result.Attempted[0].Outcome)
}

func TestEngineParseHTMLFallback(t *testing.T) {
	e := newTestEngine(t, nil)
	result := e.Parse(context.Background(), []byte(sampleHTMLReport), "report.html", nil)

	require.True(t, result.Success)
	assert.Equal(t, model.ParserHTML, result.Report.ParserKind)
	require.Len(t, result.Attempted, 1)
	assert.Equal(t, model.ParserHTML, result.Attempted[0].Kind)
}

func TestEngineParseBareXMLFallsThroughToXBRL(t *testing.T) {
	// Bare XML without XBRL namespaces detects as UNKNOWN but still gets
	// one structured attempt before the HTML fallback.
	content := `<?xml version="1.0"?><data><item>nothing useful</item></data>`
	e := newTestEngine(t, nil)
	result := e.Parse(context.Background(), []byte(content), "", nil)

	require.False(t, result.Success)
	require.Len(t, result.Attempted, 2)
	assert.Equal(t, model.ParserXBRL, result.Attempted[0].Kind)
	assert.Equal(t, model.ErrKindParse, result.Attempted[0].Outcome)
	assert.Equal(t, model.ParserHTML, result.Attempted[1].Kind)
	assert.Equal(t, model.ErrKindParse, result.Attempted[1].Outcome)
}

func TestEngineParseFailureRecordsAttempts(t *testing.T) {
	e := newTestEngine(t, nil)
	result := e.Parse(context.Background(), []byte("nothing recognizable here"), "", nil)

	require.False(t, result.Success)
	assert.Nil(t, result.Report)
	require.Len(t, result.Attempted, 1)
	assert.Equal(t, model.ParserHTML, result.Attempted[0].Kind)
	assert.Equal(t, model.ErrKindParse, result.Attempted[0].Outcome)
}

func TestEngineParseExpiredContextStopsFallbackChain(t *testing.T) {
	// Deterministic paths run to completion, so the parse budget is
	// observed between attempts: once it expires the chain records a
	// TIMEOUT instead of starting the next path.
	client := &fakeAnthropicClient{response: textResponse(llmGoodResponse)}
	e := newTestEngine(t, NewLLMExtractor(client, "test-model"))

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	result := e.Parse(ctx, []byte("nothing recognizable here"), "", nil)

	require.False(t, result.Success)
	require.Len(t, result.Attempted, 1)
	assert.Equal(t, model.ParserHTML, result.Attempted[0].Kind)
	assert.Equal(t, model.ErrKindTimeout, result.Attempted[0].Outcome)
}

func TestEngineParseCancelledContextRecordsCancelled(t *testing.T) {
	client := &fakeAnthropicClient{response: textResponse(llmGoodResponse)}
	e := newTestEngine(t, NewLLMExtractor(client, "test-model"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.Parse(ctx, []byte("nothing recognizable here"), "", nil)

	require.False(t, result.Success)
	require.Len(t, result.Attempted, 1)
	assert.Equal(t, model.ErrKindCancelled, result.Attempted[0].Outcome)
}

func TestEngineParseLLMLastResort(t *testing.T) {
	client := &fakeAnthropicClient{response: textResponse(llmGoodResponse)}
	e := newTestEngine(t, NewLLMExtractor(client, "test-model"))

	result := e.Parse(context.Background(), []byte("unstructured disclosure text"), "", nil)

	require.True(t, result.Success)
	assert.Equal(t, model.ParserLLM, result.Report.ParserKind)
	require.Len(t, result.Attempted, 2)
	assert.Equal(t, model.ParserHTML, result.Attempted[0].Kind)
	assert.Equal(t, model.ParserLLM, result.Attempted[1].Kind)
	assert.Equal(t, "ok", result.Attempted[1].Outcome)
}

func TestEngineParseGB18030Transcoding(t *testing.T) {
	encoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewEncoder(), []byte(sampleHTMLReport))
	require.NoError(t, err)

	e := newTestEngine(t, nil)
	result := e.Parse(context.Background(), encoded, "report.html", nil)

	require.True(t, result.Success)
	assert.Equal(t, "华夏成长混合型证券投资基金", result.Report.FundName)
	assert.Contains(t, result.Warnings, "artifact transcoded from gb18030")
}

func TestEngineParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.xml")
	require.NoError(t, os.WriteFile(path, []byte(facadeXBRLInstance), 0o644))

	e := newTestEngine(t, nil)
	result, err := e.ParseFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, err = e.ParseFile(context.Background(), filepath.Join(dir, "missing.xml"), nil)
	assert.Error(t, err)
}
