package parser

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fundlab/fundreport-cli/internal/model"
)

const sampleHTMLReport = `<!DOCTYPE html>
<html>
<head><title>华夏成长混合2023年年度报告</title></head>
<body>
<table>
  <tr><td>基金代码</td><td>000001</td></tr>
  <tr><td>基金名称</td><td>华夏成长混合型证券投资基金</td></tr>
  <tr><td>基金管理人</td><td>华夏基金管理有限公司</td></tr>
</table>
<p>报告期末（2023年12月31日）主要数据如下：</p>
<p>基金份额净值：1.0521</p>
<p>基金资产净值：1,234,567,890.12</p>

<table>
  <caption>期末基金资产配置情况</caption>
  <tr><th>项目</th><th>金额（元）</th><th>占比</th></tr>
  <tr><td>股票</td><td>740,000,000.00</td><td>60.00%</td></tr>
  <tr><td>债券</td><td>480,000,000.00</td><td>39.00%</td></tr>
</table>

<table>
  <caption>期末按公允价值占比排序的前十大股票投资明细</caption>
  <tr><th>序号</th><th>证券代码</th><th>证券名称</th><th>数量（股）</th><th>市值</th><th>占基金资产净值比例</th></tr>
  <tr><td>1</td><td>000858</td><td>五粮液</td><td>120000</td><td>9,500,000.00</td><td>7.80%</td></tr>
  <tr><td>2</td><td>600519</td><td>贵州茅台</td><td>5000</td><td>8,000,000.00</td><td>6.50%</td></tr>
</table>

<table>
  <caption>期末按行业分布的股票配置明细</caption>
  <tr><th>行业名称</th><th>公允价值</th><th>占比</th></tr>
  <tr><td>制造业</td><td>500,000,000.00</td><td>41.00%</td></tr>
  <tr><td>金融业</td><td>150,000,000.00</td><td>12.00%</td></tr>
</table>
</body>
</html>`

func TestHTMLParseFullReport(t *testing.T) {
	p := NewHTMLParser()
	report, err := p.Parse([]byte(sampleHTMLReport), nil)
	require.NoError(t, err)

	assert.Equal(t, "000001", report.FundCode)
	assert.Equal(t, "华夏成长混合型证券投资基金", report.FundName)
	assert.Equal(t, "华夏基金管理有限公司", report.FundManager)
	assert.Equal(t, model.ParserHTML, report.ParserKind)

	assert.Equal(t, string(model.ReportAnnual), report.ReportType)
	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), report.ReportPeriodEnd)
	require.NotNil(t, report.ReportPeriodStart)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), *report.ReportPeriodStart)

	require.NotNil(t, report.NetAssetValue)
	assert.True(t, report.NetAssetValue.Equal(decimal.RequireFromString("1.0521")))
	require.NotNil(t, report.TotalNetAssets)
	assert.True(t, report.TotalNetAssets.Equal(decimal.RequireFromString("1234567890.12")))

	require.Len(t, report.AssetAllocations, 2)
	assert.Equal(t, "股票", report.AssetAllocations[0].AssetType)
	assert.True(t, report.AssetAllocations[0].NetValueRatio.Equal(decimal.RequireFromString("0.6")))

	require.Len(t, report.TopHoldings, 2)
	assert.Equal(t, 1, report.TopHoldings[0].Rank)
	assert.Equal(t, "五粮液", report.TopHoldings[0].SecurityName)
	assert.Equal(t, "000858", report.TopHoldings[0].SecurityCode)
	require.NotNil(t, report.TopHoldings[0].Shares)
	assert.Equal(t, int64(120000), *report.TopHoldings[0].Shares)
	assert.True(t, report.TopHoldings[1].NetValueRatio.Equal(decimal.RequireFromString("0.065")))

	require.Len(t, report.IndustryAllocations, 2)
	assert.Equal(t, "制造业", report.IndustryAllocations[0].IndustryName)
	assert.True(t, report.IndustryAllocations[0].MarketValue.Equal(decimal.RequireFromString("500000000.00")))

	assert.True(t, report.Confidence.Equal(decimal.RequireFromString("0.95")))
}

func TestHTMLParseNoFundCode(t *testing.T) {
	p := NewHTMLParser()
	_, err := p.Parse([]byte("<html><body><p>无关内容，2023年12月31日。</p></body></html>"), nil)
	require.Error(t, err)
	var pe *model.ParseError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, model.ParserHTML, pe.Kind)
}

func TestHTMLParseFundCodeFromRef(t *testing.T) {
	p := NewHTMLParser()
	ref := &model.ReportRef{FundCode: "519068", ReportDesc: "2023年年度报告"}
	report, err := p.Parse([]byte("<html><body><p>截至2023年12月31日的报告。</p></body></html>"), ref)
	require.NoError(t, err)
	assert.Equal(t, "519068", report.FundCode)
}

func TestHTMLParsePeriodDerivedFromRefDesc(t *testing.T) {
	p := NewHTMLParser()
	ref := &model.ReportRef{ReportDesc: "2023年第三季度报告"}
	report, err := p.Parse([]byte("<html><body><p>基金代码：519068</p></body></html>"), ref)
	require.NoError(t, err)

	assert.Equal(t, string(model.ReportQ3), report.ReportType)
	assert.Equal(t, time.Date(2023, 9, 30, 0, 0, 0, 0, time.UTC), report.ReportPeriodEnd)
	require.NotNil(t, report.ReportPeriodStart)
	assert.Equal(t, time.July, report.ReportPeriodStart.Month())
}

func TestHTMLParseRejectsTableWithoutRequiredHeaders(t *testing.T) {
	// A holdings table whose header carries no recognizable name column
	// must be rejected rather than parsed by position.
	content := `<html><body>
<p>基金代码：000001</p><p>截至2023年12月31日。</p>
<table>
  <caption>前十大持仓</caption>
  <tr><th>甲</th><th>乙</th><th>丙</th></tr>
  <tr><td>1</td><td>五粮液</td><td>7.80%</td></tr>
  <tr><td>2</td><td>贵州茅台</td><td>6.50%</td></tr>
</table>
</body></html>`
	p := NewHTMLParser()
	report, err := p.Parse([]byte(content), nil)
	require.NoError(t, err)
	assert.Empty(t, report.TopHoldings)
}

func TestHTMLParseExcludesIrrelevantTables(t *testing.T) {
	content := `<html><body>
<p>基金代码：000001</p><p>截至2023年12月31日。</p>
<table>
  <caption>关联方交易费用的投资组合说明</caption>
  <tr><th>项目</th><th>金额</th><th>占比</th></tr>
  <tr><td>股票</td><td>1</td><td>1%</td></tr>
  <tr><td>债券</td><td>1</td><td>1%</td></tr>
</table>
</body></html>`
	p := NewHTMLParser()
	report, err := p.Parse([]byte(content), nil)
	require.NoError(t, err)
	assert.Empty(t, report.AssetAllocations)
}
