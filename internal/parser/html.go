package parser

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/taxonomy"
)

// scalarLabels maps report fields to the label phrases disclosure pages
// use for them, most specific first.
var scalarLabels = map[string][]string{
	"fund_code":        {"基金主代码", "基金代码", "产品代码"},
	"fund_name":        {"基金名称", "基金全称", "基金简称"},
	"fund_manager":     {"基金管理人", "管理人名称"},
	"net_asset_value":  {"报告期末基金份额净值", "基金份额净值", "份额净值", "单位净值"},
	"total_net_assets": {"报告期末基金资产净值", "基金资产净值", "资产净值", "资产总计"},
}

var fundCodeValueRe = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

// Table classification keywords. Tables matching an exclusion keyword are
// never candidates regardless of other matches.
var (
	tableExcludeWords  = []string{"关联方", "交易", "费用", "审计", "托管", "会计", "声明"}
	assetTableWords    = []string{"资产配置", "投资组合", "大类资产"}
	holdingsTableWords = []string{"前十大", "重仓股", "主要持仓"}
	industryTableWords = []string{"行业配置", "行业分布", "申万行业"}
)

// Column header aliases per logical field. Column positions are resolved
// from these at parse time, never assumed.
var (
	holdingsColumns = map[string][]string{
		"rank":            {"序号", "排名"},
		"security_code":   {"证券代码", "股票代码", "代码"},
		"security_name":   {"证券名称", "股票名称", "名称"},
		"shares":          {"数量", "股数", "持仓量"},
		"market_value":    {"市值", "金额", "价值"},
		"net_value_ratio": {"占比", "比例", "百分比"},
	}
	holdingsRequired = []string{"security_name"}

	assetColumns = map[string][]string{
		"asset_type":      {"资产", "类别", "类型", "品种", "项目"},
		"market_value":    {"市值", "金额", "价值"},
		"net_value_ratio": {"占比", "比例", "百分比"},
	}
	assetRequired = []string{"asset_type"}

	industryColumns = map[string][]string{
		"industry_name":   {"行业名称", "申万行业", "行业"},
		"market_value":    {"市值", "金额", "价值"},
		"net_value_ratio": {"占比", "比例", "百分比"},
	}
	industryRequired = []string{"industry_name"}
)

var (
	cnDateRe  = regexp.MustCompile(`(\d{4})年(\d{1,2})月(\d{1,2})日`)
	isoDateRe = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})`)
	yearRe    = regexp.MustCompile(`(\d{4})年`)
)

const (
	htmlBaseConfidence = 0.70
	htmlFieldBonus     = 0.05
	htmlMaxConfidence  = 0.95
	maxHoldingRows     = 10
)

// HTMLParser extracts a fund report from a plain HTML disclosure page by
// label scanning and header-driven table parsing.
type HTMLParser struct{}

func NewHTMLParser() *HTMLParser { return &HTMLParser{} }

// Parse builds a ParsedFundReport from HTML bytes. ref, when present,
// supplies the report-type and period fallbacks.
func (p *HTMLParser) Parse(content []byte, ref *model.ReportRef) (*model.ParsedFundReport, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, &model.ParseError{Kind: model.ParserHTML, Err: eris.Wrap(err, "parser: parse html")}
	}

	report := &model.ParsedFundReport{ParserKind: model.ParserHTML}
	fields := 0

	scalars := map[string]string{}
	for field, labels := range scalarLabels {
		if v := findLabelValue(doc, labels); v != "" {
			scalars[field] = v
		}
	}

	if code := scalars["fund_code"]; fundCodeValueRe.MatchString(code) {
		report.FundCode = code
		fields++
	}
	if report.FundCode == "" && ref != nil && ref.FundCode != "" {
		report.FundCode = ref.FundCode
	}
	if report.FundCode == "" {
		return nil, &model.ParseError{Kind: model.ParserHTML, Err: eris.New("parser: no fund code in html report")}
	}

	if name := scalars["fund_name"]; name != "" {
		report.FundName = name
		fields++
	} else if ref != nil {
		report.FundName = ref.FundShortName
	}
	if mgr := scalars["fund_manager"]; mgr != "" {
		report.FundManager = mgr
	}
	if d, err := taxonomy.ParseDecimal(scalars["net_asset_value"]); err == nil {
		report.NetAssetValue = &d
		fields++
	}
	if d, err := taxonomy.ParseDecimal(scalars["total_net_assets"]); err == nil {
		report.TotalNetAssets = &d
		fields++
	}

	p.resolvePeriod(doc, report, ref)
	if report.ReportPeriodEnd.IsZero() {
		return nil, &model.ParseError{Kind: model.ParserHTML, Err: eris.New("parser: no report period in html report")}
	}
	fields++

	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		switch classifyTable(table) {
		case "asset_allocation":
			if len(report.AssetAllocations) == 0 {
				report.AssetAllocations = parseAssetTable(table)
			}
		case "top_holdings":
			if len(report.TopHoldings) == 0 {
				report.TopHoldings = parseHoldingsTable(table)
			}
		case "industry_allocation":
			if len(report.IndustryAllocations) == 0 {
				report.IndustryAllocations = parseIndustryTable(table)
			}
		}
	})
	if len(report.AssetAllocations) > 0 {
		fields++
	}
	if len(report.TopHoldings) > 0 {
		fields++
	}
	if len(report.IndustryAllocations) > 0 {
		fields++
	}

	conf := htmlBaseConfidence + htmlFieldBonus*float64(fields)
	if conf > htmlMaxConfidence {
		conf = htmlMaxConfidence
	}
	report.Confidence = decimal.NewFromFloat(conf)

	zap.L().Debug("html fallback parse complete",
		zap.String("fund_code", report.FundCode),
		zap.Int("fields", fields),
		zap.Int("holdings", len(report.TopHoldings)),
		zap.Int("asset_allocations", len(report.AssetAllocations)),
		zap.Int("industry_allocations", len(report.IndustryAllocations)),
	)
	return report, nil
}

// resolvePeriod fills report type and period bounds from the page title
// and body text, then from the search row's description.
func (p *HTMLParser) resolvePeriod(doc *goquery.Document, report *model.ParsedFundReport, ref *model.ReportRef) {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	heading := strings.TrimSpace(doc.Find("h1,h2").First().Text())

	rt := taxonomy.InferReportType(title)
	if rt == "" {
		rt = taxonomy.InferReportType(heading)
	}
	if rt == "" && ref != nil {
		rt = taxonomy.InferReportType(ref.ReportDesc)
	}
	report.ReportType = string(rt)

	if end, ok := findPeriodEnd(doc.Text()); ok {
		report.ReportPeriodEnd = end
	} else if rt != "" {
		// Derive the period end from the report year when the page itself
		// carries no usable date.
		for _, text := range []string{title, heading, refDesc(ref)} {
			if m := yearRe.FindStringSubmatch(text); m != nil {
				year, _ := strconv.Atoi(m[1])
				if end := periodEndFor(rt, year); end != nil {
					report.ReportPeriodEnd = *end
				}
				break
			}
		}
	}

	if !report.ReportPeriodEnd.IsZero() && rt != "" {
		report.ReportPeriodStart = rt.PeriodStart(report.ReportPeriodEnd)
	}
}

func refDesc(ref *model.ReportRef) string {
	if ref == nil {
		return ""
	}
	return ref.ReportDesc
}

// findPeriodEnd looks for a date after a 报告期末 marker first, then takes
// the first date anywhere in the text.
func findPeriodEnd(text string) (time.Time, bool) {
	if i := strings.Index(text, "报告期末"); i >= 0 {
		tail := text[i:]
		if len(tail) > 120 {
			tail = tail[:120]
		}
		if t, ok := firstDate(tail); ok {
			return t, true
		}
	}
	return firstDate(text)
}

func firstDate(text string) (time.Time, bool) {
	if m := cnDateRe.FindStringSubmatch(text); m != nil {
		return dateFromParts(m[1], m[2], m[3])
	}
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		return dateFromParts(m[1], m[2], m[3])
	}
	return time.Time{}, false
}

func dateFromParts(y, mo, d string) (time.Time, bool) {
	year, _ := strconv.Atoi(y)
	month, _ := strconv.Atoi(mo)
	day, _ := strconv.Atoi(d)
	if year < 1990 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), true
}

func periodEndFor(rt model.ReportType, year int) *time.Time {
	var end time.Time
	switch rt {
	case model.ReportAnnual, model.ReportQ4:
		end = time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
	case model.ReportSemiAnnual, model.ReportQ2:
		end = time.Date(year, 6, 30, 0, 0, 0, 0, time.UTC)
	case model.ReportQ1:
		end = time.Date(year, 3, 31, 0, 0, 0, 0, time.UTC)
	case model.ReportQ3:
		end = time.Date(year, 9, 30, 0, 0, 0, 0, time.UTC)
	default:
		return nil
	}
	return &end
}

// findLabelValue scans label-bearing elements and tries, in order: the
// value following the label inside the same element, the next table cell,
// the next sibling element, and the matching cell of the next row.
func findLabelValue(doc *goquery.Document, labels []string) string {
	var out string
	doc.Find("td,th,p,span,li,b,strong,div").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		text := strings.TrimSpace(sel.Text())
		if text == "" || len(text) > 120 {
			return true
		}
		for _, label := range labels {
			if !strings.Contains(text, label) {
				continue
			}
			if v := valueAfterLabel(text, label); v != "" {
				out = v
				return false
			}
			if v := cleanCellValue(sel.Next().Text()); v != "" {
				out = v
				return false
			}
			if v := nextRowValue(sel); v != "" {
				out = v
				return false
			}
		}
		return true
	})
	return out
}

var labelSepRe = regexp.MustCompile(`[:：]\s*`)

// valueAfterLabel extracts "value" from "label: value" style text.
func valueAfterLabel(text, label string) string {
	idx := strings.Index(text, label)
	rest := text[idx+len(label):]
	if loc := labelSepRe.FindStringIndex(rest); loc != nil && loc[0] == 0 {
		rest = rest[loc[1]:]
	} else if strings.TrimSpace(rest) == rest && rest != "" && !strings.HasPrefix(rest, " ") {
		// No separator and no gap: treat the remainder as part of the label.
		return ""
	}
	return cleanCellValue(rest)
}

// nextRowValue finds the cell below a label cell in the same column.
func nextRowValue(sel *goquery.Selection) string {
	if name := goquery.NodeName(sel); name != "td" && name != "th" {
		return ""
	}
	col := sel.Index()
	next := sel.Closest("tr").Next()
	if next.Length() == 0 {
		return ""
	}
	return cleanCellValue(next.Find("td,th").Eq(col).Text())
}

func cleanCellValue(s string) string {
	s = strings.TrimSpace(s)
	if fs := strings.Fields(s); len(fs) > 0 {
		s = fs[0]
	}
	if len(s) > 64 {
		return ""
	}
	return s
}

func classifyTable(table *goquery.Selection) string {
	text := table.Text()
	for _, kw := range tableExcludeWords {
		if strings.Contains(text, kw) {
			return ""
		}
	}
	if table.Find("tr").Length() < 3 {
		return ""
	}
	switch {
	case containsAny(text, holdingsTableWords):
		return "top_holdings"
	case containsAny(text, assetTableWords):
		return "asset_allocation"
	case containsAny(text, industryTableWords):
		return "industry_allocation"
	}
	return ""
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// resolveColumns maps logical fields to column indices from the header
// row. Returns nil when any required field has no matching header.
func resolveColumns(headers []string, aliases map[string][]string, required []string) map[string]int {
	cols := make(map[string]int)
	for field, words := range aliases {
		for i, h := range headers {
			if containsAny(h, words) {
				cols[field] = i
				break
			}
		}
	}
	for _, field := range required {
		if _, ok := cols[field]; !ok {
			return nil
		}
	}
	return cols
}

func tableRows(table *goquery.Selection) ([]string, []*goquery.Selection) {
	rows := table.Find("tr")
	if rows.Length() < 2 {
		return nil, nil
	}
	var headers []string
	rows.First().Find("th,td").Each(func(_ int, cell *goquery.Selection) {
		headers = append(headers, strings.ToLower(strings.TrimSpace(cell.Text())))
	})
	var body []*goquery.Selection
	rows.Slice(1, rows.Length()).Each(func(_ int, row *goquery.Selection) {
		body = append(body, row)
	})
	return headers, body
}

func cellText(row *goquery.Selection, cols map[string]int, field string) string {
	idx, ok := cols[field]
	if !ok {
		return ""
	}
	return strings.TrimSpace(row.Find("td,th").Eq(idx).Text())
}

func cellDecimal(row *goquery.Selection, cols map[string]int, field string) (decimal.Decimal, bool) {
	text := cellText(row, cols, field)
	if text == "" {
		return decimal.Zero, false
	}
	d, err := taxonomy.ParseDecimal(text)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func parseHoldingsTable(table *goquery.Selection) []model.Holding {
	headers, rows := tableRows(table)
	cols := resolveColumns(headers, holdingsColumns, holdingsRequired)
	if cols == nil {
		return nil
	}

	var holdings []model.Holding
	for _, row := range rows {
		if len(holdings) >= maxHoldingRows {
			break
		}
		name := cellText(row, cols, "security_name")
		if name == "" {
			continue
		}
		h := model.Holding{
			SecurityName: name,
			SecurityCode: cellText(row, cols, "security_code"),
		}
		if n, err := strconv.Atoi(cellText(row, cols, "rank")); err == nil {
			h.Rank = n
		}
		if d, ok := cellDecimal(row, cols, "shares"); ok {
			n := d.IntPart()
			h.Shares = &n
		}
		if d, ok := cellDecimal(row, cols, "market_value"); ok {
			h.MarketValue = d
		}
		if d, ok := cellDecimal(row, cols, "net_value_ratio"); ok {
			h.NetValueRatio = taxonomy.NormalizeRatio(d)
		}
		if h.Rank == 0 {
			h.Rank = len(holdings) + 1
		}
		holdings = append(holdings, h)
	}
	return holdings
}

func parseAssetTable(table *goquery.Selection) []model.AssetAllocation {
	headers, rows := tableRows(table)
	cols := resolveColumns(headers, assetColumns, assetRequired)
	if cols == nil {
		return nil
	}

	var out []model.AssetAllocation
	for _, row := range rows {
		assetType := cellText(row, cols, "asset_type")
		if assetType == "" {
			continue
		}
		aa := model.AssetAllocation{AssetType: assetType}
		mv, hasMV := cellDecimal(row, cols, "market_value")
		ratio, hasRatio := cellDecimal(row, cols, "net_value_ratio")
		if !hasMV && !hasRatio {
			continue
		}
		if hasMV {
			aa.MarketValue = mv
		}
		if hasRatio {
			aa.NetValueRatio = taxonomy.NormalizeRatio(ratio)
		}
		out = append(out, aa)
	}
	return out
}

func parseIndustryTable(table *goquery.Selection) []model.IndustryAllocation {
	headers, rows := tableRows(table)
	cols := resolveColumns(headers, industryColumns, industryRequired)
	if cols == nil {
		return nil
	}

	var out []model.IndustryAllocation
	for _, row := range rows {
		name := cellText(row, cols, "industry_name")
		if name == "" {
			continue
		}
		ia := model.IndustryAllocation{IndustryName: name}
		mv, hasMV := cellDecimal(row, cols, "market_value")
		ratio, hasRatio := cellDecimal(row, cols, "net_value_ratio")
		if !hasMV && !hasRatio {
			continue
		}
		if hasMV {
			ia.MarketValue = mv
		}
		if hasRatio {
			ia.NetValueRatio = taxonomy.NormalizeRatio(ratio)
		}
		out = append(out, ia)
	}
	return out
}
