package taxonomy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/xbrl"
)

// ratioTolerance is the allowed deviation of the asset-allocation ratio
// sum from 1.0 before a warning is raised.
var ratioTolerance = decimal.NewFromFloat(0.02)

// MappingConfig is the declarative concept map for one taxonomy version.
type MappingConfig struct {
	ConceptMappings struct {
		Scalars map[string][]string `yaml:"scalars"`
		Tables  struct {
			TopHoldings         TableMapping       `yaml:"top_holdings"`
			IndustryAllocations TableMapping       `yaml:"industry_allocations"`
			AssetAllocations    ScalarGroupMapping `yaml:"asset_allocations"`
		} `yaml:"tables"`
	} `yaml:"concept_mappings"`
}

// TableMapping maps a multi-row table: facts are grouped by contextRef or
// by the member of a dimension axis, and each field matches a concept set.
type TableMapping struct {
	GroupBy string              `yaml:"group_by"` // "contextRef" or "dimension"
	Axis    string              `yaml:"axis"`
	Fields  map[string][]string `yaml:"fields"`
}

// ScalarGroupMapping maps asset allocations: one scalar pair per labeled
// asset class.
type ScalarGroupMapping struct {
	Kind    string       `yaml:"kind"`
	Entries []GroupEntry `yaml:"entries"`
}

// GroupEntry is one asset class within a scalar group.
type GroupEntry struct {
	Label         string   `yaml:"label"`
	Subtype       string   `yaml:"subtype"`
	MarketValue   []string `yaml:"market_value"`
	NetValueRatio []string `yaml:"net_value_ratio"`
}

// Mapper turns extracted XBRL documents into ParsedFundReports using the
// versioned mapping configs in configDir (one <version>.yaml per version).
type Mapper struct {
	configDir string

	mu    sync.Mutex
	cache map[string]*MappingConfig
}

// NewMapper creates a Mapper reading configs from configDir.
func NewMapper(configDir string) *Mapper {
	return &Mapper{configDir: configDir, cache: make(map[string]*MappingConfig)}
}

// Config returns the mapping config for a version, loading it on first use.
func (m *Mapper) Config(version string) (*MappingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.cache[version]; ok {
		return cfg, nil
	}
	path := filepath.Join(m.configDir, version+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read mapping config %s", version)
	}
	var cfg MappingConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, eris.Wrapf(err, "taxonomy: parse mapping config %s", version)
	}
	m.cache[version] = &cfg
	return &cfg, nil
}

// Map applies the version's concept map to an extracted document. ref may
// be nil; when present its report_desc serves as the report-type fallback.
func (m *Mapper) Map(doc *xbrl.Document, tax *Taxonomy, version string, ref *model.ReportRef) (*model.ParsedFundReport, error) {
	cfg, err := m.Config(version)
	if err != nil {
		return nil, err
	}

	b := &mapping{doc: doc, tax: tax, cfg: cfg}
	report := &model.ParsedFundReport{
		ParserKind:      model.ParserXBRL,
		TaxonomyVersion: version,
		Confidence:      decimal.NewFromInt(1),
	}

	b.mapIdentification(report, ref)
	b.mapScalarMetrics(report)
	report.TopHoldings = b.mapHoldings()
	report.IndustryAllocations = b.mapIndustries()
	report.AssetAllocations = b.mapAssetAllocations()

	if report.FundCode == "" {
		return nil, &model.ParseError{Kind: model.ParserXBRL, Err: eris.New("taxonomy: no fund code fact found")}
	}
	if report.ReportPeriodEnd.IsZero() {
		return nil, &model.ParseError{Kind: model.ParserXBRL, Err: eris.New("taxonomy: no report period end found")}
	}

	validateRatioSum(report)
	return report, nil
}

// mapping carries the per-document state of one Map call.
type mapping struct {
	doc *xbrl.Document
	tax *Taxonomy
	cfg *MappingConfig
}

func (b *mapping) mapIdentification(report *model.ParsedFundReport, ref *model.ReportRef) {
	report.FundCode = b.scalarText("fund_code")
	report.FundName = b.scalarText("fund_name")
	report.FundManager = b.scalarText("fund_manager")

	if end, ok := parseDate(b.scalarText("report_period_end")); ok {
		report.ReportPeriodEnd = end
	} else if end, ok := b.latestPeriodEnd(); ok {
		report.ReportPeriodEnd = end
	}
	if start, ok := parseDate(b.scalarText("report_period_start")); ok {
		report.ReportPeriodStart = &start
	}

	// Report type comes from the document-type concept; the search row's
	// description is the only allowed fallback. Never guessed from dates.
	rt := InferReportType(b.scalarText("report_type"))
	if rt == "" && ref != nil {
		rt = InferReportType(ref.ReportDesc)
	}
	report.ReportType = string(rt)

	if report.ReportPeriodStart == nil && rt != "" && !report.ReportPeriodEnd.IsZero() {
		report.ReportPeriodStart = rt.PeriodStart(report.ReportPeriodEnd)
	}
}

func (b *mapping) mapScalarMetrics(report *model.ParsedFundReport) {
	report.NetAssetValue = b.scalarDecimal("net_asset_value")
	report.TotalNetAssets = b.scalarDecimal("total_net_assets")
	report.PeriodProfit = b.scalarDecimal("period_profit")
}

// scalarFact returns the first fact, in document order, whose concept
// matches any id mapped to the field.
func (b *mapping) scalarFact(field string) *xbrl.Fact {
	ids := b.cfg.ConceptMappings.Scalars[field]
	if len(ids) == 0 {
		return nil
	}
	idSet := lowerSet(ids)
	for i := range b.doc.Facts {
		if matchesConcept(idSet, b.doc.Facts[i].ConceptID) {
			return &b.doc.Facts[i]
		}
	}
	return nil
}

func (b *mapping) scalarText(field string) string {
	if f := b.scalarFact(field); f != nil {
		return f.Value
	}
	return ""
}

func (b *mapping) scalarDecimal(field string) *decimal.Decimal {
	f := b.scalarFact(field)
	if f == nil {
		return nil
	}
	d, err := factDecimal(f)
	if err != nil {
		return nil
	}
	return &d
}

func (b *mapping) mapHoldings() []model.Holding {
	tm := b.cfg.ConceptMappings.Tables.TopHoldings
	if len(tm.Fields) == 0 {
		return nil
	}

	fieldOf := fieldIndex(tm.Fields)
	rows := make(map[string]map[string]*xbrl.Fact)
	order := []string{}
	for i := range b.doc.Facts {
		f := &b.doc.Facts[i]
		field, ok := lookupField(fieldOf, f.ConceptID)
		if !ok {
			continue
		}
		row, ok := rows[f.ContextRef]
		if !ok {
			row = make(map[string]*xbrl.Fact)
			rows[f.ContextRef] = row
			order = append(order, f.ContextRef)
		}
		if _, dup := row[field]; !dup {
			row[field] = f
		}
	}

	holdings := make([]model.Holding, 0, len(rows))
	for _, ctxRef := range order {
		row := rows[ctxRef]
		h := model.Holding{
			SecurityCode: rowText(row, "security_code"),
			SecurityName: rowText(row, "security_name"),
		}
		if h.SecurityCode == "" && h.SecurityName == "" {
			continue
		}
		if f, ok := row["rank"]; ok {
			if n, err := strconv.Atoi(strings.TrimSpace(f.Value)); err == nil {
				h.Rank = n
			}
		}
		if f, ok := row["shares"]; ok {
			if d, err := factDecimal(f); err == nil {
				n := d.IntPart()
				h.Shares = &n
			}
		}
		if f, ok := row["market_value"]; ok {
			if d, err := factDecimal(f); err == nil {
				h.MarketValue = d
			}
		}
		if f, ok := row["net_value_ratio"]; ok {
			if d, err := factDecimal(f); err == nil {
				h.NetValueRatio = NormalizeRatio(d)
			}
		}
		holdings = append(holdings, h)
	}

	sort.SliceStable(holdings, func(i, j int) bool {
		if holdings[i].Rank != 0 && holdings[j].Rank != 0 {
			return holdings[i].Rank < holdings[j].Rank
		}
		return holdings[i].MarketValue.GreaterThan(holdings[j].MarketValue)
	})
	for i := range holdings {
		if holdings[i].Rank == 0 {
			holdings[i].Rank = i + 1
		}
	}
	return holdings
}

func (b *mapping) mapIndustries() []model.IndustryAllocation {
	tm := b.cfg.ConceptMappings.Tables.IndustryAllocations
	if len(tm.Fields) == 0 || tm.Axis == "" {
		return nil
	}

	fieldOf := fieldIndex(tm.Fields)
	axis := strings.ToLower(tm.Axis)
	rows := make(map[string]map[string]*xbrl.Fact)
	order := []string{}
	for i := range b.doc.Facts {
		f := &b.doc.Facts[i]
		field, ok := lookupField(fieldOf, f.ConceptID)
		if !ok {
			continue
		}
		member := b.dimensionMember(f.ContextRef, axis)
		if member == "" {
			continue
		}
		row, ok := rows[member]
		if !ok {
			row = make(map[string]*xbrl.Fact)
			rows[member] = row
			order = append(order, member)
		}
		if _, dup := row[field]; !dup {
			row[field] = f
		}
	}

	out := make([]model.IndustryAllocation, 0, len(rows))
	for _, member := range order {
		row := rows[member]
		ia := model.IndustryAllocation{IndustryName: b.memberLabel(member)}
		if f, ok := row["market_value"]; ok {
			if d, err := factDecimal(f); err == nil {
				ia.MarketValue = d
			}
		}
		if f, ok := row["net_value_ratio"]; ok {
			if d, err := factDecimal(f); err == nil {
				ia.NetValueRatio = NormalizeRatio(d)
			}
		}
		out = append(out, ia)
	}
	return out
}

func (b *mapping) mapAssetAllocations() []model.AssetAllocation {
	sg := b.cfg.ConceptMappings.Tables.AssetAllocations
	out := make([]model.AssetAllocation, 0, len(sg.Entries))
	for _, entry := range sg.Entries {
		mv := b.firstDecimal(entry.MarketValue)
		ratio := b.firstDecimal(entry.NetValueRatio)
		if mv == nil && ratio == nil {
			continue
		}
		aa := model.AssetAllocation{AssetType: entry.Label, AssetSubtype: entry.Subtype}
		if mv != nil {
			aa.MarketValue = *mv
		}
		if ratio != nil {
			aa.NetValueRatio = NormalizeRatio(*ratio)
		}
		out = append(out, aa)
	}
	return out
}

func (b *mapping) firstDecimal(ids []string) *decimal.Decimal {
	if len(ids) == 0 {
		return nil
	}
	idSet := lowerSet(ids)
	for i := range b.doc.Facts {
		f := &b.doc.Facts[i]
		if !matchesConcept(idSet, f.ConceptID) {
			continue
		}
		if d, err := factDecimal(f); err == nil {
			return &d
		}
	}
	return nil
}

func (b *mapping) dimensionMember(ctxRef, axis string) string {
	ctx, ok := b.doc.Contexts[ctxRef]
	if !ok {
		return ""
	}
	for dim, member := range ctx.Dimensions {
		lc := strings.ToLower(dim)
		if lc == axis || localPart(lc) == localPart(axis) {
			return member
		}
	}
	return ""
}

func localPart(id string) string {
	if i := strings.LastIndex(id, ":"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// memberLabel resolves a dimension member to its taxonomy label, falling
// back to the member's local name.
func (b *mapping) memberLabel(member string) string {
	if b.tax != nil {
		if meta := b.tax.Get(member); meta != nil && meta.LabelZH != "" {
			return meta.LabelZH
		}
	}
	if i := strings.LastIndex(member, ":"); i >= 0 {
		return member[i+1:]
	}
	return member
}

func (b *mapping) latestPeriodEnd() (time.Time, bool) {
	var latest time.Time
	for _, ctx := range b.doc.Contexts {
		for _, s := range []string{ctx.Period.EndDate, ctx.Period.Instant} {
			if t, ok := parseDate(s); ok && t.After(latest) {
				latest = t
			}
		}
	}
	return latest, !latest.IsZero()
}

func validateRatioSum(report *model.ParsedFundReport) {
	if len(report.AssetAllocations) == 0 {
		return
	}
	sum := report.RatioSum()
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(ratioTolerance) {
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("asset allocation ratios sum to %s, expected 1.0 ±0.02", sum.StringFixed(4)))
		report.Confidence = report.Confidence.Sub(decimal.NewFromFloat(0.1))
		zap.L().Warn("asset allocation ratio sum out of tolerance",
			zap.String("fund_code", report.FundCode),
			zap.String("sum", sum.String()),
		)
	}
}

// factDecimal parses a numeric fact honoring the decimals attribute as a
// power-of-ten scale: decimals=-2 multiplies the value by 100.
func factDecimal(f *xbrl.Fact) (decimal.Decimal, error) {
	d, err := ParseDecimal(f.Value)
	if err != nil {
		return decimal.Zero, err
	}
	if f.Decimals != "" && !strings.EqualFold(f.Decimals, "INF") {
		if n, err := strconv.Atoi(f.Decimals); err == nil && n < 0 {
			d = d.Shift(int32(-n))
		}
	}
	return d, nil
}

// ParseDecimal normalizes a numeric string: thousand separators and
// whitespace are dropped, a trailing percent sign divides by 100.
func ParseDecimal(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "，", "")
	s = strings.ReplaceAll(s, " ", "")
	percent := false
	for _, suffix := range []string{"%", "％"} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSuffix(s, suffix)
			percent = true
		}
	}
	if s == "" || s == "-" {
		return decimal.Zero, eris.New("taxonomy: empty numeric value")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "taxonomy: parse number %q", raw)
	}
	if percent {
		d = d.Div(decimal.NewFromInt(100))
	}
	return d, nil
}

// NormalizeRatio converts percent-form ratios into the [0,1] fraction the
// data model requires.
func NormalizeRatio(d decimal.Decimal) decimal.Decimal {
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return d.Div(decimal.NewFromInt(100))
	}
	return d
}

// InferReportType reads a report-type keyword out of a document-type fact
// value or a report description. Returns "" when nothing matches.
func InferReportType(text string) model.ReportType {
	if text == "" {
		return ""
	}
	switch {
	case strings.Contains(text, "半年度"):
		return model.ReportSemiAnnual
	case strings.Contains(text, "年度"):
		return model.ReportAnnual
	case strings.Contains(text, "第一季度") || strings.Contains(text, "1季度"):
		return model.ReportQ1
	case strings.Contains(text, "第二季度") || strings.Contains(text, "2季度"):
		return model.ReportQ2
	case strings.Contains(text, "第三季度") || strings.Contains(text, "3季度"):
		return model.ReportQ3
	case strings.Contains(text, "第四季度") || strings.Contains(text, "4季度"):
		return model.ReportQ4
	case strings.Contains(text, "基金概况") || strings.Contains(text, "概况"):
		return model.ReportProfile
	}
	return ""
}

// fieldIndex inverts a field -> concept-id-list map into concept-id ->
// field for single-pass fact routing.
func fieldIndex(fields map[string][]string) map[string]string {
	out := make(map[string]string)
	for field, ids := range fields {
		for _, id := range ids {
			out[strings.ToLower(id)] = field
		}
	}
	return out
}

// matchesConcept checks a fact's concept against a mapped id set by full
// qualified name first, then by bare local name. Report concepts arrive
// with prefixes the config may not carry, and vice versa.
func matchesConcept(idSet map[string]bool, conceptID string) bool {
	lc := strings.ToLower(conceptID)
	if idSet[lc] {
		return true
	}
	if i := strings.LastIndex(lc, ":"); i >= 0 {
		return idSet[lc[i+1:]]
	}
	return false
}

// lookupField resolves a concept to its table field with the same
// prefix-tolerant matching as matchesConcept.
func lookupField(fieldOf map[string]string, conceptID string) (string, bool) {
	lc := strings.ToLower(conceptID)
	if f, ok := fieldOf[lc]; ok {
		return f, true
	}
	if i := strings.LastIndex(lc, ":"); i >= 0 {
		if f, ok := fieldOf[lc[i+1:]]; ok {
			return f, true
		}
	}
	return "", false
}

func lowerSet(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[strings.ToLower(id)] = true
	}
	return out
}

func rowText(row map[string]*xbrl.Fact, field string) string {
	if f, ok := row[field]; ok {
		return strings.TrimSpace(f.Value)
	}
	return ""
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", "2006/01/02", "2006年1月2日", "2006年01月02日", "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
