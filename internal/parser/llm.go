package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/taxonomy"
	"github.com/fundlab/fundreport-cli/pkg/anthropic"
)

// llmMaxConfidence caps what an LLM extraction may claim: model output is
// the least trusted path in the fallback chain.
var llmMaxConfidence = decimal.RequireFromString("0.6")

const (
	llmDefaultModel    = "claude-haiku-4-5-20251001"
	llmMaxOutputTokens = 2048
	llmMaxInputRunes   = 30000
	llmExtractionPhase = "fund_report_extraction"
)

const llmSystemPrompt = `You are a financial data analyst extracting structured data from Chinese public mutual fund disclosure reports.

Rules:
- Answer ONLY based on information present in the provided report text
- Return valid JSON for every response, with no surrounding prose or markdown
- Use null for any field not found in the text
- Monetary amounts are raw numbers in CNY without thousand separators
- Ratios are fractions in [0,1], never percentages
- Dates use the YYYY-MM-DD format
- confidence is 0.0-1.0 based on how directly the text supports the extraction

Respond with exactly this JSON shape:
{
  "fund_code": "6-character code or null",
  "fund_name": "string or null",
  "fund_manager": "string or null",
  "report_period_end": "YYYY-MM-DD or null",
  "net_asset_value": "number or null",
  "total_net_assets": "number or null",
  "asset_allocations": [{"asset_type": "string", "market_value": number, "net_value_ratio": number}],
  "top_holdings": [{"rank": number, "security_code": "string", "security_name": "string", "market_value": number, "net_value_ratio": number}],
  "industry_allocations": [{"industry_name": "string", "market_value": number, "net_value_ratio": number}],
  "confidence": number
}`

// LLMExtractor is the extraction path of last resort: it hands the report
// text to a Claude model and repairs the JSON it returns.
type LLMExtractor struct {
	client    anthropic.Client
	modelName string
}

// NewLLMExtractor returns nil when client is nil, which disables the LLM
// slot in the facade's fallback order.
func NewLLMExtractor(client anthropic.Client, modelName string) *LLMExtractor {
	if client == nil {
		return nil
	}
	if modelName == "" {
		modelName = llmDefaultModel
	}
	return &LLMExtractor{client: client, modelName: modelName}
}

// Enabled reports whether the extractor can be attempted.
func (e *LLMExtractor) Enabled() bool {
	return e != nil && e.client != nil
}

// llmReport is the wire shape the model is asked to produce. Numbers come
// back as json.Number so decimal conversion never routes through float64.
type llmReport struct {
	FundCode        *string     `json:"fund_code"`
	FundName        *string     `json:"fund_name"`
	FundManager     *string     `json:"fund_manager"`
	ReportPeriodEnd *string     `json:"report_period_end"`
	NetAssetValue   json.Number `json:"net_asset_value"`
	TotalNetAssets  json.Number `json:"total_net_assets"`

	AssetAllocations []struct {
		AssetType     string      `json:"asset_type"`
		MarketValue   json.Number `json:"market_value"`
		NetValueRatio json.Number `json:"net_value_ratio"`
	} `json:"asset_allocations"`
	TopHoldings []struct {
		Rank          int         `json:"rank"`
		SecurityCode  string      `json:"security_code"`
		SecurityName  string      `json:"security_name"`
		MarketValue   json.Number `json:"market_value"`
		NetValueRatio json.Number `json:"net_value_ratio"`
	} `json:"top_holdings"`
	IndustryAllocations []struct {
		IndustryName  string      `json:"industry_name"`
		MarketValue   json.Number `json:"market_value"`
		NetValueRatio json.Number `json:"net_value_ratio"`
	} `json:"industry_allocations"`

	Confidence json.Number `json:"confidence"`
}

// Extract asks the model to pull the report fields out of the artifact
// text. ref supplies the report-type fallback the same way it does for
// the deterministic parsers.
func (e *LLMExtractor) Extract(ctx context.Context, content []byte, ref *model.ReportRef) (*model.ParsedFundReport, error) {
	if !e.Enabled() {
		return nil, &model.ParseError{Kind: model.ParserLLM, Err: eris.New("parser: llm extractor disabled")}
	}

	text := visibleText(content)
	if strings.TrimSpace(text) == "" {
		return nil, &model.ParseError{Kind: model.ParserLLM, Err: eris.New("parser: no text to extract")}
	}

	temp := 0.0
	resp, err := e.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       e.modelName,
		MaxTokens:   llmMaxOutputTokens,
		Temperature: &temp,
		System:      anthropic.BuildCachedSystemBlocks(llmSystemPrompt),
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Extract the fund report data from this disclosure text:\n\n%s", text),
		}},
	})
	if err != nil {
		return nil, &model.ParseError{Kind: model.ParserLLM, Err: eris.Wrap(err, "parser: llm request")}
	}
	resp.Usage.LogCost(e.modelName, llmExtractionPhase)

	raw := responseText(resp)
	repaired, err := jsonrepair.RepairJSON(cleanJSONFence(raw))
	if err != nil {
		return nil, &model.ParseError{Kind: model.ParserLLM, Err: eris.Wrap(err, "parser: repair llm json")}
	}

	var wire llmReport
	dec := json.NewDecoder(strings.NewReader(repaired))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return nil, &model.ParseError{Kind: model.ParserLLM, Err: eris.Wrap(err, "parser: decode llm json")}
	}

	report, err := wire.toReport(ref)
	if err != nil {
		return nil, err
	}
	zap.L().Info("llm extraction complete",
		zap.String("fund_code", report.FundCode),
		zap.String("confidence", report.Confidence.String()),
	)
	return report, nil
}

func (w *llmReport) toReport(ref *model.ReportRef) (*model.ParsedFundReport, error) {
	report := &model.ParsedFundReport{ParserKind: model.ParserLLM}

	if w.FundCode != nil {
		report.FundCode = strings.TrimSpace(*w.FundCode)
	}
	if report.FundCode == "" && ref != nil {
		report.FundCode = ref.FundCode
	}
	if report.FundCode == "" {
		return nil, &model.ParseError{Kind: model.ParserLLM, Err: eris.New("parser: llm returned no fund code")}
	}
	if w.FundName != nil {
		report.FundName = strings.TrimSpace(*w.FundName)
	}
	if w.FundManager != nil {
		report.FundManager = strings.TrimSpace(*w.FundManager)
	}

	if w.ReportPeriodEnd != nil {
		if t, err := time.Parse("2006-01-02", strings.TrimSpace(*w.ReportPeriodEnd)); err == nil {
			report.ReportPeriodEnd = t
		}
	}
	if report.ReportPeriodEnd.IsZero() {
		return nil, &model.ParseError{Kind: model.ParserLLM, Err: eris.New("parser: llm returned no report period")}
	}

	if ref != nil {
		if rt := taxonomy.InferReportType(ref.ReportDesc); rt != "" {
			report.ReportType = string(rt)
			report.ReportPeriodStart = rt.PeriodStart(report.ReportPeriodEnd)
		}
	}

	report.NetAssetValue = numberDecimal(w.NetAssetValue)
	report.TotalNetAssets = numberDecimal(w.TotalNetAssets)

	for _, a := range w.AssetAllocations {
		if a.AssetType == "" {
			continue
		}
		aa := model.AssetAllocation{AssetType: a.AssetType}
		if d := numberDecimal(a.MarketValue); d != nil {
			aa.MarketValue = *d
		}
		if d := numberDecimal(a.NetValueRatio); d != nil {
			aa.NetValueRatio = taxonomy.NormalizeRatio(*d)
		}
		report.AssetAllocations = append(report.AssetAllocations, aa)
	}
	for i, h := range w.TopHoldings {
		if h.SecurityName == "" && h.SecurityCode == "" {
			continue
		}
		mh := model.Holding{
			Rank:         h.Rank,
			SecurityCode: h.SecurityCode,
			SecurityName: h.SecurityName,
		}
		if mh.Rank == 0 {
			mh.Rank = i + 1
		}
		if d := numberDecimal(h.MarketValue); d != nil {
			mh.MarketValue = *d
		}
		if d := numberDecimal(h.NetValueRatio); d != nil {
			mh.NetValueRatio = taxonomy.NormalizeRatio(*d)
		}
		report.TopHoldings = append(report.TopHoldings, mh)
	}
	for _, ia := range w.IndustryAllocations {
		if ia.IndustryName == "" {
			continue
		}
		out := model.IndustryAllocation{IndustryName: ia.IndustryName}
		if d := numberDecimal(ia.MarketValue); d != nil {
			out.MarketValue = *d
		}
		if d := numberDecimal(ia.NetValueRatio); d != nil {
			out.NetValueRatio = taxonomy.NormalizeRatio(*d)
		}
		report.IndustryAllocations = append(report.IndustryAllocations, out)
	}

	report.Confidence = llmMaxConfidence
	if d := numberDecimal(w.Confidence); d != nil && d.LessThan(llmMaxConfidence) {
		report.Confidence = *d
	}
	return report, nil
}

func numberDecimal(n json.Number) *decimal.Decimal {
	if n == "" {
		return nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil
	}
	return &d
}

// visibleText flattens HTML to its rendered text so the prompt carries no
// markup; non-HTML content passes through. Output is length-bounded.
func visibleText(content []byte) string {
	text := string(content)
	if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content)); err == nil {
		if t := strings.TrimSpace(doc.Text()); t != "" {
			text = t
		}
	}
	runes := []rune(text)
	if len(runes) > llmMaxInputRunes {
		runes = runes[:llmMaxInputRunes]
	}
	return string(runes)
}

func responseText(resp *anthropic.MessageResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// cleanJSONFence strips a markdown code fence around a JSON payload.
func cleanJSONFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
