package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ParserKind identifies which extraction path produced a report.
type ParserKind string

const (
	ParserXBRL  ParserKind = "XBRL"
	ParserIXBRL ParserKind = "iXBRL"
	ParserHTML  ParserKind = "HTML"
	ParserLLM   ParserKind = "LLM"
)

// ReportRef is one row from a portal search: the opaque handle plus the
// display metadata needed to decide whether to download it.
type ReportRef struct {
	UploadInfoID     string `json:"upload_info_id"`
	FundCode         string `json:"fund_code"`
	FundShortName    string `json:"fund_short_name"`
	OrganizationName string `json:"organization_name"`
	ReportSendDate   string `json:"report_send_date"`
	ReportDesc       string `json:"report_desc"`
}

// ArtifactRecord describes a downloaded report file on disk.
type ArtifactRecord struct {
	URL       string    `json:"url"`
	FilePath  string    `json:"file_path"`
	Bytes     int64     `json:"bytes"`
	SHA256    string    `json:"sha256"`
	FetchedAt time.Time `json:"fetched_at"`
}

// AssetAllocation is one line of the portfolio asset breakdown.
type AssetAllocation struct {
	AssetType     string          `json:"asset_type"`
	AssetSubtype  string          `json:"asset_subtype,omitempty"`
	MarketValue   decimal.Decimal `json:"market_value"`
	NetValueRatio decimal.Decimal `json:"net_value_ratio"`
}

// Holding is one of the fund's top security positions.
type Holding struct {
	Rank          int             `json:"rank"`
	SecurityCode  string          `json:"security_code"`
	SecurityName  string          `json:"security_name"`
	Shares        *int64          `json:"shares,omitempty"`
	MarketValue   decimal.Decimal `json:"market_value"`
	NetValueRatio decimal.Decimal `json:"net_value_ratio"`
}

// IndustryAllocation is one line of the industry breakdown.
type IndustryAllocation struct {
	IndustryName  string          `json:"industry_name"`
	MarketValue   decimal.Decimal `json:"market_value"`
	NetValueRatio decimal.Decimal `json:"net_value_ratio"`
}

// ParsedFundReport is the aggregate the parser engine produces and the
// persistence layer consumes. Monetary and ratio fields are decimals,
// never binary floats.
type ParsedFundReport struct {
	FundCode          string     `json:"fund_code"`
	FundName          string     `json:"fund_name"`
	FundManager       string     `json:"fund_manager,omitempty"`
	ReportType        string     `json:"report_type"`
	ReportPeriodStart *time.Time `json:"report_period_start,omitempty"`
	ReportPeriodEnd   time.Time  `json:"report_period_end"`

	NetAssetValue  *decimal.Decimal `json:"net_asset_value,omitempty"`
	TotalNetAssets *decimal.Decimal `json:"total_net_assets,omitempty"`
	PeriodProfit   *decimal.Decimal `json:"period_profit,omitempty"`

	AssetAllocations    []AssetAllocation    `json:"asset_allocations,omitempty"`
	TopHoldings         []Holding            `json:"top_holdings,omitempty"`
	IndustryAllocations []IndustryAllocation `json:"industry_allocations,omitempty"`

	ParserKind      ParserKind      `json:"parser_kind"`
	TaxonomyVersion string          `json:"taxonomy_version,omitempty"`
	Confidence      decimal.Decimal `json:"confidence"`
	Warnings        []string        `json:"warnings,omitempty"`
}

// RatioSum returns the sum of net_value_ratio across asset allocations.
func (r *ParsedFundReport) RatioSum() decimal.Decimal {
	sum := decimal.Zero
	for _, a := range r.AssetAllocations {
		sum = sum.Add(a.NetValueRatio)
	}
	return sum
}

// ParseAttempt records one parser path tried by the facade.
type ParseAttempt struct {
	Kind    ParserKind `json:"kind"`
	Outcome string     `json:"outcome"` // "ok" or the error kind
	Detail  string     `json:"detail,omitempty"`
}

// ParseResult is the tagged outcome of a parse: either a report or the
// ordered list of attempts that all failed.
type ParseResult struct {
	Success   bool              `json:"success"`
	Report    *ParsedFundReport `json:"report,omitempty"`
	Warnings  []string          `json:"warnings,omitempty"`
	Attempted []ParseAttempt    `json:"attempted"`
}
