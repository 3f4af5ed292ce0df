package model

import "time"

// ReportType is a portal report category. The codes are the wire contract
// with the disclosure portal and must not change.
type ReportType string

const (
	ReportAnnual     ReportType = "ANNUAL"
	ReportSemiAnnual ReportType = "SEMI_ANNUAL"
	ReportQ1         ReportType = "QUARTERLY_Q1"
	ReportQ2         ReportType = "QUARTERLY_Q2"
	ReportQ3         ReportType = "QUARTERLY_Q3"
	ReportQ4         ReportType = "QUARTERLY_Q4"
	ReportProfile    ReportType = "FUND_PROFILE"
)

var reportTypeCodes = map[ReportType]string{
	ReportAnnual:     "FB010010",
	ReportSemiAnnual: "FB020010",
	ReportQ1:         "FB030010",
	ReportQ2:         "FB030020",
	ReportQ3:         "FB030030",
	ReportQ4:         "FB030040",
	ReportProfile:    "FB040010",
}

// Code returns the portal code for the report type, or "" if unknown.
func (r ReportType) Code() string { return reportTypeCodes[r] }

// Valid reports whether r is one of the known report types.
func (r ReportType) Valid() bool {
	_, ok := reportTypeCodes[r]
	return ok
}

// PeriodStart derives the reporting period start for a given period end.
// Annual, semi-annual and Q1 periods open on Jan 1; later quarters open on
// the first day of their quarter. Profiles have no period.
func (r ReportType) PeriodStart(periodEnd time.Time) *time.Time {
	var month time.Month
	switch r {
	case ReportAnnual, ReportSemiAnnual, ReportQ1:
		month = time.January
	case ReportQ2:
		month = time.April
	case ReportQ3:
		month = time.July
	case ReportQ4:
		month = time.October
	default:
		return nil
	}
	start := time.Date(periodEnd.Year(), month, 1, 0, 0, 0, 0, periodEnd.Location())
	return &start
}

// FundType is a portal fund category filter.
type FundType string

const (
	FundStock          FundType = "STOCK"
	FundMixed          FundType = "MIXED"
	FundBond           FundType = "BOND"
	FundMoney          FundType = "MONEY"
	FundQDII           FundType = "QDII"
	FundFOF            FundType = "FOF"
	FundInfrastructure FundType = "INFRASTRUCTURE"
	FundCommodity      FundType = "COMMODITY"
)

var fundTypeCodes = map[FundType]string{
	FundStock:          "6020-6010",
	FundMixed:          "6020-6020",
	FundBond:           "6020-6030",
	FundMoney:          "6020-6040",
	FundQDII:           "6020-6050",
	FundFOF:            "6020-6060",
	FundInfrastructure: "6020-6084",
	FundCommodity:      "6020-6104",
}

// Code returns the portal code for the fund type, or "" if unknown.
func (f FundType) Code() string { return fundTypeCodes[f] }

// Valid reports whether f is one of the known fund types.
func (f FundType) Valid() bool {
	_, ok := fundTypeCodes[f]
	return ok
}
