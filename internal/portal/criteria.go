package portal

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/fundlab/fundreport-cli/internal/model"
)

var fundCodeRe = regexp.MustCompile(`^\d{6}$`)

// SearchCriteria is the validated input to a portal list request.
type SearchCriteria struct {
	Year                 int
	ReportType           model.ReportType
	FundType             model.FundType
	FundCompanyShortName string
	FundCode             string
	FundShortName        string
	UploadDateStart      *time.Time
	UploadDateEnd        *time.Time
	Page                 int
	PageSize             int
}

// Validate enforces the portal's parameter rules. A year is required for
// every report type except fund profiles; profiles are also the only
// searches allowed to carry no other filter.
func (c *SearchCriteria) Validate() error {
	if !c.ReportType.Valid() {
		return &model.ValidationError{Field: "report_type", Reason: "unknown report type"}
	}
	if c.ReportType != model.ReportProfile && c.Year == 0 {
		return &model.ValidationError{Field: "year", Reason: "required unless searching fund profiles"}
	}
	if c.FundType != "" && !c.FundType.Valid() {
		return &model.ValidationError{Field: "fund_type", Reason: "unknown fund type"}
	}
	if c.FundCode != "" && !fundCodeRe.MatchString(c.FundCode) {
		return &model.ValidationError{Field: "fund_code", Reason: "must be exactly six digits"}
	}
	if c.UploadDateStart != nil && c.UploadDateEnd != nil && c.UploadDateStart.After(*c.UploadDateEnd) {
		return &model.ValidationError{Field: "upload_date_range", Reason: "start date after end date"}
	}
	if c.Page < 1 {
		return &model.ValidationError{Field: "page", Reason: "must be >= 1"}
	}
	if c.PageSize < 1 || c.PageSize > 100 {
		return &model.ValidationError{Field: "page_size", Reason: "must be between 1 and 100"}
	}
	if c.ReportType != model.ReportProfile && c.emptyFilters() {
		return &model.ValidationError{Field: "criteria", Reason: "at least one filter is required"}
	}
	return nil
}

func (c *SearchCriteria) emptyFilters() bool {
	return c.FundType == "" &&
		c.FundCompanyShortName == "" &&
		c.FundCode == "" &&
		c.FundShortName == "" &&
		c.UploadDateStart == nil &&
		c.UploadDateEnd == nil
}

// AoField is one name/value pair of the portal's DataTables payload.
type AoField struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// AoData composes the portal's aoData field list. Field names, order, and
// the empty-string treatment of absent optionals are the wire contract;
// do not reorder or omit fields.
func (c *SearchCriteria) AoData() []AoField {
	reportYear := ""
	if c.ReportType != model.ReportProfile {
		reportYear = fmt.Sprintf("%d", c.Year)
	}
	fields := []AoField{
		{Name: "sEcho", Value: c.Page},
		{Name: "iColumns", Value: 6},
		{Name: "sColumns", Value: ",,,,,"},
		{Name: "iDisplayStart", Value: (c.Page - 1) * c.PageSize},
		{Name: "iDisplayLength", Value: c.PageSize},
		{Name: "mDataProp_0", Value: "fundCode"},
		{Name: "mDataProp_1", Value: "fundId"},
		{Name: "mDataProp_2", Value: "organName"},
		{Name: "mDataProp_3", Value: "reportSendDate"},
		{Name: "mDataProp_4", Value: "reportDesp"},
		{Name: "mDataProp_5", Value: "uploadInfoId"},
		{Name: "fundType", Value: c.FundType.Code()},
		{Name: "reportTypeCode", Value: c.ReportType.Code()},
		{Name: "reportYear", Value: reportYear},
		{Name: "fundCompanyShortName", Value: c.FundCompanyShortName},
		{Name: "fundCode", Value: c.FundCode},
		{Name: "fundShortName", Value: c.FundShortName},
		{Name: "startUploadDate", Value: formatDate(c.UploadDateStart)},
		{Name: "endUploadDate", Value: formatDate(c.UploadDateEnd)},
	}
	return fields
}

// AoDataJSON serializes the aoData array for the request query string.
func (c *SearchCriteria) AoDataJSON() (string, error) {
	b, err := json.Marshal(c.AoData())
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
