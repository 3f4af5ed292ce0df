package portal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/resilience"
)

// Options configures the portal client.
type Options struct {
	SearchURL       string
	InstanceURL     string
	UserAgent       string
	Timeout         time.Duration
	MaxRetries      int
	RequestInterval time.Duration
	MaxPages        int
}

// Client talks to the fund disclosure portal's DataTables list endpoint.
// All requests go through a single in-process limiter; the portal tolerates
// at most one request every RequestInterval.
type Client struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
}

// NewClient creates a portal client with the given options.
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RequestInterval == 0 {
		opts.RequestInterval = 500 * time.Millisecond
	}
	if opts.MaxPages == 0 {
		opts.MaxPages = 50
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "Mozilla/5.0 (compatible; fundreport-cli/1.0)"
	}
	return &Client{
		http:    &http.Client{Timeout: opts.Timeout},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.RequestInterval), 1),
	}
}

// listResponse is the portal's DataTables envelope.
type listResponse struct {
	ITotalRecords int              `json:"iTotalRecords"`
	AaData        []map[string]any `json:"aaData"`
}

// ListReports fetches one page of search results. hasNext is derived from
// the server's total record count.
func (c *Client) ListReports(ctx context.Context, criteria *SearchCriteria) ([]model.ReportRef, bool, error) {
	if err := criteria.Validate(); err != nil {
		return nil, false, err
	}

	aoData, err := criteria.AoDataJSON()
	if err != nil {
		return nil, false, eris.Wrap(err, "portal: marshal aoData")
	}

	q := url.Values{}
	q.Set("aoData", aoData)
	q.Set("_", fmt.Sprintf("%d", time.Now().UnixMilli()))
	reqURL := c.opts.SearchURL + "?" + q.Encode()

	retryCfg := resilience.RetryConfig{
		MaxAttempts:    c.opts.MaxRetries,
		InitialBackoff: time.Second,
		OnRetry:        resilience.RetryLogger("portal", "list_reports"),
	}
	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*listResponse, error) {
		return c.fetchPage(ctx, reqURL)
	})
	if err != nil {
		return nil, false, err
	}

	rows := make([]model.ReportRef, 0, len(resp.AaData))
	for _, raw := range resp.AaData {
		rows = append(rows, mapRow(raw))
	}

	hasNext := resp.ITotalRecords > criteria.Page*criteria.PageSize
	zap.L().Debug("portal page fetched",
		zap.Int("page", criteria.Page),
		zap.Int("rows", len(rows)),
		zap.Int("total_records", resp.ITotalRecords),
		zap.Bool("has_next", hasNext),
	)
	return rows, hasNext, nil
}

// SearchAll walks every result page for the criteria, honoring the request
// interval between pages and stopping at the configured page cap.
func (c *Client) SearchAll(ctx context.Context, criteria *SearchCriteria) ([]model.ReportRef, error) {
	all := make([]model.ReportRef, 0)
	page := criteria.Page
	if page < 1 {
		page = 1
	}
	for i := 0; i < c.opts.MaxPages; i++ {
		pageCriteria := *criteria
		pageCriteria.Page = page
		rows, hasNext, err := c.ListReports(ctx, &pageCriteria)
		if err != nil {
			return all, eris.Wrapf(err, "portal: search page %d", page)
		}
		all = append(all, rows...)
		if !hasNext || len(rows) == 0 {
			return all, nil
		}
		page++
	}
	zap.L().Warn("portal search stopped at page cap",
		zap.Int("max_pages", c.opts.MaxPages),
		zap.Int("rows", len(all)),
	)
	return all, nil
}

// ResolveDownloadURL returns the artifact URL for an upload info id. The
// instance view endpoint is the only valid download path.
func (c *Client) ResolveDownloadURL(uploadInfoID string) string {
	return c.opts.InstanceURL + "?instanceid=" + url.QueryEscape(uploadInfoID)
}

func (c *Client) fetchPage(ctx context.Context, reqURL string) (*listResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "portal: rate limiter wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "portal: create request")
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", "application/json, text/javascript, */*")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "portal: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "portal: read body"), 0)
	}

	if resp.StatusCode != http.StatusOK {
		perr := &model.PortalError{Status: resp.StatusCode, Snippet: snippet(body)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.NewTransientError(perr, resp.StatusCode)
		}
		return nil, perr
	}

	var out listResponse
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, &model.PortalError{Status: resp.StatusCode, Snippet: snippet(body)}
	}
	return &out, nil
}

// mapRow converts a raw aaData row into a ReportRef. The portal is loose
// about value types (numeric ids arrive as numbers), so everything goes
// through a stringifier.
func mapRow(raw map[string]any) model.ReportRef {
	return model.ReportRef{
		UploadInfoID:     str(raw["uploadInfoId"]),
		FundCode:         str(raw["fundCode"]),
		FundShortName:    str(raw["fundShortName"]),
		OrganizationName: str(raw["organName"]),
		ReportSendDate:   str(raw["reportSendDate"]),
		ReportDesc:       str(raw["reportDesp"]),
	}
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}

func snippet(body []byte) string {
	const maxLen = 200
	s := strings.TrimSpace(string(body))
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}
