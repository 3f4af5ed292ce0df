package parser

import (
	"bytes"
	"regexp"
	"strings"
)

// Format classifies a report artifact's encoding.
type Format string

const (
	FormatXBRL    Format = "XBRL"
	FormatIXBRL   Format = "iXBRL"
	FormatHTML    Format = "HTML"
	FormatUnknown Format = "UNKNOWN"
)

// detectWindow bounds how much of the artifact the detector examines.
const detectWindow = 128 << 10

var (
	xmlDeclRe   = regexp.MustCompile(`(?i)^\s*<\?xml`)
	xbrlRootRe  = regexp.MustCompile(`(?i)<(\w+:)?xbrl[\s>]`)
	xbrlNsRe    = regexp.MustCompile(`(?i)xmlns(:\w+)?\s*=\s*["']http://www\.xbrl\.org/`)
	xbrliRe     = regexp.MustCompile(`(?i)<xbrli:`)
	htmlRootRe  = regexp.MustCompile(`(?i)<html[\s>]`)
	doctypeRe   = regexp.MustCompile(`(?i)<!DOCTYPE\s+html`)
	ixPrefixRe  = regexp.MustCompile(`(?i)<ix:\w+`)
	ixNsRe      = regexp.MustCompile(`(?i)xmlns:ix\s*=\s*["']http://www\.xbrl\.org/\d+/inlineXBRL`)
	htmlTableRe = regexp.MustCompile(`(?i)<table[\s>]`)
)

// fundKeywords are disclosure phrases that mark an HTML page as a fund
// report rather than a portal error page.
var fundKeywords = []string{
	"基金", "净值", "资产", "持仓", "报告", "投资组合", "管理人",
}

// Detection is the detector's classification with its confidence.
type Detection struct {
	Format     Format
	Confidence float64
}

// DetectFormat classifies raw report bytes. Signals for each format are
// scored independently; the highest score wins with ties broken in favor
// of iXBRL over XBRL over HTML. Never errors: unclassifiable input is
// reported as UNKNOWN.
func DetectFormat(content []byte, pathHint string) Detection {
	if len(content) > detectWindow {
		content = content[:detectWindow]
	}
	text := string(content)

	hasHTML := htmlRootRe.MatchString(text) || doctypeRe.MatchString(text)
	hasXbrlElement := xbrlRootRe.MatchString(text)

	var xbrl, ixbrl, html float64

	// Plain XBRL: an xbrl root (or xbrl namespaces) with no HTML container.
	if !hasHTML {
		if hasXbrlElement {
			xbrl += 0.5
		}
		if xbrlNsRe.MatchString(text) {
			xbrl += 0.3
		}
		if xbrliRe.MatchString(text) {
			xbrl += 0.2
		}
		if xmlDeclRe.MatchString(text) && xbrl > 0 {
			xbrl += 0.1
		}
	}

	// Inline XBRL: an HTML container carrying ix: markup or an embedded
	// xbrl subtree.
	if hasHTML {
		if ixPrefixRe.MatchString(text) || ixNsRe.MatchString(text) {
			ixbrl += 0.6
		}
		if hasXbrlElement {
			ixbrl += 0.4
		}
	}

	// Plain HTML.
	if hasHTML {
		html += 0.4
		if htmlTableRe.MatchString(text) {
			html += 0.2
		}
		html += keywordScore(text)
	}

	if strings.HasSuffix(strings.ToLower(pathHint), ".xml") && xbrl > 0 {
		xbrl += 0.1
	}

	best := Detection{Format: FormatUnknown}
	// Order encodes the tie-break preference.
	for _, cand := range []Detection{
		{FormatIXBRL, clamp(ixbrl)},
		{FormatXBRL, clamp(xbrl)},
		{FormatHTML, clamp(html)},
	} {
		if cand.Confidence > best.Confidence {
			best = cand
		}
	}
	return best
}

func keywordScore(text string) float64 {
	score := 0.0
	for _, kw := range fundKeywords {
		if strings.Contains(text, kw) {
			score += 0.05
		}
	}
	if score > 0.3 {
		score = 0.3
	}
	return score
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

// looksLikeXML reports whether content starts with an XML declaration or
// element after optional BOM and whitespace.
func looksLikeXML(content []byte) bool {
	content = bytes.TrimPrefix(content, []byte{0xEF, 0xBB, 0xBF})
	content = bytes.TrimLeft(content, " \t\r\n")
	return len(content) > 0 && content[0] == '<'
}
