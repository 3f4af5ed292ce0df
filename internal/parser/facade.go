package parser

import (
	"bytes"
	"context"
	"os"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/fundlab/fundreport-cli/internal/model"
	"github.com/fundlab/fundreport-cli/internal/taxonomy"
	"github.com/fundlab/fundreport-cli/internal/xbrl"
)

// Engine routes a report artifact through the extraction paths in fixed
// order: the detected structured format first, then the HTML fallback,
// then the LLM slot when one is configured. Every attempt is recorded in
// the result whether or not it succeeded.
type Engine struct {
	taxonomies *taxonomy.Manager
	mapper     *taxonomy.Mapper
	html       *HTMLParser
	llm        *LLMExtractor
}

// NewEngine builds a parser engine. llm may be nil, which leaves the LLM
// slot in the fallback order permanently skipped.
func NewEngine(taxonomies *taxonomy.Manager, mapper *taxonomy.Mapper, llm *LLMExtractor) *Engine {
	return &Engine{
		taxonomies: taxonomies,
		mapper:     mapper,
		html:       NewHTMLParser(),
		llm:        llm,
	}
}

// ParseFile reads and parses an artifact from disk. The returned error
// covers I/O only; parse failures are reported inside the ParseResult.
func (e *Engine) ParseFile(ctx context.Context, path string, ref *model.ReportRef) (*model.ParseResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "parser: read artifact %s", path)
	}
	return e.Parse(ctx, content, path, ref), nil
}

// Parse classifies the content and runs the fallback chain. It never
// returns an error: an unparseable artifact yields a failure ParseResult
// carrying the ordered attempts and their error kinds.
func (e *Engine) Parse(ctx context.Context, content []byte, pathHint string, ref *model.ReportRef) *model.ParseResult {
	result := &model.ParseResult{}

	content, encoding := normalizeCharset(content)
	if encoding != "utf-8" {
		result.Warnings = append(result.Warnings, "artifact transcoded from "+encoding)
	}

	det := DetectFormat(content, pathHint)
	zap.L().Debug("artifact format detected",
		zap.String("format", string(det.Format)),
		zap.Float64("confidence", det.Confidence),
		zap.String("path", pathHint),
	)

	switch det.Format {
	case FormatIXBRL:
		if inner, ok := xbrl.ExtractInline(content); ok {
			if e.tryXBRL(result, model.ParserIXBRL, inner, ref) {
				return finish(result)
			}
		} else {
			record(result, model.ParserIXBRL,
				&model.ParseError{Kind: model.ParserIXBRL, Err: eris.New("parser: no xbrl subtree in inline document")})
		}
	case FormatXBRL:
		if e.tryXBRL(result, model.ParserXBRL, content, ref) {
			return finish(result)
		}
	default:
		// Some portals serve bare XBRL with no recognizable markers.
		if det.Format == FormatUnknown && looksLikeXML(content) {
			if e.tryXBRL(result, model.ParserXBRL, content, ref) {
				return finish(result)
			}
		}
	}

	// The deterministic paths never poll the context, so the parse budget
	// is checked between attempts: an expired context ends the chain with
	// a TIMEOUT (or CANCELLED) attempt instead of starting the next path.
	if err := ctx.Err(); err != nil {
		record(result, model.ParserHTML, err)
		return finish(result)
	}

	if report, err := e.html.Parse(content, ref); err == nil {
		record(result, model.ParserHTML, nil)
		result.Success = true
		result.Report = report
		return finish(result)
	} else {
		record(result, model.ParserHTML, err)
	}

	if e.llm.Enabled() {
		if err := ctx.Err(); err != nil {
			record(result, model.ParserLLM, err)
			return finish(result)
		}
		if report, err := e.llm.Extract(ctx, content, ref); err == nil {
			record(result, model.ParserLLM, nil)
			result.Success = true
			result.Report = report
			return finish(result)
		} else {
			record(result, model.ParserLLM, err)
		}
	}

	return finish(result)
}

// tryXBRL runs extract → taxonomy select → map and records the attempt
// under the given kind (XBRL, or iXBRL for the unwrap path).
func (e *Engine) tryXBRL(result *model.ParseResult, kind model.ParserKind, content []byte, ref *model.ReportRef) bool {
	doc, err := xbrl.Extract(content)
	if err != nil {
		record(result, kind, err)
		return false
	}

	version := e.taxonomies.SelectVersion(doc.SchemaRefs)
	tax, err := e.taxonomies.Load(version)
	if err != nil {
		// Mapping still works without labels; industry members fall back
		// to their local names.
		result.Warnings = append(result.Warnings, "taxonomy "+version+" unavailable")
		zap.L().Warn("taxonomy load failed", zap.String("version", version), zap.Error(err))
		tax = nil
	}

	report, err := e.mapper.Map(doc, tax, version, ref)
	if err != nil {
		record(result, kind, err)
		return false
	}

	record(result, kind, nil)
	result.Success = true
	result.Report = report
	return true
}

func record(result *model.ParseResult, kind model.ParserKind, err error) {
	attempt := model.ParseAttempt{Kind: kind, Outcome: "ok"}
	if err != nil {
		attempt.Outcome = model.ErrorKind(err)
		attempt.Detail = err.Error()
	}
	result.Attempted = append(result.Attempted, attempt)
}

func finish(result *model.ParseResult) *model.ParseResult {
	if result.Report != nil {
		result.Warnings = append(result.Warnings, result.Report.Warnings...)
	}
	return result
}

// normalizeCharset returns the content as UTF-8. Portal artifacts come in
// UTF-8 or GB18030 (a superset of GB2312/GBK); anything that is not valid
// UTF-8 is transcoded.
func normalizeCharset(content []byte) ([]byte, string) {
	content = bytes.TrimPrefix(content, []byte{0xEF, 0xBB, 0xBF})
	if utf8.Valid(content) {
		return content, "utf-8"
	}
	decoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewDecoder(), content)
	if err != nil || !utf8.Valid(decoded) {
		return content, "utf-8"
	}
	return decoded, "gb18030"
}
