package xbrl

import (
	"bytes"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/fundlab/fundreport-cli/internal/model"
)

// Fact is a single tagged value from an XBRL instance.
type Fact struct {
	ConceptID  string
	Value      string
	ContextRef string
	UnitRef    string
	Decimals   string
}

// Period is an XBRL reporting period, either an instant or a duration.
type Period struct {
	Instant   string
	StartDate string
	EndDate   string
}

// Context binds facts to an entity, a period, and dimension members.
type Context struct {
	ID               string
	EntityIdentifier string
	Period           Period
	Dimensions       map[string]string
}

// Unit is a measurement unit referenced by numeric facts.
type Unit struct {
	ID      string
	Measure string
}

// Document is the extracted content of one XBRL instance.
type Document struct {
	Facts      []Fact
	Contexts   map[string]Context
	Units      map[string]Unit
	SchemaRefs []string
}

// FactsByContext groups the document's facts by context ref.
func (d *Document) FactsByContext() map[string][]Fact {
	groups := make(map[string][]Fact)
	for _, f := range d.Facts {
		groups[f.ContextRef] = append(groups[f.ContextRef], f)
	}
	return groups
}

// structural elements are never facts even when oddly attributed.
var structuralElements = map[string]bool{
	"xbrl":        true,
	"context":     true,
	"unit":        true,
	"schemaref":   true,
	"linkbaseref": true,
	"roleref":     true,
	"arcroleref":  true,
	"annotation":  true,
	"appinfo":     true,
}

// Extract parses XBRL bytes into facts, contexts, and units. Every element
// carrying a contextRef is surfaced as a fact; nothing is filtered by
// concept. Attribute names are matched case-insensitively because
// inline-XBRL subtrees arrive HTML-lowercased.
func Extract(content []byte) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = charsetReader

	doc := &Document{
		Contexts: make(map[string]Context),
		Units:    make(map[string]Unit),
	}
	nsPrefix := make(map[string]string) // namespace URI -> declared prefix
	sawRoot := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &model.ParseError{Kind: model.ParserXBRL, Err: eris.Wrap(err, "xbrl: read token")}
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		sawRoot = true
		recordNamespaces(start, nsPrefix)

		local := strings.ToLower(start.Name.Local)
		switch {
		case local == "context":
			ctx, err := parseContext(dec, start)
			if err != nil {
				return nil, err
			}
			doc.Contexts[ctx.ID] = ctx
		case local == "unit":
			unit, err := parseUnit(dec, start)
			if err != nil {
				return nil, err
			}
			doc.Units[unit.ID] = unit
		case local == "schemaref":
			if href := attr(start, "href"); href != "" {
				doc.SchemaRefs = append(doc.SchemaRefs, href)
			}
		case structuralElements[local]:
			// Container; descend into children.
		default:
			ctxRef := attr(start, "contextref")
			if ctxRef == "" {
				continue
			}
			value, err := collectText(dec, start)
			if err != nil {
				return nil, err
			}
			doc.Facts = append(doc.Facts, Fact{
				ConceptID:  qualify(start.Name, nsPrefix),
				Value:      strings.TrimSpace(value),
				ContextRef: ctxRef,
				UnitRef:    attr(start, "unitref"),
				Decimals:   attr(start, "decimals"),
			})
		}
	}

	if !sawRoot {
		return nil, &model.ParseError{Kind: model.ParserXBRL, Err: eris.New("xbrl: no elements found")}
	}
	return doc, nil
}

func parseContext(dec *xml.Decoder, start xml.StartElement) (Context, error) {
	ctx := Context{
		ID:         attr(start, "id"),
		Dimensions: make(map[string]string),
	}

	var current string
	var dimension string
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return ctx, &model.ParseError{Kind: model.ParserXBRL, Err: eris.Wrap(err, "xbrl: parse context")}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			current = strings.ToLower(t.Name.Local)
			if current == "explicitmember" {
				dimension = attr(t, "dimension")
			}
		case xml.EndElement:
			depth--
			current = ""
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			switch current {
			case "identifier":
				ctx.EntityIdentifier = text
			case "instant":
				ctx.Period.Instant = text
			case "startdate":
				ctx.Period.StartDate = text
			case "enddate":
				ctx.Period.EndDate = text
			case "explicitmember":
				if dimension != "" {
					ctx.Dimensions[dimension] = text
				}
			}
		}
	}
	return ctx, nil
}

func parseUnit(dec *xml.Decoder, start xml.StartElement) (Unit, error) {
	unit := Unit{ID: attr(start, "id")}

	var current string
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return unit, &model.ParseError{Kind: model.ParserXBRL, Err: eris.Wrap(err, "xbrl: parse unit")}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			current = strings.ToLower(t.Name.Local)
		case xml.EndElement:
			depth--
			current = ""
		case xml.CharData:
			if current == "measure" && unit.Measure == "" {
				unit.Measure = strings.TrimSpace(string(t))
			}
		}
	}
	return unit, nil
}

// collectText consumes tokens until the matching end element, returning
// the concatenated character data of the subtree.
func collectText(dec *xml.Decoder, start xml.StartElement) (string, error) {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return "", &model.ParseError{Kind: model.ParserXBRL, Err: eris.Wrapf(err, "xbrl: read value of %s", start.Name.Local)}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			sb.Write(t)
		}
	}
	return sb.String(), nil
}

// recordNamespaces captures xmlns declarations so concept ids can keep
// their document prefix even though the decoder resolves names to URIs.
func recordNamespaces(start xml.StartElement, nsPrefix map[string]string) {
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" {
			nsPrefix[a.Value] = a.Name.Local
		}
	}
}

// qualify renders an element name as prefix:local, falling back to the
// bare local name when no prefix is known.
func qualify(n xml.Name, nsPrefix map[string]string) string {
	if n.Space == "" {
		return n.Local
	}
	if strings.Contains(n.Space, "://") {
		if p, ok := nsPrefix[n.Space]; ok {
			return p + ":" + n.Local
		}
		return n.Local
	}
	// Undeclared prefix: the decoder leaves it in Space verbatim.
	return n.Space + ":" + n.Local
}

// attr returns the named attribute matched case-insensitively.
func attr(start xml.StartElement, name string) string {
	for _, a := range start.Attr {
		if strings.EqualFold(a.Name.Local, name) {
			return a.Value
		}
	}
	return ""
}

// charsetReader tolerates the encodings seen in portal artifacts.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "", "utf-8", "utf8":
		return input, nil
	case "gbk", "gb2312", "gb18030":
		return simplifiedchinese.GB18030.NewDecoder().Reader(input), nil
	default:
		return input, nil
	}
}
