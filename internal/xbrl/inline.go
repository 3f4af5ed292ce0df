package xbrl

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ExtractInline locates the XBRL subtree embedded in an inline-XBRL HTML
// document and serializes it as standalone UTF-8 XML. The first element
// whose local name is "xbrl" under <body> wins; if none is found there,
// the whole document is searched. Returns ok=false when no subtree exists.
func ExtractInline(content []byte) ([]byte, bool) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return nil, false
	}

	node := findXbrlNode(doc.Find("body *"))
	if node == nil {
		node = findXbrlNode(doc.Find("*"))
	}
	if node == nil {
		return nil, false
	}

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	if err := html.Render(&buf, node); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func findXbrlNode(sel *goquery.Selection) *html.Node {
	var found *html.Node
	sel.EachWithBreak(func(_ int, s *goquery.Selection) bool {
		n := s.Get(0)
		if n.Type == html.ElementNode && localName(n.Data) == "xbrl" {
			found = n
			return false
		}
		return true
	})
	return found
}

func localName(tag string) string {
	if i := strings.LastIndex(tag, ":"); i >= 0 {
		return tag[i+1:]
	}
	return tag
}
