package taxonomy

import (
	"encoding/xml"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ConceptMeta describes one taxonomy element.
type ConceptMeta struct {
	ID                string
	Name              string
	DataType          string
	SubstitutionGroup string
	Abstract          bool
	PeriodType        string
	LabelZH           string
}

// Taxonomy is one loaded taxonomy version: every schema element indexed by
// id and by qualified name, with Chinese labels merged in from the label
// linkbases. Immutable after load.
type Taxonomy struct {
	Version string
	byID    map[string]*ConceptMeta
	byName  map[string]*ConceptMeta
}

// Get resolves a concept by element id or qualified name, matched
// case-insensitively.
func (t *Taxonomy) Get(conceptID string) *ConceptMeta {
	key := strings.ToLower(conceptID)
	if m, ok := t.byID[key]; ok {
		return m
	}
	return t.byName[key]
}

// SearchByLabel returns every concept whose Chinese label contains the
// substring.
func (t *Taxonomy) SearchByLabel(substring string) []*ConceptMeta {
	var out []*ConceptMeta
	seen := make(map[*ConceptMeta]bool)
	for _, m := range t.byID {
		if !seen[m] && m.LabelZH != "" && strings.Contains(m.LabelZH, substring) {
			out = append(out, m)
			seen[m] = true
		}
	}
	return out
}

// Len returns the number of distinct concepts.
func (t *Taxonomy) Len() int { return len(t.byID) }

// versionPatterns map schemaRef fragments onto taxonomy versions. First
// match wins.
var versionPatterns = []struct {
	re      *regexp.Regexp
	version string
}{
	{regexp.MustCompile(`csrc-mf-general`), "csrc_v2.1"},
	{regexp.MustCompile(`csrc-fund`), "csrc_v2.1"},
	{regexp.MustCompile(`csrc-mf`), "csrc_v2.1"},
}

// Manager loads and caches taxonomies by version. The cache is process
// wide; duplicate concurrent loads of the same version are collapsed.
type Manager struct {
	rootDir        string
	defaultVersion string

	mu    sync.Mutex
	cache map[string]*Taxonomy
}

// NewManager creates a Manager rooted at rootDir, which holds one
// subdirectory of .xsd and *_lab.xml files per version.
func NewManager(rootDir, defaultVersion string) *Manager {
	if defaultVersion == "" {
		defaultVersion = "default"
	}
	return &Manager{
		rootDir:        rootDir,
		defaultVersion: defaultVersion,
		cache:          make(map[string]*Taxonomy),
	}
}

// DefaultVersion returns the fallback version identifier.
func (m *Manager) DefaultVersion() string { return m.defaultVersion }

// SelectVersion derives the taxonomy version from a report's schemaRef
// hrefs, falling back to the configured default.
func (m *Manager) SelectVersion(schemaRefs []string) string {
	for _, href := range schemaRefs {
		for _, p := range versionPatterns {
			if p.re.MatchString(href) {
				return p.version
			}
		}
	}
	return m.defaultVersion
}

// Load returns the taxonomy for a version, loading and caching it on
// first use.
func (m *Manager) Load(version string) (*Taxonomy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tax, ok := m.cache[version]; ok {
		return tax, nil
	}

	dir := filepath.Join(m.rootDir, version)
	tax, err := loadDir(dir, version)
	if err != nil {
		return nil, err
	}
	m.cache[version] = tax
	zap.L().Info("taxonomy loaded",
		zap.String("version", version),
		zap.Int("concepts", tax.Len()),
	)
	return tax, nil
}

func loadDir(dir, version string) (*Taxonomy, error) {
	tax := &Taxonomy{
		Version: version,
		byID:    make(map[string]*ConceptMeta),
		byName:  make(map[string]*ConceptMeta),
	}

	labels := make(map[string]string) // element id -> zh label
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		switch {
		case strings.HasSuffix(name, ".xsd"):
			return indexSchema(path, tax)
		case strings.HasSuffix(name, "_lab.xml"):
			return indexLabels(path, labels)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: load %s", dir)
	}
	if tax.Len() == 0 {
		return nil, eris.Errorf("taxonomy: no schema elements under %s", dir)
	}

	for id, label := range labels {
		if m, ok := tax.byID[strings.ToLower(id)]; ok {
			m.LabelZH = label
		}
	}
	return tax, nil
}

// indexSchema pulls every xs:element from one schema file.
func indexSchema(path string, tax *Taxonomy) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(err, "taxonomy: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	targetPrefix := schemaPrefix(path)

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return eris.Wrapf(err, "taxonomy: parse %s", path)
		}
		start, ok := tok.(xml.StartElement)
		if !ok || strings.ToLower(start.Name.Local) != "element" {
			continue
		}

		meta := &ConceptMeta{}
		for _, a := range start.Attr {
			switch strings.ToLower(a.Name.Local) {
			case "id":
				meta.ID = a.Value
			case "name":
				meta.Name = a.Value
			case "type":
				meta.DataType = a.Value
			case "substitutiongroup":
				meta.SubstitutionGroup = a.Value
			case "abstract":
				meta.Abstract = a.Value == "true"
			case "periodtype":
				meta.PeriodType = a.Value
			}
		}
		if meta.Name == "" {
			continue
		}
		if meta.ID == "" {
			meta.ID = meta.Name
		}
		tax.byID[strings.ToLower(meta.ID)] = meta
		tax.byName[strings.ToLower(meta.Name)] = meta
		if targetPrefix != "" {
			tax.byName[strings.ToLower(targetPrefix+":"+meta.Name)] = meta
		}
	}
	return nil
}

// schemaPrefix guesses the concept prefix from the schema filename, e.g.
// csrc-mf.xsd -> csrc-mf.
func schemaPrefix(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// label linkbase structures: loc anchors schema elements, labelArc links
// a loc to a label resource through xlink label handles.
type linkbase struct {
	Locs   []loc      `xml:"labelLink>loc"`
	Labels []label    `xml:"labelLink>label"`
	Arcs   []labelArc `xml:"labelLink>labelArc"`
}

type loc struct {
	Href  string `xml:"href,attr"`
	Label string `xml:"label,attr"`
}

type label struct {
	Label string `xml:"label,attr"`
	Lang  string `xml:"lang,attr"`
	Text  string `xml:",chardata"`
}

type labelArc struct {
	From string `xml:"from,attr"`
	To   string `xml:"to,attr"`
}

// indexLabels resolves loc -> labelArc -> label into element-id -> zh text.
func indexLabels(path string, out map[string]string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "taxonomy: read %s", path)
	}

	var lb linkbase
	if err := xml.Unmarshal(raw, &lb); err != nil {
		return eris.Wrapf(err, "taxonomy: parse linkbase %s", path)
	}

	elementByLoc := make(map[string]string, len(lb.Locs))
	for _, l := range lb.Locs {
		if i := strings.Index(l.Href, "#"); i >= 0 {
			elementByLoc[l.Label] = l.Href[i+1:]
		}
	}
	textByLabel := make(map[string]string, len(lb.Labels))
	for _, l := range lb.Labels {
		if l.Lang == "" || strings.HasPrefix(strings.ToLower(l.Lang), "zh") {
			textByLabel[l.Label] = strings.TrimSpace(l.Text)
		}
	}
	for _, arc := range lb.Arcs {
		elementID, ok := elementByLoc[arc.From]
		if !ok {
			continue
		}
		if text, ok := textByLabel[arc.To]; ok && text != "" {
			out[elementID] = text
		}
	}
	return nil
}
