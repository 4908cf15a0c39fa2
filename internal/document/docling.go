// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package document normalizes converted papers into pages of addressable
// boxes and renders them for prompting. Box ids are assigned from a counter
// starting at 1 in body reading order, so the same conversion output always
// yields the same ids.
package document

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// ConverterDocling names documents produced from DoclingDocument JSON.
const ConverterDocling = "docling"

const imagePlaceholder = "<!-- image -->"

type doclingRef struct {
	Ref string `json:"$ref"`
}

type doclingBBox struct {
	L           float64 `json:"l"`
	T           float64 `json:"t"`
	R           float64 `json:"r"`
	B           float64 `json:"b"`
	CoordOrigin string  `json:"coord_origin"`
}

type doclingProv struct {
	PageNo int         `json:"page_no"`
	BBox   doclingBBox `json:"bbox"`
}

type doclingCell struct {
	Text string `json:"text"`
}

type doclingTableData struct {
	Grid [][]doclingCell `json:"grid"`
}

type doclingNode struct {
	SelfRef      string            `json:"self_ref"`
	Children     []doclingRef      `json:"children"`
	Captions     []doclingRef      `json:"captions"`
	ContentLayer string            `json:"content_layer"`
	Label        string            `json:"label"`
	Text         string            `json:"text"`
	Level        int               `json:"level"`
	Marker       string            `json:"marker"`
	Prov         []doclingProv     `json:"prov"`
	Data         *doclingTableData `json:"data"`
}

type doclingPage struct {
	PageNo int `json:"page_no"`
	Size   struct {
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"size"`
}

type doclingDocument struct {
	SchemaName string                 `json:"schema_name"`
	Body       doclingNode            `json:"body"`
	Groups     []doclingNode          `json:"groups"`
	Texts      []doclingNode          `json:"texts"`
	Tables     []doclingNode          `json:"tables"`
	Pictures   []doclingNode          `json:"pictures"`
	Pages      map[string]doclingPage `json:"pages"`
}

// ParseDocling converts a DoclingDocument JSON payload into a Document.
// Items in the furniture layer (running headers, footers) are skipped, and
// items whose rendering is placeholder-only receive no box.
func ParseDocling(payload []byte) (*types.Document, error) {
	var dd doclingDocument
	if err := json.Unmarshal(payload, &dd); err != nil {
		return nil, fmt.Errorf("decoding docling document: %w", err)
	}
	if dd.SchemaName != "" && dd.SchemaName != "DoclingDocument" {
		return nil, fmt.Errorf("unexpected docling schema %q", dd.SchemaName)
	}

	s := &serializer{
		doc:     &dd,
		visited: make(map[string]bool),
		pages:   make(map[int]*types.Page),
		nextID:  1,
	}
	for no, p := range dd.Pages {
		n := p.PageNo
		if n == 0 {
			n, _ = strconv.Atoi(no)
		}
		s.pages[n] = &types.Page{Number: n, Width: p.Size.Width, Height: p.Size.Height}
	}

	if err := s.walk(dd.Body.Children); err != nil {
		return nil, err
	}

	doc := &types.Document{
		Converter: ConverterDocling,
		Body:      s.body,
		Pages:     s.orderedPages(),
		CreatedAt: time.Now().UTC(),
	}
	doc.Fingerprint = Fingerprint(doc)
	return doc, nil
}

type serializer struct {
	doc     *doclingDocument
	visited map[string]bool
	pages   map[int]*types.Page
	body    []types.Segment
	nextID  int
}

func (s *serializer) resolve(ref string) (*doclingNode, error) {
	parts := strings.Split(strings.TrimPrefix(ref, "#/"), "/")
	if len(parts) != 2 {
		return nil, fmt.Errorf("unsupported docling reference %q", ref)
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("bad docling reference %q: %w", ref, err)
	}

	var list []doclingNode
	switch parts[0] {
	case "texts":
		list = s.doc.Texts
	case "groups":
		list = s.doc.Groups
	case "tables":
		list = s.doc.Tables
	case "pictures":
		list = s.doc.Pictures
	default:
		return nil, fmt.Errorf("unsupported docling collection %q", parts[0])
	}
	if idx < 0 || idx >= len(list) {
		return nil, fmt.Errorf("docling reference %q out of range", ref)
	}
	return &list[idx], nil
}

func (s *serializer) walk(children []doclingRef) error {
	for _, c := range children {
		if s.visited[c.Ref] {
			continue
		}
		s.visited[c.Ref] = true

		node, err := s.resolve(c.Ref)
		if err != nil {
			return err
		}
		if node.ContentLayer == "furniture" {
			continue
		}

		text, err := s.render(node, c.Ref)
		if err != nil {
			return err
		}
		s.emit(node, text)

		if err := s.walk(node.Children); err != nil {
			return err
		}
	}
	return nil
}

func (s *serializer) render(node *doclingNode, ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "#/groups/"):
		return "", nil
	case strings.HasPrefix(ref, "#/tables/"):
		caption, err := s.captions(node)
		if err != nil {
			return "", err
		}
		return joinNonEmpty(caption, renderTable(node.Data)), nil
	case strings.HasPrefix(ref, "#/pictures/"):
		caption, err := s.captions(node)
		if err != nil {
			return "", err
		}
		return joinNonEmpty(caption, imagePlaceholder), nil
	}

	text := strings.TrimSpace(node.Text)
	if text == "" {
		return "", nil
	}
	switch node.Label {
	case "page_header", "page_footer":
		return "", nil
	case "title":
		return "# " + text, nil
	case "section_header":
		level := node.Level
		if level < 1 {
			level = 1
		}
		return strings.Repeat("#", level+1) + " " + text, nil
	case "list_item":
		marker := node.Marker
		if marker == "" {
			marker = "-"
		}
		return marker + " " + text, nil
	case "code":
		return "```\n" + text + "\n```", nil
	}
	return text, nil
}

// captions renders caption texts and marks them visited so the body walk
// does not emit them twice.
func (s *serializer) captions(node *doclingNode) (string, error) {
	var parts []string
	for _, c := range node.Captions {
		s.visited[c.Ref] = true
		cn, err := s.resolve(c.Ref)
		if err != nil {
			return "", err
		}
		if t := strings.TrimSpace(cn.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}

var commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)

// placeholderOnly reports whether text has no content outside HTML comments.
func placeholderOnly(text string) bool {
	return strings.TrimSpace(commentRe.ReplaceAllString(text, "")) == ""
}

func (s *serializer) emit(node *doclingNode, text string) {
	if text == "" || placeholderOnly(text) {
		return
	}
	if len(node.Prov) == 0 {
		s.body = append(s.body, types.Segment{Text: text})
		return
	}

	prov := node.Prov[0]
	box := types.Box{
		ID:   s.nextID,
		Page: prov.PageNo,
		Region: types.Region{
			L:      prov.BBox.L,
			T:      prov.BBox.T,
			R:      prov.BBox.R,
			B:      prov.BBox.B,
			Origin: originOf(prov.BBox.CoordOrigin),
		},
		Label: node.Label,
		Text:  text,
	}
	s.nextID++

	page, ok := s.pages[box.Page]
	if !ok {
		page = &types.Page{Number: box.Page}
		s.pages[box.Page] = page
	}
	page.Boxes = append(page.Boxes, box)
	s.body = append(s.body, types.Segment{BoxID: box.ID, Text: text})
}

func (s *serializer) orderedPages() []types.Page {
	numbers := make([]int, 0, len(s.pages))
	for n := range s.pages {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	pages := make([]types.Page, 0, len(numbers))
	for _, n := range numbers {
		pages = append(pages, *s.pages[n])
	}
	return pages
}

func originOf(s string) types.CoordOrigin {
	// docling serializes the enum either as "BOTTOMLEFT" or "CoordOrigin.BOTTOMLEFT".
	s = strings.TrimPrefix(strings.ToUpper(s), "COORDORIGIN.")
	switch s {
	case string(types.OriginBottomLeft):
		return types.OriginBottomLeft
	case string(types.OriginTopLeft):
		return types.OriginTopLeft
	}
	return ""
}

func renderTable(data *doclingTableData) string {
	if data == nil || len(data.Grid) == 0 {
		return ""
	}
	var b strings.Builder
	for i, row := range data.Grid {
		cells := make([]string, len(row))
		for j, c := range row {
			cells[j] = strings.ReplaceAll(strings.TrimSpace(c.Text), "|", `\|`)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			sep := make([]string, len(row))
			for j := range sep {
				sep[j] = "---"
			}
			b.WriteString("| " + strings.Join(sep, " | ") + " |\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
