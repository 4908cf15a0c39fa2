// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package convert

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/pdiddy/evidence-engine/internal/document"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// ConverterTextLayer names documents built from the embedded text layer.
const ConverterTextLayer = "textlayer"

// TextLayer builds boxes from the PDF's embedded text without layout
// analysis. Consecutive text rows separated by less than blockGap line
// heights form one box. It needs no external service, at the cost of
// coarser boxes than docling.
type TextLayer struct{}

const (
	blockGap = 0.8

	// defaultLineHeight applies when the text layer reports no font size.
	defaultLineHeight = 12.0
)

func (TextLayer) Name() string { return ConverterTextLayer }

type line struct {
	text            string
	l, r, top, base float64
	size            float64
}

func (TextLayer) Convert(ctx context.Context, pdfPath string) (*types.Document, error) {
	f, r, err := pdf.Open(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", pdfPath, err)
	}
	defer f.Close()

	doc := &types.Document{Converter: ConverterTextLayer, CreatedAt: time.Now().UTC()}
	nextID := 1
	for n := 1; n <= r.NumPage(); n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := r.Page(n)
		if p.V.IsNull() {
			continue
		}
		page := types.Page{Number: n}
		page.Width, page.Height = mediaBox(p)

		rows, err := p.GetTextByRow()
		if err != nil {
			return nil, fmt.Errorf("reading text of page %d: %w", n, err)
		}
		for _, blk := range blocks(lines(rows)) {
			box := types.Box{
				ID:     nextID,
				Page:   n,
				Label:  "text",
				Text:   blk.text,
				Region: types.Region{L: blk.l, T: blk.top, R: blk.r, B: blk.base, Origin: types.OriginBottomLeft},
			}
			nextID++
			page.Boxes = append(page.Boxes, box)
			doc.Body = append(doc.Body, types.Segment{BoxID: box.ID, Text: box.Text})
		}
		doc.Pages = append(doc.Pages, page)
	}

	doc.Fingerprint = document.Fingerprint(doc)
	return doc, nil
}

func mediaBox(p pdf.Page) (float64, float64) {
	box := p.V.Key("MediaBox")
	for parent := p.V.Key("Parent"); box.IsNull() && !parent.IsNull(); parent = parent.Key("Parent") {
		box = parent.Key("MediaBox")
	}
	if box.Len() != 4 {
		return 0, 0
	}
	return box.Index(2).Float64() - box.Index(0).Float64(), box.Index(3).Float64() - box.Index(1).Float64()
}

// lines joins the glyph runs of each row into text with its extent,
// top row first.
func lines(rows pdf.Rows) []line {
	out := make([]line, 0, len(rows))
	for _, row := range rows {
		if len(row.Content) == 0 {
			continue
		}
		texts := append(pdf.TextHorizontal(nil), row.Content...)
		sort.Sort(texts)

		var b strings.Builder
		ln := line{l: math.Inf(1), r: math.Inf(-1), base: math.Inf(1)}
		prevEnd := math.NaN()
		for _, t := range texts {
			if !math.IsNaN(prevEnd) && t.X-prevEnd > t.FontSize*0.15 && !strings.HasSuffix(b.String(), " ") {
				b.WriteByte(' ')
			}
			b.WriteString(t.S)
			prevEnd = t.X + t.W
			ln.l = math.Min(ln.l, t.X)
			ln.r = math.Max(ln.r, t.X+t.W)
			ln.base = math.Min(ln.base, t.Y)
			ln.size = math.Max(ln.size, t.FontSize)
		}
		ln.text = strings.Join(strings.Fields(b.String()), " ")
		if ln.text == "" {
			continue
		}
		if ln.size <= 0 {
			ln.size = defaultLineHeight
		}
		if ln.r <= ln.l {
			ln.r = ln.l + float64(len(ln.text))*ln.size/2
		}
		ln.top = ln.base + ln.size
		out = append(out, ln)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].base > out[j].base })
	return out
}

// blocks merges vertically adjacent lines into paragraphs.
func blocks(ls []line) []line {
	var out []line
	for _, ln := range ls {
		if n := len(out); n > 0 {
			cur := &out[n-1]
			if cur.base-ln.top < blockGap*ln.size && cur.base > ln.base {
				cur.text += " " + ln.text
				cur.l = math.Min(cur.l, ln.l)
				cur.r = math.Max(cur.r, ln.r)
				cur.base = ln.base
				cur.size = math.Max(cur.size, ln.size)
				continue
			}
		}
		out = append(out, ln)
	}
	return out
}
