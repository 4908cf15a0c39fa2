// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package document

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultMaxChars is the rendered-document limit: 60k tokens at roughly
// four characters per token.
const DefaultMaxChars = 60000 * 4

// TruncationNote is appended to documents cut at the character limit.
const TruncationNote = "\n\n[NOTE: This paper was truncated due to length.]"

// Index is the flattened box_id → box lookup for one document.
type Index struct {
	boxes map[int]types.Box
	ids   []int
}

// NewIndex builds the box index of doc.
func NewIndex(doc *types.Document) *Index {
	idx := &Index{boxes: make(map[int]types.Box, doc.BoxCount())}
	for _, p := range doc.Pages {
		for _, b := range p.Boxes {
			idx.boxes[b.ID] = b
			idx.ids = append(idx.ids, b.ID)
		}
	}
	sort.Ints(idx.ids)
	return idx
}

// Lookup returns the box with the given id.
func (i *Index) Lookup(id int) (types.Box, bool) {
	b, ok := i.boxes[id]
	return b, ok
}

// Has reports whether id names a box in the document.
func (i *Index) Has(id int) bool {
	_, ok := i.boxes[id]
	return ok
}

// Len returns the number of boxes.
func (i *Index) Len() int { return len(i.ids) }

// IDs returns all box ids in ascending order.
func (i *Index) IDs() []int {
	out := make([]int, len(i.ids))
	copy(out, i.ids)
	return out
}

// Render serializes the document body for a prompt, wrapping boxed
// fragments as <b id=N>…</b>. When the result exceeds maxChars it is cut
// and TruncationNote appended; truncated reports whether that happened.
// A maxChars of zero or less disables truncation.
func Render(doc *types.Document, maxChars int) (text string, truncated bool) {
	var b strings.Builder
	for i, seg := range doc.Body {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if seg.BoxID > 0 {
			fmt.Fprintf(&b, "<b id=%d>%s</b>", seg.BoxID, seg.Text)
		} else {
			b.WriteString(seg.Text)
		}
	}
	return Truncate(b.String(), maxChars)
}

// Truncate cuts s so that the result including TruncationNote is at most
// maxChars bytes, never splitting a UTF-8 sequence.
func Truncate(s string, maxChars int) (string, bool) {
	if maxChars <= 0 || len(s) <= maxChars {
		return s, false
	}
	keep := maxChars - len(TruncationNote)
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && !utf8.RuneStart(s[keep]) {
		keep--
	}
	return s[:keep] + TruncationNote, true
}

// Fingerprint hashes box ids, geometry and text. Two conversions with the
// same fingerprint resolve every citation identically.
func Fingerprint(doc *types.Document) string {
	h := sha256.New()
	for _, p := range doc.Pages {
		for _, b := range p.Boxes {
			fmt.Fprintf(h, "%d|%d|%.2f,%.2f,%.2f,%.2f|%s\n",
				b.ID, b.Page, b.Region.L, b.Region.T, b.Region.R, b.Region.B, b.Text)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Stale reports whether an extraction cited against fingerprint was made
// from a different conversion than doc.
func Stale(fingerprint string, doc *types.Document) bool {
	return fingerprint != "" && fingerprint != doc.Fingerprint
}
