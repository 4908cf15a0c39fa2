// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// CoordOrigin names the corner a Region's coordinates are measured from.
type CoordOrigin string

const (
	OriginTopLeft    CoordOrigin = "TOPLEFT"
	OriginBottomLeft CoordOrigin = "BOTTOMLEFT"
)

// Region is a rectangle on a page in PDF points.
type Region struct {
	L      float64     `json:"l" yaml:"l"`
	T      float64     `json:"t" yaml:"t"`
	R      float64     `json:"r" yaml:"r"`
	B      float64     `json:"b" yaml:"b"`
	Origin CoordOrigin `json:"coord_origin,omitempty" yaml:"coord_origin,omitempty"`
}

// Box is one addressable region of a converted paper. Citations refer to
// boxes by ID only.
type Box struct {
	ID     int    `json:"box_id" yaml:"box_id"`
	Page   int    `json:"page" yaml:"page"`
	Region Region `json:"bbox" yaml:"bbox"`
	Label  string `json:"label,omitempty" yaml:"label,omitempty"`
	Text   string `json:"text" yaml:"text"`
}

// Page is one page of a converted paper with its boxes in reading order.
type Page struct {
	Number int     `json:"page_no" yaml:"page_no"`
	Width  float64 `json:"width,omitempty" yaml:"width,omitempty"`
	Height float64 `json:"height,omitempty" yaml:"height,omitempty"`
	Boxes  []Box   `json:"boxes" yaml:"boxes"`
}

// Segment is one serialized fragment of the document body. BoxID is zero
// for fragments that carry no geometry.
type Segment struct {
	BoxID int    `json:"box_id,omitempty" yaml:"box_id,omitempty"`
	Text  string `json:"text" yaml:"text"`
}

// Document is a converted paper owned by its PMID.
type Document struct {
	PMID        int       `json:"pmid" yaml:"pmid"`
	Converter   string    `json:"converter" yaml:"converter"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	Pages       []Page    `json:"pages" yaml:"pages"`
	Body        []Segment `json:"body" yaml:"body"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
}

// BoxCount returns the number of boxes across all pages.
func (d *Document) BoxCount() int {
	n := 0
	for _, p := range d.Pages {
		n += len(p.Boxes)
	}
	return n
}
