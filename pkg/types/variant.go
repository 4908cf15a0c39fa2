// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// Variant is the unit of investigation: one sequence variant in one gene.
// A variant is created on first query and never deleted; its PMID set only
// grows as new papers are discovered.
type Variant struct {
	// ID is an opaque caller-chosen identifier.
	ID string `json:"id" yaml:"id"`

	// Gene is the HGNC gene symbol (e.g. "GAA").
	Gene string `json:"gene" yaml:"gene"`

	// HGVSc is the coding-sequence notation, optionally transcript-prefixed
	// (e.g. "NM_000152.5:c.2238G>C").
	HGVSc string `json:"hgvs_c" yaml:"hgvs_c"`

	// PMIDs lists the associated papers in ascending order without duplicates.
	PMIDs []int `json:"pmids" yaml:"pmids"`

	// Details is the VariantValidator payload stored verbatim. It may be empty.
	Details json.RawMessage `json:"details,omitempty" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// CodingChange returns the HGVS c. notation without a transcript prefix.
func (v Variant) CodingChange() string {
	if _, after, ok := strings.Cut(v.HGVSc, ":"); ok {
		return after
	}
	return v.HGVSc
}

// MergePMIDs returns the sorted union of existing and added with duplicates
// and non-positive ids removed.
func MergePMIDs(existing, added []int) []int {
	merged := make([]int, 0, len(existing)+len(added))
	for _, p := range existing {
		if p > 0 {
			merged = append(merged, p)
		}
	}
	for _, p := range added {
		if p > 0 {
			merged = append(merged, p)
		}
	}
	slices.Sort(merged)
	return slices.Compact(merged)
}
