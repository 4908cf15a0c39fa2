// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"encoding/json"
	"time"
)

// DefectReason classifies a referential citation defect.
type DefectReason string

const (
	ReasonBoxNotFound       DefectReason = "box_not_found"
	ReasonPaperNotExtracted DefectReason = "paper_not_extracted"
)

// Defect records a citation that names a box (or paper) that does not
// exist. Defects are attached to the evidence item owning the citation.
type Defect struct {
	// Item is the path of the evidence item owning the citation
	// (e.g. "evidence[2]"), empty for top-level citation lists.
	Item string `json:"item,omitempty" yaml:"item,omitempty"`

	// Path locates the citation itself (e.g. "evidence[2].citations[0]").
	Path string `json:"path" yaml:"path"`

	PMID   int          `json:"pmid,omitempty" yaml:"pmid,omitempty"`
	BoxID  int          `json:"box_id" yaml:"box_id"`
	Reason DefectReason `json:"reason" yaml:"reason"`

	// Dropped reports whether the citation was removed from the stored result.
	Dropped bool `json:"dropped,omitempty" yaml:"dropped,omitempty"`
}

// IndividualExtraction is the validated result for one (variant, PMID) pair.
type IndividualExtraction struct {
	VariantID string `json:"variant_id" yaml:"variant_id"`
	PMID      int    `json:"pmid" yaml:"pmid"`

	// RawResponse is the final model response exactly as received.
	RawResponse string `json:"raw_response" yaml:"raw_response"`

	// Result is the validated structured payload as stored.
	Result json.RawMessage `json:"result" yaml:"-"`

	// BoxMapping holds the geometry of every box cited by Result.
	BoxMapping map[int]Box `json:"box_mapping" yaml:"box_mapping"`

	Defects []Defect `json:"defects,omitempty" yaml:"defects,omitempty"`

	// Attempts is the number of model invocations the self-correction loop used.
	Attempts int `json:"attempts" yaml:"attempts"`

	Model               string    `json:"model" yaml:"model"`
	PromptSet           string    `json:"prompt_set" yaml:"prompt_set"`
	DocumentFingerprint string    `json:"document_fingerprint" yaml:"document_fingerprint"`
	CreatedAt           time.Time `json:"created_at" yaml:"created_at"`
}

// CitedBoxIDs returns the set of box ids in BoxMapping.
func (e *IndividualExtraction) CitedBoxIDs() map[int]bool {
	ids := make(map[int]bool, len(e.BoxMapping))
	for id := range e.BoxMapping {
		ids[id] = true
	}
	return ids
}

// AggregateAssessment is the validated cross-paper result for one variant.
type AggregateAssessment struct {
	VariantID   string          `json:"variant_id" yaml:"variant_id"`
	RawResponse string          `json:"raw_response" yaml:"raw_response"`
	Result      json.RawMessage `json:"result" yaml:"-"`
	Defects     []Defect        `json:"defects,omitempty" yaml:"defects,omitempty"`
	Attempts    int             `json:"attempts" yaml:"attempts"`

	// PMIDs lists the papers presented to the model, highest first.
	PMIDs []int `json:"pmids" yaml:"pmids"`

	// InputDigest identifies the prompt the assessment was made from. An
	// assessment whose digest no longer matches the stored extractions is
	// out of date.
	InputDigest string `json:"input_digest" yaml:"input_digest"`

	Model     string    `json:"model" yaml:"model"`
	PromptSet string    `json:"prompt_set" yaml:"prompt_set"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}
