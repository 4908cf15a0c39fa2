// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// Bundle is everything known about one variant, for downstream consumers.
type Bundle struct {
	Variant     types.Variant         `json:"variant" yaml:"variant"`
	Extractions []ExtractionEntry     `json:"extractions" yaml:"extractions"`
	Aggregate   *AggregateEntry       `json:"aggregate,omitempty" yaml:"aggregate,omitempty"`
	Papers      []types.PaperMetadata `json:"papers,omitempty" yaml:"papers,omitempty"`
	Stages      []types.StageRecord   `json:"stages" yaml:"stages"`
}

// ExtractionEntry is an extraction with its result decoded so that both
// encodings render it as a document rather than a string.
type ExtractionEntry struct {
	PMID                int               `json:"pmid" yaml:"pmid"`
	Result              any               `json:"result" yaml:"result"`
	BoxMapping          map[int]types.Box `json:"box_mapping" yaml:"box_mapping"`
	Defects             []types.Defect    `json:"defects,omitempty" yaml:"defects,omitempty"`
	Attempts            int               `json:"attempts" yaml:"attempts"`
	Model               string            `json:"model" yaml:"model"`
	PromptSet           string            `json:"prompt_set" yaml:"prompt_set"`
	DocumentFingerprint string            `json:"document_fingerprint" yaml:"document_fingerprint"`
	RawResponse         string            `json:"raw_response" yaml:"raw_response"`
}

// AggregateEntry is the aggregate with its result decoded.
type AggregateEntry struct {
	Result      any            `json:"result" yaml:"result"`
	PMIDs       []int          `json:"pmids" yaml:"pmids"`
	Defects     []types.Defect `json:"defects,omitempty" yaml:"defects,omitempty"`
	Attempts    int            `json:"attempts" yaml:"attempts"`
	Model       string         `json:"model" yaml:"model"`
	PromptSet   string         `json:"prompt_set" yaml:"prompt_set"`
	RawResponse string         `json:"raw_response" yaml:"raw_response"`
}

// LoadBundle reads the bundle for variantID in one transaction.
func LoadBundle(ctx context.Context, s Store, variantID string) (*Bundle, error) {
	var b Bundle
	err := s.InTx(ctx, func(tx Tx) error {
		v, err := tx.GetVariant(ctx, variantID)
		if err != nil {
			return err
		}
		b.Variant = *v

		extractions, err := tx.ListExtractions(ctx, variantID)
		if err != nil {
			return err
		}
		for _, e := range extractions {
			entry := ExtractionEntry{
				PMID:                e.PMID,
				BoxMapping:          e.BoxMapping,
				Defects:             e.Defects,
				Attempts:            e.Attempts,
				Model:               e.Model,
				PromptSet:           e.PromptSet,
				DocumentFingerprint: e.DocumentFingerprint,
				RawResponse:         e.RawResponse,
			}
			if err := json.Unmarshal(e.Result, &entry.Result); err != nil {
				return fmt.Errorf("decoding extraction %d: %w", e.PMID, err)
			}
			b.Extractions = append(b.Extractions, entry)
		}

		a, err := tx.GetAggregate(ctx, variantID)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return err
		default:
			entry := &AggregateEntry{
				PMIDs:       a.PMIDs,
				Defects:     a.Defects,
				Attempts:    a.Attempts,
				Model:       a.Model,
				PromptSet:   a.PromptSet,
				RawResponse: a.RawResponse,
			}
			if err := json.Unmarshal(a.Result, &entry.Result); err != nil {
				return fmt.Errorf("decoding aggregate: %w", err)
			}
			b.Aggregate = entry
		}

		for _, pmid := range v.PMIDs {
			p, err := tx.GetPaper(ctx, pmid)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			b.Papers = append(b.Papers, *p)
		}

		b.Stages, err = tx.ListStages(ctx, variantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// WriteBundle encodes b as "yaml" or "json".
func WriteBundle(w io.Writer, b *Bundle, format string) error {
	switch format {
	case "", "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("marshaling YAML: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("marshaling JSON: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown export format %q", format)
}
