// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package literature

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DetailsFetcher returns the variant details stored on the variant.
type DetailsFetcher interface {
	Details(ctx context.Context, hgvs string) (json.RawMessage, error)
}

// MetadataFetcher returns bibliographic records for PMIDs.
type MetadataFetcher interface {
	Metadata(ctx context.Context, pmids []int) ([]types.PaperMetadata, error)
}

// Querier runs the query stage: it creates or updates the variant, looks
// up its papers and stores their metadata.
type Querier struct {
	Store    store.Store
	Tracker  *stage.Tracker
	Source   Source
	Details  DetailsFetcher
	Metadata MetadataFetcher
	Logger   *zap.Logger
}

// QueryResult is the outcome of Query.
type QueryResult struct {
	Variant *types.Variant

	// Found is the number of PMIDs the source returned.
	Found int

	// Added is the number of PMIDs new to the variant.
	Added int

	// Described is the number of papers with stored metadata.
	Described int
}

// Query looks up the papers for the variant and appends them to its PMID
// set. Running it again picks up newly published papers; known PMIDs are
// kept. Variant details and paper metadata are best effort: their failures
// are logged and leave the fields empty.
//
// The lookup runs before the stage begins. A failed lookup marks a new
// variant's query failed but leaves an earlier complete query, and the
// PMID set it produced, standing.
func (q *Querier) Query(ctx context.Context, variantID, gene, hgvs string) (*QueryResult, error) {
	if variantID == "" || gene == "" || hgvs == "" {
		return nil, errors.New("query needs a variant id, gene and hgvs notation")
	}
	log := q.logger().With(zap.String("variant_id", variantID))
	unit := types.VariantUnit(variantID)

	v, err := q.Store.GetVariant(ctx, variantID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		v = &types.Variant{ID: variantID, Gene: gene, HGVSc: hgvs}
		if err := q.Store.UpsertVariant(ctx, v); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case v.Gene != gene || v.HGVSc != hgvs:
		return nil, fmt.Errorf("variant %s is %s %s, not %s %s", variantID, v.Gene, v.HGVSc, gene, hgvs)
	}
	known := len(v.PMIDs)

	found, err := q.lookup(ctx, v, log)
	if err != nil {
		queried, cerr := q.Tracker.IsComplete(ctx, unit, types.StageQuery)
		switch {
		case cerr != nil:
			log.Warn("reading query stage", zap.Error(cerr))
		case queried:
			log.Warn("re-query failed, keeping the previous papers",
				zap.Int("pmids", known), zap.Error(err))
		default:
			if rerr := q.Tracker.Reject(context.WithoutCancel(ctx), unit, types.StageQuery, err); rerr != nil {
				log.Warn("recording query failure", zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("querying %s: %w", variantID, err)
	}

	run, err := q.Tracker.Begin(ctx, unit, types.StageQuery)
	if err != nil {
		return nil, err
	}
	err = q.Tracker.Complete(ctx, run, func(tx store.Tx) error {
		return found.persist(ctx, tx, v)
	})
	if err != nil {
		if ferr := q.Tracker.Fail(context.WithoutCancel(ctx), run, err); ferr != nil {
			log.Warn("recording query failure", zap.Error(ferr))
		}
		return nil, fmt.Errorf("querying %s: %w", variantID, err)
	}

	stored, err := q.Store.GetVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}
	res := &QueryResult{
		Variant:   stored,
		Found:     len(found.pmids),
		Added:     len(stored.PMIDs) - known,
		Described: len(found.papers),
	}
	log.Info("query complete",
		zap.Int("found", res.Found),
		zap.Int("added", res.Added),
		zap.Int("described", res.Described))
	return res, nil
}

// lookupResult is what the literature services returned for a variant.
type lookupResult struct {
	details json.RawMessage
	pmids   []int
	papers  []types.PaperMetadata
}

func (q *Querier) lookup(ctx context.Context, v *types.Variant, log *zap.Logger) (*lookupResult, error) {
	var res lookupResult
	if q.Details != nil {
		d, err := q.Details.Details(ctx, v.HGVSc)
		if err != nil {
			log.Warn("variant details unavailable", zap.Error(err))
		} else {
			res.details = d
		}
	}

	pmids, err := q.Source.Lookup(ctx, v.Gene, v.HGVSc)
	if err != nil {
		return nil, err
	}
	res.pmids = pmids

	if q.Metadata != nil && len(pmids) > 0 {
		res.papers, err = q.Metadata.Metadata(ctx, pmids)
		if err != nil {
			log.Warn("paper metadata incomplete", zap.Error(err), zap.Int("fetched", len(res.papers)))
		}
	}
	return &res, nil
}

func (r *lookupResult) persist(ctx context.Context, tx store.Tx, v *types.Variant) error {
	if len(r.details) > 0 {
		updated := *v
		updated.Details = r.details
		if err := tx.UpsertVariant(ctx, &updated); err != nil {
			return err
		}
	}
	if err := tx.AddPMIDs(ctx, v.ID, r.pmids); err != nil {
		return err
	}
	for i := range r.papers {
		if err := tx.PutPaper(ctx, &r.papers[i]); err != nil {
			return err
		}
	}
	return nil
}

func (q *Querier) logger() *zap.Logger {
	if q.Logger == nil {
		return zap.NewNop()
	}
	return q.Logger
}
