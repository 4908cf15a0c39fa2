// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package aggregate folds a variant's per-paper extractions into one
// assessment. Aggregate citations name (pmid, box_id) pairs and are only
// accepted when the pair was cited by that paper's stored extraction.
package aggregate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/correction"
	"github.com/pdiddy/evidence-engine/internal/metrics"
	"github.com/pdiddy/evidence-engine/internal/model"
	"github.com/pdiddy/evidence-engine/internal/promptset"
	"github.com/pdiddy/evidence-engine/internal/schema"
	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var (
	// ErrNoExtractionsAvailable is returned when the variant has no
	// extraction about the variant to aggregate.
	ErrNoExtractionsAvailable = errors.New("no extractions available")

	// ErrVariantNotFound is returned when the variant does not exist.
	ErrVariantNotFound = errors.New("variant not found")
)

// Deps are the collaborators of an Engine.
type Deps struct {
	Store     store.Store
	Tracker   *stage.Tracker
	Invoker   model.Invoker
	PromptSet *promptset.Set
	Model     string
	Logger    *zap.Logger
	Metrics   *metrics.Collectors
}

// Engine aggregates extractions per variant.
type Engine struct {
	Deps
	cfg types.AggregationConfig
}

// New returns an Engine. Unreferenced citations are dropped unless cfg
// names another policy.
func New(deps Deps, cfg types.AggregationConfig) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = stage.NewTracker(deps.Store, deps.Logger, deps.Metrics)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = correction.DefaultMaxAttempts
	}
	if cfg.Policy == "" {
		cfg.Policy = types.PolicyDrop
	}
	return &Engine{Deps: deps, cfg: cfg}
}

// Options modify a single aggregation.
type Options struct {
	Force  bool
	DryRun bool
}

// Result is the outcome of Aggregate.
type Result struct {
	Assessment *types.AggregateAssessment
	Skipped    bool

	// Prompt and CitationSpace are set for dry runs. CitationSpace maps
	// each presented PMID to its citable box ids.
	Prompt        string
	CitationSpace map[int][]int
}

type prepared struct {
	prompt   string
	digest   string
	pmids    []int
	universe schema.PaperBoxes
	space    map[int][]int
}

func (e *Engine) prepare(ctx context.Context, v *types.Variant) (*prepared, error) {
	exts, err := e.Store.ListExtractions(ctx, v.ID)
	if err != nil {
		return nil, err
	}

	relevance := e.PromptSet.Extraction.Schema
	var kept []types.IndividualExtraction
	for _, ext := range exts {
		var payload any
		if err := json.Unmarshal(ext.Result, &payload); err != nil {
			e.Logger.Warn("skipping unreadable extraction", zap.Int("pmid", ext.PMID), zap.Error(err))
			continue
		}
		if !relevance.Relevant(payload) {
			continue
		}
		kept = append(kept, ext)
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w for variant %s (%d stored, none about the variant)",
			ErrNoExtractionsAvailable, v.ID, len(exts))
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].PMID > kept[j].PMID })

	p := &prepared{universe: make(schema.PaperBoxes, len(kept)), space: make(map[int][]int, len(kept))}
	data := promptset.AggregateData{Variant: *v, VariantDetails: string(v.Details)}
	for _, ext := range kept {
		ids := make([]int, 0, len(ext.BoxMapping))
		for id := range ext.CitedBoxIDs() {
			ids = append(ids, id)
		}
		sort.Ints(ids)

		paper := promptset.AggregatePaper{
			PMID:         ext.PMID,
			Evidence:     string(ext.Result),
			CitableBoxes: ids,
		}
		meta, err := e.Store.GetPaper(ctx, ext.PMID)
		switch {
		case err == nil:
			paper.Title, paper.Authors, paper.Date = meta.Title, meta.Authors, meta.Date
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}

		data.Papers = append(data.Papers, paper)
		p.pmids = append(p.pmids, ext.PMID)
		p.universe[ext.PMID] = schema.NewBoxSet(ids...)
		p.space[ext.PMID] = ids
	}

	p.prompt, err = e.PromptSet.Aggregate.Render(data)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(p.prompt))
	p.digest = hex.EncodeToString(sum[:])
	return p, nil
}

// Aggregate produces and stores the AggregateAssessment for variantID. A
// variant whose aggregate stage is complete is left untouched unless
// opts.Force is set or the extractions it would present have changed since
// the stored assessment was made.
func (e *Engine) Aggregate(ctx context.Context, variantID string, opts Options) (*Result, error) {
	unit := types.VariantUnit(variantID)
	log := e.Logger.With(zap.String("variant_id", variantID))

	v, err := e.Store.GetVariant(ctx, variantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}
	if err != nil {
		return nil, err
	}

	p, err := e.prepare(ctx, v)
	if err != nil {
		if errors.Is(err, ErrNoExtractionsAvailable) && !opts.DryRun {
			if rerr := e.Tracker.Reject(context.WithoutCancel(ctx), unit, types.StageAggregate, err); rerr != nil {
				log.Warn("recording aggregation failure", zap.Error(rerr))
			}
		}
		return nil, err
	}
	if opts.DryRun {
		return &Result{Prompt: p.prompt, CitationSpace: p.space}, nil
	}

	if !opts.Force {
		existing, err := e.current(ctx, unit)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.InputDigest == p.digest {
			return &Result{Assessment: existing, Skipped: true}, nil
		}
		if existing != nil {
			log.Info("extractions changed since the last aggregate", zap.Ints("pmids", p.pmids))
		}
	}

	begin := e.Tracker.Begin
	if opts.Force {
		begin = e.Tracker.Restart
	}
	run, err := begin(ctx, unit, types.StageAggregate)
	if err != nil {
		return nil, err
	}

	a, err := e.run(ctx, v, p, log)
	if err == nil {
		err = e.Tracker.Complete(ctx, run, func(tx store.Tx) error {
			return tx.PutAggregate(ctx, a)
		})
	}
	if err != nil {
		if ferr := e.Tracker.Fail(context.WithoutCancel(ctx), run, err); ferr != nil {
			log.Warn("recording aggregation failure", zap.Error(ferr))
		}
		return nil, fmt.Errorf("aggregating %s: %w", variantID, err)
	}

	log.Info("aggregate stored",
		zap.Int("papers", len(p.pmids)),
		zap.Int("attempts", a.Attempts),
		zap.Int("defects", len(a.Defects)))
	return &Result{Assessment: a}, nil
}

// current returns the stored assessment when the aggregate stage is
// complete, and nil otherwise.
func (e *Engine) current(ctx context.Context, unit types.Unit) (*types.AggregateAssessment, error) {
	done, err := e.Tracker.IsComplete(ctx, unit, types.StageAggregate)
	if err != nil || !done {
		return nil, err
	}
	a, err := e.Store.GetAggregate(ctx, unit.VariantID)
	if err != nil {
		return nil, fmt.Errorf("loading completed aggregate: %w", err)
	}
	return a, nil
}

func (e *Engine) run(ctx context.Context, v *types.Variant, p *prepared, log *zap.Logger) (*types.AggregateAssessment, error) {
	st := e.PromptSet.Aggregate

	loop := correction.Loop{MaxAttempts: e.cfg.MaxAttempts, Logger: log}
	out, err := loop.Run(ctx, p.prompt, correction.Attempt{
		Invoke: func(ctx context.Context, prompt string) (string, error) {
			resp, err := e.Invoker.Invoke(ctx, model.Request{
				System:         st.System,
				Prompt:         prompt,
				Schema:         st.Schema.Document(),
				SchemaName:     st.Schema.Name(),
				MaxTokens:      model.AggregationBudget.MaxTokens,
				ThinkingBudget: model.AggregationBudget.ThinkingBudget,
			})
			return resp.Text, err
		},
		Validate: func(raw string) (*schema.Result, error) {
			return st.Validator.Validate(raw, p.universe, e.cfg.Policy)
		},
	})
	if err != nil {
		return nil, err
	}

	e.Metrics.Attempts(string(schema.KindAggregate), out.Attempts)
	for _, d := range out.Result.Defects {
		e.Metrics.Defect(string(schema.KindAggregate), string(d.Reason))
		log.Warn("aggregate citation does not resolve",
			zap.String("path", d.Path),
			zap.Int("pmid", d.PMID),
			zap.Int("box_id", d.BoxID),
			zap.String("reason", string(d.Reason)),
			zap.Bool("dropped", d.Dropped))
	}

	return &types.AggregateAssessment{
		VariantID:   v.ID,
		RawResponse: out.Raw,
		Result:      out.Result.JSON,
		Defects:     out.Result.Defects,
		Attempts:    out.Attempts,
		PMIDs:       p.pmids,
		InputDigest: p.digest,
		Model:       e.Model,
		PromptSet:   e.PromptSet.Name,
	}, nil
}
