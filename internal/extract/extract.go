// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package extract runs the per-paper extraction engine. For one (variant,
// paper) pair it renders the prompt from the converted document, calls the
// model through the self-correction loop, checks every citation against
// the document's boxes and stores the result together with the stage
// completion.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/evidence-engine/internal/correction"
	"github.com/pdiddy/evidence-engine/internal/document"
	"github.com/pdiddy/evidence-engine/internal/metrics"
	"github.com/pdiddy/evidence-engine/internal/model"
	"github.com/pdiddy/evidence-engine/internal/promptset"
	"github.com/pdiddy/evidence-engine/internal/schema"
	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// DefaultConcurrency bounds parallel papers in ExtractAll.
const DefaultConcurrency = 4

var (
	// ErrDocumentMissing is returned when the paper has no converted document.
	ErrDocumentMissing = errors.New("no converted document")

	// ErrVariantNotFound is returned when the variant does not exist.
	ErrVariantNotFound = errors.New("variant not found")
)

// Deps are the collaborators of an Engine.
type Deps struct {
	Store     store.Store
	Tracker   *stage.Tracker
	Invoker   model.Invoker
	PromptSet *promptset.Set

	// Model identifies the invoker in stored rows, e.g. "anthropic:claude-sonnet-4-5".
	Model string

	Logger  *zap.Logger
	Metrics *metrics.Collectors
}

// Engine extracts evidence from single papers.
type Engine struct {
	Deps
	cfg types.ExtractionConfig
}

// New returns an Engine. Zero config values take their defaults.
func New(deps Deps, cfg types.ExtractionConfig) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = stage.NewTracker(deps.Store, deps.Logger, deps.Metrics)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = correction.DefaultMaxAttempts
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.MaxPaperChars == 0 {
		cfg.MaxPaperChars = document.DefaultMaxChars
	}
	if cfg.Policy == "" {
		cfg.Policy = types.PolicyFlag
	}
	return &Engine{Deps: deps, cfg: cfg}
}

// Options modify a single extraction.
type Options struct {
	// Force re-extracts a pair that is already complete.
	Force bool

	// DryRun renders the prompt without calling the model or writing.
	DryRun bool
}

// Result is the outcome of Extract.
type Result struct {
	Extraction *types.IndividualExtraction

	// Skipped is set when the pair was already complete and not forced.
	Skipped bool

	// Prompt is the rendered prompt, set only for dry runs.
	Prompt string

	// Findings counts the cited evidence items of a new extraction.
	Findings int
}

type prepared struct {
	variant   *types.Variant
	doc       *types.Document
	index     *document.Index
	prompt    string
	truncated bool
}

func (e *Engine) prepare(ctx context.Context, variantID string, pmid int) (*prepared, error) {
	v, err := e.Store.GetVariant(ctx, variantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}
	if err != nil {
		return nil, err
	}

	doc, err := e.Store.GetDocument(ctx, pmid)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: pmid %d", ErrDocumentMissing, pmid)
	}
	if err != nil {
		return nil, err
	}

	body, truncated := document.Render(doc, e.cfg.MaxPaperChars)
	prompt, err := e.PromptSet.Extraction.Render(promptset.ExtractionData{
		Variant:        *v,
		VariantDetails: string(v.Details),
		PMID:           pmid,
		Paper:          body,
		Truncated:      truncated,
	})
	if err != nil {
		return nil, err
	}
	return &prepared{variant: v, doc: doc, index: document.NewIndex(doc), prompt: prompt, truncated: truncated}, nil
}

// Extract produces and stores the IndividualExtraction for (variantID,
// pmid). A pair whose extract stage is complete is left untouched unless
// opts.Force is set. On failure nothing is written and the stage is
// marked failed.
func (e *Engine) Extract(ctx context.Context, variantID string, pmid int, opts Options) (*Result, error) {
	unit := types.PaperUnit(variantID, pmid)
	log := e.Logger.With(zap.String("variant_id", variantID), zap.Int("pmid", pmid))

	if !opts.Force && !opts.DryRun {
		done, err := e.Tracker.IsComplete(ctx, unit, types.StageExtract)
		if err != nil {
			return nil, err
		}
		if done {
			existing, err := e.Store.GetExtraction(ctx, variantID, pmid)
			if err != nil {
				return nil, fmt.Errorf("loading completed extraction: %w", err)
			}
			log.Debug("extraction already complete")
			return &Result{Extraction: existing, Skipped: true}, nil
		}
	}

	p, err := e.prepare(ctx, variantID, pmid)
	if err != nil {
		if errors.Is(err, ErrDocumentMissing) && !opts.DryRun {
			if rerr := e.Tracker.Reject(context.WithoutCancel(ctx), unit, types.StageExtract, err); rerr != nil {
				log.Warn("recording extraction failure", zap.Error(rerr))
			}
		}
		return nil, err
	}
	if opts.DryRun {
		return &Result{Prompt: p.prompt}, nil
	}
	if p.truncated {
		log.Info("paper truncated for prompt", zap.Int("max_chars", e.cfg.MaxPaperChars))
	}

	begin := e.Tracker.Begin
	if opts.Force {
		begin = e.Tracker.Restart
	}
	run, err := begin(ctx, unit, types.StageExtract)
	if err != nil {
		return nil, err
	}

	ext, findings, err := e.run(ctx, p, pmid, log)
	if err == nil {
		err = e.Tracker.Complete(ctx, run, func(tx store.Tx) error {
			return tx.PutExtraction(ctx, ext)
		})
	}
	if err != nil {
		if ferr := e.Tracker.Fail(context.WithoutCancel(ctx), run, err); ferr != nil {
			log.Warn("recording extraction failure", zap.Error(ferr))
		}
		return nil, fmt.Errorf("extracting %s: %w", unit, err)
	}

	log.Info("extraction stored",
		zap.Int("attempts", ext.Attempts),
		zap.Int("defects", len(ext.Defects)))
	return &Result{Extraction: ext, Findings: findings}, nil
}

func (e *Engine) run(ctx context.Context, p *prepared, pmid int, log *zap.Logger) (*types.IndividualExtraction, int, error) {
	st := e.PromptSet.Extraction
	universe := schema.NewBoxSet(p.index.IDs()...)

	loop := correction.Loop{MaxAttempts: e.cfg.MaxAttempts, Logger: log}
	out, err := loop.Run(ctx, p.prompt, correction.Attempt{
		Invoke: func(ctx context.Context, prompt string) (string, error) {
			resp, err := e.Invoker.Invoke(ctx, model.Request{
				System:         st.System,
				Prompt:         prompt,
				Schema:         st.Schema.Document(),
				SchemaName:     st.Schema.Name(),
				MaxTokens:      model.ExtractionBudget.MaxTokens,
				ThinkingBudget: model.ExtractionBudget.ThinkingBudget,
			})
			return resp.Text, err
		},
		Validate: func(raw string) (*schema.Result, error) {
			return st.Validator.Validate(raw, universe, e.cfg.Policy)
		},
	})
	if err != nil {
		return nil, 0, err
	}

	e.Metrics.Attempts(string(schema.KindPaper), out.Attempts)
	for _, d := range out.Result.Defects {
		e.Metrics.Defect(string(schema.KindPaper), string(d.Reason))
		log.Warn("citation does not resolve",
			zap.String("path", d.Path),
			zap.Int("box_id", d.BoxID),
			zap.Bool("dropped", d.Dropped))
	}

	return &types.IndividualExtraction{
		VariantID:           p.variant.ID,
		PMID:                pmid,
		RawResponse:         out.Raw,
		Result:              out.Result.JSON,
		BoxMapping:          boxMapping(p.index, out.Result.Citations),
		Defects:             out.Result.Defects,
		Attempts:            out.Attempts,
		Model:               e.Model,
		PromptSet:           e.PromptSet.Name,
		DocumentFingerprint: p.doc.Fingerprint,
	}, findings(out.Result.Citations), nil
}

// findings counts the distinct evidence items owning a citation.
func findings(citations []schema.Citation) int {
	items := make(map[string]bool)
	for _, c := range citations {
		items[c.Item] = true
	}
	return len(items)
}

// boxMapping collects the geometry of every cited box that exists.
func boxMapping(idx *document.Index, citations []schema.Citation) map[int]types.Box {
	out := make(map[int]types.Box)
	for _, c := range citations {
		if b, ok := idx.Lookup(c.BoxID); ok {
			out[c.BoxID] = b
		}
	}
	return out
}

// BatchSummary holds counts from a batch extraction run.
type BatchSummary struct {
	Extracted int
	Skipped   int
	Failed    int
}

// Total returns the number of papers processed.
func (s BatchSummary) Total() int {
	return s.Extracted + s.Skipped + s.Failed
}

// HasFailures reports whether any papers failed.
func (s BatchSummary) HasFailures() bool {
	return s.Failed > 0
}

// ExtractAll extracts every paper of the variant with bounded concurrency
// and writes one status line per paper to w. Papers without a converted
// document are skipped; a failed paper does not stop the batch.
func (e *Engine) ExtractAll(ctx context.Context, variantID string, opts Options, w io.Writer) (BatchSummary, error) {
	v, err := e.Store.GetVariant(ctx, variantID)
	if errors.Is(err, store.ErrNotFound) {
		return BatchSummary{}, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	}
	if err != nil {
		return BatchSummary{}, err
	}

	var (
		mu      sync.Mutex
		summary BatchSummary
	)
	report := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, format, args...)
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, pmid := range v.PMIDs {
		g.Go(func() error {
			res, err := e.Extract(ctx, variantID, pmid, opts)

			mu.Lock()
			switch {
			case errors.Is(err, ErrDocumentMissing):
				summary.Skipped++
			case err != nil:
				summary.Failed++
			case res.Skipped:
				summary.Skipped++
			default:
				summary.Extracted++
			}
			mu.Unlock()

			switch {
			case errors.Is(err, ErrDocumentMissing):
				report("skipped %d: no converted document\n", pmid)
			case err != nil:
				report("failed  %d: %v\n", pmid, err)
			case res.Skipped:
				report("skipped %d\n", pmid)
			case opts.DryRun:
				report("--- prompt for %d ---\n%s\n", pmid, res.Prompt)
			default:
				report("extracted %d (%d findings, %d defects)\n", pmid, res.Findings, len(res.Extraction.Defects))
			}
			return nil
		})
	}
	_ = g.Wait()

	return summary, nil
}

// VerifyReport is the re-validation of one stored extraction.
type VerifyReport struct {
	PMID int

	// Stale is set when the document was reconverted after extraction.
	Stale bool

	// Defects lists citations that do not resolve in the current document.
	Defects []types.Defect

	// Err is set when the paper could not be checked.
	Err error
}

// Verify re-checks every stored extraction of the variant against the
// current converted documents. Citations that stopped resolving after a
// reconversion show up as defects.
func (e *Engine) Verify(ctx context.Context, variantID string) ([]VerifyReport, error) {
	if _, err := e.Store.GetVariant(ctx, variantID); errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrVariantNotFound, variantID)
	} else if err != nil {
		return nil, err
	}

	exts, err := e.Store.ListExtractions(ctx, variantID)
	if err != nil {
		return nil, err
	}

	validator := e.PromptSet.Extraction.Validator
	reports := make([]VerifyReport, 0, len(exts))
	for _, ext := range exts {
		r := VerifyReport{PMID: ext.PMID}
		doc, err := e.Store.GetDocument(ctx, ext.PMID)
		if errors.Is(err, store.ErrNotFound) {
			r.Err = fmt.Errorf("%w: pmid %d", ErrDocumentMissing, ext.PMID)
			reports = append(reports, r)
			continue
		}
		if err != nil {
			return nil, err
		}

		r.Stale = document.Stale(ext.DocumentFingerprint, doc)
		universe := schema.NewBoxSet(document.NewIndex(doc).IDs()...)
		res, err := validator.Validate(string(ext.Result), universe, types.PolicyFlag)
		if err != nil {
			r.Err = err
		} else {
			r.Defects = res.Defects
		}
		reports = append(reports, r)
	}
	return reports, nil
}
