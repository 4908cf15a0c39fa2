// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/pdiddy/evidence-engine/internal/acquire"
	"github.com/pdiddy/evidence-engine/internal/aggregate"
	"github.com/pdiddy/evidence-engine/internal/convert"
	"github.com/pdiddy/evidence-engine/internal/correction"
	"github.com/pdiddy/evidence-engine/internal/extract"
	"github.com/pdiddy/evidence-engine/internal/httputil"
	"github.com/pdiddy/evidence-engine/internal/literature"
	"github.com/pdiddy/evidence-engine/internal/stage"
)

// The stage services the activities drive. The concrete types are
// literature.Querier, acquire.Downloader, convert.Service, extract.Engine
// and aggregate.Engine.
type (
	Querier interface {
		Query(ctx context.Context, variantID, gene, hgvs string) (*literature.QueryResult, error)
	}
	Downloader interface {
		Download(ctx context.Context, variantID string, pmid int, force bool) (*acquire.Result, error)
	}
	Converter interface {
		ConvertPaper(ctx context.Context, variantID string, pmid int, force bool) (*convert.Result, error)
	}
	Extractor interface {
		Extract(ctx context.Context, variantID string, pmid int, opts extract.Options) (*extract.Result, error)
	}
	Aggregator interface {
		Aggregate(ctx context.Context, variantID string, opts aggregate.Options) (*aggregate.Result, error)
	}
)

// Activities runs pipeline stages on a worker.
type Activities struct {
	Querier    Querier
	Downloader Downloader
	Converter  Converter
	Extractor  Extractor
	Aggregator Aggregator
	HTTPClient *http.Client
}

// QueryInput names the variant to look up.
type QueryInput struct {
	VariantID string `json:"variant_id"`
	Gene      string `json:"gene"`
	HGVSc     string `json:"hgvs_c"`
}

// QueryOutput is the variant's PMID set after the lookup.
type QueryOutput struct {
	PMIDs []int `json:"pmids"`
	Added int   `json:"added"`
}

// PaperInput names one unit of paper-level work.
type PaperInput struct {
	VariantID string `json:"variant_id"`
	PMID      int    `json:"pmid"`
	Force     bool   `json:"force"`
}

// StageOutput reports whether a stage did any work.
type StageOutput struct {
	Skipped bool `json:"skipped"`
}

// AggregateInput names the variant to aggregate.
type AggregateInput struct {
	VariantID string `json:"variant_id"`
	Force     bool   `json:"force"`
}

// CallbackInput is the completion notification target and payload.
type CallbackInput struct {
	URL       string `json:"url"`
	VariantID string `json:"variant_id"`
	RunID     string `json:"run_id"`
}

func (a *Activities) Query(ctx context.Context, in QueryInput) (QueryOutput, error) {
	ctx = withRunID(ctx)
	res, err := a.Querier.Query(ctx, in.VariantID, in.Gene, in.HGVSc)
	if err != nil {
		return QueryOutput{}, classify(err)
	}
	return QueryOutput{PMIDs: res.Variant.PMIDs, Added: res.Added}, nil
}

func (a *Activities) Download(ctx context.Context, in PaperInput) (StageOutput, error) {
	ctx = withRunID(ctx)
	res, err := a.Downloader.Download(ctx, in.VariantID, in.PMID, in.Force)
	if err != nil {
		return StageOutput{}, classify(err)
	}
	return StageOutput{Skipped: res.Skipped}, nil
}

func (a *Activities) Convert(ctx context.Context, in PaperInput) (StageOutput, error) {
	ctx = withRunID(ctx)
	res, err := a.Converter.ConvertPaper(ctx, in.VariantID, in.PMID, in.Force)
	if err != nil {
		return StageOutput{}, classify(err)
	}
	return StageOutput{Skipped: res.Skipped}, nil
}

func (a *Activities) Extract(ctx context.Context, in PaperInput) (StageOutput, error) {
	ctx = withRunID(ctx)
	res, err := a.Extractor.Extract(ctx, in.VariantID, in.PMID, extract.Options{Force: in.Force})
	if err != nil {
		return StageOutput{}, classify(err)
	}
	return StageOutput{Skipped: res.Skipped}, nil
}

func (a *Activities) Aggregate(ctx context.Context, in AggregateInput) (StageOutput, error) {
	ctx = withRunID(ctx)
	res, err := a.Aggregator.Aggregate(ctx, in.VariantID, aggregate.Options{Force: in.Force})
	if err != nil {
		return StageOutput{}, classify(err)
	}
	return StageOutput{Skipped: res.Skipped}, nil
}

// Callback POSTs {"variant_id", "run_id"} to in.URL.
func (a *Activities) Callback(ctx context.Context, in CallbackInput) error {
	body, err := json.Marshal(map[string]string{"variant_id": in.VariantID, "run_id": in.RunID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.URL, bytes.NewReader(body))
	if err != nil {
		return temporal.NewNonRetryableApplicationError(err.Error(), errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := httputil.DoWithRetry(ctx, client, req, 0)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback %s: status %d", in.URL, resp.StatusCode)
	}
	return nil
}

// withRunID tags ctx with an id shared by every attempt of the current
// activity, so a retry after a worker crash takes over the stage record
// its earlier attempt left in progress.
func withRunID(ctx context.Context) context.Context {
	if !activity.IsActivity(ctx) {
		return ctx
	}
	info := activity.GetInfo(ctx)
	return stage.WithRunID(ctx, info.WorkflowExecution.RunID+"/"+info.ActivityID)
}

const errPermanent = "permanent"

// classify marks errors that another attempt cannot fix as non-retryable.
// Missing prerequisites and exhausted self-correction need an operator or
// an earlier stage, not a retry. stage.ErrInProgress stays retryable: the
// run holding the unit may finish or go stale.
func classify(err error) error {
	for _, target := range []error{
		stage.ErrPrerequisiteIncomplete,
		stage.ErrInvalidTransition,
		extract.ErrDocumentMissing,
		extract.ErrVariantNotFound,
		aggregate.ErrNoExtractionsAvailable,
		aggregate.ErrVariantNotFound,
		acquire.ErrNotAvailable,
		acquire.ErrVariantNotFound,
		convert.ErrPDFMissing,
		correction.ErrSchemaValidationFailed,
	} {
		if errors.Is(err, target) {
			return temporal.NewNonRetryableApplicationError(err.Error(), errPermanent, err)
		}
	}
	return err
}
