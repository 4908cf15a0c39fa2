// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package workflow runs the whole pipeline for one variant as a Temporal
// workflow: query, then download, convert and extract per paper, then
// aggregate. Each stage is an activity over the same services the CLI
// uses, so a workflow run and manual commands share stage state.
//
// The workflow id is variant-<id>; Temporal refuses a second running
// workflow with the same id, which serializes runs per variant.
package workflow

import (
	"fmt"
	"slices"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// QueryStatus is the query handler name for the run's progress.
const QueryStatus = "status"

// DefaultParallelism bounds papers processed at once.
const DefaultParallelism = 4

const (
	queryTimeout     = 5 * time.Minute
	downloadTimeout  = 10 * time.Minute
	convertTimeout   = 30 * time.Minute
	modelTimeout     = 30 * time.Minute
	callbackTimeout  = time.Minute
	stageMaxAttempts = 3
)

// Paper states reported by the status query.
const (
	PaperPending     = "pending"
	PaperDownloading = "downloading"
	PaperConverting  = "converting"
	PaperExtracting  = "extracting"
	PaperDone        = "done"
	PaperFailed      = "failed"
)

// ID returns the workflow id for a variant.
func ID(variantID string) string {
	return "variant-" + variantID
}

// VariantInput starts a run.
type VariantInput struct {
	VariantID string `json:"variant_id"`
	Gene      string `json:"gene"`
	HGVSc     string `json:"hgvs_c"`

	// Force re-runs extraction and aggregation even when complete.
	// Downloads and conversions are never repeated by a run.
	Force bool `json:"force"`

	// Parallelism bounds papers in flight (default 4).
	Parallelism int `json:"parallelism"`

	// CallbackURL, when set, receives one POST when the run ends.
	CallbackURL string `json:"callback_url,omitempty"`
}

// Status is the run's progress as returned by the status query.
type Status struct {
	VariantID  string         `json:"variant_id"`
	Step       string         `json:"step"`
	Papers     map[int]string `json:"papers"`
	Errors     map[int]string `json:"errors,omitempty"`
	Extracted  int            `json:"extracted"`
	Failed     int            `json:"failed"`
	Aggregated bool           `json:"aggregated"`
}

// VariantOutput is the result of a completed run.
type VariantOutput struct {
	VariantID  string `json:"variant_id"`
	RunID      string `json:"run_id"`
	PMIDs      []int  `json:"pmids"`
	Extracted  int    `json:"extracted"`
	Failed     []int  `json:"failed,omitempty"`
	Aggregated bool   `json:"aggregated"`
}

func activityOptions(timeout time.Duration) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2,
			MaximumInterval:        time.Minute,
			MaximumAttempts:        stageMaxAttempts,
			NonRetryableErrorTypes: []string{errPermanent},
		},
	}
}

// VariantWorkflow runs every stage for in.VariantID. A paper that fails
// does not stop the others; aggregation runs over whatever was extracted.
// The callback is sent whether or not the run succeeds.
func VariantWorkflow(ctx workflow.Context, in VariantInput) (*VariantOutput, error) {
	logger := workflow.GetLogger(ctx)
	runID := workflow.GetInfo(ctx).WorkflowExecution.RunID

	status := Status{
		VariantID: in.VariantID,
		Step:      "query",
		Papers:    map[int]string{},
		Errors:    map[int]string{},
	}
	if err := workflow.SetQueryHandler(ctx, QueryStatus, func() (Status, error) {
		return status, nil
	}); err != nil {
		return nil, err
	}

	if in.CallbackURL != "" {
		defer func() {
			cbCtx, _ := workflow.NewDisconnectedContext(ctx)
			cbCtx = workflow.WithActivityOptions(cbCtx, activityOptions(callbackTimeout))
			var a *Activities
			cbErr := workflow.ExecuteActivity(cbCtx, a.Callback, CallbackInput{
				URL:       in.CallbackURL,
				VariantID: in.VariantID,
				RunID:     runID,
			}).Get(cbCtx, nil)
			if cbErr != nil {
				logger.Warn("completion callback failed", "url", in.CallbackURL, "error", cbErr)
			}
		}()
	}

	var a *Activities
	out := &VariantOutput{VariantID: in.VariantID, RunID: runID}

	var q QueryOutput
	qctx := workflow.WithActivityOptions(ctx, activityOptions(queryTimeout))
	if err := workflow.ExecuteActivity(qctx, a.Query, QueryInput{
		VariantID: in.VariantID,
		Gene:      in.Gene,
		HGVSc:     in.HGVSc,
	}).Get(ctx, &q); err != nil {
		status.Step = "failed"
		return nil, fmt.Errorf("query: %w", err)
	}
	out.PMIDs = q.PMIDs
	for _, pmid := range q.PMIDs {
		status.Papers[pmid] = PaperPending
	}
	logger.Info("variant queried", "variant_id", in.VariantID, "papers", len(q.PMIDs), "added", q.Added)

	status.Step = "papers"
	parallelism := in.Parallelism
	if parallelism <= 0 {
		parallelism = DefaultParallelism
	}
	for start := 0; start < len(q.PMIDs); start += parallelism {
		end := min(start+parallelism, len(q.PMIDs))
		wg := workflow.NewWaitGroup(ctx)
		for _, pmid := range q.PMIDs[start:end] {
			wg.Add(1)
			workflow.Go(ctx, func(gctx workflow.Context) {
				defer wg.Done()
				if err := processPaper(gctx, in, pmid, &status); err != nil {
					status.Papers[pmid] = PaperFailed
					status.Errors[pmid] = err.Error()
					status.Failed++
					out.Failed = append(out.Failed, pmid)
					logger.Warn("paper failed", "pmid", pmid, "error", err)
					return
				}
				status.Papers[pmid] = PaperDone
				status.Extracted++
			})
		}
		wg.Wait(ctx)
	}
	slices.Sort(out.Failed)
	out.Extracted = status.Extracted

	status.Step = "aggregate"
	actx := workflow.WithActivityOptions(ctx, activityOptions(modelTimeout))
	if err := workflow.ExecuteActivity(actx, a.Aggregate, AggregateInput{
		VariantID: in.VariantID,
		Force:     in.Force,
	}).Get(ctx, nil); err != nil {
		status.Step = "failed"
		return out, fmt.Errorf("aggregate: %w", err)
	}
	status.Aggregated = true
	out.Aggregated = true
	status.Step = "done"
	return out, nil
}

func processPaper(ctx workflow.Context, in VariantInput, pmid int, status *Status) error {
	var a *Activities

	steps := []struct {
		state   string
		timeout time.Duration
		act     any
		force   bool
	}{
		{PaperDownloading, downloadTimeout, a.Download, false},
		{PaperConverting, convertTimeout, a.Convert, false},
		{PaperExtracting, modelTimeout, a.Extract, in.Force},
	}
	for _, step := range steps {
		status.Papers[pmid] = step.state
		sctx := workflow.WithActivityOptions(ctx, activityOptions(step.timeout))
		paper := PaperInput{VariantID: in.VariantID, PMID: pmid, Force: step.force}
		if err := workflow.ExecuteActivity(sctx, step.act, paper).Get(ctx, nil); err != nil {
			return fmt.Errorf("%s: %w", step.state, err)
		}
	}
	return nil
}
