// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/pdiddy/evidence-engine/internal/acquire"
	"github.com/pdiddy/evidence-engine/internal/aggregate"
	"github.com/pdiddy/evidence-engine/internal/convert"
	"github.com/pdiddy/evidence-engine/internal/correction"
	"github.com/pdiddy/evidence-engine/internal/extract"
	"github.com/pdiddy/evidence-engine/internal/literature"
	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// pipeline fakes every stage service and records the calls it sees.
type pipeline struct {
	mu         sync.Mutex
	pmids      []int
	queryErr   error
	convertErr map[int]error
	aggErr     error
	busy       map[int]int
	calls      []string
	forced     []string
	runIDs     map[string]bool
}

func (p *pipeline) record(call string, force bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	if force {
		p.forced = append(p.forced, call)
	}
}

func (p *pipeline) Query(_ context.Context, variantID, gene, hgvs string) (*literature.QueryResult, error) {
	p.record("query "+variantID, false)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return &literature.QueryResult{
		Variant: &types.Variant{ID: variantID, Gene: gene, HGVSc: hgvs, PMIDs: p.pmids},
		Found:   len(p.pmids),
		Added:   len(p.pmids),
	}, nil
}

func (p *pipeline) Download(_ context.Context, _ string, pmid int, force bool) (*acquire.Result, error) {
	p.record(fmt.Sprintf("download %d", pmid), force)
	return &acquire.Result{}, nil
}

func (p *pipeline) ConvertPaper(_ context.Context, _ string, pmid int, force bool) (*convert.Result, error) {
	p.record(fmt.Sprintf("convert %d", pmid), force)
	if err := p.convertErr[pmid]; err != nil {
		return nil, err
	}
	return &convert.Result{}, nil
}

func (p *pipeline) Extract(ctx context.Context, _ string, pmid int, opts extract.Options) (*extract.Result, error) {
	p.record(fmt.Sprintf("extract %d", pmid), opts.Force)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runIDs == nil {
		p.runIDs = make(map[string]bool)
	}
	p.runIDs[stage.RunIDFromContext(ctx)] = true
	if p.busy[pmid] > 0 {
		p.busy[pmid]--
		return nil, fmt.Errorf("extracting v1/%d: %w", pmid, stage.ErrInProgress)
	}
	return &extract.Result{}, nil
}

func (p *pipeline) Aggregate(_ context.Context, variantID string, opts aggregate.Options) (*aggregate.Result, error) {
	p.record("aggregate "+variantID, opts.Force)
	if p.aggErr != nil {
		return nil, p.aggErr
	}
	return &aggregate.Result{}, nil
}

func (p *pipeline) count(call string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == call {
			n++
		}
	}
	return n
}

type callbackServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []map[string]string
}

func newCallbackServer(t *testing.T) *callbackServer {
	cs := &callbackServer{}
	cs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		cs.mu.Lock()
		cs.payloads = append(cs.payloads, body)
		cs.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(cs.Close)
	return cs
}

func newEnv(p *pipeline, client *http.Client) *testsuite.TestWorkflowEnvironment {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(VariantWorkflow)
	env.RegisterActivity(&Activities{
		Querier:    p,
		Downloader: p,
		Converter:  p,
		Extractor:  p,
		Aggregator: p,
		HTTPClient: client,
	})
	return env
}

func TestVariantWorkflowRunsEveryStage(t *testing.T) {
	p := &pipeline{
		pmids:      []int{10, 20, 30},
		convertErr: map[int]error{20: fmt.Errorf("converting 20: %w", convert.ErrPDFMissing)},
	}
	cb := newCallbackServer(t)
	env := newEnv(p, cb.Client())

	env.ExecuteWorkflow(VariantWorkflow, VariantInput{
		VariantID:   "v1",
		Gene:        "GAA",
		HGVSc:       "c.2238G>C",
		Force:       true,
		Parallelism: 2,
		CallbackURL: cb.URL,
	})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out VariantOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, []int{10, 20, 30}, out.PMIDs)
	assert.Equal(t, 2, out.Extracted)
	assert.Equal(t, []int{20}, out.Failed)
	assert.True(t, out.Aggregated)

	assert.Equal(t, 1, p.count("convert 20"), "permanent errors are not retried")
	assert.Zero(t, p.count("extract 20"))
	assert.Equal(t, 1, p.count("aggregate v1"))
	assert.ElementsMatch(t, []string{"extract 10", "extract 30", "aggregate v1"}, p.forced,
		"force applies to model stages only")

	val, err := env.QueryWorkflow(QueryStatus)
	require.NoError(t, err)
	var st Status
	require.NoError(t, val.Get(&st))
	assert.Equal(t, "done", st.Step)
	assert.Equal(t, map[int]string{10: PaperDone, 20: PaperFailed, 30: PaperDone}, st.Papers)
	assert.Contains(t, st.Errors[20], "no pdf for paper")

	require.Len(t, cb.payloads, 1)
	assert.Equal(t, "v1", cb.payloads[0]["variant_id"])
	assert.Equal(t, out.RunID, cb.payloads[0]["run_id"])
}

func TestVariantWorkflowCallbackOnFailure(t *testing.T) {
	p := &pipeline{queryErr: fmt.Errorf("querying v1: %w", stage.ErrInvalidTransition)}
	cb := newCallbackServer(t)
	env := newEnv(p, cb.Client())

	env.ExecuteWorkflow(VariantWorkflow, VariantInput{VariantID: "v1", Gene: "GAA", HGVSc: "c.1A>G", CallbackURL: cb.URL})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Zero(t, p.count("aggregate v1"))

	require.Len(t, cb.payloads, 1)
	assert.Equal(t, "v1", cb.payloads[0]["variant_id"])
}

func TestVariantWorkflowAggregateFailure(t *testing.T) {
	p := &pipeline{
		pmids:  []int{10},
		aggErr: fmt.Errorf("aggregating v1: %w", correction.ErrSchemaValidationFailed),
	}
	env := newEnv(p, nil)

	env.ExecuteWorkflow(VariantWorkflow, VariantInput{VariantID: "v1", Gene: "GAA", HGVSc: "c.1A>G"})
	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
	assert.Equal(t, 1, p.count("aggregate v1"))
}

func TestVariantWorkflowRetriesTransientErrors(t *testing.T) {
	p := &pipeline{pmids: []int{10}, aggErr: errors.New("connection reset")}
	env := newEnv(p, nil)

	env.ExecuteWorkflow(VariantWorkflow, VariantInput{VariantID: "v1", Gene: "GAA", HGVSc: "c.1A>G"})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	assert.Equal(t, stageMaxAttempts, p.count("aggregate v1"))
}

func TestVariantWorkflowRetriesBusyStage(t *testing.T) {
	p := &pipeline{pmids: []int{10, 20}, busy: map[int]int{10: 2}}
	env := newEnv(p, nil)

	env.ExecuteWorkflow(VariantWorkflow, VariantInput{VariantID: "v1", Gene: "GAA", HGVSc: "c.1A>G"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, p.count("extract 10"))
	assert.Equal(t, 1, p.count("extract 20"))

	// Every attempt of one activity shares a run id; activities do not.
	assert.Len(t, p.runIDs, 2)
	assert.NotContains(t, p.runIDs, "")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
	}{
		{fmt.Errorf("x: %w", stage.ErrPrerequisiteIncomplete), true},
		{fmt.Errorf("x: %w", extract.ErrDocumentMissing), true},
		{fmt.Errorf("x: %w", aggregate.ErrNoExtractionsAvailable), true},
		{fmt.Errorf("x: %w", acquire.ErrNotAvailable), true},
		{fmt.Errorf("x: %w", correction.ErrSchemaValidationFailed), true},
		{fmt.Errorf("x: %w", stage.ErrInvalidTransition), true},
		{fmt.Errorf("x: %w", correction.ErrModelInvocationFailed), false},
		{fmt.Errorf("x: %w", stage.ErrInProgress), false},
		{errors.New("timeout"), false},
	}
	for _, tt := range tests {
		got := classify(tt.err)
		var appErr *temporal.ApplicationError
		if tt.permanent {
			require.ErrorAs(t, got, &appErr, tt.err.Error())
			assert.True(t, appErr.NonRetryable())
			continue
		}
		assert.Same(t, tt.err, got)
	}
}

func TestID(t *testing.T) {
	assert.Equal(t, "variant-v1", ID("v1"))
	assert.Equal(t, DefaultTaskQueue, TaskQueue(types.TemporalConfig{}))
	assert.Equal(t, "q", TaskQueue(types.TemporalConfig{TaskQueue: "q"}))
}
