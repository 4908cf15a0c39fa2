// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package extract

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/evidence-engine/internal/correction"
	"github.com/pdiddy/evidence-engine/internal/document"
	"github.com/pdiddy/evidence-engine/internal/model"
	"github.com/pdiddy/evidence-engine/internal/promptset"
	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

// --- fake invoker ---

type fakeInvoker struct {
	mu       sync.Mutex
	respond  func(req model.Request, call int) (string, error)
	requests []model.Request
}

func (f *fakeInvoker) Invoke(_ context.Context, req model.Request) (model.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	call := len(f.requests)
	f.mu.Unlock()
	text, err := f.respond(req, call)
	return model.Response{Text: text}, err
}

func (f *fakeInvoker) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func always(text string) func(model.Request, int) (string, error) {
	return func(model.Request, int) (string, error) { return text, nil }
}

const validResponse = `{"variant_discussed": true, "evidence": [
	{"finding": "A proband was compound heterozygous.", "citations": [{"box_id": 2, "commentary": "case report"}]}
]}`

// --- fixtures ---

type fixture struct {
	store   store.Store
	tracker *stage.Tracker
	invoker *fakeInvoker
	engine  *Engine
}

func newFixture(t *testing.T, cfg types.ExtractionConfig) *fixture {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	set, err := promptset.Load(promptset.DefaultName, "")
	require.NoError(t, err)

	f := &fixture{
		store:   s,
		tracker: stage.NewTracker(s, nil, nil),
		invoker: &fakeInvoker{respond: always(validResponse)},
	}
	f.engine = New(Deps{
		Store:     s,
		Tracker:   f.tracker,
		Invoker:   f.invoker,
		PromptSet: set,
		Model:     "anthropic:test",
	}, cfg)

	ctx := context.Background()
	require.NoError(t, s.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "NM_000152.5:c.2238G>C"}))
	require.NoError(t, f.tracker.Record(ctx, types.VariantUnit("v1"), types.StageQuery))
	return f
}

func testDocument(pmid int, texts ...string) *types.Document {
	doc := &types.Document{PMID: pmid, Converter: "test"}
	page := types.Page{Number: 1, Width: 612, Height: 792}
	for i, text := range texts {
		id := i + 1
		page.Boxes = append(page.Boxes, types.Box{
			ID: id, Page: 1, Text: text,
			Region: types.Region{L: 10, T: float64(700 - 20*i), R: 500, B: float64(690 - 20*i), Origin: types.OriginBottomLeft},
		})
		doc.Body = append(doc.Body, types.Segment{BoxID: id, Text: text})
	}
	doc.Pages = []types.Page{page}
	doc.Fingerprint = document.Fingerprint(doc)
	return doc
}

// converted stores a three-box document for pmid and records the stages
// leading up to extraction.
func (f *fixture) converted(t *testing.T, pmid int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.AddPMIDs(ctx, "v1", []int{pmid}))
	require.NoError(t, f.store.PutDocument(ctx, testDocument(pmid,
		"Pompe disease case series",
		"Patient 3 carried c.2238G>C in trans with a deletion.",
		"GAA activity was 4% of normal.")))
	require.NoError(t, f.tracker.Record(ctx, types.PaperUnit("v1", pmid), types.StageDownload))
	require.NoError(t, f.tracker.Record(ctx, types.PaperUnit("v1", pmid), types.StageConvert))
}

func (f *fixture) state(t *testing.T, pmid int) types.StageState {
	t.Helper()
	state, err := f.tracker.State(context.Background(), types.PaperUnit("v1", pmid), types.StageExtract)
	require.NoError(t, err)
	return state
}

// --- Extract ---

func TestExtractStoresResult(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})
	f.converted(t, 101)

	res, err := f.engine.Extract(context.Background(), "v1", 101, Options{})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Findings)

	stored, err := f.store.GetExtraction(context.Background(), "v1", 101)
	require.NoError(t, err)
	assert.JSONEq(t, validResponse, string(stored.Result))
	assert.Equal(t, validResponse, stored.RawResponse)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, "generic", stored.PromptSet)
	assert.Equal(t, "anthropic:test", stored.Model)
	require.Contains(t, stored.BoxMapping, 2)
	assert.Equal(t, 1, stored.BoxMapping[2].Page)
	assert.Len(t, stored.BoxMapping, 1)
	assert.Empty(t, stored.Defects)
	assert.Equal(t, types.StateComplete, f.state(t, 101))

	req := f.invoker.requests[0]
	assert.Contains(t, req.Prompt, "<b id=2>Patient 3 carried")
	assert.Contains(t, req.Prompt, "PubMed ID: 101")
	assert.Equal(t, model.ExtractionBudget.MaxTokens, req.MaxTokens)
	assert.NotEmpty(t, req.Schema)
}

func TestExtractFlagsUnknownBox(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})
	f.converted(t, 101)
	f.invoker.respond = always(`{"variant_discussed": true, "evidence": [
		{"finding": "Activity reduced.", "citations": [{"box_id": 5, "commentary": "not on the page"}]}
	]}`)

	_, err := f.engine.Extract(context.Background(), "v1", 101, Options{})
	require.NoError(t, err)

	stored, err := f.store.GetExtraction(context.Background(), "v1", 101)
	require.NoError(t, err)
	require.Len(t, stored.Defects, 1)
	assert.Equal(t, types.Defect{
		Item:   "evidence[0]",
		Path:   "evidence[0].citations[0]",
		BoxID:  5,
		Reason: types.ReasonBoxNotFound,
	}, stored.Defects[0])
	assert.Empty(t, stored.BoxMapping)
	assert.Contains(t, string(stored.Result), `"box_id": 5`)
}

func TestExtractSelfCorrects(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})
	f.converted(t, 101)
	missing := `{"variant_discussed": true, "evidence": [{"finding": "No citations here."}]}`
	f.invoker.respond = func(_ model.Request, call int) (string, error) {
		if call == 1 {
			return missing, nil
		}
		return validResponse, nil
	}

	res, err := f.engine.Extract(context.Background(), "v1", 101, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Extraction.Attempts)

	stored, err := f.store.GetExtraction(context.Background(), "v1", 101)
	require.NoError(t, err)
	assert.Equal(t, validResponse, stored.RawResponse)

	require.Equal(t, 2, f.invoker.calls())
	first, second := f.invoker.requests[0].Prompt, f.invoker.requests[1].Prompt
	assert.NotContains(t, first, "rejected")
	assert.True(t, strings.HasPrefix(second, first))
	assert.Contains(t, second, "Attempt 1:")
	assert.Contains(t, second, "citations")
}

func TestExtractRetryPolicyCorrectsUnknownBox(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{Policy: types.PolicyRetry})
	f.converted(t, 101)
	f.invoker.respond = func(_ model.Request, call int) (string, error) {
		if call == 1 {
			return `{"variant_discussed": true, "evidence": [{"finding": "f", "citations": [{"box_id": 9, "commentary": "c"}]}]}`, nil
		}
		return validResponse, nil
	}

	res, err := f.engine.Extract(context.Background(), "v1", 101, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Extraction.Attempts)
	assert.Empty(t, res.Extraction.Defects)
	assert.Contains(t, f.invoker.requests[1].Prompt, "box_id 9 not found")
}

func TestExtractIsIdempotent(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})
	f.converted(t, 101)
	ctx := context.Background()

	_, err := f.engine.Extract(ctx, "v1", 101, Options{})
	require.NoError(t, err)
	before, err := f.store.GetExtraction(ctx, "v1", 101)
	require.NoError(t, err)
	recBefore, err := f.tracker.Get(ctx, types.PaperUnit("v1", 101), types.StageExtract)
	require.NoError(t, err)

	f.invoker.respond = always(`{"variant_discussed": false, "evidence": []}`)
	res, err := f.engine.Extract(ctx, "v1", 101, Options{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, f.invoker.calls())

	after, err := f.store.GetExtraction(ctx, "v1", 101)
	require.NoError(t, err)
	assert.Equal(t, before.RawResponse, after.RawResponse)
	assert.True(t, before.CreatedAt.Equal(after.CreatedAt))
	recAfter, err := f.tracker.Get(ctx, types.PaperUnit("v1", 101), types.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, recBefore.RunID, recAfter.RunID)
	assert.Equal(t, recBefore.Attempts, recAfter.Attempts)
}

func TestExtractForceReplacesRow(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})
	f.converted(t, 101)
	ctx := context.Background()

	_, err := f.engine.Extract(ctx, "v1", 101, Options{})
	require.NoError(t, err)

	replacement := `{"variant_discussed": false, "evidence": []}`
	f.invoker.respond = always(replacement)
	res, err := f.engine.Extract(ctx, "v1", 101, Options{Force: true})
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	list, err := f.store.ListExtractions(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.JSONEq(t, replacement, string(list[0].Result))
	assert.Empty(t, list[0].BoxMapping)
	assert.Equal(t, types.StateComplete, f.state(t, 101))
}

func TestExtractDocumentMissing(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})

	_, err := f.engine.Extract(context.Background(), "v1", 404, Options{})
	assert.ErrorIs(t, err, ErrDocumentMissing)
	assert.Equal(t, 0, f.invoker.calls())

	rec, err := f.tracker.Get(context.Background(), types.PaperUnit("v1", 404), types.StageExtract)
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, rec.State)
	assert.Contains(t, rec.LastError, "no converted document")
}

func TestExtractResumesCrashedRun(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		ctx     func(context.Context) context.Context
		wantErr error
	}{
		{name: "plain retry waits", ctx: func(ctx context.Context) context.Context { return ctx }, wantErr: stage.ErrInProgress},
		{name: "force takes over", opts: Options{Force: true}, ctx: func(ctx context.Context) context.Context { return ctx }},
		{name: "same run id resumes", ctx: func(ctx context.Context) context.Context { return stage.WithRunID(ctx, "job-7") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, types.ExtractionConfig{})
			f.converted(t, 101)
			unit := types.PaperUnit("v1", 101)

			// The first attempt died between Begin and Complete.
			crashed, err := f.tracker.Begin(stage.WithRunID(context.Background(), "job-7"), unit, types.StageExtract)
			require.NoError(t, err)

			res, err := f.engine.Extract(tt.ctx(context.Background()), "v1", 101, tt.opts)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, 0, f.invoker.calls())
				assert.Equal(t, types.StateInProgress, f.state(t, 101))
				return
			}
			require.NoError(t, err)
			assert.False(t, res.Skipped)
			assert.Equal(t, 1, f.invoker.calls())
			assert.Equal(t, types.StateComplete, f.state(t, 101))

			rec, err := f.tracker.Get(context.Background(), unit, types.StageExtract)
			require.NoError(t, err)
			assert.Equal(t, crashed.Attempts+1, rec.Attempts)
		})
	}
}

func TestExtractVariantNotFound(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})

	_, err := f.engine.Extract(context.Background(), "nope", 101, Options{})
	assert.ErrorIs(t, err, ErrVariantNotFound)
}

func TestExtractFailures(t *testing.T) {
	tests := []struct {
		name    string
		respond func(model.Request, int) (string, error)
		want    error
		calls   int
	}{
		{
			name: "model unreachable",
			respond: func(model.Request, int) (string, error) {
				return "", errors.New("connection refused")
			},
			want:  correction.ErrModelInvocationFailed,
			calls: 1,
		},
		{
			name:    "never valid",
			respond: always("I could not find the variant in this paper."),
			want:    correction.ErrSchemaValidationFailed,
			calls:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, types.ExtractionConfig{MaxAttempts: 2})
			f.converted(t, 101)
			f.invoker.respond = tt.respond

			_, err := f.engine.Extract(context.Background(), "v1", 101, Options{})
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.calls, f.invoker.calls())

			_, err = f.store.GetExtraction(context.Background(), "v1", 101)
			assert.ErrorIs(t, err, store.ErrNotFound)

			rec, err := f.tracker.Get(context.Background(), types.PaperUnit("v1", 101), types.StageExtract)
			require.NoError(t, err)
			assert.Equal(t, types.StateFailed, rec.State)
			assert.NotEmpty(t, rec.LastError)
		})
	}
}

func TestExtractRequiresConvertStage(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})
	require.NoError(t, f.store.PutDocument(context.Background(), testDocument(101, "text")))

	_, err := f.engine.Extract(context.Background(), "v1", 101, Options{})
	assert.ErrorIs(t, err, stage.ErrPrerequisiteIncomplete)
	assert.Equal(t, 0, f.invoker.calls())
}

func TestExtractDryRun(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{MaxPaperChars: 120})
	f.converted(t, 101)

	res, err := f.engine.Extract(context.Background(), "v1", 101, Options{DryRun: true})
	require.NoError(t, err)
	assert.Contains(t, res.Prompt, "<b id=1>Pompe disease case series</b>")
	assert.Contains(t, res.Prompt, document.TruncationNote)
	assert.Equal(t, 0, f.invoker.calls())
	assert.Equal(t, types.StateNotStarted, f.state(t, 101))
}

// --- ExtractAll ---

func TestExtractAll(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{Concurrency: 2})
	f.converted(t, 101)
	f.converted(t, 102)
	f.converted(t, 103)
	require.NoError(t, f.store.AddPMIDs(context.Background(), "v1", []int{104}))

	f.invoker.respond = func(req model.Request, _ int) (string, error) {
		if strings.Contains(req.Prompt, "PubMed ID: 102") {
			return "", errors.New("status 400: prompt too long")
		}
		return validResponse, nil
	}
	_, err := f.engine.Extract(context.Background(), "v1", 103, Options{})
	require.NoError(t, err)

	var buf strings.Builder
	summary, err := f.engine.ExtractAll(context.Background(), "v1", Options{}, &buf)
	require.NoError(t, err)

	assert.Equal(t, BatchSummary{Extracted: 1, Skipped: 2, Failed: 1}, summary)
	assert.True(t, summary.HasFailures())
	assert.Equal(t, 4, summary.Total())

	out := buf.String()
	assert.Contains(t, out, "extracted 101 (1 findings, 0 defects)")
	assert.Contains(t, out, "failed  102:")
	assert.Contains(t, out, "skipped 103\n")
	assert.Contains(t, out, "skipped 104: no converted document")
}

func TestExtractAllUnknownVariant(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})

	_, err := f.engine.ExtractAll(context.Background(), "nope", Options{}, &strings.Builder{})
	assert.ErrorIs(t, err, ErrVariantNotFound)
}

func TestBatchSummary(t *testing.T) {
	tests := []struct {
		s        BatchSummary
		total    int
		failures bool
	}{
		{BatchSummary{}, 0, false},
		{BatchSummary{Extracted: 3, Skipped: 2}, 5, false},
		{BatchSummary{Extracted: 1, Failed: 1}, 2, true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%+v", tt.s), func(t *testing.T) {
			assert.Equal(t, tt.total, tt.s.Total())
			assert.Equal(t, tt.failures, tt.s.HasFailures())
		})
	}
}

// --- Verify ---

func TestVerifyDetectsReconversion(t *testing.T) {
	f := newFixture(t, types.ExtractionConfig{})
	f.converted(t, 101)
	ctx := context.Background()

	_, err := f.engine.Extract(ctx, "v1", 101, Options{})
	require.NoError(t, err)

	reports, err := f.engine.Verify(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Stale)
	assert.Empty(t, reports[0].Defects)

	// A new conversion that found only one box.
	require.NoError(t, f.store.PutDocument(ctx, testDocument(101, "Pompe disease case series")))

	reports, err = f.engine.Verify(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Stale)
	require.Len(t, reports[0].Defects, 1)
	assert.Equal(t, 2, reports[0].Defects[0].BoxID)
	assert.NoError(t, reports[0].Err)
}
