// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/evidence-engine/internal/metrics"
	"github.com/pdiddy/evidence-engine/internal/stage"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "evidence.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	m := metrics.New(prometheus.NewRegistry())
	tr := stage.NewTracker(s, nil, m)

	require.NoError(t, s.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "c.2238G>C"}))
	require.NoError(t, s.AddPMIDs(ctx, "v1", []int{101}))
	require.NoError(t, tr.Record(ctx, types.VariantUnit("v1"), types.StageQuery))
	require.NoError(t, s.PutExtraction(ctx, &types.IndividualExtraction{
		VariantID:  "v1",
		PMID:       101,
		Result:     json.RawMessage(`{"variant_discussed":true,"evidence":[{"citations":[{"box_id":1}]}]}`),
		BoxMapping: map[int]types.Box{1: {ID: 1}},
		Attempts:   1,
		Model:      "anthropic:test",
	}))

	ts := httptest.NewServer(New(s, m, nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, ts *httptest.Server, path string) (int, []byte) {
	t.Helper()
	resp, err := ts.Client().Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	ts := newServer(t)
	code, body := get(t, ts, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestVariants(t *testing.T) {
	ts := newServer(t)

	code, body := get(t, ts, "/variants")
	require.Equal(t, http.StatusOK, code)
	var list []types.Variant
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "GAA", list[0].Gene)

	code, body = get(t, ts, "/variants/v1")
	require.Equal(t, http.StatusOK, code)
	var v types.Variant
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, []int{101}, v.PMIDs)
}

func TestExtractions(t *testing.T) {
	ts := newServer(t)

	code, body := get(t, ts, "/variants/v1/extractions")
	require.Equal(t, http.StatusOK, code)
	var list []types.IndividualExtraction
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, 101, list[0].PMID)

	code, body = get(t, ts, "/variants/v1/extractions/101")
	require.Equal(t, http.StatusOK, code)
	var e types.IndividualExtraction
	require.NoError(t, json.Unmarshal(body, &e))
	assert.JSONEq(t, `{"variant_discussed":true,"evidence":[{"citations":[{"box_id":1}]}]}`, string(e.Result))
	assert.Contains(t, e.BoxMapping, 1)
}

func TestStages(t *testing.T) {
	ts := newServer(t)

	code, body := get(t, ts, "/variants/v1/stages")
	require.Equal(t, http.StatusOK, code)
	var recs []types.StageRecord
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, types.StageQuery, recs[0].Stage)
	assert.Equal(t, types.StateComplete, recs[0].State)
}

func TestErrors(t *testing.T) {
	ts := newServer(t)

	tests := []struct {
		path string
		code int
	}{
		{"/variants/nope", http.StatusNotFound},
		{"/variants/nope/stages", http.StatusNotFound},
		{"/variants/nope/extractions", http.StatusNotFound},
		{"/variants/v1/extractions/999", http.StatusNotFound},
		{"/variants/v1/extractions/abc", http.StatusBadRequest},
		{"/variants/v1/aggregate", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := get(t, ts, tt.path)
			assert.Equal(t, tt.code, code)
			var resp errorResponse
			require.NoError(t, json.Unmarshal(body, &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestMetrics(t *testing.T) {
	ts := newServer(t)
	code, body := get(t, ts, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "evidence_engine_stage_transitions_total")
}
