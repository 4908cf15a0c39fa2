// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// contract runs the behaviour every Store must share. open returns an
// empty store.
func contract(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("variant pmids only grow", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.UpsertVariant(ctx, &types.Variant{
			ID: "v1", Gene: "GAA", HGVSc: "c.2238G>C", PMIDs: []int{30, 10},
			Details: json.RawMessage(`{"p":"W746C"}`),
		}))
		require.NoError(t, s.AddPMIDs(ctx, "v1", []int{20, 30}))
		require.NoError(t, s.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "c.2238G>C"}))

		v, err := s.GetVariant(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, []int{10, 20, 30}, v.PMIDs)
		assert.JSONEq(t, `{"p":"W746C"}`, string(v.Details))
		assert.False(t, v.CreatedAt.IsZero())

		all, err := s.ListVariants(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, []int{10, 20, 30}, all[0].PMIDs)
	})

	t.Run("missing rows", func(t *testing.T) {
		s := open(t)
		_, err := s.GetVariant(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetDocument(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetExtraction(ctx, "nope", 1)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetAggregate(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetStage(ctx, types.VariantUnit("nope"), types.StageQuery)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("document", func(t *testing.T) {
		s := open(t)
		doc := sampleDocument(101)
		require.NoError(t, s.PutDocument(ctx, doc))

		got, err := s.GetDocument(ctx, 101)
		require.NoError(t, err)
		assert.Equal(t, doc.Pages, got.Pages)
		assert.Equal(t, "fp-101", got.Fingerprint)
	})

	t.Run("paper keeps pdf path", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutPaper(ctx, &types.PaperMetadata{PMID: 5, Title: "T", PDFPath: "papers/5.pdf"}))
		require.NoError(t, s.PutPaper(ctx, &types.PaperMetadata{PMID: 5, Title: "T2"}))

		p, err := s.GetPaper(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, "T2", p.Title)
		assert.Equal(t, "papers/5.pdf", p.PDFPath)
	})

	t.Run("extraction one row per key", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "c.1A>G"}))

		first := sampleExtraction("v1", 200, `{"variant_discussed":true,"evidence":[]}`)
		require.NoError(t, s.PutExtraction(ctx, first))
		second := sampleExtraction("v1", 200, `{"variant_discussed":false,"evidence":[]}`)
		second.Attempts = 2
		require.NoError(t, s.PutExtraction(ctx, second))
		require.NoError(t, s.PutExtraction(ctx, sampleExtraction("v1", 100, `{}`)))

		got, err := s.GetExtraction(ctx, "v1", 200)
		require.NoError(t, err)
		assert.JSONEq(t, `{"variant_discussed":false,"evidence":[]}`, string(got.Result))
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, types.ReasonBoxNotFound, got.Defects[0].Reason)
		assert.Equal(t, 1, got.BoxMapping[1].ID)

		list, err := s.ListExtractions(ctx, "v1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, 100, list[0].PMID)
		assert.Equal(t, 200, list[1].PMID)
	})

	t.Run("aggregate overwrite", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "c.1A>G"}))
		for _, class := range []string{"VUS", "Likely Pathogenic"} {
			require.NoError(t, s.PutAggregate(ctx, &types.AggregateAssessment{
				VariantID:   "v1",
				RawResponse: class,
				Result:      json.RawMessage(`{"classification":"` + class + `"}`),
				PMIDs:       []int{2, 1},
				InputDigest: "digest-" + class,
				Attempts:    1,
			}))
		}

		a, err := s.GetAggregate(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, "Likely Pathogenic", a.RawResponse)
		assert.Equal(t, []int{2, 1}, a.PMIDs)
		assert.Equal(t, "digest-Likely Pathogenic", a.InputDigest)
	})

	t.Run("stages", func(t *testing.T) {
		s := open(t)
		rec := &types.StageRecord{
			Unit:     types.PaperUnit("v1", 7),
			Stage:    types.StageExtract,
			State:    types.StateFailed,
			Attempts: 1,
			RunID:    "r1",
			LastError: "boom",
		}
		require.NoError(t, s.PutStage(ctx, rec))
		rec.State = types.StateComplete
		rec.LastError = ""
		rec.Attempts = 2
		require.NoError(t, s.PutStage(ctx, rec))
		require.NoError(t, s.PutStage(ctx, &types.StageRecord{
			Unit: types.VariantUnit("v1"), Stage: types.StageQuery, State: types.StateComplete, Attempts: 1,
		}))

		got, err := s.GetStage(ctx, types.PaperUnit("v1", 7), types.StageExtract)
		require.NoError(t, err)
		assert.Equal(t, types.StateComplete, got.State)
		assert.Equal(t, 2, got.Attempts)
		assert.Empty(t, got.LastError)

		list, err := s.ListStages(ctx, "v1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, types.StageQuery, list[0].Stage)
		assert.Equal(t, 7, list[1].Unit.PMID)
	})

	t.Run("transaction rolls back", func(t *testing.T) {
		s := open(t)
		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Tx) error {
			if err := tx.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "c.1A>G"}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.GetVariant(ctx, "v1")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.InTx(ctx, func(tx Tx) error {
			return tx.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "c.1A>G"})
		}))
		_, err = s.GetVariant(ctx, "v1")
		assert.NoError(t, err)
	})

	t.Run("bundle", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.UpsertVariant(ctx, &types.Variant{ID: "v1", Gene: "GAA", HGVSc: "c.1A>G", PMIDs: []int{100}}))
		require.NoError(t, s.PutPaper(ctx, &types.PaperMetadata{PMID: 100, Title: "A paper"}))
		require.NoError(t, s.PutExtraction(ctx, sampleExtraction("v1", 100, `{"variant_discussed":true,"evidence":[]}`)))

		b, err := LoadBundle(ctx, s, "v1")
		require.NoError(t, err)
		assert.Nil(t, b.Aggregate)
		require.Len(t, b.Extractions, 1)
		require.Len(t, b.Papers, 1)

		var buf bytes.Buffer
		require.NoError(t, WriteBundle(&buf, b, "yaml"))
		assert.Contains(t, buf.String(), "variant_discussed: true")

		buf.Reset()
		require.NoError(t, WriteBundle(&buf, b, "json"))
		assert.Contains(t, buf.String(), `"variant_discussed": true`)

		assert.Error(t, WriteBundle(&buf, b, "xml"))
	})
}

func sampleDocument(pmid int) *types.Document {
	return &types.Document{
		PMID:        pmid,
		Converter:   "docling",
		Fingerprint: "fp-101",
		Pages: []types.Page{{
			Number: 1, Width: 612, Height: 792,
			Boxes: []types.Box{{
				ID: 1, Page: 1, Text: "Results",
				Region: types.Region{L: 1, T: 2, R: 3, B: 4, Origin: types.OriginBottomLeft},
			}},
		}},
		Body:      []types.Segment{{BoxID: 1, Text: "Results"}},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func sampleExtraction(variantID string, pmid int, result string) *types.IndividualExtraction {
	return &types.IndividualExtraction{
		VariantID:   variantID,
		PMID:        pmid,
		RawResponse: result,
		Result:      json.RawMessage(result),
		BoxMapping:  map[int]types.Box{1: {ID: 1, Page: 1, Text: "Results"}},
		Defects:     []types.Defect{{Path: "evidence[0].citations[0]", BoxID: 9, Reason: types.ReasonBoxNotFound}},
		Attempts:    1,
		Model:       "anthropic:test",
		PromptSet:   "generic",
	}
}

func TestSQLiteContract(t *testing.T) {
	contract(t, func(t *testing.T) Store {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "data", "evidence.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, types.StoreConfig{Path: filepath.Join(t.TempDir(), "e.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	s.Close()

	_, err = Open(ctx, types.StoreConfig{Driver: "postgres"})
	assert.Error(t, err)

	_, err = Open(ctx, types.StoreConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
	assert.Equal(t, "a = $1 AND b = $2", rebind("a = ? AND b = ?"))
}

func TestPostgresContract(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()

	server, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,

		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "evidence",
				"POSTGRES_PASSWORD": "evidence",
				"POSTGRES_DB":       "evidence",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
	})
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	t.Cleanup(func() { testcontainers.TerminateContainer(server) })

	endpoint, err := server.Endpoint(ctx, "")
	require.NoError(t, err)
	dsn := "postgres://evidence:evidence@" + endpoint + "/evidence?sslmode=disable"

	contract(t, func(t *testing.T) Store {
		p, err := OpenPostgres(ctx, dsn)
		require.NoError(t, err)
		_, err = p.pool.Exec(ctx, `TRUNCATE stage_states, aggregate_assessments, individual_extractions,
			variant_pmids, papers, documents, variants`)
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		return p
	})
}
