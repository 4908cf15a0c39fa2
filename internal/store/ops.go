// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// querier is the subset of database calls shared by the SQLite and
// PostgreSQL drivers. Statements use ? placeholders; drivers that need
// another syntax rewrite them.
type querier interface {
	exec(ctx context.Context, query string, args ...any) error
	queryRow(ctx context.Context, query string, args ...any) row
	query(ctx context.Context, query string, args ...any) (rows, error)
}

type row interface {
	// Scan returns ErrNotFound when the query matched nothing.
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// schemaStatements create the tables. The DDL is portable between SQLite
// and PostgreSQL.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS variants (
		id TEXT PRIMARY KEY,
		gene TEXT NOT NULL,
		hgvs_c TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS variant_pmids (
		variant_id TEXT NOT NULL REFERENCES variants(id),
		pmid INTEGER NOT NULL,
		PRIMARY KEY (variant_id, pmid)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		pmid INTEGER PRIMARY KEY,
		converter TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS papers (
		pmid INTEGER PRIMARY KEY,
		doi TEXT NOT NULL DEFAULT '',
		pmcid TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		authors TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL DEFAULT '',
		journal TEXT NOT NULL DEFAULT '',
		abstract TEXT NOT NULL DEFAULT '',
		pdf_path TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS individual_extractions (
		variant_id TEXT NOT NULL REFERENCES variants(id),
		pmid INTEGER NOT NULL,
		raw_response TEXT NOT NULL,
		result TEXT NOT NULL,
		box_mapping TEXT NOT NULL,
		defects TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		model TEXT NOT NULL,
		prompt_set TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (variant_id, pmid)
	)`,
	`CREATE TABLE IF NOT EXISTS aggregate_assessments (
		variant_id TEXT PRIMARY KEY REFERENCES variants(id),
		raw_response TEXT NOT NULL,
		result TEXT NOT NULL,
		defects TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		pmids TEXT NOT NULL,
		input_digest TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL,
		prompt_set TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stage_states (
		variant_id TEXT NOT NULL,
		pmid INTEGER NOT NULL,
		stage TEXT NOT NULL,
		state TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		PRIMARY KEY (variant_id, pmid, stage)
	)`,
}

func createSchema(ctx context.Context, q querier) error {
	for _, stmt := range schemaStatements {
		if err := q.exec(ctx, stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// ops implements Tx over a querier.
type ops struct {
	q querier
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (o ops) UpsertVariant(ctx context.Context, v *types.Variant) error {
	if v.ID == "" {
		return errors.New("variant id is empty")
	}
	now := time.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	err := o.q.exec(ctx,
		`INSERT INTO variants (id, gene, hgvs_c, details, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			gene=excluded.gene, hgvs_c=excluded.hgvs_c,
			details=CASE WHEN excluded.details = '' THEN variants.details ELSE excluded.details END,
			updated_at=excluded.updated_at`,
		v.ID, v.Gene, v.HGVSc, string(v.Details), formatTime(v.CreatedAt), formatTime(v.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting variant %s: %w", v.ID, err)
	}
	return o.AddPMIDs(ctx, v.ID, v.PMIDs)
}

func (o ops) AddPMIDs(ctx context.Context, variantID string, pmids []int) error {
	for _, pmid := range types.MergePMIDs(nil, pmids) {
		err := o.q.exec(ctx,
			`INSERT INTO variant_pmids (variant_id, pmid) VALUES (?, ?)
			 ON CONFLICT(variant_id, pmid) DO NOTHING`,
			variantID, pmid,
		)
		if err != nil {
			return fmt.Errorf("adding pmid %d to %s: %w", pmid, variantID, err)
		}
	}
	return nil
}

func (o ops) GetVariant(ctx context.Context, id string) (*types.Variant, error) {
	var v types.Variant
	var details, created, updated string
	err := o.q.queryRow(ctx,
		`SELECT id, gene, hgvs_c, details, created_at, updated_at FROM variants WHERE id = ?`, id,
	).Scan(&v.ID, &v.Gene, &v.HGVSc, &details, &created, &updated)
	if err != nil {
		return nil, fmt.Errorf("variant %s: %w", id, err)
	}
	if details != "" {
		v.Details = json.RawMessage(details)
	}
	v.CreatedAt, v.UpdatedAt = parseTime(created), parseTime(updated)

	if v.PMIDs, err = o.pmids(ctx, id); err != nil {
		return nil, err
	}
	return &v, nil
}

func (o ops) pmids(ctx context.Context, variantID string) ([]int, error) {
	rs, err := o.q.query(ctx,
		`SELECT pmid FROM variant_pmids WHERE variant_id = ? ORDER BY pmid`, variantID)
	if err != nil {
		return nil, fmt.Errorf("listing pmids of %s: %w", variantID, err)
	}
	defer rs.Close()

	var out []int
	for rs.Next() {
		var p int
		if err := rs.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning pmid: %w", err)
		}
		out = append(out, p)
	}
	return out, rs.Err()
}

func (o ops) ListVariants(ctx context.Context) ([]types.Variant, error) {
	rs, err := o.q.query(ctx,
		`SELECT id, gene, hgvs_c, details, created_at, updated_at FROM variants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing variants: %w", err)
	}

	var out []types.Variant
	for rs.Next() {
		var v types.Variant
		var details, created, updated string
		if err := rs.Scan(&v.ID, &v.Gene, &v.HGVSc, &details, &created, &updated); err != nil {
			rs.Close()
			return nil, fmt.Errorf("scanning variant: %w", err)
		}
		if details != "" {
			v.Details = json.RawMessage(details)
		}
		v.CreatedAt, v.UpdatedAt = parseTime(created), parseTime(updated)
		out = append(out, v)
	}
	err = rs.Err()
	rs.Close()
	if err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].PMIDs, err = o.pmids(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (o ops) PutDocument(ctx context.Context, doc *types.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document %d: %w", doc.PMID, err)
	}
	err = o.q.exec(ctx,
		`INSERT INTO documents (pmid, converter, fingerprint, content, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(pmid) DO UPDATE SET
			converter=excluded.converter, fingerprint=excluded.fingerprint,
			content=excluded.content, created_at=excluded.created_at`,
		doc.PMID, doc.Converter, doc.Fingerprint, string(data), formatTime(doc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing document %d: %w", doc.PMID, err)
	}
	return nil
}

func (o ops) GetDocument(ctx context.Context, pmid int) (*types.Document, error) {
	var content string
	err := o.q.queryRow(ctx, `SELECT content FROM documents WHERE pmid = ?`, pmid).Scan(&content)
	if err != nil {
		return nil, fmt.Errorf("document %d: %w", pmid, err)
	}
	var doc types.Document
	if err := json.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("decoding document %d: %w", pmid, err)
	}
	return &doc, nil
}

func (o ops) PutPaper(ctx context.Context, p *types.PaperMetadata) error {
	err := o.q.exec(ctx,
		`INSERT INTO papers (pmid, doi, pmcid, title, authors, date, journal, abstract, pdf_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pmid) DO UPDATE SET
			doi=excluded.doi, pmcid=excluded.pmcid, title=excluded.title,
			authors=excluded.authors, date=excluded.date, journal=excluded.journal,
			abstract=excluded.abstract,
			pdf_path=CASE WHEN excluded.pdf_path = '' THEN papers.pdf_path ELSE excluded.pdf_path END`,
		p.PMID, p.DOI, p.PMCID, p.Title, p.Authors, p.Date, p.Journal, p.Abstract, p.PDFPath,
	)
	if err != nil {
		return fmt.Errorf("storing paper %d: %w", p.PMID, err)
	}
	return nil
}

func (o ops) GetPaper(ctx context.Context, pmid int) (*types.PaperMetadata, error) {
	var p types.PaperMetadata
	err := o.q.queryRow(ctx,
		`SELECT pmid, doi, pmcid, title, authors, date, journal, abstract, pdf_path
		 FROM papers WHERE pmid = ?`, pmid,
	).Scan(&p.PMID, &p.DOI, &p.PMCID, &p.Title, &p.Authors, &p.Date, &p.Journal, &p.Abstract, &p.PDFPath)
	if err != nil {
		return nil, fmt.Errorf("paper %d: %w", pmid, err)
	}
	return &p, nil
}

func (o ops) PutExtraction(ctx context.Context, e *types.IndividualExtraction) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	mapping, err := json.Marshal(e.BoxMapping)
	if err != nil {
		return fmt.Errorf("encoding box mapping: %w", err)
	}
	defects, err := json.Marshal(e.Defects)
	if err != nil {
		return fmt.Errorf("encoding defects: %w", err)
	}
	err = o.q.exec(ctx,
		`INSERT INTO individual_extractions
			(variant_id, pmid, raw_response, result, box_mapping, defects, attempts, model, prompt_set, fingerprint, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(variant_id, pmid) DO UPDATE SET
			raw_response=excluded.raw_response, result=excluded.result,
			box_mapping=excluded.box_mapping, defects=excluded.defects,
			attempts=excluded.attempts, model=excluded.model, prompt_set=excluded.prompt_set,
			fingerprint=excluded.fingerprint, created_at=excluded.created_at`,
		e.VariantID, e.PMID, e.RawResponse, string(e.Result), string(mapping), string(defects),
		e.Attempts, e.Model, e.PromptSet, e.DocumentFingerprint, formatTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing extraction %s/%d: %w", e.VariantID, e.PMID, err)
	}
	return nil
}

const extractionColumns = `variant_id, pmid, raw_response, result, box_mapping, defects, attempts, model, prompt_set, fingerprint, created_at`

func scanExtraction(r interface{ Scan(...any) error }) (*types.IndividualExtraction, error) {
	var e types.IndividualExtraction
	var result, mapping, defects, created string
	if err := r.Scan(&e.VariantID, &e.PMID, &e.RawResponse, &result, &mapping, &defects,
		&e.Attempts, &e.Model, &e.PromptSet, &e.DocumentFingerprint, &created); err != nil {
		return nil, err
	}
	e.Result = json.RawMessage(result)
	if err := json.Unmarshal([]byte(mapping), &e.BoxMapping); err != nil {
		return nil, fmt.Errorf("decoding box mapping: %w", err)
	}
	if err := json.Unmarshal([]byte(defects), &e.Defects); err != nil {
		return nil, fmt.Errorf("decoding defects: %w", err)
	}
	e.CreatedAt = parseTime(created)
	return &e, nil
}

func (o ops) GetExtraction(ctx context.Context, variantID string, pmid int) (*types.IndividualExtraction, error) {
	e, err := scanExtraction(o.q.queryRow(ctx,
		`SELECT `+extractionColumns+` FROM individual_extractions WHERE variant_id = ? AND pmid = ?`,
		variantID, pmid))
	if err != nil {
		return nil, fmt.Errorf("extraction %s/%d: %w", variantID, pmid, err)
	}
	return e, nil
}

func (o ops) ListExtractions(ctx context.Context, variantID string) ([]types.IndividualExtraction, error) {
	rs, err := o.q.query(ctx,
		`SELECT `+extractionColumns+` FROM individual_extractions WHERE variant_id = ? ORDER BY pmid`,
		variantID)
	if err != nil {
		return nil, fmt.Errorf("listing extractions of %s: %w", variantID, err)
	}
	defer rs.Close()

	var out []types.IndividualExtraction
	for rs.Next() {
		e, err := scanExtraction(rs)
		if err != nil {
			return nil, fmt.Errorf("scanning extraction: %w", err)
		}
		out = append(out, *e)
	}
	return out, rs.Err()
}

func (o ops) PutAggregate(ctx context.Context, a *types.AggregateAssessment) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	defects, err := json.Marshal(a.Defects)
	if err != nil {
		return fmt.Errorf("encoding defects: %w", err)
	}
	pmids, err := json.Marshal(a.PMIDs)
	if err != nil {
		return fmt.Errorf("encoding pmids: %w", err)
	}
	err = o.q.exec(ctx,
		`INSERT INTO aggregate_assessments
			(variant_id, raw_response, result, defects, attempts, pmids, input_digest, model, prompt_set, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(variant_id) DO UPDATE SET
			raw_response=excluded.raw_response, result=excluded.result, defects=excluded.defects,
			attempts=excluded.attempts, pmids=excluded.pmids, input_digest=excluded.input_digest,
			model=excluded.model, prompt_set=excluded.prompt_set, created_at=excluded.created_at`,
		a.VariantID, a.RawResponse, string(a.Result), string(defects), a.Attempts, string(pmids),
		a.InputDigest, a.Model, a.PromptSet, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing aggregate %s: %w", a.VariantID, err)
	}
	return nil
}

func (o ops) GetAggregate(ctx context.Context, variantID string) (*types.AggregateAssessment, error) {
	var a types.AggregateAssessment
	var result, defects, pmids, created string
	err := o.q.queryRow(ctx,
		`SELECT variant_id, raw_response, result, defects, attempts, pmids, input_digest, model, prompt_set, created_at
		 FROM aggregate_assessments WHERE variant_id = ?`, variantID,
	).Scan(&a.VariantID, &a.RawResponse, &result, &defects, &a.Attempts, &pmids, &a.InputDigest,
		&a.Model, &a.PromptSet, &created)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", variantID, err)
	}
	a.Result = json.RawMessage(result)
	if err := json.Unmarshal([]byte(defects), &a.Defects); err != nil {
		return nil, fmt.Errorf("decoding defects: %w", err)
	}
	if err := json.Unmarshal([]byte(pmids), &a.PMIDs); err != nil {
		return nil, fmt.Errorf("decoding pmids: %w", err)
	}
	a.CreatedAt = parseTime(created)
	return &a, nil
}

func (o ops) GetStage(ctx context.Context, unit types.Unit, stage types.Stage) (*types.StageRecord, error) {
	rec := types.StageRecord{Unit: unit, Stage: stage}
	var state, updated string
	err := o.q.queryRow(ctx,
		`SELECT state, attempts, run_id, last_error, updated_at FROM stage_states
		 WHERE variant_id = ? AND pmid = ? AND stage = ?`,
		unit.VariantID, unit.PMID, string(stage),
	).Scan(&state, &rec.Attempts, &rec.RunID, &rec.LastError, &updated)
	if err != nil {
		return nil, fmt.Errorf("stage %s of %s: %w", stage, unit, err)
	}
	rec.State = types.StageState(state)
	rec.UpdatedAt = parseTime(updated)
	return &rec, nil
}

func (o ops) PutStage(ctx context.Context, rec *types.StageRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	err := o.q.exec(ctx,
		`INSERT INTO stage_states (variant_id, pmid, stage, state, attempts, run_id, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(variant_id, pmid, stage) DO UPDATE SET
			state=excluded.state, attempts=excluded.attempts, run_id=excluded.run_id,
			last_error=excluded.last_error, updated_at=excluded.updated_at`,
		rec.Unit.VariantID, rec.Unit.PMID, string(rec.Stage), string(rec.State),
		rec.Attempts, rec.RunID, rec.LastError, formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storing stage %s of %s: %w", rec.Stage, rec.Unit, err)
	}
	return nil
}

func (o ops) ListStages(ctx context.Context, variantID string) ([]types.StageRecord, error) {
	rs, err := o.q.query(ctx,
		`SELECT pmid, stage, state, attempts, run_id, last_error, updated_at FROM stage_states
		 WHERE variant_id = ? ORDER BY pmid, stage`, variantID)
	if err != nil {
		return nil, fmt.Errorf("listing stages of %s: %w", variantID, err)
	}
	defer rs.Close()

	var out []types.StageRecord
	for rs.Next() {
		rec := types.StageRecord{Unit: types.Unit{VariantID: variantID}}
		var stage, state, updated string
		if err := rs.Scan(&rec.Unit.PMID, &stage, &state, &rec.Attempts, &rec.RunID, &rec.LastError, &updated); err != nil {
			return nil, fmt.Errorf("scanning stage: %w", err)
		}
		rec.Stage, rec.State = types.Stage(stage), types.StageState(state)
		rec.UpdatedAt = parseTime(updated)
		out = append(out, rec)
	}
	return out, rs.Err()
}
