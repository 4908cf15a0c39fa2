// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists variants, converted documents, extractions,
// aggregate assessments and stage records in a relational database.
// Every write replaces a whole row under its key, so concurrent stage
// invocations for distinct units never interfere.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/pdiddy/evidence-engine/pkg/types"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// Tx is the set of keyed reads and writes. Inside InTx every call joins
// one transaction; on a Store each call commits on its own.
type Tx interface {
	// UpsertVariant creates v or updates its gene, notation and details.
	// The PMID set is only ever extended, never replaced.
	UpsertVariant(ctx context.Context, v *types.Variant) error
	GetVariant(ctx context.Context, id string) (*types.Variant, error)
	ListVariants(ctx context.Context) ([]types.Variant, error)
	// AddPMIDs appends pmids to the variant's set, ignoring known ones.
	AddPMIDs(ctx context.Context, variantID string, pmids []int) error

	PutDocument(ctx context.Context, doc *types.Document) error
	GetDocument(ctx context.Context, pmid int) (*types.Document, error)

	PutPaper(ctx context.Context, p *types.PaperMetadata) error
	GetPaper(ctx context.Context, pmid int) (*types.PaperMetadata, error)

	PutExtraction(ctx context.Context, e *types.IndividualExtraction) error
	GetExtraction(ctx context.Context, variantID string, pmid int) (*types.IndividualExtraction, error)
	ListExtractions(ctx context.Context, variantID string) ([]types.IndividualExtraction, error)

	PutAggregate(ctx context.Context, a *types.AggregateAssessment) error
	GetAggregate(ctx context.Context, variantID string) (*types.AggregateAssessment, error)

	GetStage(ctx context.Context, unit types.Unit, stage types.Stage) (*types.StageRecord, error)
	PutStage(ctx context.Context, rec *types.StageRecord) error
	ListStages(ctx context.Context, variantID string) ([]types.StageRecord, error)
}

// Store is a database handle.
type Store interface {
	Tx

	// InTx runs fn in one transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Tx) error) error

	Close() error
}

// Open opens the store selected by cfg.
func Open(ctx context.Context, cfg types.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg.Path)
	case "postgres", "postgresql", "pgx":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store driver %s requires a dsn", cfg.Driver)
		}
		return OpenPostgres(ctx, cfg.DSN)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
