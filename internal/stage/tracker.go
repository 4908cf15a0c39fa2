// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package stage tracks pipeline progress per unit of work. Each (unit,
// stage) pair is a small state machine:
//
//	not_started → in_progress → complete
//	                   ↓ ↑
//	                 failed
//
// A stage is only marked complete when its prerequisite stage is complete
// for the same unit, and the completion is written in the same store
// transaction as the stage's result rows.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pdiddy/evidence-engine/internal/metrics"
	"github.com/pdiddy/evidence-engine/internal/store"
	"github.com/pdiddy/evidence-engine/pkg/types"
)

var (
	// ErrPrerequisiteIncomplete is returned when the stage a unit depends
	// on has not completed.
	ErrPrerequisiteIncomplete = errors.New("prerequisite stage incomplete")

	// ErrInvalidTransition is returned for a state change the machine does
	// not allow.
	ErrInvalidTransition = errors.New("invalid stage transition")

	// ErrInProgress is returned by Begin when another run holds the unit.
	// The holder may finish, fail or go stale, so a later attempt can
	// succeed.
	ErrInProgress = errors.New("stage already in progress")
)

type runIDKey struct{}

// WithRunID returns a context whose Begin calls use id as the run id. A
// run that begins under the same id as the in-progress record takes it
// over, so a retried job resumes the unit its crashed attempt left behind.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunIDFromContext returns the run id set by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// DefaultStaleAfter is how long an in-progress record blocks a new run
// before it is treated as abandoned.
const DefaultStaleAfter = 2 * time.Hour

// Prerequisite returns the stage that must be complete before s can
// complete for unit, and the unit it is tracked on. ok is false for the
// query stage, which has none.
func Prerequisite(s types.Stage, unit types.Unit) (prereq types.Stage, on types.Unit, ok bool) {
	switch s {
	case types.StageDownload:
		return types.StageQuery, types.VariantUnit(unit.VariantID), true
	case types.StageConvert:
		return types.StageDownload, unit, true
	case types.StageExtract:
		return types.StageConvert, unit, true
	case types.StageAnnotate:
		return types.StageExtract, unit, true
	case types.StageAggregate:
		return types.StageQuery, unit, true
	case types.StageReport:
		return types.StageAggregate, unit, true
	}
	return "", types.Unit{}, false
}

// Tracker records stage state in a store.
type Tracker struct {
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Collectors

	// StaleAfter lets Begin take over an in-progress record that has not
	// been touched for this long. Zero disables takeover.
	StaleAfter time.Duration

	now func() time.Time
}

// NewTracker returns a Tracker over s. logger and m may be nil.
func NewTracker(s store.Store, logger *zap.Logger, m *metrics.Collectors) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		store:      s,
		logger:     logger,
		metrics:    m,
		StaleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

func checkUnit(unit types.Unit, s types.Stage) error {
	if !s.Valid() {
		return fmt.Errorf("unknown stage %q", s)
	}
	if unit.VariantID == "" {
		return fmt.Errorf("stage %s: empty variant id", s)
	}
	if s.PaperLevel() && unit.PMID <= 0 {
		return fmt.Errorf("stage %s is tracked per paper: pmid required", s)
	}
	if !s.PaperLevel() && unit.PMID != 0 {
		return fmt.Errorf("stage %s is tracked per variant: unexpected pmid %d", s, unit.PMID)
	}
	return nil
}

func (t *Tracker) prerequisiteMet(ctx context.Context, tx store.Tx, unit types.Unit, s types.Stage) error {
	prereq, on, ok := Prerequisite(s, unit)
	if !ok {
		return nil
	}
	rec, err := tx.GetStage(ctx, on, prereq)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s of %s has not started", ErrPrerequisiteIncomplete, prereq, on)
	}
	if err != nil {
		return err
	}
	if rec.State != types.StateComplete {
		return fmt.Errorf("%w: %s of %s is %s", ErrPrerequisiteIncomplete, prereq, on, rec.State)
	}
	return nil
}

// Begin moves unit to in_progress for stage s and returns the run's
// record. A complete or failed unit may begin again; an in-progress one
// fails with ErrInProgress unless it has gone stale or belongs to the run
// id carried by ctx.
func (t *Tracker) Begin(ctx context.Context, unit types.Unit, s types.Stage) (*types.StageRecord, error) {
	return t.begin(ctx, unit, s, false)
}

// Restart is Begin for a forced run: it also takes over a live
// in-progress record, whose run can then no longer complete.
func (t *Tracker) Restart(ctx context.Context, unit types.Unit, s types.Stage) (*types.StageRecord, error) {
	return t.begin(ctx, unit, s, true)
}

func (t *Tracker) begin(ctx context.Context, unit types.Unit, s types.Stage, takeover bool) (*types.StageRecord, error) {
	if err := checkUnit(unit, s); err != nil {
		return nil, err
	}
	runID := RunIDFromContext(ctx)

	var rec *types.StageRecord
	var replaced string
	err := t.store.InTx(ctx, func(tx store.Tx) error {
		if err := t.prerequisiteMet(ctx, tx, unit, s); err != nil {
			return err
		}

		prev, err := tx.GetStage(ctx, unit, s)
		switch {
		case errors.Is(err, store.ErrNotFound):
			prev = &types.StageRecord{Unit: unit, Stage: s, State: types.StateNotStarted}
		case err != nil:
			return err
		}
		if prev.State == types.StateInProgress {
			own := runID != "" && prev.RunID == runID
			if !own && !takeover && !t.stale(prev) {
				return fmt.Errorf("%w: %s of %s (run %s)", ErrInProgress, s, unit, prev.RunID)
			}
			replaced = prev.RunID
		}

		if runID == "" {
			runID = uuid.NewString()
		}
		rec = &types.StageRecord{
			Unit:      unit,
			Stage:     s,
			State:     types.StateInProgress,
			Attempts:  prev.Attempts + 1,
			RunID:     runID,
			UpdatedAt: t.now(),
		}
		return tx.PutStage(ctx, rec)
	})
	if err != nil {
		return nil, err
	}

	t.metrics.StageTransition(string(s), string(types.StateInProgress))
	if replaced != "" {
		t.logger.Info("stage taken over",
			zap.String("stage", string(s)),
			zap.Stringer("unit", unit),
			zap.String("run_id", rec.RunID),
			zap.String("replaced_run_id", replaced))
	}
	t.logger.Debug("stage started",
		zap.String("stage", string(s)),
		zap.Stringer("unit", unit),
		zap.String("run_id", rec.RunID),
		zap.Int("attempt", rec.Attempts))
	return rec, nil
}

func (t *Tracker) stale(rec *types.StageRecord) bool {
	return t.StaleAfter > 0 && t.now().Sub(rec.UpdatedAt) > t.StaleAfter
}

// Complete runs persist and marks the unit of run complete in one
// transaction. run is the record Begin returned. It fails with
// ErrInvalidTransition unless run still holds the unit and with
// ErrPrerequisiteIncomplete unless the prerequisite is complete; in either
// case persist is not called. persist may be nil.
func (t *Tracker) Complete(ctx context.Context, run *types.StageRecord, persist func(store.Tx) error) error {
	unit, s := run.Unit, run.Stage
	if err := checkUnit(unit, s); err != nil {
		return err
	}

	err := t.store.InTx(ctx, func(tx store.Tx) error {
		rec, err := t.held(ctx, tx, run, "complete")
		if err != nil {
			return err
		}
		if err := t.prerequisiteMet(ctx, tx, unit, s); err != nil {
			return err
		}
		if persist != nil {
			if err := persist(tx); err != nil {
				return err
			}
		}
		rec.State = types.StateComplete
		rec.LastError = ""
		rec.UpdatedAt = t.now()
		return tx.PutStage(ctx, rec)
	})
	if err != nil {
		return err
	}

	t.metrics.StageTransition(string(s), string(types.StateComplete))
	t.logger.Debug("stage complete", zap.String("stage", string(s)), zap.Stringer("unit", unit))
	return nil
}

// Fail moves the unit of run to failed and records cause. A run that has
// been taken over leaves the record alone.
func (t *Tracker) Fail(ctx context.Context, run *types.StageRecord, cause error) error {
	unit, s := run.Unit, run.Stage
	if err := checkUnit(unit, s); err != nil {
		return err
	}

	err := t.store.InTx(ctx, func(tx store.Tx) error {
		rec, err := t.held(ctx, tx, run, "fail")
		if err != nil {
			return err
		}
		rec.State = types.StateFailed
		rec.LastError = "unknown error"
		if cause != nil {
			rec.LastError = cause.Error()
		}
		rec.UpdatedAt = t.now()
		return tx.PutStage(ctx, rec)
	})
	if err != nil {
		return err
	}

	t.metrics.StageTransition(string(s), string(types.StateFailed))
	t.logger.Warn("stage failed",
		zap.String("stage", string(s)),
		zap.Stringer("unit", unit),
		zap.Error(cause))
	return nil
}

// held loads the record of run and checks that run still owns it.
func (t *Tracker) held(ctx context.Context, tx store.Tx, run *types.StageRecord, verb string) (*types.StageRecord, error) {
	unit, s := run.Unit, run.Stage
	rec, err := tx.GetStage(ctx, unit, s)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s of %s was never started", ErrInvalidTransition, s, unit)
	}
	if err != nil {
		return nil, err
	}
	if rec.State != types.StateInProgress {
		return nil, fmt.Errorf("%w: cannot %s %s of %s from %s", ErrInvalidTransition, verb, s, unit, rec.State)
	}
	if rec.RunID != run.RunID {
		return nil, fmt.Errorf("%w: cannot %s %s of %s: run %s was replaced by %s",
			ErrInvalidTransition, verb, s, unit, run.RunID, rec.RunID)
	}
	return rec, nil
}

// Reject records that a run of stage s could not start because its input
// is missing. The unit is marked failed with cause unless another run holds
// it, in which case Reject returns ErrInProgress and changes nothing.
func (t *Tracker) Reject(ctx context.Context, unit types.Unit, s types.Stage, cause error) error {
	if err := checkUnit(unit, s); err != nil {
		return err
	}

	err := t.store.InTx(ctx, func(tx store.Tx) error {
		prev, err := tx.GetStage(ctx, unit, s)
		switch {
		case errors.Is(err, store.ErrNotFound):
			prev = &types.StageRecord{Unit: unit, Stage: s}
		case err != nil:
			return err
		}
		if prev.State == types.StateInProgress && !t.stale(prev) {
			return fmt.Errorf("%w: %s of %s (run %s)", ErrInProgress, s, unit, prev.RunID)
		}
		rec := &types.StageRecord{
			Unit:      unit,
			Stage:     s,
			State:     types.StateFailed,
			Attempts:  prev.Attempts + 1,
			RunID:     uuid.NewString(),
			LastError: "unknown error",
			UpdatedAt: t.now(),
		}
		if cause != nil {
			rec.LastError = cause.Error()
		}
		return tx.PutStage(ctx, rec)
	})
	if err != nil {
		return err
	}

	t.metrics.StageTransition(string(s), string(types.StateFailed))
	t.logger.Warn("stage rejected",
		zap.String("stage", string(s)),
		zap.Stringer("unit", unit),
		zap.Error(cause))
	return nil
}

// Record marks a stage performed outside the tracker as complete, e.g. a
// PDF placed by hand.
func (t *Tracker) Record(ctx context.Context, unit types.Unit, s types.Stage) error {
	run, err := t.Begin(ctx, unit, s)
	if err != nil {
		return err
	}
	if err := t.Complete(ctx, run, nil); err != nil {
		// Leave no in-progress record behind.
		if ferr := t.Fail(ctx, run, err); ferr != nil {
			t.logger.Warn("recording stage failure", zap.Error(ferr))
		}
		return err
	}
	return nil
}

// Get returns the record for unit and stage, or a not_started record when
// there is none.
func (t *Tracker) Get(ctx context.Context, unit types.Unit, s types.Stage) (*types.StageRecord, error) {
	rec, err := t.store.GetStage(ctx, unit, s)
	if errors.Is(err, store.ErrNotFound) {
		return &types.StageRecord{Unit: unit, Stage: s, State: types.StateNotStarted}, nil
	}
	return rec, err
}

// State returns the state of stage s for unit.
func (t *Tracker) State(ctx context.Context, unit types.Unit, s types.Stage) (types.StageState, error) {
	rec, err := t.Get(ctx, unit, s)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

// IsComplete reports whether stage s is complete for unit.
func (t *Tracker) IsComplete(ctx context.Context, unit types.Unit, s types.Stage) (bool, error) {
	state, err := t.State(ctx, unit, s)
	return state == types.StateComplete, err
}

// List returns every stage record of a variant, variant-level first.
func (t *Tracker) List(ctx context.Context, variantID string) ([]types.StageRecord, error) {
	return t.store.ListStages(ctx, variantID)
}
