// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"time"
)

// Stage names one unit of pipeline work.
type Stage string

const (
	StageQuery     Stage = "query"
	StageDownload  Stage = "download"
	StageConvert   Stage = "convert"
	StageExtract   Stage = "extract"
	StageAnnotate  Stage = "annotate"
	StageAggregate Stage = "aggregate"
	StageReport    Stage = "report"
)

// PaperLevel reports whether the stage is tracked per (variant, pmid)
// rather than per variant.
func (s Stage) PaperLevel() bool {
	switch s {
	case StageDownload, StageConvert, StageExtract, StageAnnotate:
		return true
	}
	return false
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageQuery, StageDownload, StageConvert, StageExtract, StageAnnotate, StageAggregate, StageReport:
		return true
	}
	return false
}

// StageState is the state of one stage for one unit of work.
type StageState string

const (
	StateNotStarted StageState = "not_started"
	StateInProgress StageState = "in_progress"
	StateComplete   StageState = "complete"
	StateFailed     StageState = "failed"
)

// Unit identifies a unit of work. PMID is zero for variant-level stages.
type Unit struct {
	VariantID string `json:"variant_id" yaml:"variant_id"`
	PMID      int    `json:"pmid,omitempty" yaml:"pmid,omitempty"`
}

// VariantUnit returns the variant-level unit for id.
func VariantUnit(id string) Unit { return Unit{VariantID: id} }

// PaperUnit returns the paper-level unit for (id, pmid).
func PaperUnit(id string, pmid int) Unit { return Unit{VariantID: id, PMID: pmid} }

func (u Unit) String() string {
	if u.PMID == 0 {
		return u.VariantID
	}
	return fmt.Sprintf("%s/%d", u.VariantID, u.PMID)
}

// StageRecord is the persisted state of one stage for one unit.
type StageRecord struct {
	Unit      Unit       `json:"unit" yaml:"unit"`
	Stage     Stage      `json:"stage" yaml:"stage"`
	State     StageState `json:"state" yaml:"state"`
	Attempts  int        `json:"attempts" yaml:"attempts"`
	RunID     string     `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	LastError string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}
