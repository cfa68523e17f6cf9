package engine

import (
	"time"

	"skydiff/internal/imaging"
	"skydiff/internal/track"
	"skydiff/internal/validate"
)

// UnitFailure describes one skipped map unit.
type UnitFailure struct {
	PairID   string `json:"pair_id"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// PartitionFailure describes one reduce partition that could not be merged.
type PartitionFailure struct {
	Key        string `json:"key"`
	Candidates int    `json:"candidates"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error"`
}

// Diagnostics are the batch-level counters surfaced to operators.
type Diagnostics struct {
	Units          int            `json:"units"`
	Succeeded      int            `json:"succeeded"`
	Skipped        int            `json:"skipped"`
	NotRun         int            `json:"not_run,omitempty"`
	Candidates     int            `json:"candidates"`
	FailuresByKind map[string]int `json:"failures_by_kind"`
	// ManualReview lists pairs whose photometric scale was out of range.
	ManualReview      []string           `json:"manual_review,omitempty"`
	UnitFailures      []UnitFailure      `json:"unit_failures,omitempty"`
	Partitions        int                `json:"partitions"`
	PartitionFailures []PartitionFailure `json:"partition_failures,omitempty"`
	TracksByState     map[string]int     `json:"tracks_by_state"`
	SinkErrors        int                `json:"sink_errors,omitempty"`
}

func newDiagnostics(units int) Diagnostics {
	return Diagnostics{
		Units:          units,
		FailuresByKind: make(map[string]int),
		TracksByState:  make(map[string]int),
	}
}

func (d *Diagnostics) recordFailure(pairID, kind string, attempts int, err error) {
	d.Skipped++
	if d.FailuresByKind == nil {
		d.FailuresByKind = make(map[string]int)
	}
	d.FailuresByKind[kind]++
	if kind == string(imaging.KindPhotometric) {
		d.ManualReview = append(d.ManualReview, pairID)
	}
	d.UnitFailures = append(d.UnitFailures, UnitFailure{PairID: pairID, Kind: kind, Attempts: attempts, Error: err.Error()})
}

// Counts flattens the diagnostics for the batch summary log line.
func (d *Diagnostics) Counts() map[string]int {
	out := map[string]int{
		"units":              d.Units,
		"succeeded":          d.Succeeded,
		"skipped":            d.Skipped,
		"candidates":         d.Candidates,
		"partitions":         d.Partitions,
		"partition_failures": len(d.PartitionFailures),
		"sink_errors":        d.SinkErrors,
	}
	for k, v := range d.FailuresByKind {
		out["failed_"+k] = v
	}
	for k, v := range d.TracksByState {
		out["tracks_"+k] = v
	}
	return out
}

// BatchReport is the outcome of RunBatch.
type BatchReport struct {
	BatchID     string              `json:"batch_id"`
	Started     time.Time           `json:"started"`
	Finished    time.Time           `json:"finished"`
	Halted      bool                `json:"halted"`
	HaltReason  string              `json:"halt_reason,omitempty"`
	Diagnostics Diagnostics         `json:"diagnostics"`
	Validation  *validate.Report    `json:"validation,omitempty"`
	Tracks      []*track.EventTrack `json:"-"`
}
