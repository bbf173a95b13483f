package notesync

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
)

// Outcome is the per-note result of a bulk operation.
type Outcome struct {
	NoteID string           `json:"noteId"`
	Status notes.SyncStatus `json:"syncStatus"`
	Error  string           `json:"error,omitempty"`
	Err    error            `json:"-"`
}

// Report aggregates per-note outcomes. Bulk operations never roll back; a Report
// with failures still describes a completed run.
type Report struct {
	Outcomes []Outcome `json:"outcomes"`
}

func (r *Report) succeed(noteID string) {
	r.Outcomes = append(r.Outcomes, Outcome{NoteID: noteID, Status: notes.SyncStatusCompleted})
}

func (r *Report) fail(noteID string, err error) {
	r.Outcomes = append(r.Outcomes, Outcome{NoteID: noteID, Status: notes.SyncStatusFailed, Error: err.Error(), Err: err})
}

// Failed returns the outcomes that did not complete.
func (r Report) Failed() []Outcome {
	failed := make([]Outcome, 0)
	for _, outcome := range r.Outcomes {
		if outcome.Status != notes.SyncStatusCompleted {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// Err joins the failures, or returns nil when every note completed.
func (r Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(failed))
	for _, outcome := range failed {
		errs = append(errs, fmt.Errorf("note %s: %w", outcome.NoteID, outcome.Err))
	}
	return errors.Join(errs...)
}

// Outcome looks up the result recorded for noteID.
func (r Report) Outcome(noteID string) (Outcome, bool) {
	for _, outcome := range r.Outcomes {
		if outcome.NoteID == noteID {
			return outcome, true
		}
	}
	return Outcome{}, false
}
