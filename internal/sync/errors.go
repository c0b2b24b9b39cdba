package sync

import (
	"errors"
	"fmt"
)

// ErrUpload marks a rejected or failed upload to the matchup service. Uploads
// are never retried automatically; a later trigger repeats the attempt.
var ErrUpload = errors.New("upload failure")

// Stage is a state of the per-matchup sync state machine:
//
//	Idle → QueryingWorkouts → QueryingMeasurements → Uploading → Done
//	Idle → Skipped
//
// Any non-terminal stage may move to Failed.
type Stage string

const (
	StageIdle                 Stage = "idle"
	StageQueryingWorkouts     Stage = "querying-workouts"
	StageQueryingMeasurements Stage = "querying-measurements"
	StageUploading            Stage = "uploading"
	StageDone                 Stage = "done"
	StageSkipped              Stage = "skipped"
	StageFailed               Stage = "failed"
)

// String returns the stage name.
func (s Stage) String() string { return string(s) }

// StageError is the single error reported for a failed attempt. Stage is the
// stage that was running when it failed.
type StageError struct {
	MatchupID string
	Stage     Stage
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("matchup %s: %s: %v", e.MatchupID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(matchupID string, stage Stage, err error) error {
	return &StageError{MatchupID: matchupID, Stage: stage, Err: err}
}
