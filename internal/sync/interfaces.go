// Package sync runs the per-matchup sync pipeline for HealthRelay: query the
// health provider, merge into the matchup's measurement set, and upload the
// user's slice to the matchup service.
//
// The package contains three main components:
//
//   - [Orchestrator] runs one matchup attempt through the stage machine
//     (workouts, measurements, upload) behind a [Throttle].
//   - [Engine] owns the trigger queue, resolves triggers to matchups, and
//     syncs independent matchups concurrently.
//   - [UploadCoordinator] sends batched uploads and returns the server's
//     authoritative state.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/healthrelay/internal/model"
	"github.com/njoerd114/healthrelay/internal/state"
)

// MeasurementQuerier computes a matchup's merged measurement set.
// Implemented by [health.Dispatcher].
type MeasurementQuerier interface {
	UpdateMeasurements(ctx context.Context, userID string, mc model.MatchupContext) (model.MatchupContext, error)
}

// WorkoutQuerier lists completed workouts in [from, to).
// Implemented by [health.WorkoutQuery].
type WorkoutQuerier interface {
	Query(ctx context.Context, userID string, from, to time.Time) ([]model.WorkoutRecord, error)
}

// AuthChecker reports whether health data may be read.
// Implemented by every [health.Provider].
type AuthChecker interface {
	Authorized(ctx context.Context) (bool, error)
}

// UploadClient is the write side of the matchup service.
// Implemented by [matchupapi.Client].
type UploadClient interface {
	UploadWorkouts(ctx context.Context, workouts []model.WorkoutRecord) error
	UploadMeasurements(ctx context.Context, matchupID string, ms []model.Measurement) (model.MatchupContext, error)
}

// MatchupReader is the read side of the matchup service.
// Implemented by [matchupapi.Client].
type MatchupReader interface {
	GetMatchup(ctx context.Context, matchupID string) (model.MatchupContext, error)
	ListActiveMatchups(ctx context.Context, userID string) ([]model.MatchupContext, error)
}

// RunRecorder stores finished attempts. Implemented by [state.Store].
type RunRecorder interface {
	RecordRun(ctx context.Context, run *state.Run) error
}
