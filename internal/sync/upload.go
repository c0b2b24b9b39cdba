package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/njoerd114/healthrelay/internal/model"
)

// UploadCoordinator pushes one user's workouts and measurements to the
// matchup service, one batched request per call.
type UploadCoordinator struct {
	client UploadClient
	log    *slog.Logger
}

// NewUploadCoordinator wraps client.
func NewUploadCoordinator(client UploadClient, logger *slog.Logger) *UploadCoordinator {
	return &UploadCoordinator{client: client, log: logger}
}

// UploadWorkouts sends workouts in a single request. Failures wrap
// [ErrUpload].
func (u *UploadCoordinator) UploadWorkouts(ctx context.Context, workouts []model.WorkoutRecord) error {
	if err := u.client.UploadWorkouts(ctx, workouts); err != nil {
		return fmt.Errorf("%w: %w", ErrUpload, err)
	}
	u.log.Debug("workouts uploaded", "count", len(workouts))
	return nil
}

// UploadMeasurements sends ms for matchupID in a single request and returns
// the server's recomputed matchup. Failures wrap [ErrUpload] and leave the
// server unchanged.
func (u *UploadCoordinator) UploadMeasurements(ctx context.Context, matchupID string, ms []model.Measurement) (model.MatchupContext, error) {
	mc, err := u.client.UploadMeasurements(ctx, matchupID, ms)
	if err != nil {
		return model.MatchupContext{}, fmt.Errorf("%w: %w", ErrUpload, err)
	}
	u.log.Debug("measurements uploaded", "matchup_id", matchupID, "count", len(ms))
	return mc, nil
}
