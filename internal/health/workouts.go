package health

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/njoerd114/healthrelay/internal/model"
)

// categoryKinds maps provider workout categories to app activity kinds.
// Anything not listed becomes [model.ActivityOther].
var categoryKinds = map[string]model.ActivityKind{
	"walking":                     model.ActivityWalking,
	"running":                     model.ActivityRunning,
	"cycling":                     model.ActivityCycling,
	"swimming":                    model.ActivitySwimming,
	"yoga":                        model.ActivityYoga,
	"traditionalStrengthTraining": model.ActivityStrengthTraining,
	"functionalStrengthTraining":  model.ActivityStrengthTraining,
}

// ActivityFor maps a provider category to an activity kind. Matching is
// case-insensitive; unmapped categories fall back to [model.ActivityOther].
func ActivityFor(category string) model.ActivityKind {
	for c, kind := range categoryKinds {
		if strings.EqualFold(c, category) {
			return kind
		}
	}
	return model.ActivityOther
}

// CategoriesFor returns the provider categories that map to kind, sorted.
func CategoriesFor(kind model.ActivityKind) []string {
	var out []string
	for c, k := range categoryKinds {
		if k == kind {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// WorkoutQuery lists a user's completed workout sessions as records ready for
// upload.
type WorkoutQuery struct {
	provider Provider
	log      *slog.Logger
}

// NewWorkoutQuery creates a WorkoutQuery reading from p.
func NewWorkoutQuery(p Provider, logger *slog.Logger) *WorkoutQuery {
	return &WorkoutQuery{provider: p, log: logger}
}

// Query returns every session in [from, to) attributed to userID,
// deduplicated by provider ID and ordered by start time.
func (w *WorkoutQuery) Query(ctx context.Context, userID string, from, to time.Time) ([]model.WorkoutRecord, error) {
	sessions, err := w.provider.QueryWorkouts(ctx, TimeRange{Start: from, End: to}, "")
	if err != nil {
		return nil, fmt.Errorf("querying workouts: %w", err)
	}

	records := make([]model.WorkoutRecord, 0, len(sessions))
	for _, s := range sessions {
		kind := ActivityFor(s.Category)
		if kind == model.ActivityOther {
			w.log.Debug("unmapped workout category", "category", s.Category, "workout_id", s.ID)
		}
		records = append(records, sessionToRecord(s, userID, kind))
	}
	records = model.DedupWorkouts(records)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Start.Before(records[j].Start)
	})
	return records, nil
}

func sessionToRecord(s WorkoutSession, userID string, kind model.ActivityKind) model.WorkoutRecord {
	label := s.Name
	if label == "" {
		label = s.Category
	}
	rec := model.WorkoutRecord{
		ID:           s.ID,
		UserID:       userID,
		Start:        s.Start,
		End:          s.End,
		ActivityKind: kind,
		Label:        label,
		Measurements: []model.WorkoutMeasurement{},
	}
	if s.EnergyBurned != nil {
		rec.Measurements = append(rec.Measurements, model.WorkoutMeasurement{
			MetricKind: model.MetricEnergyBurned,
			Value:      int(math.Trunc(*s.EnergyBurned)),
		})
	}
	return rec
}
