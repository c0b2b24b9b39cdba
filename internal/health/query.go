package health

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/healthrelay/internal/model"
)

// DefaultElevatedHeartRateBPM is the heart rate at or above which a sample
// counts toward elevated heart-rate minutes.
const DefaultElevatedHeartRateBPM = 100

// dayFunc asks the provider for one day's value. ok is false when the day
// produces no measurement at all.
type dayFunc func(ctx context.Context, p Provider, r TimeRange) (value int, ok bool, err error)

// MetricQuery is the unit of work for one metric kind. It issues one provider
// sub-query per matchup day.
type MetricQuery struct {
	Kind model.MetricKind

	// Sample is the provider type the query reads; observers watch it.
	Sample SampleType

	day       dayFunc
	limit     int
	onFailure func(kind model.MetricKind, day int, err error)
}

// QueryRequest is the per-call input of [MetricQuery.Execute].
type QueryRequest struct {
	UserID           string
	MatchupID        string
	MatchupStart     time.Time
	ThroughDayNumber int
}

// Execute queries days 0 through req.ThroughDayNumber inclusive in parallel
// and returns at most one measurement per day, ordered by day. A day whose
// sub-query fails is omitted. The returned error is non-nil only when ctx
// ends before every day has reported.
func (q MetricQuery) Execute(ctx context.Context, p Provider, req QueryRequest) ([]model.Measurement, error) {
	if req.ThroughDayNumber < 0 {
		return nil, nil
	}

	type slot struct {
		value int
		ok    bool
	}
	slots := make([]slot, req.ThroughDayNumber+1)

	var g errgroup.Group
	if q.limit > 0 {
		g.SetLimit(q.limit)
	}
	for day := range slots {
		g.Go(func() error {
			from, to := model.DayWindow(req.MatchupStart, day)
			v, ok, err := q.day(ctx, p, TimeRange{Start: from, End: to})
			if err != nil {
				if q.onFailure != nil {
					q.onFailure(q.Kind, day, fmt.Errorf("%w: %s day %d: %w", ErrProviderQuery, q.Kind, day, err))
				}
				return nil
			}
			slots[day] = slot{value: v, ok: ok}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAggregation, q.Kind, err)
	}

	var out []model.Measurement
	for day, s := range slots {
		if !s.ok {
			continue
		}
		out = append(out, model.Measurement{
			MatchupID:     req.MatchupID,
			UserID:        req.UserID,
			DayNumber:     day,
			MetricKind:    q.Kind,
			Value:         s.value,
			IsDayComplete: day < req.ThroughDayNumber,
		})
	}
	return out, nil
}

// --- Dispatch table ----------------------------------------------------------

// QueryConfig tunes the query table.
type QueryConfig struct {
	// ElevatedHeartRateBPM defaults to [DefaultElevatedHeartRateBPM].
	ElevatedHeartRateBPM float64

	// MaxConcurrentDays bounds in-flight day sub-queries per metric kind.
	// Zero means unbounded.
	MaxConcurrentDays int

	// OnFailure receives every absorbed sub-query failure.
	OnFailure func(kind model.MetricKind, day int, err error)
}

// NewQueryTable builds the metric kind → query table. It is built once and
// shared by every dispatch.
func NewQueryTable(cfg QueryConfig) map[model.MetricKind]MetricQuery {
	bpm := cfg.ElevatedHeartRateBPM
	if bpm <= 0 {
		bpm = DefaultElevatedHeartRateBPM
	}

	entries := []MetricQuery{
		{Kind: model.MetricSteps, day: cumulative(TypeStepCount)},
		{Kind: model.MetricEnergyBurned, day: cumulative(TypeActiveEnergyBurned)},
		{Kind: model.MetricStandMinutes, day: cumulative(TypeStandTime)},
		{Kind: model.MetricElevatedHeartRateMinutes, day: sampleMinutes(TypeHeartRate, func(s Sample) bool {
			return s.Value >= bpm
		})},
		{Kind: model.MetricSleepMinutes, day: sampleMinutes(TypeSleepAnalysis, isAsleep)},
		{Kind: model.MetricWalkingMinutes, day: workoutMinutes(model.ActivityWalking)},
		{Kind: model.MetricRunningMinutes, day: workoutMinutes(model.ActivityRunning)},
		{Kind: model.MetricCyclingMinutes, day: workoutMinutes(model.ActivityCycling)},
		{Kind: model.MetricSwimmingMinutes, day: workoutMinutes(model.ActivitySwimming)},
		{Kind: model.MetricYogaMinutes, day: workoutMinutes(model.ActivityYoga)},
		{Kind: model.MetricStrengthTrainingMinutes, day: workoutMinutes(model.ActivityStrengthTraining)},
	}

	table := make(map[model.MetricKind]MetricQuery, len(entries))
	for _, q := range entries {
		q.Sample, _ = SampleTypeFor(q.Kind)
		q.limit = cfg.MaxConcurrentDays
		q.onFailure = cfg.OnFailure
		table[q.Kind] = q
	}
	return table
}

// cumulative asks for a same-day sum. No data means no measurement.
func cumulative(t SampleType) dayFunc {
	return func(ctx context.Context, p Provider, r TimeRange) (int, bool, error) {
		sum, ok, err := p.QueryAggregate(ctx, t, r)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			return 0, false, nil
		}
		return int(sum), true, nil
	}
}

// sampleMinutes sums the in-window duration of every matching sample,
// floored to whole minutes. A day without samples yields zero.
func sampleMinutes(t SampleType, keep func(Sample) bool) dayFunc {
	return func(ctx context.Context, p Provider, r TimeRange) (int, bool, error) {
		samples, err := p.QuerySamples(ctx, t, r)
		if err != nil {
			return 0, false, err
		}
		var total time.Duration
		for _, s := range samples {
			if keep(s) {
				total += r.Overlap(s.Start, s.End)
			}
		}
		return wholeMinutes(total), true, nil
	}
}

// workoutMinutes sums the in-window duration of workouts of one activity kind.
func workoutMinutes(kind model.ActivityKind) dayFunc {
	return func(ctx context.Context, p Provider, r TimeRange) (int, bool, error) {
		seen := make(map[string]bool)
		var total time.Duration
		for _, category := range CategoriesFor(kind) {
			sessions, err := p.QueryWorkouts(ctx, r, category)
			if err != nil {
				return 0, false, err
			}
			for _, s := range sessions {
				if seen[s.ID] {
					continue
				}
				seen[s.ID] = true
				total += r.Overlap(s.Start, s.End)
			}
		}
		return wholeMinutes(total), true, nil
	}
}

// isAsleep keeps actual sleep states. In-bed and awake samples are excluded.
func isAsleep(s Sample) bool {
	switch s.Category {
	case SleepAsleep, SleepAsleepCore, SleepAsleepDeep, SleepAsleepREM:
		return true
	default:
		return false
	}
}

func wholeMinutes(d time.Duration) int {
	return int(d / time.Minute)
}
