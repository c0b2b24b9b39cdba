// Package health turns a device-local health data store into per-day matchup
// measurements. It queries the store once per tracked metric kind and
// elapsed day, concurrently, and merges the results against the
// measurements a matchup already holds.
//
// The package contains three main components:
//
//   - [Dispatcher] fans a matchup's metric kinds out to their queries and
//     joins the results.
//   - [WorkoutQuery] lists completed workout sessions as [model.WorkoutRecord].
//   - [ObserverRegistry] registers long-lived change watches that enqueue
//     sync triggers.
//
// The store itself is consumed through the [Provider] interface.
package health

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProviderQuery marks a single metric-day sub-query failure. It is
	// absorbed by omitting that day and never reaches callers of the
	// [Dispatcher].
	ErrProviderQuery = errors.New("provider query failed")

	// ErrAggregation marks a systemic failure to run the fan-out, such as
	// the provider being unavailable.
	ErrAggregation = errors.New("aggregation failed")

	// ErrAuthorizationMissing is returned when health data access has not
	// been granted. No query is issued in that state.
	ErrAuthorizationMissing = errors.New("health data authorization missing")
)

// SampleType is a provider-native data type.
type SampleType string

const (
	TypeStepCount          SampleType = "stepCount"
	TypeActiveEnergyBurned SampleType = "activeEnergyBurned"
	TypeStandTime          SampleType = "appleStandTime"
	TypeHeartRate          SampleType = "heartRate"
	TypeSleepAnalysis      SampleType = "sleepAnalysis"
	TypeWorkout            SampleType = "workout"
)

// KnownSampleTypes lists every type the engine queries.
var KnownSampleTypes = []SampleType{
	TypeStepCount,
	TypeActiveEnergyBurned,
	TypeStandTime,
	TypeHeartRate,
	TypeSleepAnalysis,
	TypeWorkout,
}

// Sleep analysis category values.
const (
	SleepInBed      = "inBed"
	SleepAwake      = "awake"
	SleepAsleep     = "asleep"
	SleepAsleepCore = "asleepCore"
	SleepAsleepDeep = "asleepDeep"
	SleepAsleepREM  = "asleepREM"
)

// TimeRange is the half-open interval [Start, End).
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Overlap returns how much of [start, end) falls inside r.
func (r TimeRange) Overlap(start, end time.Time) time.Duration {
	if start.Before(r.Start) {
		start = r.Start
	}
	if end.After(r.End) {
		end = r.End
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start)
}

// Sample is a quantity or category sample. Quantity samples carry Value;
// category samples (sleep analysis) carry Category.
type Sample struct {
	Type     SampleType
	Start    time.Time
	End      time.Time
	Value    float64
	Category string
}

// WorkoutSession is a completed exercise session as reported by the provider.
type WorkoutSession struct {
	// ID is provider-assigned and stable across queries.
	ID       string
	Category string
	Name     string
	Start    time.Time
	End      time.Time
	// EnergyBurned is in kilocalories; nil when the session has none.
	EnergyBurned *float64
}

// ObserverHandle identifies a registered watch.
type ObserverHandle string

// Provider is the external health data store. Implemented by
// [healthexport.Provider].
type Provider interface {
	// Authorized reports whether read access has been granted.
	Authorized(ctx context.Context) (bool, error)

	// QueryAggregate sums a cumulative type over r. ok is false when the
	// store holds no data in r.
	QueryAggregate(ctx context.Context, t SampleType, r TimeRange) (sum float64, ok bool, err error)

	// QuerySamples returns all samples of t overlapping r.
	QuerySamples(ctx context.Context, t SampleType, r TimeRange) ([]Sample, error)

	// QueryWorkouts returns completed sessions overlapping r. A non-empty
	// category restricts the result to that provider category.
	QueryWorkouts(ctx context.Context, r TimeRange, category string) ([]WorkoutSession, error)

	// Observe registers onChange to be called whenever new data of type t
	// arrives.
	Observe(t SampleType, onChange func()) (ObserverHandle, error)
	StopObserving(h ObserverHandle)

	// EnableBackgroundDelivery asks the store to deliver changes of t even
	// while the process is suspended.
	EnableBackgroundDelivery(ctx context.Context, t SampleType) error
}
