package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MatchupContext is the read-only input of one sync attempt: a matchup's
// schedule, its tracked metric kinds, and the measurements the server has
// already recorded.
type MatchupContext struct {
	ID    string     `json:"id"`
	Start time.Time  `json:"startDate"`
	End   *time.Time `json:"endDate,omitempty"`

	// CurrentDayNumber is the latest elapsed day. Days before it are complete.
	CurrentDayNumber int `json:"currentDayNumber"`

	MetricKinds  []MetricKind  `json:"metricKinds"`
	Measurements []Measurement `json:"measurements"`
}

// IsActive reports whether the matchup has started and not yet ended at now.
func (m MatchupContext) IsActive(now time.Time) bool {
	if now.Before(m.Start) {
		return false
	}
	return m.End == nil || now.Before(*m.End)
}

// ElapsedWindow returns [start, min(end, now)). ok is false when the window
// is empty.
func (m MatchupContext) ElapsedWindow(now time.Time) (from, to time.Time, ok bool) {
	to = now
	if m.End != nil && m.End.Before(now) {
		to = *m.End
	}
	return m.Start, to, to.After(m.Start)
}

// WithMeasurements returns a copy of m with its measurement collection
// replaced.
func (m MatchupContext) WithMeasurements(ms []Measurement) MatchupContext {
	m.Measurements = ms
	return m
}

// TrackedKinds returns the union of the metric kinds tracked by matchups, in
// [AllMetricKinds] order.
func TrackedKinds(matchups []MatchupContext) []MetricKind {
	seen := make(map[MetricKind]bool)
	for _, m := range matchups {
		for _, k := range m.MetricKinds {
			seen[k] = true
		}
	}
	var out []MetricKind
	for _, k := range AllMetricKinds {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// DaySummary renders userID's values for the matchup day containing now,
// e.g. "steps=8200 count sleepMinutes=410 min". Kinds without a value are
// omitted.
func (m MatchupContext) DaySummary(userID string, now time.Time) string {
	day := DayNumber(m.Start, now)
	var b strings.Builder
	for _, ms := range FilterByUser(m.Measurements, userID) {
		if ms.DayNumber != day {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%d %s", ms.MetricKind, ms.Value, ms.MetricKind.Unit())
	}
	return b.String()
}

// --- Workouts ----------------------------------------------------------------

// ActivityKind is the app-level workout category.
type ActivityKind string

const (
	ActivityWalking          ActivityKind = "walking"
	ActivityRunning          ActivityKind = "running"
	ActivityCycling          ActivityKind = "cycling"
	ActivitySwimming         ActivityKind = "swimming"
	ActivityYoga             ActivityKind = "yoga"
	ActivityStrengthTraining ActivityKind = "strengthTraining"
	// ActivityOther is the fallback for provider categories with no mapping.
	ActivityOther ActivityKind = "other"
)

// WorkoutMeasurement is a scalar attached to a workout session.
type WorkoutMeasurement struct {
	MetricKind MetricKind `json:"metricKind"`
	Value      int        `json:"value"`
}

// WorkoutRecord is one completed exercise session. ID is assigned by the
// health provider and is stable across queries, which keeps re-uploads
// idempotent.
type WorkoutRecord struct {
	ID           string               `json:"id"`
	UserID       string               `json:"userId"`
	Start        time.Time            `json:"startDate"`
	End          time.Time            `json:"endDate"`
	ActivityKind ActivityKind         `json:"activityType"`
	Label        string               `json:"displayName"`
	Measurements []WorkoutMeasurement `json:"measurements"`
}

// DedupWorkouts keeps the last record for each ID, in first-seen order.
func DedupWorkouts(ws []WorkoutRecord) []WorkoutRecord {
	idx := make(map[string]int, len(ws))
	out := make([]WorkoutRecord, 0, len(ws))
	for _, w := range ws {
		if i, ok := idx[w.ID]; ok {
			out[i] = w
			continue
		}
		idx[w.ID] = len(out)
		out = append(out, w)
	}
	return out
}

// --- Triggers ----------------------------------------------------------------

// TriggerSource says why a sync was requested.
type TriggerSource string

const (
	TriggerForeground         TriggerSource = "foreground"
	TriggerPushNotification   TriggerSource = "push-notification"
	TriggerBackgroundTask     TriggerSource = "background-task"
	TriggerBackgroundObserver TriggerSource = "background-observer"
)

// ParseTriggerSource converts a CLI or wire value into a TriggerSource.
func ParseTriggerSource(s string) (TriggerSource, error) {
	switch src := TriggerSource(s); src {
	case TriggerForeground, TriggerPushNotification, TriggerBackgroundTask, TriggerBackgroundObserver:
		return src, nil
	default:
		return "", fmt.Errorf("unknown trigger source %q", s)
	}
}

// SyncTrigger is an ephemeral sync request. It is never persisted.
type SyncTrigger struct {
	ID         string
	Source     TriggerSource
	UserID     string
	MatchupIDs []string
	ArrivedAt  time.Time

	// OnComplete, when set, is called exactly once with the attempt's
	// aggregate error. Background-task schedulers use it to learn whether the
	// task succeeded.
	OnComplete func(err error)
}

// NewTrigger builds a trigger with a fresh ID.
func NewTrigger(source TriggerSource, userID string, now time.Time, matchupIDs ...string) SyncTrigger {
	return SyncTrigger{
		ID:         uuid.NewString(),
		Source:     source,
		UserID:     userID,
		MatchupIDs: matchupIDs,
		ArrivedAt:  now,
	}
}
