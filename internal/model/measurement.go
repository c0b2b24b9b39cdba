// Package model defines shared types used across the health aggregation
// engine, the sync orchestrator, and the matchup API client.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// MetricKind identifies one tracked health dimension. The string values are
// the wire representation used by the matchup service.
type MetricKind string

const (
	// MetricSteps is the daily step count.
	MetricSteps MetricKind = "steps"
	// MetricEnergyBurned is active energy burned in kilocalories.
	MetricEnergyBurned MetricKind = "energyBurned"
	// MetricElevatedHeartRateMinutes counts minutes at or above the
	// elevated heart-rate threshold.
	MetricElevatedHeartRateMinutes MetricKind = "elevatedHeartRateMinutes"
	// MetricSleepMinutes counts minutes spent asleep (in-bed time excluded).
	MetricSleepMinutes MetricKind = "sleepMinutes"
	// MetricStandMinutes is the daily standing time in minutes.
	MetricStandMinutes MetricKind = "standMinutes"

	MetricWalkingMinutes          MetricKind = "walkingMinutes"
	MetricRunningMinutes          MetricKind = "runningMinutes"
	MetricCyclingMinutes          MetricKind = "cyclingMinutes"
	MetricSwimmingMinutes         MetricKind = "swimmingMinutes"
	MetricYogaMinutes             MetricKind = "yogaMinutes"
	MetricStrengthTrainingMinutes MetricKind = "strengthTrainingMinutes"
)

// AllMetricKinds lists every kind the engine knows how to query, in a stable
// order.
var AllMetricKinds = []MetricKind{
	MetricSteps,
	MetricEnergyBurned,
	MetricElevatedHeartRateMinutes,
	MetricSleepMinutes,
	MetricStandMinutes,
	MetricWalkingMinutes,
	MetricRunningMinutes,
	MetricCyclingMinutes,
	MetricSwimmingMinutes,
	MetricYogaMinutes,
	MetricStrengthTrainingMinutes,
}

// String returns the wire value.
func (k MetricKind) String() string { return string(k) }

// Valid reports whether k is one of the known kinds.
func (k MetricKind) Valid() bool {
	for _, known := range AllMetricKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Unit returns the unit label for values of this kind.
func (k MetricKind) Unit() string {
	switch k {
	case MetricSteps:
		return "count"
	case MetricEnergyBurned:
		return "kcal"
	default:
		return "min"
	}
}

// ParseMetricKind converts a wire value into a MetricKind.
func ParseMetricKind(s string) (MetricKind, error) {
	k := MetricKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown metric kind %q", s)
	}
	return k, nil
}

// UnmarshalJSON decodes a wire value, rejecting unknown kinds.
func (k *MetricKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decoding metric kind: %w", err)
	}
	parsed, err := ParseMetricKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Measurement is a single scalar observation for one user, one matchup day,
// and one metric kind.
type Measurement struct {
	MatchupID     string     `json:"matchupId"`
	UserID        string     `json:"userId"`
	DayNumber     int        `json:"dayNumber"`
	MetricKind    MetricKind `json:"metricKind"`
	Value         int        `json:"value"`
	IsDayComplete bool       `json:"isDayComplete"`
	// Points is computed by the server; the engine always sends 0.
	Points int `json:"points"`
}

// Key returns the identity key used for merge and deduplication.
func (m Measurement) Key() IdentityKey {
	return IdentityKey{UserID: m.UserID, DayNumber: m.DayNumber, MetricKind: m.MetricKind}
}

// IdentityKey is the (user, day, kind) slot a Measurement occupies. At most
// one Measurement per key may exist in an authoritative collection.
type IdentityKey struct {
	UserID     string
	DayNumber  int
	MetricKind MetricKind
}

// String renders the key for logs.
func (k IdentityKey) String() string {
	return fmt.Sprintf("%s/%d/%s", k.UserID, k.DayNumber, k.MetricKind)
}

// FilterByUser returns the measurements belonging to userID, preserving order.
func FilterByUser(ms []Measurement, userID string) []Measurement {
	var out []Measurement
	for _, m := range ms {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}

// --- Day arithmetic ----------------------------------------------------------

// Day is the length of one matchup day. Days are fixed 24-hour offsets from
// the matchup start, not calendar days.
const Day = 24 * time.Hour

// DayWindow returns the half-open interval [from, to) covered by dayNumber.
func DayWindow(start time.Time, dayNumber int) (from, to time.Time) {
	from = start.Add(time.Duration(dayNumber) * Day)
	return from, from.Add(Day)
}

// DayNumber returns the zero-based matchup day that contains t. Instants
// before start return 0.
func DayNumber(start, t time.Time) int {
	if t.Before(start) {
		return 0
	}
	return int(t.Sub(start) / Day)
}
