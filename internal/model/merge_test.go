package model

import (
	"reflect"
	"testing"
)

func m(user string, day int, kind MetricKind, value int) Measurement {
	return Measurement{MatchupID: "mx", UserID: user, DayNumber: day, MetricKind: kind, Value: value}
}

func assertUniqueKeys(t *testing.T, ms []Measurement) {
	t.Helper()
	seen := make(map[IdentityKey]bool, len(ms))
	for _, x := range ms {
		if seen[x.Key()] {
			t.Errorf("duplicate identity key %s", x.Key())
		}
		seen[x.Key()] = true
	}
}

// ---------------------------------------------------------------------------
// Precedence and additivity
// ---------------------------------------------------------------------------

func TestMerge_IncomingWins(t *testing.T) {
	existing := []Measurement{m("u1", 0, MetricSteps, 100)}
	incoming := []Measurement{m("u1", 0, MetricSteps, 150)}

	got := Merge(existing, incoming)

	want := []Measurement{m("u1", 0, MetricSteps, 150)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge = %+v, want %+v", got, want)
	}
}

func TestMerge_DifferentDayAppends(t *testing.T) {
	existing := []Measurement{m("u1", 0, MetricSteps, 100)}
	incoming := []Measurement{m("u1", 1, MetricSteps, 200)}

	got := Merge(existing, incoming)

	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Value != 100 || got[1].Value != 200 {
		t.Errorf("values = [%d %d], want [100 200]", got[0].Value, got[1].Value)
	}
}

func TestMerge_DifferentUserAndKindAreDistinctKeys(t *testing.T) {
	existing := []Measurement{
		m("u1", 0, MetricSteps, 100),
		m("u2", 0, MetricSteps, 300),
	}
	incoming := []Measurement{
		m("u1", 0, MetricEnergyBurned, 50),
		m("u1", 0, MetricSteps, 120),
	}

	got := Merge(existing, incoming)

	want := []Measurement{
		m("u1", 0, MetricSteps, 120),
		m("u2", 0, MetricSteps, 300),
		m("u1", 0, MetricEnergyBurned, 50),
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Merge = %+v, want %+v", got, want)
	}
}

// ---------------------------------------------------------------------------
// Idempotence and uniqueness
// ---------------------------------------------------------------------------

func TestMerge_Idempotent(t *testing.T) {
	existing := []Measurement{
		m("u1", 0, MetricSteps, 100),
		m("u2", 0, MetricSteps, 50),
		m("u1", 1, MetricSleepMinutes, 400),
	}
	incoming := []Measurement{
		m("u1", 0, MetricSteps, 150),
		m("u1", 2, MetricSteps, 10),
	}

	once := Merge(existing, incoming)
	twice := Merge(once, incoming)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge not idempotent:\nonce  = %+v\ntwice = %+v", once, twice)
	}
	assertUniqueKeys(t, twice)
}

func TestMerge_CollapsesDuplicateInputs(t *testing.T) {
	existing := []Measurement{
		m("u1", 0, MetricSteps, 1),
		m("u1", 0, MetricSteps, 2),
	}
	incoming := []Measurement{
		m("u1", 1, MetricSteps, 3),
		m("u1", 1, MetricSteps, 4),
	}

	got := Merge(existing, incoming)

	assertUniqueKeys(t, got)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Value != 2 || got[1].Value != 4 {
		t.Errorf("values = [%d %d], want [2 4] (later entries win)", got[0].Value, got[1].Value)
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	existing := []Measurement{m("u1", 0, MetricSteps, 100)}
	incoming := []Measurement{m("u1", 0, MetricSteps, 150)}

	_ = Merge(existing, incoming)

	if existing[0].Value != 100 {
		t.Errorf("existing mutated: %+v", existing[0])
	}
}

func TestMerge_Empty(t *testing.T) {
	if got := Merge(nil, nil); len(got) != 0 {
		t.Errorf("Merge(nil, nil) = %+v, want empty", got)
	}
}
