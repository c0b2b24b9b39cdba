package health

import (
	"context"
	"testing"
	"time"

	"github.com/njoerd114/healthrelay/internal/model"
)

func TestActivityFor(t *testing.T) {
	tests := []struct {
		category string
		want     model.ActivityKind
	}{
		{"running", model.ActivityRunning},
		{"Running", model.ActivityRunning},
		{"walking", model.ActivityWalking},
		{"cycling", model.ActivityCycling},
		{"swimming", model.ActivitySwimming},
		{"yoga", model.ActivityYoga},
		{"traditionalStrengthTraining", model.ActivityStrengthTraining},
		{"functionalStrengthTraining", model.ActivityStrengthTraining},
		{"pickleball", model.ActivityOther},
		{"", model.ActivityOther},
	}
	for _, tt := range tests {
		if got := ActivityFor(tt.category); got != tt.want {
			t.Errorf("ActivityFor(%q) = %q, want %q", tt.category, got, tt.want)
		}
	}
}

func TestCategoriesFor_StrengthHasTwo(t *testing.T) {
	got := CategoriesFor(model.ActivityStrengthTraining)
	if len(got) != 2 || got[0] != "functionalStrengthTraining" || got[1] != "traditionalStrengthTraining" {
		t.Errorf("CategoriesFor(strength) = %v", got)
	}
	if got := CategoriesFor(model.ActivityOther); len(got) != 0 {
		t.Errorf("CategoriesFor(other) = %v, want none", got)
	}
}

func TestWorkoutQuery_MapsAndDedups(t *testing.T) {
	p := newMockProvider()
	b := day(0)
	energy := 310.7
	p.workouts = []WorkoutSession{
		{ID: "w2", Category: "pickleball", Start: b.Add(3 * time.Hour), End: b.Add(4 * time.Hour)},
		{ID: "w1", Category: "running", Name: "Morning Run", Start: b.Add(time.Hour), End: b.Add(2 * time.Hour), EnergyBurned: &energy},
		{ID: "w1", Category: "running", Name: "Morning Run", Start: b.Add(time.Hour), End: b.Add(2 * time.Hour), EnergyBurned: &energy},
	}

	got, err := NewWorkoutQuery(p, testLogger).Query(context.Background(), "u1", b, day(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2", len(got))
	}

	run := got[0]
	if run.ID != "w1" || run.ActivityKind != model.ActivityRunning || run.Label != "Morning Run" || run.UserID != "u1" {
		t.Errorf("run = %+v", run)
	}
	if len(run.Measurements) != 1 || run.Measurements[0].MetricKind != model.MetricEnergyBurned || run.Measurements[0].Value != 310 {
		t.Errorf("run measurements = %+v, want energy 310", run.Measurements)
	}

	other := got[1]
	if other.ActivityKind != model.ActivityOther {
		t.Errorf("unmapped activity = %q, want other", other.ActivityKind)
	}
	if other.Label != "pickleball" {
		t.Errorf("label = %q, want category fallback", other.Label)
	}
	if len(other.Measurements) != 0 {
		t.Errorf("measurements = %+v, want none without energy", other.Measurements)
	}
}
