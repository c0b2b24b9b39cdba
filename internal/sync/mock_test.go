package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/njoerd114/healthrelay/internal/model"
	"github.com/njoerd114/healthrelay/internal/state"
)

var errBoom = errors.New("boom")

// --- Fake clock --------------------------------------------------------------

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// --- Mock measurement querier ------------------------------------------------

// mockMeasurements appends one measurement per user it is asked about, plus
// whatever extra is configured, and merges via model.Merge like the real
// dispatcher.
type mockMeasurements struct {
	mu    sync.Mutex
	calls int
	err   error
	extra []model.Measurement
	// produce overrides the default of one steps measurement for day 0.
	produce func(userID string, mc model.MatchupContext) []model.Measurement
	block   bool
	// failMatchup makes queries for that matchup fail with errBoom.
	failMatchup string
}

func (m *mockMeasurements) UpdateMeasurements(ctx context.Context, userID string, mc model.MatchupContext) (model.MatchupContext, error) {
	m.mu.Lock()
	m.calls++
	err, block := m.err, m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return model.MatchupContext{}, fmt.Errorf("aggregation: %w", ctx.Err())
	}
	if err != nil {
		return model.MatchupContext{}, err
	}
	if m.failMatchup != "" && mc.ID == m.failMatchup {
		return model.MatchupContext{}, errBoom
	}

	var incoming []model.Measurement
	if m.produce != nil {
		incoming = m.produce(userID, mc)
	} else {
		incoming = []model.Measurement{{
			MatchupID: mc.ID, UserID: userID, DayNumber: 0, MetricKind: model.MetricSteps, Value: 1000,
		}}
	}
	incoming = append(incoming, m.extra...)
	return mc.WithMeasurements(model.Merge(mc.Measurements, incoming)), nil
}

func (m *mockMeasurements) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Mock workout querier ----------------------------------------------------

type mockWorkouts struct {
	mu       sync.Mutex
	calls    int
	err      error
	workouts []model.WorkoutRecord
	from, to time.Time
}

func (m *mockWorkouts) Query(_ context.Context, _ string, from, to time.Time) ([]model.WorkoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.from, m.to = from, to
	if m.err != nil {
		return nil, m.err
	}
	return m.workouts, nil
}

func (m *mockWorkouts) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// --- Mock matchup API (upload + read) ----------------------------------------

type mockAPI struct {
	mu sync.Mutex

	matchups map[string]model.MatchupContext
	active   []model.MatchupContext

	getCalls, listCalls                int
	workoutUploads, measurementUploads int

	uploadedMeasurements map[string][]model.Measurement
	uploadedWorkouts     [][]model.WorkoutRecord

	getErr, listErr, workoutErr, measurementErr error
	// pointsPerUpload is written into every returned measurement to mimic
	// server-side scoring.
	pointsPerUpload int
}

func newMockAPI(matchups ...model.MatchupContext) *mockAPI {
	m := &mockAPI{
		matchups:             make(map[string]model.MatchupContext),
		uploadedMeasurements: make(map[string][]model.Measurement),
		pointsPerUpload:      1,
	}
	for _, mc := range matchups {
		m.matchups[mc.ID] = mc
		m.active = append(m.active, mc)
	}
	return m
}

func (m *mockAPI) GetMatchup(_ context.Context, id string) (model.MatchupContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return model.MatchupContext{}, m.getErr
	}
	mc, ok := m.matchups[id]
	if !ok {
		return model.MatchupContext{}, fmt.Errorf("matchup %q not found", id)
	}
	return mc, nil
}

func (m *mockAPI) ListActiveMatchups(_ context.Context, _ string) ([]model.MatchupContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.active, nil
}

func (m *mockAPI) UploadWorkouts(_ context.Context, ws []model.WorkoutRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workoutUploads++
	if m.workoutErr != nil {
		return m.workoutErr
	}
	m.uploadedWorkouts = append(m.uploadedWorkouts, ws)
	return nil
}

func (m *mockAPI) UploadMeasurements(_ context.Context, matchupID string, ms []model.Measurement) (model.MatchupContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.measurementUploads++
	if m.measurementErr != nil {
		return model.MatchupContext{}, m.measurementErr
	}
	m.uploadedMeasurements[matchupID] = ms

	mc := m.matchups[matchupID]
	scored := make([]model.Measurement, len(ms))
	for i, x := range ms {
		x.Points = m.pointsPerUpload
		scored[i] = x
	}
	mc.Measurements = model.Merge(mc.Measurements, scored)
	m.matchups[matchupID] = mc
	return mc, nil
}

func (m *mockAPI) counts() (get, list, workouts, measurements int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getCalls, m.listCalls, m.workoutUploads, m.measurementUploads
}

// --- Mock auth ---------------------------------------------------------------

type mockAuth struct {
	denied bool
	err    error
}

func (a *mockAuth) Authorized(context.Context) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return !a.denied, nil
}

// --- Mock run recorder -------------------------------------------------------

type mockRuns struct {
	mu   sync.Mutex
	runs []*state.Run
}

func (r *mockRuns) RecordRun(_ context.Context, run *state.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func (r *mockRuns) all() []*state.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*state.Run(nil), r.runs...)
}
