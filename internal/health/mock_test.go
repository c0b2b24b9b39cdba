package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// --- Mock Provider -----------------------------------------------------------

type aggKey struct {
	t     SampleType
	start time.Time
}

type mockProvider struct {
	mu sync.Mutex

	authorized bool
	authErr    error

	// aggregates keyed by (type, window start). Missing means no data.
	aggregates map[aggKey]float64
	// failAggregate forces an error for (type, window start).
	failAggregate map[aggKey]error

	samples  []Sample
	workouts []WorkoutSession

	aggregateCalls int
	workoutCalls   []string

	nextHandle  int
	observers   map[ObserverHandle]func()
	observeErr  map[SampleType]error
	deliveryErr map[SampleType]error
	delivery    []SampleType
	stopped     []ObserverHandle

	// blockAggregates makes QueryAggregate wait for ctx.
	blockAggregates bool
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		authorized:    true,
		aggregates:    make(map[aggKey]float64),
		failAggregate: make(map[aggKey]error),
		observers:     make(map[ObserverHandle]func()),
		observeErr:    make(map[SampleType]error),
		deliveryErr:   make(map[SampleType]error),
	}
}

func (m *mockProvider) setAggregate(t SampleType, windowStart time.Time, v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregates[aggKey{t, windowStart}] = v
}

func (m *mockProvider) Authorized(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authorized, m.authErr
}

func (m *mockProvider) QueryAggregate(ctx context.Context, t SampleType, r TimeRange) (float64, bool, error) {
	m.mu.Lock()
	m.aggregateCalls++
	block := m.blockAggregates
	k := aggKey{t, r.Start}
	err := m.failAggregate[k]
	v, ok := m.aggregates[k]
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return 0, false, ctx.Err()
	}
	if err != nil {
		return 0, false, err
	}
	return v, ok, nil
}

func (m *mockProvider) QuerySamples(_ context.Context, t SampleType, r TimeRange) ([]Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sample
	for _, s := range m.samples {
		if s.Type == t && s.Start.Before(r.End) && s.End.After(r.Start) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockProvider) QueryWorkouts(_ context.Context, r TimeRange, category string) ([]WorkoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workoutCalls = append(m.workoutCalls, category)
	var out []WorkoutSession
	for _, w := range m.workouts {
		if category != "" && w.Category != category {
			continue
		}
		if w.Start.Before(r.End) && w.End.After(r.Start) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *mockProvider) Observe(t SampleType, onChange func()) (ObserverHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.observeErr[t]; err != nil {
		return "", err
	}
	m.nextHandle++
	h := ObserverHandle(fmt.Sprintf("%s-%d", t, m.nextHandle))
	m.observers[h] = onChange
	return h, nil
}

func (m *mockProvider) StopObserving(h ObserverHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, h)
	m.stopped = append(m.stopped, h)
}

func (m *mockProvider) EnableBackgroundDelivery(_ context.Context, t SampleType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivery = append(m.delivery, t)
	return m.deliveryErr[t]
}

func (m *mockProvider) fireAll() {
	m.mu.Lock()
	cbs := make([]func(), 0, len(m.observers))
	for _, cb := range m.observers {
		cbs = append(cbs, cb)
	}
	m.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (m *mockProvider) observerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers)
}

var errTransient = errors.New("query timed out")
