package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/njoerd114/healthrelay/internal/model"
)

// TriggerSink accepts sync triggers without blocking. Implemented by
// [sync.Engine].
type TriggerSink interface {
	Enqueue(t model.SyncTrigger) bool
}

// SampleTypeFor returns the provider type a metric kind is computed from.
func SampleTypeFor(kind model.MetricKind) (SampleType, bool) {
	switch kind {
	case model.MetricSteps:
		return TypeStepCount, true
	case model.MetricEnergyBurned:
		return TypeActiveEnergyBurned, true
	case model.MetricStandMinutes:
		return TypeStandTime, true
	case model.MetricElevatedHeartRateMinutes:
		return TypeHeartRate, true
	case model.MetricSleepMinutes:
		return TypeSleepAnalysis, true
	case model.MetricWalkingMinutes, model.MetricRunningMinutes, model.MetricCyclingMinutes,
		model.MetricSwimmingMinutes, model.MetricYogaMinutes, model.MetricStrengthTrainingMinutes:
		return TypeWorkout, true
	default:
		return "", false
	}
}

// ObserverRegistry keeps one long-lived provider watch per sample type behind
// the tracked metric kinds. A fired watch only enqueues a background-observer
// trigger on the sink; the sync itself runs elsewhere.
type ObserverRegistry struct {
	provider Provider
	sink     TriggerSink
	userID   string
	log      *slog.Logger
	now      func() time.Time

	// armMu serialises Arm and Disarm end to end; mu guards handles.
	armMu   sync.Mutex
	mu      sync.Mutex
	handles []ObserverHandle
}

// NewObserverRegistry creates a registry whose watches enqueue user-wide
// triggers for userID onto sink.
func NewObserverRegistry(p Provider, sink TriggerSink, userID string, logger *slog.Logger) *ObserverRegistry {
	return &ObserverRegistry{
		provider: p,
		sink:     sink,
		userID:   userID,
		log:      logger,
		now:      time.Now,
	}
}

// Arm registers watches for kinds and requests background delivery for the
// same types. It disarms first, so repeated calls never stack observers.
// A watch or background-delivery failure for one type is logged and does not
// stop the others. Arm returns [ErrAuthorizationMissing] without registering
// anything when access has not been granted.
func (r *ObserverRegistry) Arm(ctx context.Context, kinds []model.MetricKind) error {
	r.armMu.Lock()
	defer r.armMu.Unlock()

	r.disarm()

	authorized, err := r.provider.Authorized(ctx)
	if err != nil {
		return err
	}
	if !authorized {
		return ErrAuthorizationMissing
	}

	types := sampleTypesFor(kinds)

	r.mu.Lock()
	for _, t := range types {
		h, err := r.provider.Observe(t, r.onChange(t))
		if err != nil {
			r.log.Error("registering observer failed", "sample_type", t, "error", err)
			continue
		}
		r.handles = append(r.handles, h)
	}
	armed := len(r.handles)
	r.mu.Unlock()

	for _, t := range types {
		if err := r.provider.EnableBackgroundDelivery(ctx, t); err != nil {
			r.log.Error("enabling background delivery failed", "sample_type", t, "error", err)
		}
	}

	r.log.Info("health observers armed", "types", len(types), "observers", armed)
	return nil
}

// MatchupLister lists a user's active matchups. Implemented by
// [matchupapi.Client].
type MatchupLister interface {
	ListActiveMatchups(ctx context.Context, userID string) ([]model.MatchupContext, error)
}

// ArmTracked arms watches for the union of kinds tracked by the user's
// active matchups. A listing failure leaves the current watches in place.
func (r *ObserverRegistry) ArmTracked(ctx context.Context, lister MatchupLister) error {
	matchups, err := lister.ListActiveMatchups(ctx, r.userID)
	if err != nil {
		return fmt.Errorf("listing active matchups: %w", err)
	}
	return r.Arm(ctx, model.TrackedKinds(matchups))
}

// Disarm stops every registered watch. Safe to call when nothing is armed.
func (r *ObserverRegistry) Disarm() {
	r.armMu.Lock()
	defer r.armMu.Unlock()
	r.disarm()
}

func (r *ObserverRegistry) disarm() {
	r.mu.Lock()
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	for _, h := range handles {
		r.provider.StopObserving(h)
	}
	if len(handles) > 0 {
		r.log.Debug("health observers disarmed", "observers", len(handles))
	}
}

// Armed returns the number of active watches.
func (r *ObserverRegistry) Armed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *ObserverRegistry) onChange(t SampleType) func() {
	return func() {
		trig := model.NewTrigger(model.TriggerBackgroundObserver, r.userID, r.now())
		if !r.sink.Enqueue(trig) {
			r.log.Warn("observer trigger dropped", "sample_type", t)
			return
		}
		r.log.Debug("observer trigger enqueued", "sample_type", t, "trigger_id", trig.ID)
	}
}

// sampleTypesFor returns the distinct sample types behind kinds, in first-seen
// order.
func sampleTypesFor(kinds []model.MetricKind) []SampleType {
	seen := make(map[SampleType]bool)
	var out []SampleType
	for _, k := range kinds {
		t, ok := SampleTypeFor(k)
		if !ok || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
