package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/healthrelay/internal/health"
	"github.com/njoerd114/healthrelay/internal/model"
	"github.com/njoerd114/healthrelay/internal/state"
)

const (
	otelScope          = "healthrelay/sync"
	spanMatchup        = "sync.matchup"
	spanUser           = "sync.user"
	metricCompleted    = "healthrelay.sync.completed"
	metricSkipped      = "healthrelay.sync.skipped"
	metricFailed       = "healthrelay.sync.failed"
	metricMeasurements = "healthrelay.sync.measurements.uploaded"
	metricWorkouts     = "healthrelay.sync.workouts.uploaded"
)

// Outcome is the result of one matchup attempt.
type Outcome struct {
	MatchupID string
	// Stage is terminal: done, skipped or failed.
	Stage Stage
	// FailedStage is the stage that was running when the attempt failed.
	FailedStage  Stage
	Workouts     int
	Measurements int
	// Matchup is the server's state after a measurement upload, or the merged
	// local state when no upload was needed.
	Matchup    model.MatchupContext
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// OrchestratorConfig wires an [Orchestrator]. Runs and Events are optional.
type OrchestratorConfig struct {
	Measurements MeasurementQuerier
	Workouts     WorkoutQuerier
	Uploads      *UploadCoordinator
	Matchups     MatchupReader
	Auth         AuthChecker
	Throttle     *Throttle
	Runs         RunRecorder
	Events       *Bus
	// Now defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs single matchup attempts. It holds no per-attempt state;
// the throttle is the only state shared across attempts.
type Orchestrator struct {
	measurements MeasurementQuerier
	workouts     WorkoutQuerier
	uploads      *UploadCoordinator
	matchups     MatchupReader
	auth         AuthChecker
	throttle     *Throttle
	runs         RunRecorder
	events       *Bus
	now          func() time.Time
	log          *slog.Logger

	// OTel instruments, never nil; no-ops when telemetry is disabled.
	tracer          trace.Tracer
	cntCompleted    metric.Int64Counter
	cntSkipped      metric.Int64Counter
	cntFailed       metric.Int64Counter
	cntMeasurements metric.Int64Counter
	cntWorkouts     metric.Int64Counter
}

// NewOrchestrator creates an Orchestrator. A nil Throttle gets the default
// 60-second window.
func NewOrchestrator(cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	throttle := cfg.Throttle
	if throttle == nil {
		throttle = NewThrottle(DefaultThrottleWindow, now)
	}

	return &Orchestrator{
		measurements: cfg.Measurements,
		workouts:     cfg.Workouts,
		uploads:      cfg.Uploads,
		matchups:     cfg.Matchups,
		auth:         cfg.Auth,
		throttle:     throttle,
		runs:         cfg.Runs,
		events:       cfg.Events,
		now:          now,
		log:          logger,

		tracer:          tracer,
		cntCompleted:    mustCounter(metricCompleted, "Number of matchup syncs completed"),
		cntSkipped:      mustCounter(metricSkipped, "Number of matchup syncs skipped by the throttle"),
		cntFailed:       mustCounter(metricFailed, "Number of matchup syncs that failed"),
		cntMeasurements: mustCounter(metricMeasurements, "Number of measurements uploaded"),
		cntWorkouts:     mustCounter(metricWorkouts, "Number of workouts uploaded"),
	}
}

// Sync runs one attempt for mc on behalf of trig.UserID.
func (o *Orchestrator) Sync(ctx context.Context, trig model.SyncTrigger, mc model.MatchupContext) Outcome {
	return o.attempt(ctx, trig, mc.ID, func(context.Context) (model.MatchupContext, error) {
		return mc, nil
	})
}

// SyncByID fetches the matchup after passing the throttle, so a suppressed
// trigger costs no network round-trip.
func (o *Orchestrator) SyncByID(ctx context.Context, trig model.SyncTrigger, matchupID string) Outcome {
	return o.attempt(ctx, trig, matchupID, func(ctx context.Context) (model.MatchupContext, error) {
		return o.matchups.GetMatchup(ctx, matchupID)
	})
}

type loadFunc func(ctx context.Context) (model.MatchupContext, error)

func (o *Orchestrator) attempt(ctx context.Context, trig model.SyncTrigger, matchupID string, load loadFunc) Outcome {
	out := Outcome{MatchupID: matchupID, StartedAt: o.now()}
	key := MatchupKey(matchupID)

	if !o.throttle.Begin(key) {
		out.Stage = StageSkipped
		out.FinishedAt = out.StartedAt
		o.cntSkipped.Add(ctx, 1)
		o.log.Debug("matchup sync skipped", "matchup_id", matchupID, "trigger", trig.Source, "last_success_age", o.lastSuccessAge(key))
		o.finish(ctx, trig, out)
		return out
	}

	ctx, span := o.tracer.Start(ctx, spanMatchup, trace.WithAttributes(
		attribute.String("matchup.id", matchupID),
		attribute.String("sync.trigger", string(trig.Source)),
	))
	defer span.End()

	stage, err := o.run(ctx, trig.UserID, load, &out)
	out.FinishedAt = o.now()
	o.throttle.End(key, err == nil)

	if err != nil {
		out.Stage = StageFailed
		out.FailedStage = stage
		out.Err = stageErr(matchupID, stage, err)
		o.cntFailed.Add(ctx, 1)
		span.RecordError(out.Err)
		o.log.Error("matchup sync failed",
			"matchup_id", matchupID,
			"trigger", trig.Source,
			"stage", stage,
			"error", err,
		)
	} else {
		out.Stage = StageDone
		o.cntCompleted.Add(ctx, 1)
		if out.Workouts > 0 {
			o.cntWorkouts.Add(ctx, int64(out.Workouts))
		}
		if out.Measurements > 0 {
			o.cntMeasurements.Add(ctx, int64(out.Measurements))
		}
		o.log.Info("matchup sync complete",
			"matchup_id", matchupID,
			"trigger", trig.Source,
			"workouts", out.Workouts,
			"measurements", out.Measurements,
			"duration", out.FinishedAt.Sub(out.StartedAt),
		)
	}

	span.SetAttributes(
		attribute.String("sync.stage", string(out.Stage)),
		attribute.Int("sync.workouts", out.Workouts),
		attribute.Int("sync.measurements", out.Measurements),
	)
	o.finish(ctx, trig, out)
	return out
}

// lastSuccessAge is how long ago key last succeeded, or -1 when it never has
// and the skip is due to an attempt in flight.
func (o *Orchestrator) lastSuccessAge(key string) time.Duration {
	ts, ok := o.throttle.LastSuccess(key)
	if !ok {
		return -1
	}
	return o.now().Sub(ts)
}

// authorize returns [health.ErrAuthorizationMissing] when read access has not
// been granted, or an aggregation failure when the check itself fails.
func (o *Orchestrator) authorize(ctx context.Context) error {
	ok, err := o.auth.Authorized(ctx)
	if err != nil {
		return fmt.Errorf("%w: authorization check: %w", health.ErrAggregation, err)
	}
	if !ok {
		return health.ErrAuthorizationMissing
	}
	return nil
}

// run walks the stages and returns the stage that was running when err
// occurred. Side effects of completed stages are kept on failure.
func (o *Orchestrator) run(ctx context.Context, userID string, load loadFunc, out *Outcome) (Stage, error) {
	if err := o.authorize(ctx); err != nil {
		return StageIdle, err
	}

	mc, err := load(ctx)
	if err != nil {
		return StageIdle, fmt.Errorf("loading matchup: %w", err)
	}
	out.Matchup = mc

	// Workouts go first and gate the rest of the attempt.
	now := o.now()
	if from, to, elapsed := mc.ElapsedWindow(now); elapsed && mc.IsActive(now) {
		if err := ctx.Err(); err != nil {
			return StageQueryingWorkouts, err
		}
		workouts, err := o.workouts.Query(ctx, userID, from, to)
		if err != nil {
			return StageQueryingWorkouts, fmt.Errorf("querying workouts: %w", err)
		}
		if len(workouts) > 0 {
			if err := o.uploads.UploadWorkouts(ctx, workouts); err != nil {
				return StageQueryingWorkouts, err
			}
			out.Workouts = len(workouts)
		}
	}

	if err := ctx.Err(); err != nil {
		return StageQueryingMeasurements, err
	}
	merged, err := o.measurements.UpdateMeasurements(ctx, userID, mc)
	if err != nil {
		return StageQueryingMeasurements, err
	}
	out.Matchup = merged

	// Only the requesting user's own measurements are ever uploaded.
	own := model.FilterByUser(merged.Measurements, userID)
	if len(own) == 0 {
		o.log.Debug("no measurements to upload", "matchup_id", mc.ID)
		return StageDone, nil
	}
	if err := ctx.Err(); err != nil {
		return StageUploading, err
	}
	authoritative, err := o.uploads.UploadMeasurements(ctx, mc.ID, own)
	if err != nil {
		return StageUploading, err
	}
	out.Measurements = len(own)
	out.Matchup = authoritative
	return StageDone, nil
}

// finish records the attempt in the ledger and publishes its event. The
// ledger write detaches from ctx so an expired background budget is still
// recorded.
func (o *Orchestrator) finish(ctx context.Context, trig model.SyncTrigger, out Outcome) {
	if o.runs != nil {
		run := &state.Run{
			TriggerID:     trig.ID,
			TriggerSource: string(trig.Source),
			UserID:        trig.UserID,
			MatchupID:     out.MatchupID,
			Outcome:       string(out.Stage),
			Workouts:      out.Workouts,
			Measurements:  out.Measurements,
			StartedAt:     out.StartedAt,
			FinishedAt:    out.FinishedAt,
		}
		if out.Err != nil {
			run.Stage = string(out.FailedStage)
			run.Error = out.Err.Error()
		}
		if err := o.runs.RecordRun(context.WithoutCancel(ctx), run); err != nil {
			o.log.Warn("recording sync run", "matchup_id", out.MatchupID, "error", err)
		}
	}

	if o.events != nil {
		o.events.Publish(Event{
			TriggerID:    trig.ID,
			Source:       trig.Source,
			MatchupID:    out.MatchupID,
			Stage:        out.Stage,
			Measurements: out.Matchup.Measurements,
			Err:          out.Err,
			At:           out.FinishedAt,
		})
	}
}
