package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/healthrelay/internal/model"
)

// DefaultQueueSize is the trigger buffer used when EngineConfig leaves it
// unset.
const DefaultQueueSize = 64

// EngineConfig tunes an [Engine].
type EngineConfig struct {
	QueueSize int
	// BackgroundBudget bounds background-task triggers. Zero means no
	// deadline.
	BackgroundBudget time.Duration
}

// Result is the outcome of handling one trigger.
type Result struct {
	TriggerID string
	Source    model.TriggerSource
	// Skipped is set when a user-wide sync was suppressed by the throttle.
	Skipped  bool
	Outcomes []Outcome
	// Err joins the errors of all failed matchups.
	Err error
}

// Failed returns the number of failed matchup attempts.
func (r Result) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Engine owns the trigger queue. Observers and schedulers call
// [Engine.Enqueue]; [Engine.Run] drains the queue and handles each trigger
// in its own goroutine. Create one with [NewEngine].
type Engine struct {
	orch     *Orchestrator
	triggers chan model.SyncTrigger
	budget   time.Duration
	log      *slog.Logger
	tracer   trace.Tracer

	wg sync.WaitGroup
}

// NewEngine creates an Engine around orch.
func NewEngine(orch *Orchestrator, cfg EngineConfig, logger *slog.Logger) *Engine {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Engine{
		orch:     orch,
		triggers: make(chan model.SyncTrigger, size),
		budget:   cfg.BackgroundBudget,
		log:      logger,
		tracer:   otel.Tracer(otelScope),
	}
}

// Enqueue queues t without blocking. It reports false when the queue is
// full and t was dropped.
func (e *Engine) Enqueue(t model.SyncTrigger) bool {
	select {
	case e.triggers <- t:
		return true
	default:
		return false
	}
}

// TriggerSync syncs one known matchup immediately.
func (e *Engine) TriggerSync(ctx context.Context, source model.TriggerSource, userID string, mc model.MatchupContext) Outcome {
	trig := model.NewTrigger(source, userID, e.orch.now(), mc.ID)
	return e.orch.Sync(ctx, trig, mc)
}

// TriggerUserWideSync syncs every active matchup of userID immediately.
func (e *Engine) TriggerUserWideSync(ctx context.Context, source model.TriggerSource, userID string) Result {
	return e.Handle(ctx, model.NewTrigger(source, userID, e.orch.now()))
}

// Handle resolves trig to matchups and syncs them concurrently. A trigger
// naming matchups syncs exactly those; otherwise the user's active matchups
// are listed. Background-task triggers run under the configured budget.
// trig.OnComplete, if set, receives the joined error.
func (e *Engine) Handle(ctx context.Context, trig model.SyncTrigger) Result {
	if trig.Source == model.TriggerBackgroundTask && e.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.budget)
		defer cancel()
	}

	ctx, span := e.tracer.Start(ctx, spanUser, trace.WithAttributes(
		attribute.String("sync.trigger", string(trig.Source)),
		attribute.Int("sync.named_matchups", len(trig.MatchupIDs)),
	))
	defer span.End()

	// Without access nothing is fetched, listed or throttled, and the
	// trigger reports one error.
	var res Result
	if err := e.orch.authorize(ctx); err != nil {
		e.log.Warn("sync not started", "trigger", trig.Source, "user_id", trig.UserID, "error", err)
		res = Result{Err: err}
	} else if len(trig.MatchupIDs) > 0 {
		res = e.syncNamed(ctx, trig)
	} else {
		res = e.syncUser(ctx, trig)
	}
	res.TriggerID = trig.ID
	res.Source = trig.Source

	span.SetAttributes(
		attribute.Int("sync.matchups", len(res.Outcomes)),
		attribute.Int("sync.failed", res.Failed()),
		attribute.Bool("sync.skipped", res.Skipped),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}
	if trig.OnComplete != nil {
		trig.OnComplete(res.Err)
	}
	return res
}

func (e *Engine) syncNamed(ctx context.Context, trig model.SyncTrigger) Result {
	ids := slices.Clone(trig.MatchupIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	outcomes := fanOut(ctx, len(ids), func(ctx context.Context, i int) Outcome {
		return e.orch.SyncByID(ctx, trig, ids[i])
	})
	return Result{Outcomes: outcomes, Err: joinErrors(outcomes)}
}

func (e *Engine) syncUser(ctx context.Context, trig model.SyncTrigger) Result {
	key := UserKey(trig.UserID)
	if !e.orch.throttle.Begin(key) {
		e.log.Debug("user sync skipped", "user_id", trig.UserID, "trigger", trig.Source, "last_success_age", e.orch.lastSuccessAge(key))
		return Result{Skipped: true}
	}

	matchups, err := e.orch.matchups.ListActiveMatchups(ctx, trig.UserID)
	if err != nil {
		e.orch.throttle.End(key, false)
		return Result{Err: fmt.Errorf("listing active matchups: %w", err)}
	}

	outcomes := fanOut(ctx, len(matchups), func(ctx context.Context, i int) Outcome {
		return e.orch.Sync(ctx, trig, matchups[i])
	})
	err = joinErrors(outcomes)
	e.orch.throttle.End(key, err == nil)
	return Result{Outcomes: outcomes, Err: err}
}

// Run drains the trigger queue until ctx is cancelled, then waits for
// in-flight triggers to finish.
func (e *Engine) Run(ctx context.Context) error {
	defer e.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case trig := <-e.triggers:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				res := e.Handle(ctx, trig)
				if res.Skipped {
					return
				}
				e.log.Info("trigger handled",
					"trigger_id", trig.ID,
					"trigger", trig.Source,
					"matchups", len(res.Outcomes),
					"failed", res.Failed(),
					"latency", time.Since(trig.ArrivedAt),
				)
			}()
		}
	}
}

// Schedule enqueues newTrigger() every interval until ctx is cancelled.
func (e *Engine) Schedule(ctx context.Context, interval time.Duration, newTrigger func() model.SyncTrigger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t := newTrigger()
			if !e.Enqueue(t) {
				e.log.Warn("trigger queue full, dropping trigger", "trigger", t.Source)
			}
		}
	}
}

// fanOut runs fn for 0..n-1 concurrently and waits for all of them. One
// matchup's failure does not cancel the others.
func fanOut(ctx context.Context, n int, fn func(ctx context.Context, i int) Outcome) []Outcome {
	out := make([]Outcome, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			out[i] = fn(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func joinErrors(outcomes []Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}
