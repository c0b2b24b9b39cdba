package health

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/healthrelay/internal/model"
)

const (
	otelScope          = "healthrelay/health"
	spanDispatch       = "health.dispatch"
	metricQueryFailure = "healthrelay.health.query.failures"
)

// Dispatcher fans a matchup's tracked metric kinds out to their
// [MetricQuery], waits for every one of them, and merges the union into the
// matchup's existing measurements. Create one with [NewDispatcher].
type Dispatcher struct {
	provider Provider
	queries  map[model.MetricKind]MetricQuery
	log      *slog.Logger

	tracer      trace.Tracer
	cntFailures metric.Int64Counter
}

// NewDispatcher creates a Dispatcher reading from p. Per-day failures are
// logged at debug level and counted.
func NewDispatcher(p Provider, cfg QueryConfig, logger *slog.Logger) *Dispatcher {
	meter := otel.Meter(otelScope)
	failures, err := meter.Int64Counter(metricQueryFailure,
		metric.WithDescription("Number of absorbed per-day provider query failures"))
	if err != nil {
		logger.Error("creating OTel counter", "name", metricQueryFailure, "error", err)
		failures = noop.Int64Counter{}
	}

	d := &Dispatcher{
		provider:    p,
		log:         logger,
		tracer:      otel.Tracer(otelScope),
		cntFailures: failures,
	}

	next := cfg.OnFailure
	cfg.OnFailure = func(kind model.MetricKind, day int, err error) {
		d.log.Debug("day query failed, omitting", "metric_kind", kind, "day", day, "error", err)
		d.cntFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("metric_kind", kind.String())))
		if next != nil {
			next(kind, day, err)
		}
	}
	d.queries = NewQueryTable(cfg)
	return d
}

// Query returns the table entry for kind.
func (d *Dispatcher) Query(kind model.MetricKind) (MetricQuery, bool) {
	q, ok := d.queries[kind]
	return q, ok
}

// UpdateMeasurements queries every tracked kind of mc for userID, days 0
// through mc.CurrentDayNumber, and returns mc with its measurements replaced
// by Merge(mc.Measurements, results). All other fields are unchanged.
func (d *Dispatcher) UpdateMeasurements(ctx context.Context, userID string, mc model.MatchupContext) (model.MatchupContext, error) {
	ctx, span := d.tracer.Start(ctx, spanDispatch, trace.WithAttributes(
		attribute.String("matchup.id", mc.ID),
		attribute.Int("matchup.current_day", mc.CurrentDayNumber),
	))
	defer span.End()

	authorized, err := d.provider.Authorized(ctx)
	if err != nil {
		span.RecordError(err)
		return mc, fmt.Errorf("%w: checking authorization: %w", ErrAggregation, err)
	}
	if !authorized {
		span.RecordError(ErrAuthorizationMissing)
		return mc, ErrAuthorizationMissing
	}

	kinds := d.resolve(mc.MetricKinds)
	results := make([][]model.Measurement, len(kinds))
	req := QueryRequest{
		UserID:           userID,
		MatchupID:        mc.ID,
		MatchupStart:     mc.Start,
		ThroughDayNumber: mc.CurrentDayNumber,
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range kinds {
		g.Go(func() error {
			ms, err := q.Execute(gctx, d.provider, req)
			if err != nil {
				return err
			}
			results[i] = ms
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return mc, fmt.Errorf("updating measurements for matchup %s: %w", mc.ID, err)
	}

	var incoming []model.Measurement
	for _, ms := range results {
		incoming = append(incoming, ms...)
	}

	merged := model.Merge(mc.Measurements, incoming)
	span.SetAttributes(
		attribute.Int("measurements.incoming", len(incoming)),
		attribute.Int("measurements.merged", len(merged)),
	)
	d.log.Debug("measurements updated",
		"matchup_id", mc.ID,
		"kinds", len(kinds),
		"incoming", len(incoming),
		"merged", len(merged),
	)
	return mc.WithMeasurements(merged), nil
}

// resolve maps tracked kinds to queries, dropping duplicates and kinds with
// no query.
func (d *Dispatcher) resolve(kinds []model.MetricKind) []MetricQuery {
	seen := make(map[model.MetricKind]bool, len(kinds))
	out := make([]MetricQuery, 0, len(kinds))
	for _, k := range kinds {
		if seen[k] {
			continue
		}
		seen[k] = true
		q, ok := d.Query(k)
		if !ok {
			d.log.Warn("no query for metric kind, skipping", "metric_kind", k)
			continue
		}
		out = append(out, q)
	}
	return out
}
